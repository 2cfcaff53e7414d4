package control

import (
	"testing"

	"github.com/vibeship/eidos/internal/eidos/model"
)

func TestCanTransitionAllowsExploreToPlan(t *testing.T) {
	if !CanTransition(model.PhaseExplore, model.PhasePlan) {
		t.Error("expected explore -> plan to be valid")
	}
}

func TestCanTransitionRejectsExploreToExecute(t *testing.T) {
	if CanTransition(model.PhaseExplore, model.PhaseExecute) {
		t.Error("expected explore -> execute to be rejected, planning cannot be skipped")
	}
}

func TestTransitionAllowsEscalateFromAnyPhase(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "criteria", model.DefaultBudget())
	episode.Phase = model.PhaseExplore
	if err := Transition(episode, model.PhaseEscalate); err != nil {
		t.Fatalf("unexpected error escalating from explore: %v", err)
	}
	if episode.Phase != model.PhaseEscalate {
		t.Errorf("expected phase to be escalate, got %s", episode.Phase)
	}
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "criteria", model.DefaultBudget())
	episode.Phase = model.PhasePlan
	if err := Transition(episode, model.PhaseConsolidate); err == nil {
		t.Error("expected plan -> consolidate to be rejected")
	}
}

func TestCanTransitionMatchesTableExactly(t *testing.T) {
	phases := []model.Phase{
		model.PhaseExplore, model.PhasePlan, model.PhaseExecute, model.PhaseValidate,
		model.PhaseConsolidate, model.PhaseDiagnose, model.PhaseSimplify,
		model.PhaseEscalate, model.PhaseHalt,
	}
	for _, from := range phases {
		allowed := map[model.Phase]bool{}
		for _, to := range ValidTransitions[from] {
			allowed[to] = true
		}
		for _, to := range phases {
			if got := CanTransition(from, to); got != allowed[to] {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, allowed[to])
			}
		}
	}
}

func TestSuggestPhaseExecutePassSuggestsValidate(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "criteria", model.DefaultBudget())
	episode.Phase = model.PhaseExecute
	step := &model.Step{Evaluation: model.EvaluationPass}

	phase, _ := SuggestPhase(episode, step)
	if phase != model.PhaseValidate {
		t.Errorf("execute+pass should suggest validate, got %s", phase)
	}
}

func TestSuggestPhaseValidatePassSuggestsConsolidate(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "criteria", model.DefaultBudget())
	episode.Phase = model.PhaseValidate
	step := &model.Step{Evaluation: model.EvaluationPass}

	phase, _ := SuggestPhase(episode, step)
	if phase != model.PhaseConsolidate {
		t.Errorf("validate+pass should suggest consolidate, got %s", phase)
	}
}

func TestSuggestPhaseFailOverRetryLimitSuggestsDiagnose(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "criteria", model.DefaultBudget())
	episode.Phase = model.PhaseExecute
	episode.RecordError("boom")
	episode.RecordError("boom")
	step := &model.Step{Evaluation: model.EvaluationFail}

	phase, _ := SuggestPhase(episode, step)
	if phase != model.PhaseDiagnose {
		t.Errorf("execute+fail over retry limit should suggest diagnose, got %s", phase)
	}
}

func TestSuggestPhaseBudgetExceededSuggestsHalt(t *testing.T) {
	budget := model.DefaultBudget()
	budget.MaxSteps = 3
	episode := model.NewEpisode("ep-1", "goal", "criteria", budget)
	episode.Phase = model.PhaseExecute
	episode.StepCount = 3

	phase, _ := SuggestPhase(episode, &model.Step{Evaluation: model.EvaluationPass})
	if phase != model.PhaseHalt {
		t.Errorf("exceeded budget should suggest halt, got %s", phase)
	}
}

func TestIsTerminalHaltHasNoOutboundTransitions(t *testing.T) {
	if !IsTerminal(model.PhaseHalt) {
		t.Error("expected halt to be terminal")
	}
	if IsTerminal(model.PhaseExplore) {
		t.Error("expected explore not to be terminal")
	}
}

func TestCheckBudgetForcesHaltWhenStepsExhausted(t *testing.T) {
	budget := model.DefaultBudget()
	budget.MaxSteps = 5
	episode := model.NewEpisode("ep-1", "goal", "criteria", budget)
	episode.StepCount = 5

	check := CheckBudget(episode)
	if !check.Exceeded || check.ForcedPhase != model.PhaseHalt {
		t.Errorf("expected budget check to force halt, got %+v", check)
	}
}

func TestValidateStepAcceptsExplicitValidation(t *testing.T) {
	step := &model.Step{Validated: true, ValidationMethod: "test:passed"}
	result := ValidateStep(step)
	if !result.Valid {
		t.Error("expected explicitly validated step to pass")
	}
}

func TestValidateStepAcceptsDeferredWithReason(t *testing.T) {
	step := &model.Step{ValidationMethod: "deferred:needs_deploy"}
	result := ValidateStep(step)
	if !result.Valid || !result.Deferred || result.DeferralReason != "needs_deploy" {
		t.Errorf("expected deferred validation to pass with reason, got %+v", result)
	}
}

func TestValidateStepRejectsDeferredWithoutReason(t *testing.T) {
	step := &model.Step{ValidationMethod: "deferred:"}
	result := ValidateStep(step)
	if result.Valid {
		t.Error("expected deferred validation without a reason to be rejected")
	}
}

func TestValidateStepRejectsMissingValidation(t *testing.T) {
	step := &model.Step{Result: "did the thing"}
	result := ValidateStep(step)
	if result.Valid {
		t.Error("expected unvalidated step to be rejected")
	}
}

func TestValidateBeforeEnvelopeRequiresAllFields(t *testing.T) {
	step := &model.Step{Intent: "fix the bug", Decision: "patch the handler"}
	if err := ValidateBeforeEnvelope(step); err == nil {
		t.Error("expected missing prediction to fail validation")
	}
}

func TestValidateAfterEnvelopeRequiresEvaluation(t *testing.T) {
	step := &model.Step{Result: "fixed it", Evaluation: model.EvaluationUnknown}
	if err := ValidateAfterEnvelope(step); err == nil {
		t.Error("expected unknown evaluation to fail validation")
	}
}

func TestIsPositiveValidationRecognizesTestPassed(t *testing.T) {
	if !IsPositiveValidation("test:passed") {
		t.Error("expected test:passed to be positive")
	}
	if IsNegativeValidation("test:passed") {
		t.Error("did not expect test:passed to be negative")
	}
}
