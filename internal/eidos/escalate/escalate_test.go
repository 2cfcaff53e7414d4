package escalate

import (
	"strings"
	"testing"

	"github.com/vibeship/eidos/internal/eidos/model"
)

func TestBuildCapsAttemptsAtFive(t *testing.T) {
	episode := model.NewEpisode("ep-1", "fix the flaky pipeline", "pipeline is green", model.DefaultBudget())
	var steps []*model.Step
	for i := 0; i < 8; i++ {
		steps = append(steps, &model.Step{
			StepID:     "s" + string(rune('0'+i)),
			Decision:   "retry the job",
			Result:     "still red",
			Evaluation: model.EvaluationFail,
		})
	}

	esc := Build(episode, steps, TypeLoop)
	if len(esc.Attempts) != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, len(esc.Attempts))
	}
}

func TestBuildExtractsLatestHypothesis(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "criteria", model.DefaultBudget())
	steps := []*model.Step{
		{StepID: "s1", Hypothesis: "it's a race condition"},
		{StepID: "s2", Hypothesis: "it's a stale cache entry"},
	}
	esc := Build(episode, steps, TypeConfidence)
	if esc.Hypothesis != "it's a stale cache entry" {
		t.Errorf("expected latest hypothesis, got %q", esc.Hypothesis)
	}
}

func TestGenerateOptionsCapsAtFour(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "criteria", model.DefaultBudget())
	esc := Build(episode, nil, TypeBudget)
	if len(esc.Options) > maxOptions {
		t.Errorf("expected at most %d options, got %d", maxOptions, len(esc.Options))
	}
}

func TestDetermineRequestTypeMapsBudgetToDecision(t *testing.T) {
	if determineRequestType(TypeBudget) != RequestDecision {
		t.Error("expected budget escalation to request a decision")
	}
}

func TestToMarkdownIncludesGoalAndOptions(t *testing.T) {
	episode := model.NewEpisode("ep-1", "migrate the queue", "criteria", model.DefaultBudget())
	esc := Build(episode, nil, TypeBudget)
	md := esc.ToMarkdown()
	if !strings.Contains(md, "migrate the queue") {
		t.Error("expected markdown to include the goal")
	}
	if !strings.Contains(md, "Suggested options") {
		t.Error("expected markdown to include suggested options section")
	}
}
