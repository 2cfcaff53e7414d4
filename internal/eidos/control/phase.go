// Package control implements the phase state machine, budget enforcement,
// and step-envelope validation that together form EIDOS's control plane.
// None of this is left to the model's judgment: phase transitions, budget
// halts, and envelope completeness are all mechanically enforced here.
package control

import (
	"fmt"

	"github.com/vibeship/eidos/internal/eidos/model"
)

// ValidTransitions is the phase state machine's transition table. A phase
// not present here, or a destination not in its list, is not reachable.
var ValidTransitions = map[model.Phase][]model.Phase{
	model.PhaseExplore:     {model.PhasePlan, model.PhaseEscalate, model.PhaseHalt},
	model.PhasePlan:        {model.PhaseExecute, model.PhaseEscalate, model.PhaseHalt},
	model.PhaseExecute:     {model.PhaseValidate, model.PhaseEscalate, model.PhaseHalt},
	model.PhaseValidate:    {model.PhaseExecute, model.PhaseConsolidate, model.PhaseDiagnose, model.PhaseEscalate, model.PhaseHalt},
	model.PhaseConsolidate: {model.PhaseExplore, model.PhaseHalt},
	model.PhaseDiagnose:    {model.PhaseSimplify, model.PhasePlan, model.PhaseEscalate, model.PhaseHalt},
	model.PhaseSimplify:    {model.PhaseDiagnose, model.PhasePlan, model.PhaseEscalate, model.PhaseHalt},
	model.PhaseEscalate:    {model.PhaseHalt},
	model.PhaseHalt:        {},
}

// TransitionError reports an attempted phase transition the state machine
// does not permit.
type TransitionError struct {
	From model.Phase
	To   model.Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("control: %s -> %s is not a valid phase transition", e.From, e.To)
}

// CanTransition reports whether moving from `from` to `to` is permitted.
func CanTransition(from, to model.Phase) bool {
	for _, p := range ValidTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Transition moves an episode to a new phase, enforcing the state machine.
// HALT and ESCALATE are never blocked regardless of the current phase's
// transition list, matching the original's "any phase can halt or escalate
// on budget/safety" carve-out — everything else must appear in the table.
func Transition(episode *model.Episode, to model.Phase) error {
	from := episode.Phase
	if to == model.PhaseHalt || to == model.PhaseEscalate {
		episode.Phase = to
		return nil
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	episode.Phase = to
	return nil
}

// IsTerminal reports whether a phase has no further transitions.
func IsTerminal(phase model.Phase) bool {
	return len(ValidTransitions[phase]) == 0
}

// SuggestPhase proposes the episode's next phase from its current phase
// and the step that just completed. The suggestion is advisory — callers
// apply it through Transition, or override it with a forced transition.
func SuggestPhase(episode *model.Episode, step *model.Step) (model.Phase, string) {
	if episode.IsBudgetExceeded() {
		return model.PhaseHalt, "budget exhausted"
	}

	switch episode.Phase {
	case model.PhaseExecute:
		switch step.Evaluation {
		case model.EvaluationPass:
			return model.PhaseValidate, "execution passed, verify it"
		case model.EvaluationFail:
			for errSig := range episode.ErrorCounts {
				if episode.IsErrorLimitExceeded(errSig) {
					return model.PhaseDiagnose, "error retry limit reached"
				}
			}
		}
	case model.PhaseValidate:
		if step.Evaluation == model.EvaluationPass {
			return model.PhaseConsolidate, "validation passed, consolidate"
		}
	}

	return episode.Phase, ""
}
