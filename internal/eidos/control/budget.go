package control

import "github.com/vibeship/eidos/internal/eidos/model"

// BudgetCheck reports the control plane's verdict on an episode's current
// resource usage.
type BudgetCheck struct {
	Exceeded    bool
	Reason      string
	ForcedPhase model.Phase
}

// CheckBudget inspects an episode's budget usage and returns whether the
// control plane must force a HALT. Budget exhaustion always forces HALT —
// it is never a warning, because the alternative is an episode that keeps
// spending after its limits say it shouldn't.
func CheckBudget(episode *model.Episode) BudgetCheck {
	if episode.IsBudgetExceeded() {
		return BudgetCheck{
			Exceeded:    true,
			Reason:      "step or time budget exhausted",
			ForcedPhase: model.PhaseHalt,
		}
	}
	return BudgetCheck{}
}

// FrozenFileCheck reports whether a proposed edit targets a file that has
// already been touched past the episode's per-file limit.
func FrozenFileCheck(episode *model.Episode, filePath string) bool {
	return episode.IsFileFrozen(filePath)
}
