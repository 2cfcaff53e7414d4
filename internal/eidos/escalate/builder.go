package escalate

import (
	"fmt"

	"github.com/vibeship/eidos/internal/eidos/model"
)

const (
	maxAttempts = 5
	maxEvidence = 5
)

// Build assembles an Escalation from an episode's step history. escType
// classifies why the episode is stuck; the request type and suggested
// options are derived from it.
func Build(episode *model.Episode, steps []*model.Step, escType Type) *Escalation {
	e := &Escalation{
		EpisodeID:       episode.EpisodeID,
		Type:            escType,
		Goal:            episode.Goal,
		ProgressSummary: summarizeProgress(episode, steps),
		Attempts:        extractAttempts(steps),
		EvidenceSeen:    extractEvidence(steps),
		Hypothesis:      extractHypothesis(steps),
	}
	e.RequestType = determineRequestType(escType)
	e.Options = generateOptions(escType, episode)
	return e
}

// extractAttempts returns the last maxAttempts failed steps, most recent last.
func extractAttempts(steps []*model.Step) []Attempt {
	var failed []*model.Step
	for _, s := range steps {
		if s.Evaluation == model.EvaluationFail {
			failed = append(failed, s)
		}
	}
	if len(failed) > maxAttempts {
		failed = failed[len(failed)-maxAttempts:]
	}

	var out []Attempt
	for _, s := range failed {
		out = append(out, Attempt{Decision: s.Decision, Result: s.Result, Evaluation: string(s.Evaluation)})
	}
	return out
}

// extractEvidence returns the last maxEvidence steps that carry a lesson.
func extractEvidence(steps []*model.Step) []Evidence {
	var withLesson []*model.Step
	for _, s := range steps {
		if s.Lesson != "" {
			withLesson = append(withLesson, s)
		}
	}
	if len(withLesson) > maxEvidence {
		withLesson = withLesson[len(withLesson)-maxEvidence:]
	}

	var out []Evidence
	for _, s := range withLesson {
		out = append(out, Evidence{StepID: s.StepID, Lesson: s.Lesson})
	}
	return out
}

// extractHypothesis returns the most recent step's stated hypothesis, the
// episode's current best guess at what's wrong.
func extractHypothesis(steps []*model.Step) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Hypothesis != "" {
			return steps[i].Hypothesis
		}
	}
	return ""
}

func determineRequestType(t Type) RequestType {
	switch t {
	case TypeBudget:
		return RequestDecision
	case TypeLoop:
		return RequestHelp
	case TypeConfidence:
		return RequestReview
	case TypeBlocked:
		return RequestInfo
	default:
		return RequestHelp
	}
}

func summarizeProgress(episode *model.Episode, steps []*model.Step) string {
	passed := 0
	for _, s := range steps {
		if s.Evaluation == model.EvaluationPass {
			passed++
		}
	}
	return fmt.Sprintf("%d of %d steps succeeded toward %q before escalation.", passed, len(steps), episode.Goal)
}

// generateOptions proposes up to maxOptions candidate paths forward, capped
// because an escalation that offers ten tradeoffs is not actually helping.
func generateOptions(t Type, episode *model.Episode) []SuggestedOption {
	var options []SuggestedOption

	switch t {
	case TypeBudget:
		options = append(options,
			SuggestedOption{Label: "Extend the budget", Tradeoff: "unblocks progress now but risks masking a deeper problem"},
			SuggestedOption{Label: "Halt and report partial progress", Tradeoff: "preserves what was learned without further spend"},
		)
	case TypeLoop:
		options = append(options,
			SuggestedOption{Label: "Force a DIAGNOSE phase", Tradeoff: "slower but breaks the repeat-failure cycle"},
			SuggestedOption{Label: "Simplify the goal", Tradeoff: "narrows scope, may not satisfy the original ask"},
		)
	case TypeConfidence:
		options = append(options,
			SuggestedOption{Label: "Request a second opinion on the hypothesis", Tradeoff: "costs a round-trip but avoids committing to a weak guess"},
		)
	case TypeBlocked:
		options = append(options,
			SuggestedOption{Label: "Provide the missing information", Tradeoff: "fastest path forward if the human has it on hand"},
		)
	}

	options = append(options, SuggestedOption{Label: "Halt the episode", Tradeoff: "always available, guarantees no further cost"})

	if len(options) > maxOptions {
		options = options[:maxOptions]
	}
	return options
}
