package eidos

import (
	"fmt"
	"strings"
	"time"

	"github.com/vibeship/eidos/internal/eidos/model"
	"github.com/vibeship/eidos/internal/eidos/state"
)

// The session API is the surface the host agent's hook shim actually
// calls: everything is keyed by the agent's opaque session id, and the
// pre/post halves of a tool call are bridged through the session state
// files so they survive a process boundary in between.

// GetOrCreateSessionEpisode resolves a session to its in-progress episode,
// creating one when the session has none. A pending goal captured before
// the episode existed is consumed here; with no goal at all the episode
// starts under a generic placeholder that UpdateSessionGoal may replace.
func (ec *EidosContext) GetOrCreateSessionEpisode(sessionID, goal, cwd string) (*model.Episode, error) {
	if ec.sessions == nil {
		return nil, fmt.Errorf("eidos: session api: no session state directory configured")
	}

	if episodeID, ok := ec.sessions.ActiveEpisode(sessionID); ok {
		episode, err := ec.store.GetEpisode(episodeID)
		if err == nil && episode.Outcome == model.OutcomeInProgress {
			return episode, nil
		}
	}

	if goal == "" {
		if pending, ok := ec.sessions.PendingGoal(sessionID); ok {
			goal = pending
			_ = ec.sessions.ClearPendingGoal(sessionID)
		}
	}
	if goal == "" {
		goal = fmt.Sprintf("session in %s", cwd)
	}

	episode, err := ec.GetOrCreateEpisode("", goal, "")
	if err != nil {
		return nil, err
	}
	if err := ec.sessions.SetActiveEpisode(sessionID, episode.EpisodeID); err != nil {
		ec.logger.Warn("binding session to episode failed", "session_id", sessionID, "error", err)
	}
	return episode, nil
}

// UpdateSessionGoal replaces a session episode's goal, but only when the
// current goal is a generic placeholder. With no episode yet, the goal
// parks as a pending goal for the episode that will come.
func (ec *EidosContext) UpdateSessionGoal(sessionID, goal string) error {
	if ec.sessions == nil {
		return fmt.Errorf("eidos: session api: no session state directory configured")
	}
	if episodeID, ok := ec.sessions.ActiveEpisode(sessionID); ok {
		return ec.UpdateEpisodeGoal(episodeID, goal)
	}
	return ec.sessions.SetPendingGoal(sessionID, goal)
}

// CompleteSessionEpisode closes a session's episode and unbinds the
// session. The outcome still goes through CompleteEpisode's inference
// check against the step record.
func (ec *EidosContext) CompleteSessionEpisode(sessionID string, outcome model.Outcome, finalEvaluation string) (*model.Episode, error) {
	if ec.sessions == nil {
		return nil, fmt.Errorf("eidos: session api: no session state directory configured")
	}
	episodeID, ok := ec.sessions.ActiveEpisode(sessionID)
	if !ok {
		return nil, fmt.Errorf("eidos: session api: no active episode for session %s", sessionID)
	}

	if _, err := ec.CompleteEpisode(episodeID, outcome, finalEvaluation); err != nil {
		return nil, err
	}
	_ = ec.sessions.ClearActiveEpisode(sessionID)
	_ = ec.sessions.ClearActiveStep(sessionID)
	return ec.store.GetEpisode(episodeID)
}

// SessionStepBefore is the pre-tool hook entry: it shapes the tool call
// into a step envelope, runs the control plane's before-action check, and
// writes the handoff record the post hook will pick up. The step row
// persists even when the decision says not-allowed.
func (ec *EidosContext) SessionStepBefore(sessionID, tool string, input map[string]string, prediction, traceID string) (*model.Step, *ControlDecision, error) {
	episode, err := ec.GetOrCreateSessionEpisode(sessionID, "", input["cwd"])
	if err != nil {
		return nil, nil, err
	}

	if prediction == "" {
		prediction = fmt.Sprintf("%s completes without error", tool)
	}
	action := actionFromInput(tool, input)
	before := BeforeAction{
		Intent:     intentForTool(tool, action),
		Decision:   decisionForTool(tool, action),
		Hypothesis: fmt.Sprintf("using %s here moves the goal %q forward", tool, episode.Goal),
		Prediction: prediction,
		Confidence: 0.5,
		TraceID:    traceID,
		Action:     action,
		// The hook surfaces retrieved distillations to the agent as
		// advice, which counts as citation; with nothing retrieved the
		// absence is declared instead of silently skipped.
		AutoCiteMemory: true,
	}

	step, decision, err := ec.CreateStepBeforeAction(episode.EpisodeID, before)
	if err != nil {
		return nil, nil, err
	}

	handoff := state.StepHandoff{
		StepID:                   step.StepID,
		EpisodeID:                episode.EpisodeID,
		ToolName:                 tool,
		Prediction:               prediction,
		TraceID:                  step.TraceID,
		Intent:                   step.Intent,
		Decision:                 step.Decision,
		ActionDetails:            input,
		RetrievedDistillationIDs: step.RetrievedMemories,
		Timestamp:                time.Now(),
	}
	if err := ec.sessions.SetActiveStep(sessionID, handoff); err != nil {
		ec.logger.Warn("writing step handoff failed", "session_id", sessionID, "error", err)
	}

	return step, decision, nil
}

// SessionStepAfter is the post-tool hook entry: it consumes the handoff,
// evaluates the outcome, computes surprise against the prediction,
// extracts a lesson, completes the step, and archives the tool output as
// evidence.
func (ec *EidosContext) SessionStepAfter(sessionID, tool string, success bool, result, errText string) (*model.Step, error) {
	if ec.sessions == nil {
		return nil, fmt.Errorf("eidos: session api: no session state directory configured")
	}
	handoff, ok := ec.sessions.ActiveStep(sessionID)
	if !ok {
		return nil, fmt.Errorf("eidos: session api: no in-flight step for session %s", sessionID)
	}
	defer func() { _ = ec.sessions.ClearActiveStep(sessionID) }()

	evaluation := model.EvaluationPass
	if !success {
		evaluation = model.EvaluationFail
	}
	outcomeText := result
	if !success && errText != "" {
		outcomeText = errText
	}

	after := AfterAction{
		Result:               truncateResult(outcomeText),
		ValidationEvidence:   truncateResult(result),
		Evaluation:           evaluation,
		SurpriseLevel:        computeSurprise(handoff.Prediction, success),
		Lesson:               extractLesson(tool, success, outcomeText),
		Confidence:           confidenceForOutcome(success),
		MemoryCited:          len(handoff.RetrievedDistillationIDs) > 0,
		MemoryAbsentDeclared: len(handoff.RetrievedDistillationIDs) == 0,
		Validated:            true,
		ValidationMethod:     validationMethodForOutcome(success),
		EvidenceGathered:     strings.TrimSpace(result) != "" || strings.TrimSpace(errText) != "",
		ProgressMade:         success,
	}

	completion, err := ec.CompleteStepAfterAction(handoff.StepID, after)
	if err != nil {
		return nil, err
	}

	if after.EvidenceGathered {
		if _, err := ec.SaveEvidence(handoff.StepID, tool, outcomeText); err != nil {
			ec.logger.Warn("saving step evidence failed", "step_id", handoff.StepID, "error", err)
		}
	}

	return completion.Step, nil
}

// SessionShouldBlock runs the guardrails for a proposed tool call without
// creating a step. An empty reason means the action may proceed.
func (ec *EidosContext) SessionShouldBlock(sessionID, tool string, input map[string]string) (string, error) {
	if ec.sessions == nil {
		return "", fmt.Errorf("eidos: session api: no session state directory configured")
	}
	episodeID, ok := ec.sessions.ActiveEpisode(sessionID)
	if !ok {
		return "", nil
	}
	result, err := ec.ShouldBlockAction(episodeID, actionFromInput(tool, input))
	if err != nil {
		return "", err
	}
	if result.Blocked {
		return result.Reason, nil
	}
	return "", nil
}

func actionFromInput(tool string, input map[string]string) model.AttemptedAction {
	return model.AttemptedAction{
		Tool:      tool,
		ToolUsed:  tool,
		FilePath:  input["file_path"],
		Command:   input["command"],
		ExtraTags: input,
	}
}

func intentForTool(tool string, action model.AttemptedAction) string {
	switch {
	case action.FilePath != "":
		return fmt.Sprintf("%s %s", tool, action.FilePath)
	case action.Command != "":
		return fmt.Sprintf("%s: %s", tool, firstWords(action.Command, 8))
	default:
		return fmt.Sprintf("use %s", tool)
	}
}

func decisionForTool(tool string, action model.AttemptedAction) string {
	if action.Command != "" {
		return fmt.Sprintf("Execute: %s", action.Command)
	}
	if action.FilePath != "" {
		return fmt.Sprintf("%s %s", tool, action.FilePath)
	}
	return fmt.Sprintf("invoke %s", tool)
}

// computeSurprise measures the distance between prediction and outcome.
// A prediction that expected success failing is maximally informative; a
// predicted failure passing is nearly as surprising; matching outcomes
// are routine.
func computeSurprise(prediction string, success bool) float64 {
	expectedFailure := strings.Contains(strings.ToLower(prediction), "fail")
	switch {
	case success == !expectedFailure:
		return 0.1
	case !success:
		return 0.8
	default:
		return 0.7
	}
}

func confidenceForOutcome(success bool) float64 {
	if success {
		return 0.7
	}
	return 0.3
}

func validationMethodForOutcome(success bool) string {
	if success {
		return "output:expected"
	}
	return "error:persists"
}

// extractLesson distills a one-line lesson from a tool outcome. Failures
// carry the error's first line; routine successes carry nothing, so the
// memory gate has nothing to over-score.
func extractLesson(tool string, success bool, outcome string) string {
	if success {
		return ""
	}
	line := outcome
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return fmt.Sprintf("%s failed without output", tool)
	}
	return fmt.Sprintf("%s failed: %s", tool, firstWords(line, 20))
}

const maxResultLength = 2000

func truncateResult(s string) string {
	if len(s) <= maxResultLength {
		return s
	}
	return s[:maxResultLength]
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
