package watch

import (
	"regexp"
	"strings"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

// ViolationType classifies why a guardrail blocked an action.
type ViolationType string

const (
	ViolationDestructiveCommand      ViolationType = "destructive_command"
	ViolationPipeToShell             ViolationType = "pipe_to_shell"
	ViolationSecretAccess            ViolationType = "secret_access"
	ViolationPhaseNotAllowed         ViolationType = "phase_not_allowed"
	ViolationNoEvidenceAfterFailures ViolationType = "no_evidence_after_failures"
)

// GuardrailResult is one guard's verdict on a proposed action. Unlike a
// watcher Finding, a blocked GuardrailResult vetoes the action outright —
// it never just warns.
type GuardrailResult struct {
	Blocked bool
	Type    ViolationType
	Reason  string
}

// Guard evaluates a proposed action before it is taken.
type Guard func(episode *model.Episode, steps []*model.Step, action model.AttemptedAction, phase model.Phase, safety config.Safety) GuardrailResult

// PhaseAllowedActions maps each phase to the action types permitted in it.
// EXPLORE and PLAN are read-only by construction; execution only happens
// in EXECUTE, VALIDATE, SIMPLIFY, and DIAGNOSE (diagnostics may need to run a
// probe).
var PhaseAllowedActions = map[model.Phase][]model.ActionType{
	model.PhaseExplore:     {model.ActionReasoning, model.ActionQuestion, model.ActionWait},
	model.PhasePlan:        {model.ActionReasoning, model.ActionQuestion, model.ActionWait},
	model.PhaseExecute:     {model.ActionToolCall, model.ActionReasoning, model.ActionWait},
	model.PhaseValidate:    {model.ActionToolCall, model.ActionReasoning, model.ActionWait},
	model.PhaseDiagnose:    {model.ActionToolCall, model.ActionReasoning, model.ActionQuestion},
	model.PhaseSimplify:    {model.ActionToolCall, model.ActionReasoning},
	model.PhaseConsolidate: {model.ActionReasoning},
	model.PhaseEscalate:    {model.ActionReasoning, model.ActionQuestion},
	model.PhaseHalt:        {},
}

var diagnosticIntents = []string{"diagnose", "investigate", "inspect", "reproduce", "isolate"}

var destructiveCmdPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\b`),
	regexp.MustCompile(`(?i)\bgit\s+push\s+.*--force\b`),
	regexp.MustCompile(`(?i)\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`),
	regexp.MustCompile(`(?i)\btruncate\b`),
	regexp.MustCompile(`(?i):\(\)\{\s*:\|:&\s*\};:`), // fork bomb
}

var pipeToShellPattern = regexp.MustCompile(`(?i)(curl|wget)\s+.*\|\s*(sh|bash|zsh)\b`)

var secretPathPattern = regexp.MustCompile(`(?i)(\.env$|\.pem$|id_rsa$|\.ssh/|credentials\.json$|\.aws/credentials$|secrets?\.ya?ml$)`)

// HighRiskToolUseGuard blocks obviously destructive shell commands,
// curl/wget-pipe-to-shell patterns, and access to files that look like
// secret material, unless safety checks have been explicitly disabled.
func HighRiskToolUseGuard(episode *model.Episode, steps []*model.Step, action model.AttemptedAction, phase model.Phase, safety config.Safety) GuardrailResult {
	if !safety.GuardrailsEnabled {
		return GuardrailResult{}
	}

	cmd := action.Command
	for _, pattern := range destructiveCmdPatterns {
		if pattern.MatchString(cmd) {
			return GuardrailResult{Blocked: true, Type: ViolationDestructiveCommand, Reason: "command matches a known destructive pattern: " + cmd}
		}
	}

	if pipeToShellPattern.MatchString(cmd) {
		return GuardrailResult{Blocked: true, Type: ViolationPipeToShell, Reason: "command pipes a remote download directly into a shell: " + cmd}
	}

	if !safety.AllowSecretAccess && secretPathPattern.MatchString(action.FilePath) {
		return GuardrailResult{Blocked: true, Type: ViolationSecretAccess, Reason: "file path looks like it holds secret material: " + action.FilePath}
	}

	return GuardrailResult{}
}

// PhaseViolationGuard blocks an action whose type is not permitted in the
// episode's current phase.
func PhaseViolationGuard(episode *model.Episode, steps []*model.Step, action model.AttemptedAction, phase model.Phase, safety config.Safety) GuardrailResult {
	allowed := PhaseAllowedActions[phase]
	actionType := model.ActionToolCall
	if action.Tool == "" && action.Command == "" {
		actionType = model.ActionReasoning
	}
	for _, a := range allowed {
		if a == actionType {
			return GuardrailResult{}
		}
	}
	return GuardrailResult{
		Blocked: true,
		Type:    ViolationPhaseNotAllowed,
		Reason:  "action type is not permitted during " + string(phase),
	}
}

const evidenceBeforeModificationFailureThreshold = 2

// EvidenceBeforeModificationGuard blocks further edits to a file once it
// has failed twice without a diagnostic step (an intent matching
// diagnosticIntents) in between — it forces a look before the next poke.
func EvidenceBeforeModificationGuard(episode *model.Episode, steps []*model.Step, action model.AttemptedAction, phase model.Phase, safety config.Safety) GuardrailResult {
	if !model.IsEditTool(action.Tool) || action.FilePath == "" {
		return GuardrailResult{}
	}

	failedEdits := countFailedEdits(steps, action.FilePath)
	if failedEdits < evidenceBeforeModificationFailureThreshold {
		return GuardrailResult{}
	}
	if hasDiagnosticEvidence(steps, action.FilePath) {
		return GuardrailResult{}
	}

	return GuardrailResult{
		Blocked: true,
		Type:    ViolationNoEvidenceAfterFailures,
		Reason:  "two or more failed edits to this file with no diagnostic step in between",
	}
}

func countFailedEdits(steps []*model.Step, filePath string) int {
	count := 0
	for _, s := range steps {
		if s.Action.FilePath == filePath && model.IsEditTool(s.Action.Tool) && s.Evaluation == model.EvaluationFail {
			count++
		}
	}
	return count
}

// hasDiagnosticEvidence reports whether a diagnostic step happened after
// the most recent edit to filePath. The diagnostic step need not touch the
// file itself — reading logs or rerunning a test counts.
func hasDiagnosticEvidence(steps []*model.Step, filePath string) bool {
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.Action.FilePath == filePath && model.IsEditTool(s.Action.Tool) {
			return false
		}
		lower := strings.ToLower(s.Intent)
		for _, intent := range diagnosticIntents {
			if strings.Contains(lower, intent) {
				return true
			}
		}
	}
	return false
}

// AllGuards returns every guard in the fixed evaluation order.
func AllGuards() []Guard {
	return []Guard{HighRiskToolUseGuard, PhaseViolationGuard, EvidenceBeforeModificationGuard}
}

// CheckAll runs every guard and returns the first block encountered, or a
// non-blocking result if none fire.
func CheckAll(episode *model.Episode, steps []*model.Step, action model.AttemptedAction, phase model.Phase, safety config.Safety) GuardrailResult {
	for _, g := range AllGuards() {
		result := g(episode, steps, action, phase, safety)
		if result.Blocked {
			return result
		}
	}
	return GuardrailResult{}
}

// IsBlocked is a convenience wrapper for callers that only care about the
// boolean outcome.
func IsBlocked(episode *model.Episode, steps []*model.Step, action model.AttemptedAction, phase model.Phase, safety config.Safety) bool {
	return CheckAll(episode, steps, action, phase, safety).Blocked
}
