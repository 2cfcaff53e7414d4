// Package escape implements the escape protocol: the deterministic
// freeze-summarize-isolate-flip routine that runs when the watchers say an
// episode is stuck. It never reasons about the problem itself — it reframes
// the situation, proposes discriminating hypotheses, forces a phase change,
// and always leaves a learning artifact behind.
package escape

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
	"github.com/vibeship/eidos/internal/eidos/watch"
)

// escapeDomain tags every learning artifact the protocol produces, so a
// later retrieval can tell escape-derived rules from episode-derived ones.
const escapeDomain = "escape_protocol"

// Summary freezes the episode's situation at the moment the protocol fired.
type Summary struct {
	Goal           string
	StepsTaken     int
	Phase          model.Phase
	UniqueErrors   int
	RecentFailures []string
}

// Result is the protocol's full output: the frozen summary, the isolated
// failing unit, the flipped question, up to three hypotheses with one
// discriminating test, the forced next phase, and the mandatory learning
// artifact.
type Result struct {
	Reason              string
	Summary             Summary
	SmallestFailingUnit string
	FlippedQuestion     string
	Hypotheses          []string
	DiscriminatingTest  string
	NewPhase            model.Phase
	LearningArtifact    *model.Distillation
}

// ShouldTrigger decides whether the protocol fires for this step. Any one
// condition suffices: a watcher that has fired repeatedly, most of the
// budget gone, or multiple force-severity alerts at once.
func ShouldTrigger(engine *watch.Engine, episode *model.Episode, findings []watch.Finding, cfg config.Escape) (bool, string) {
	for _, name := range []watch.Name{
		watch.RepeatFailure, watch.NoNewEvidence, watch.DiffThrash,
		watch.ConfidenceStagnation, watch.MemoryBypass, watch.BudgetHalfNoProgress,
		watch.ScopeCreep, watch.ValidationGap, watch.TraceGap,
	} {
		if engine != nil && engine.CountTriggers(name) >= cfg.WatcherRepeatCount {
			return true, fmt.Sprintf("watcher %s has fired %d times", name, engine.CountTriggers(name))
		}
	}

	if episode.BudgetFractionUsed() > cfg.BudgetFraction {
		return true, fmt.Sprintf("%.0f%% of budget used", episode.BudgetFractionUsed()*100)
	}

	forceCount := 0
	for _, f := range findings {
		if f.Severity == watch.SeverityForce {
			forceCount++
		}
	}
	if forceCount >= cfg.ForceAlertCount {
		return true, fmt.Sprintf("%d force-severity alerts in one step", forceCount)
	}

	return false, ""
}

// Execute runs the protocol against the episode's step history. The
// returned learning artifact must be persisted by the caller even if the
// episode makes no further progress — the protocol's whole point is that
// getting stuck teaches something.
func Execute(episode *model.Episode, steps []*model.Step, reason string, cfg config.Escape) *Result {
	failed := failedSteps(steps)

	r := &Result{
		Reason: reason,
		Summary: Summary{
			Goal:           episode.Goal,
			StepsTaken:     episode.StepCount,
			Phase:          episode.Phase,
			UniqueErrors:   len(episode.ErrorCounts),
			RecentFailures: recentFailureDecisions(failed, 3),
		},
	}

	r.SmallestFailingUnit = smallestFailingUnit(failed)
	r.FlippedQuestion = flipQuestion(steps)
	r.Hypotheses = buildHypotheses(steps, failed)
	if len(r.Hypotheses) > 0 {
		r.DiscriminatingTest = fmt.Sprintf("verify %q directly", r.Hypotheses[0])
	}

	if episode.StuckCount >= cfg.StuckEscalateCount {
		r.NewPhase = model.PhaseEscalate
	} else {
		r.NewPhase = model.PhaseDiagnose
	}

	r.LearningArtifact = learningArtifact(episode, failed, cfg)
	return r
}

func failedSteps(steps []*model.Step) []*model.Step {
	var failed []*model.Step
	for _, s := range steps {
		if s.Evaluation == model.EvaluationFail {
			failed = append(failed, s)
		}
	}
	return failed
}

func recentFailureDecisions(failed []*model.Step, n int) []string {
	if len(failed) > n {
		failed = failed[len(failed)-n:]
	}
	var out []string
	for _, s := range failed {
		out = append(out, s.Decision)
	}
	return out
}

// smallestFailingUnit isolates where the failure concentrates: the file
// most often touched by failed steps, or the most recent failed decision
// when no file stands out.
func smallestFailingUnit(failed []*model.Step) string {
	counts := map[string]int{}
	for _, s := range failed {
		if s.Action.FilePath != "" {
			counts[s.Action.FilePath]++
		}
	}
	var top string
	var topCount int
	for path, count := range counts {
		if count > topCount {
			top, topCount = path, count
		}
	}
	if top != "" {
		return top
	}
	if len(failed) > 0 {
		return failed[len(failed)-1].Decision
	}
	return ""
}

// flipQuestion inverts the episode's frame: attack the first standing
// assumption, or — with none recorded — ask what would make the latest
// decision impossible.
func flipQuestion(steps []*model.Step) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if len(steps[i].Assumptions) > 0 {
			return fmt.Sprintf("What if assumption %q is wrong?", steps[i].Assumptions[0])
		}
	}
	if len(steps) > 0 {
		return fmt.Sprintf("What would make %q impossible?", steps[len(steps)-1].Decision)
	}
	return "What would make the current approach impossible?"
}

func buildHypotheses(steps, failed []*model.Step) []string {
	var hypotheses []string
	for i := len(steps) - 1; i >= 0; i-- {
		if len(steps[i].Assumptions) > 0 {
			hypotheses = append(hypotheses, fmt.Sprintf("the assumption %q is false", steps[i].Assumptions[0]))
			break
		}
	}
	if len(failed) > 0 {
		hypotheses = append(hypotheses, "the fix is being applied at the wrong layer of abstraction")
	}
	hypotheses = append(hypotheses, "a prerequisite is missing and every attempt fails before it starts")
	if len(hypotheses) > 3 {
		hypotheses = hypotheses[:3]
	}
	return hypotheses
}

// learningArtifact produces the mandatory distillation: a sharp edge when
// an error keeps repeating, an anti-pattern when decisions keep failing,
// a heuristic otherwise. Statements generalize — tool names instead of
// literal commands, error prefixes instead of full traces, never file
// paths.
func learningArtifact(episode *model.Episode, failed []*model.Step, cfg config.Escape) *model.Distillation {
	d := &model.Distillation{
		DistillationID: uuid.NewString(),
		Confidence:     cfg.ArtifactConfidence,
		Domains:        []string{escapeDomain},
	}

	if sig, count := mostRepeatedError(episode); count >= 2 {
		d.Kind = model.DistillationSharpEdge
		d.Statement = fmt.Sprintf("When error '%s' occurs twice, stop and diagnose the root cause instead of retrying the same move.", errorText(sig))
		d.Triggers = []string{errorText(sig)}
		return d
	}

	if len(failed) > 0 {
		pattern := generalizeDecision(failed[len(failed)-1])
		d.Kind = model.DistillationAntiPattern
		d.Statement = fmt.Sprintf("When repeated %s fail, the approach is wrong; change it rather than rerunning variations.", pattern)
		d.AntiTriggers = []string{strings.Trim(pattern, "'")}
		return d
	}

	d.Kind = model.DistillationHeuristic
	d.Statement = fmt.Sprintf("When an episode burns most of its budget without progress on a goal like %q, freeze and shrink to the smallest failing unit before spending more steps.", generalizeGoal(episode.Goal))
	return d
}

func mostRepeatedError(episode *model.Episode) (string, int) {
	var sig string
	var count int
	for s, c := range episode.ErrorCounts {
		if c > count {
			sig, count = s, c
		}
	}
	return sig, count
}

// errorText strips the tool prefix off an error signature, leaving the
// error message prefix itself.
func errorText(signature string) string {
	if idx := strings.Index(signature, ":"); idx >= 0 && idx+1 < len(signature) {
		return strings.TrimSpace(signature[idx+1:])
	}
	return signature
}

// shellNoise are command words that carry no information about what a
// command actually does.
var shellNoise = map[string]bool{
	"cd": true, "sudo": true, "env": true, "exec": true, "time": true, "nohup": true,
}

// generalizeDecision reduces a failed decision to a tool-name pattern:
// "cd /repo && find . -name '*.py'" becomes "'find' commands". Literal
// arguments and paths never survive into a distillation statement.
func generalizeDecision(step *model.Step) string {
	if tool := step.Action.ToolUsed; tool != "" && !strings.EqualFold(tool, "bash") {
		return fmt.Sprintf("'%s' calls", tool)
	}

	command := step.Action.Command
	if command == "" {
		command = step.Decision
	}
	for _, segment := range strings.FieldsFunc(command, func(r rune) bool { return r == '&' || r == '|' || r == ';' }) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		word := strings.ToLower(fields[0])
		if shellNoise[word] || strings.ContainsAny(word, "/\\:") {
			continue
		}
		return fmt.Sprintf("'%s' commands", word)
	}
	return "attempts of this kind"
}

// generalizeGoal trims a goal down to its first few words so the artifact
// stays recognizable without memorizing the whole episode.
func generalizeGoal(goal string) string {
	words := strings.Fields(goal)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
