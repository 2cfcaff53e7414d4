// Package watch implements the nine loss-of-progress watchers that monitor
// an episode as it runs and the supplemental guardrails that block
// individual actions outright. Watchers observe; guardrails veto.
package watch

import (
	"fmt"
	"sync"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

// Severity classifies how a watcher's finding should affect control flow.
// WARNING is informational, BLOCK refuses the action, FORCE refuses it and
// moves the episode into the watcher's required phase.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityBlock   Severity = "block"
	SeverityForce   Severity = "force"
)

// Name identifies a watcher.
type Name string

const (
	RepeatFailure        Name = "repeat_failure"
	NoNewEvidence        Name = "no_new_evidence"
	DiffThrash           Name = "diff_thrash"
	ConfidenceStagnation Name = "confidence_stagnation"
	MemoryBypass         Name = "memory_bypass"
	BudgetHalfNoProgress Name = "budget_half_no_progress"
	ScopeCreep           Name = "scope_creep"
	ValidationGap        Name = "validation_gap"
	TraceGap             Name = "trace_gap"
)

// Finding is one watcher's verdict for the current step.
type Finding struct {
	Watcher        Name
	Triggered      bool
	Severity       Severity
	Message        string
	ForcedPhase    model.Phase
	RequiredOutput string
}

// Blocking reports whether this finding should refuse the proposed action.
func (f Finding) Blocking() bool {
	return f.Triggered && (f.Severity == SeverityBlock || f.Severity == SeverityForce)
}

// Input is the snapshot a watcher evaluation runs against. Steps are the
// episode's completed steps in chronological order; Current is the step
// under consideration and may not have after-action fields yet.
type Input struct {
	Episode       *model.Episode
	Steps         []*model.Step
	Current       *model.Step
	MemoriesExist bool
}

// Watcher evaluates one loss-of-progress signal against the snapshot.
type Watcher func(in Input, cfg config.Watchers) Finding

// All returns every watcher in the fixed evaluation order.
func All() []Watcher {
	return []Watcher{
		CheckRepeatFailure,
		CheckNoNewEvidence,
		CheckDiffThrash,
		CheckConfidenceStagnation,
		CheckMemoryBypass,
		CheckBudgetHalfNoProgress,
		CheckScopeCreep,
		CheckValidationGap,
		CheckTraceGap,
	}
}

// Evaluate runs every watcher against the snapshot and returns only the
// findings that triggered. Stateless; use an Engine when trigger history
// matters (the escape protocol does).
func Evaluate(in Input, cfg config.Watchers) []Finding {
	var triggered []Finding
	for _, w := range All() {
		f := w(in, cfg)
		if f.Triggered {
			triggered = append(triggered, f)
		}
	}
	return triggered
}

// Engine wraps Evaluate with a bounded alert history so the escape
// protocol can ask how often a watcher has fired this episode. Safe for
// concurrent callers.
type Engine struct {
	mu      sync.Mutex
	cfg     config.Watchers
	history []Finding
	counts  map[Name]int
}

// NewEngine constructs an Engine with an empty history.
func NewEngine(cfg config.Watchers) *Engine {
	return &Engine{cfg: cfg, counts: map[Name]int{}}
}

// Evaluate runs every watcher, records the triggered findings in the
// engine's history, and returns them.
func (e *Engine) Evaluate(in Input) []Finding {
	triggered := Evaluate(in, e.cfg)

	e.mu.Lock()
	defer e.mu.Unlock()
	capacity := e.cfg.AlertHistoryCapacity
	if capacity <= 0 {
		capacity = 2000
	}
	for _, f := range triggered {
		e.counts[f.Watcher]++
		e.history = append(e.history, f)
	}
	if len(e.history) > capacity {
		e.history = e.history[len(e.history)-capacity:]
	}
	return triggered
}

// CountTriggers reports how many times a watcher has fired through this
// engine.
func (e *Engine) CountTriggers(name Name) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[name]
}

// History returns a copy of the recorded findings, oldest first.
func (e *Engine) History() []Finding {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Finding, len(e.history))
	copy(out, e.history)
	return out
}

// CheckRepeatFailure fires when any error signature has recurred at least
// repeat-failure-threshold times: the same move is being tried again without a
// changed hypothesis.
func CheckRepeatFailure(in Input, cfg config.Watchers) Finding {
	for sig, count := range in.Episode.ErrorCounts {
		if count >= cfg.RepeatFailureThreshold {
			return Finding{
				Watcher:        RepeatFailure,
				Triggered:      true,
				Severity:       SeverityForce,
				Message:        fmt.Sprintf("error %q has recurred %d times without a new approach", sig, count),
				ForcedPhase:    model.PhaseDiagnose,
				RequiredOutput: "new hypothesis and a discriminating test",
			}
		}
	}
	return Finding{Watcher: RepeatFailure}
}

// CheckNoNewEvidence fires when the episode has gone past its no-evidence
// budget without gathering anything that could validate its decisions.
func CheckNoNewEvidence(in Input, cfg config.Watchers) Finding {
	if in.Episode.IsNoEvidenceLimitExceeded() {
		return Finding{
			Watcher:        NoNewEvidence,
			Triggered:      true,
			Severity:       SeverityForce,
			Message:        fmt.Sprintf("no new evidence gathered in %d consecutive steps", in.Episode.NoEvidenceStreak),
			ForcedPhase:    model.PhaseDiagnose,
			RequiredOutput: "evidence-gathering plan only",
		}
	}
	return Finding{Watcher: NoNewEvidence}
}

// CheckDiffThrash fires when any file has been touched at or past the
// episode budget's per-file limit.
func CheckDiffThrash(in Input, cfg config.Watchers) Finding {
	limit := in.Episode.Budget.MaxFileTouches
	if limit <= 0 {
		return Finding{Watcher: DiffThrash}
	}
	for path, count := range in.Episode.FileTouchCounts {
		if count >= limit {
			return Finding{
				Watcher:        DiffThrash,
				Triggered:      true,
				Severity:       SeverityBlock,
				Message:        fmt.Sprintf("%s has been edited %d times without resolving the goal", path, count),
				ForcedPhase:    model.PhaseSimplify,
				RequiredOutput: "minimal reproduction",
			}
		}
	}
	return Finding{Watcher: DiffThrash}
}

// CheckConfidenceStagnation fires when the last few confidence samples have
// not moved by at least the configured threshold (strictly less-than, so a
// spread exactly at the threshold does not fire).
func CheckConfidenceStagnation(in Input, cfg config.Watchers) Finding {
	if in.Episode.IsConfidenceStagnant(cfg.ConfidenceStagnationThreshold, cfg.ConfidenceStagnationSteps) {
		return Finding{
			Watcher:        ConfidenceStagnation,
			Triggered:      true,
			Severity:       SeverityForce,
			Message:        fmt.Sprintf("confidence has not moved by %.2f over the last %d steps", cfg.ConfidenceStagnationThreshold, cfg.ConfidenceStagnationSteps),
			ForcedPhase:    model.PhasePlan,
			RequiredOutput: "two alternate hypotheses with tests",
		}
	}
	return Finding{Watcher: ConfidenceStagnation}
}

// CheckMemoryBypass fires when memories exist for this step but it neither
// cites them nor declares that none applied. Silently skipping memory is
// the one thing the whole substrate cannot tolerate.
func CheckMemoryBypass(in Input, cfg config.Watchers) Finding {
	if in.Current == nil || !in.MemoriesExist {
		return Finding{Watcher: MemoryBypass}
	}
	if in.Current.MemoryCited || in.Current.MemoryAbsentDeclared {
		return Finding{Watcher: MemoryBypass}
	}
	return Finding{
		Watcher:        MemoryBypass,
		Triggered:      true,
		Severity:       SeverityBlock,
		Message:        "retrieved memory was neither cited nor declared absent",
		RequiredOutput: "retrieval and citation",
	}
}

// CheckBudgetHalfNoProgress fires when more than the configured fraction of
// the step budget is spent and none of the recent steps made progress.
func CheckBudgetHalfNoProgress(in Input, cfg config.Watchers) Finding {
	if in.Episode.BudgetFractionUsed() <= cfg.BudgetHalfNoProgressFraction {
		return Finding{Watcher: BudgetHalfNoProgress}
	}
	recent := lastN(in.Steps, cfg.NoProgressWindow)
	if len(recent) == 0 {
		return Finding{Watcher: BudgetHalfNoProgress}
	}
	for _, s := range recent {
		if s.ProgressMade {
			return Finding{Watcher: BudgetHalfNoProgress}
		}
	}
	return Finding{
		Watcher:        BudgetHalfNoProgress,
		Triggered:      true,
		Severity:       SeverityForce,
		Message:        fmt.Sprintf("%.0f%% of budget spent with no progress in the last %d steps", in.Episode.BudgetFractionUsed()*100, len(recent)),
		ForcedPhase:    model.PhaseSimplify,
		RequiredOutput: "scope reduction",
	}
}

// CheckScopeCreep fires when the volume of alternatives and assumptions in
// the second half of the recent window grew past the configured factor
// while progress did not grow with it — the episode is widening, not
// advancing.
func CheckScopeCreep(in Input, cfg config.Watchers) Finding {
	recent := lastN(in.Steps, cfg.ScopeCreepWindow)
	if len(recent) < 4 {
		return Finding{Watcher: ScopeCreep}
	}
	mid := len(recent) / 2
	first, second := recent[:mid], recent[mid:]

	firstLoad, firstProgress := scopeLoad(first)
	secondLoad, secondProgress := scopeLoad(second)
	if firstLoad == 0 || secondProgress > firstProgress {
		return Finding{Watcher: ScopeCreep}
	}
	if float64(secondLoad) <= cfg.ScopeCreepGrowthFactor*float64(firstLoad) {
		return Finding{Watcher: ScopeCreep}
	}
	return Finding{
		Watcher:        ScopeCreep,
		Triggered:      true,
		Severity:       SeverityForce,
		Message:        fmt.Sprintf("alternatives and assumptions grew from %d to %d while progress stalled", firstLoad, secondLoad),
		ForcedPhase:    model.PhaseSimplify,
		RequiredOutput: "cut scope by half",
	}
}

func scopeLoad(steps []*model.Step) (load, progress int) {
	for _, s := range steps {
		load += len(s.Alternatives) + len(s.Assumptions)
		if s.ProgressMade {
			progress++
		}
	}
	return load, progress
}

// CheckValidationGap fires when too many of the most recent steps reported
// a result with neither a validated flag nor validation evidence.
func CheckValidationGap(in Input, cfg config.Watchers) Finding {
	recent := lastN(in.Steps, cfg.ValidationGapWindow)
	if len(recent) < cfg.ValidationGapWindow {
		return Finding{Watcher: ValidationGap}
	}
	unvalidated := 0
	for _, s := range recent {
		if !s.Validated && s.ValidationEvidence == "" {
			unvalidated++
		}
	}
	if unvalidated < cfg.ValidationGapThreshold {
		return Finding{Watcher: ValidationGap}
	}
	return Finding{
		Watcher:        ValidationGap,
		Triggered:      true,
		Severity:       SeverityForce,
		Message:        fmt.Sprintf("%d of the last %d steps carry no validation", unvalidated, len(recent)),
		ForcedPhase:    model.PhaseValidate,
		RequiredOutput: "verification-only step",
	}
}

// CheckTraceGap fires when the current step or any of the recent steps is
// missing a trace id, breaking the pre/post audit linkage. Warning by
// default; a block when trace_strict is set.
func CheckTraceGap(in Input, cfg config.Watchers) Finding {
	missing := in.Current != nil && in.Current.TraceID == ""
	if !missing {
		for _, s := range lastN(in.Steps, cfg.TraceGapWindow) {
			if s.TraceID == "" {
				missing = true
				break
			}
		}
	}
	if !missing {
		return Finding{Watcher: TraceGap}
	}
	severity := SeverityWarning
	if cfg.TraceStrict {
		severity = SeverityBlock
	}
	return Finding{
		Watcher:        TraceGap,
		Triggered:      true,
		Severity:       severity,
		Message:        "a recent step has no trace id",
		RequiredOutput: "bind trace_id",
	}
}

func lastN(steps []*model.Step, n int) []*model.Step {
	if n <= 0 || len(steps) <= n {
		return steps
	}
	return steps[len(steps)-n:]
}
