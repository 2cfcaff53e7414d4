// Package eidos wires the canonical store, evidence store, watchers,
// escape protocol, structural retriever, distillation engine, and
// background sweep into a single EidosContext, and exposes the external
// collaborator API a host agent calls on every step.
package eidos

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/control"
	"github.com/vibeship/eidos/internal/eidos/distill"
	"github.com/vibeship/eidos/internal/eidos/escalate"
	"github.com/vibeship/eidos/internal/eidos/escape"
	"github.com/vibeship/eidos/internal/eidos/gate"
	"github.com/vibeship/eidos/internal/eidos/metrics"
	"github.com/vibeship/eidos/internal/eidos/model"
	"github.com/vibeship/eidos/internal/eidos/retrieve"
	"github.com/vibeship/eidos/internal/eidos/state"
	"github.com/vibeship/eidos/internal/eidos/store"
	"github.com/vibeship/eidos/internal/eidos/sweep"
	"github.com/vibeship/eidos/internal/eidos/watch"
)

// EidosContext owns every long-lived collaborator and is passed by
// reference into the exported API functions. There is no package-level
// mutable state — two EidosContexts never share an episode's in-flight step.
type EidosContext struct {
	store     *store.Store
	evidence  *store.EvidenceStore
	cfg       config.ConfigManager
	retriever *retrieve.Retriever
	gate      *gate.Gate
	metrics   *metrics.Calculator
	sweeper   *sweep.Sweeper
	sessions  *state.Files
	logger    *slog.Logger

	policyPatcher  PolicyPatchEngine
	patchEvaluator PolicyPatchEvaluator
	metaGate       MetaQualityGate

	mu      sync.Mutex
	pending map[string]*model.Step   // stepID -> before-action draft awaiting completion
	engines map[string]*watch.Engine // episodeID -> watcher engine with alert history
}

// New constructs an EidosContext around an already-open store and evidence
// store, wrapping the gate, analytics, and retrieval layers around them.
// sessionFiles may be nil for callers that address episodes directly.
func New(st *store.Store, ev *store.EvidenceStore, cfgManager config.ConfigManager, sessionFiles *state.Files, logger *slog.Logger) *EidosContext {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := cfgManager.Get()
	ec := &EidosContext{
		store:    st,
		evidence: ev,
		cfg:      cfgManager,
		gate:     gate.New(cfg.Gate),
		metrics:  metrics.New(st),
		sessions: sessionFiles,
		logger:   logger,
		pending:  map[string]*model.Step{},
		engines:  map[string]*watch.Engine{},
	}
	ec.retriever = retrieve.New(st, cfg.Retriever)
	ec.policyPatcher = &StorePolicyPatchEngine{store: st}
	return ec
}

// StartSweeper builds and starts the background staleness sweeper. The
// returned error is from the cron schedule, not from the sweep runs
// themselves (those are only logged, per sweep.Sweeper's design).
func (ec *EidosContext) StartSweeper() error {
	ec.sweeper = sweep.New(ec.store, ec.evidence, ec.cfg.Get().Sweeper,
		ec.logger.With("component", "sweep"), ec.onRevalidate, ec.onStaleClose)
	return ec.sweeper.Start()
}

// StopSweeper halts the background sweep. Safe to call even if it was
// never started.
func (ec *EidosContext) StopSweeper() {
	if ec.sweeper != nil {
		ec.sweeper.Stop()
	}
}

func (ec *EidosContext) onRevalidate(d *model.Distillation) {
	ec.logger.Info("distillation due for revalidation",
		"distillation_id", d.DistillationID, "kind", d.Kind, "statement", d.Statement)
}

// onStaleClose runs the distillation engine over an episode the sweep
// force-closed, same as an explicit CompleteEpisode would have.
func (ec *EidosContext) onStaleClose(episode *model.Episode, steps []*model.Step) {
	if _, err := ec.distillEpisode(episode, steps); err != nil {
		ec.logger.Warn("distillation after stale close failed",
			"episode_id", episode.EpisodeID, "error", err)
	}
	ec.dropEngine(episode.EpisodeID)
}

func (ec *EidosContext) engineFor(episodeID string) *watch.Engine {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	e, ok := ec.engines[episodeID]
	if !ok {
		e = watch.NewEngine(ec.cfg.Get().Watchers)
		ec.engines[episodeID] = e
	}
	return e
}

func (ec *EidosContext) dropEngine(episodeID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.engines, episodeID)
}

// GetOrCreateEpisode fetches an episode by id, whatever its outcome, or
// creates a new one in EXPLORE if episodeID is empty or not found.
func (ec *EidosContext) GetOrCreateEpisode(episodeID, goal, successCriteria string) (*model.Episode, error) {
	if episodeID != "" {
		existing, err := ec.store.GetEpisode(episodeID)
		if err == nil && existing != nil {
			return existing, nil
		}
	}

	budget := ec.cfg.Get().Budget
	newID := episodeID
	if newID == "" {
		newID = uuid.NewString()
	}
	episode := model.NewEpisode(newID, goal, successCriteria, model.Budget{
		MaxSteps:           budget.MaxSteps,
		MaxTimeSeconds:     budget.MaxTimeSeconds,
		MaxRetriesPerError: budget.MaxRetriesPerError,
		MaxFileTouches:     budget.MaxFileTouches,
		NoEvidenceLimit:    budget.NoEvidenceLimit,
	})
	if err := ec.store.SaveEpisode(episode); err != nil {
		return nil, fmt.Errorf("eidos: get or create episode: %w", err)
	}
	return episode, nil
}

// genericGoalMarkers identify placeholder goals that a later, sharper goal
// is allowed to replace. A real goal is never overwritten.
var genericGoalMarkers = []string{"session in ", "claude code session", "coding session"}

func isGenericGoal(goal string) bool {
	trimmed := strings.TrimSpace(goal)
	if trimmed == "" {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range genericGoalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// UpdateEpisodeGoal amends an episode's goal, but only when the current
// goal is a generic placeholder — a sharpened restatement never clobbers
// the goal the episode has been pursuing.
func (ec *EidosContext) UpdateEpisodeGoal(episodeID, goal string) error {
	episode, err := ec.store.GetEpisode(episodeID)
	if err != nil {
		return fmt.Errorf("eidos: update episode goal: %w", err)
	}
	if !isGenericGoal(episode.Goal) {
		return nil
	}
	episode.Goal = goal
	if err := ec.store.SaveEpisode(episode); err != nil {
		return fmt.Errorf("eidos: update episode goal: %w", err)
	}
	return nil
}

// CompleteEpisode marks an episode terminal, then runs the distillation
// engine over its steps. A caller-supplied success outcome is checked
// against the step record: an episode whose steps mostly failed does not
// get to call itself a success just because its caller did.
func (ec *EidosContext) CompleteEpisode(episodeID string, outcome model.Outcome, finalEvaluation string) ([]*model.Distillation, error) {
	episode, err := ec.store.GetEpisode(episodeID)
	if err != nil {
		return nil, fmt.Errorf("eidos: complete episode: %w", err)
	}

	steps, err := ec.store.GetStepsByEpisode(episodeID)
	if err != nil {
		return nil, fmt.Errorf("eidos: complete episode: %w", err)
	}

	if outcome == model.OutcomeSuccess {
		passed, failed := 0, 0
		for _, s := range steps {
			switch s.Evaluation {
			case model.EvaluationPass:
				passed++
			case model.EvaluationFail:
				failed++
			}
		}
		if inferred := sweep.InferOutcome(passed, failed); len(steps) > 0 && inferred != model.OutcomeSuccess {
			ec.logger.Info("overriding claimed success",
				"episode_id", episodeID, "inferred", inferred, "passed", passed, "failed", failed)
			outcome = inferred
		}
	}

	episode.Outcome = outcome
	episode.FinalEvaluation = finalEvaluation
	now := time.Now()
	episode.EndTS = &now
	if err := ec.store.SaveEpisode(episode); err != nil {
		return nil, fmt.Errorf("eidos: complete episode: %w", err)
	}

	saved, err := ec.distillEpisode(episode, steps)
	if err != nil {
		return nil, fmt.Errorf("eidos: complete episode: %w", err)
	}

	if outcome == model.OutcomeEscalated || (outcome == model.OutcomeFailure && episode.EscapeProtocolTriggered) {
		escType := classifyEscalation(episode)
		report := escalate.Build(episode, steps, escType)
		ec.logger.Warn("episode escalated", "episode_id", episodeID, "report", report.ToMarkdown())
	}

	ec.dropEngine(episodeID)
	return saved, nil
}

func classifyEscalation(episode *model.Episode) escalate.Type {
	switch {
	case episode.IsBudgetExceeded():
		return escalate.TypeBudget
	case episode.StuckCount > 0:
		return escalate.TypeLoop
	case episode.IsConfidenceStagnant(0.05, 3):
		return escalate.TypeConfidence
	case len(episode.FrozenFiles()) > 0:
		return escalate.TypeBlocked
	default:
		return escalate.TypeUnknown
	}
}

func (ec *EidosContext) distillEpisode(episode *model.Episode, steps []*model.Step) ([]*model.Distillation, error) {
	cfg := ec.cfg.Get()
	gated := ec.gate.FilterSteps(steps, func(s *model.Step) int {
		return episode.ErrorCounts[errorSignature(s.Action.Tool, s.Result)]
	})
	if len(gated) == 0 {
		return nil, nil
	}

	reflection, err := distill.ReflectOnEpisode(episode, gated)
	if err != nil {
		// A short-circuited or never-validated episode has nothing to teach;
		// this is a normal outcome, not a failure of CompleteEpisode.
		return nil, nil
	}

	candidates := distill.GenerateCandidates(reflection, cfg.Distill)

	var saved []*model.Distillation
	now := time.Now()
	for _, c := range candidates {
		if !distill.IsQualityDistillation(c.Statement) {
			continue
		}
		if !ec.metaGatePasses(c.Statement) {
			continue
		}

		d := &model.Distillation{
			DistillationID: uuid.NewString(),
			Kind:           c.Kind,
			Statement:      c.Statement,
			Domains:        c.Domains,
			Triggers:       c.Triggers,
			AntiTriggers:   c.AntiTriggers,
			SourceSteps:    c.SourceSteps,
			Confidence:     c.Confidence,
		}
		distill.FinalizeDistillation(d, cfg.Distill, now)

		canonicalID, err := ec.store.SaveDistillation(d)
		if err != nil {
			return saved, fmt.Errorf("save distillation: %w", err)
		}
		d.DistillationID = canonicalID
		saved = append(saved, d)
	}

	if err := ec.mergeExistingIfCrowded(cfg.Distill); err != nil {
		ec.logger.Warn("merge pass failed", "error", err)
	}

	return saved, nil
}

// mergeExistingIfCrowded runs the similarity merge over the active store
// once it holds more than mergeTriggerCount distillations: each surviving
// group keeper is re-saved, and the absorbed rows archive out.
const mergeTriggerCount = 10

func (ec *EidosContext) mergeExistingIfCrowded(cfg config.Distill) error {
	all, err := ec.store.GetAllActiveDistillations()
	if err != nil {
		return err
	}
	if len(all) <= mergeTriggerCount {
		return nil
	}

	merged := distill.MergeSimilar(all, cfg.MergeSimilarityThreshold)
	if len(merged) == len(all) {
		return nil
	}

	kept := map[string]bool{}
	for _, m := range merged {
		kept[m.DistillationID] = true
		if _, err := ec.store.SaveDistillation(m); err != nil {
			return err
		}
	}
	for _, d := range all {
		if !kept[d.DistillationID] {
			if err := ec.store.ArchiveDistillation(d.DistillationID, "merged_into_similar"); err != nil {
				return err
			}
		}
	}
	return nil
}

// BeforeAction carries the mandatory before-action fields a host agent
// supplies when proposing a step, before anything has happened yet.
type BeforeAction struct {
	Intent        string
	Decision      string
	Hypothesis    string
	Alternatives  []string
	Assumptions   []string
	Prediction    string
	StopCondition string
	Confidence    float64
	TraceID       string
	ActionType    model.ActionType
	Action        model.AttemptedAction

	// Memory binding. Callers that surface retrieved memory to the agent
	// themselves set AutoCiteMemory; everyone else must cite or declare
	// absence explicitly, or the memory_bypass watcher blocks the step.
	MemoryCited          bool
	MemoryAbsentDeclared bool
	AutoCiteMemory       bool
}

// ControlDecision is the control plane's advisory verdict on a proposed
// step: whether the action should run, what the watchers saw, and — when
// the escape protocol fired — its full result.
type ControlDecision struct {
	Allowed        bool
	Message        string
	RequiredAction string
	Alerts         []watch.Finding
	Escape         *escape.Result
}

// CreateStepBeforeAction validates the proposed step's before-action
// envelope, retrieves applicable memory, runs the watchers, and — when the
// escape protocol triggers — executes it and saves its learning artifact.
// The preliminary step row persists regardless of the decision, so the
// audit trail exists even if the action or the post hook never happens.
func (ec *EidosContext) CreateStepBeforeAction(episodeID string, before BeforeAction) (*model.Step, *ControlDecision, error) {
	episode, err := ec.store.GetEpisode(episodeID)
	if err != nil {
		return nil, nil, fmt.Errorf("eidos: create step before action: %w", err)
	}

	actionType := before.ActionType
	if actionType == "" {
		actionType = model.ActionToolCall
	}
	step := &model.Step{
		StepID:           uuid.NewString(),
		EpisodeID:        episodeID,
		TraceID:          resolveTraceID(before.TraceID),
		Intent:           before.Intent,
		Decision:         before.Decision,
		Hypothesis:       before.Hypothesis,
		Alternatives:     before.Alternatives,
		Assumptions:      before.Assumptions,
		Prediction:       before.Prediction,
		StopCondition:    before.StopCondition,
		ConfidenceBefore: before.Confidence,
		BudgetSnapshot:   episode.Budget,
		ActionType:       actionType,
		Action:           before.Action,
		CreatedAt:        time.Now(),
	}

	decision := &ControlDecision{Allowed: true}

	if err := control.ValidateBeforeEnvelope(step); err != nil {
		decision.Allowed = false
		decision.Message = err.Error()
		decision.RequiredAction = "complete the before-action envelope"
	}

	retrieved, err := ec.retriever.RetrieveForStep(step)
	if err != nil {
		ec.logger.Warn("retrieval failed", "episode_id", episodeID, "error", err)
	}
	for _, d := range retrieved {
		step.RetrievedMemories = append(step.RetrievedMemories, d.DistillationID)
	}
	step.MemoryCited = before.MemoryCited
	step.MemoryAbsentDeclared = before.MemoryAbsentDeclared
	if before.AutoCiteMemory {
		step.MemoryCited = len(retrieved) > 0
		step.MemoryAbsentDeclared = len(retrieved) == 0
	}

	history, err := ec.store.GetStepsByEpisode(episodeID)
	if err != nil {
		history = nil
	}

	engine := ec.engineFor(episodeID)
	findings := engine.Evaluate(watch.Input{
		Episode:       episode,
		Steps:         history,
		Current:       step,
		MemoriesExist: len(retrieved) > 0,
	})
	decision.Alerts = findings

	if ok, reason := escape.ShouldTrigger(engine, episode, findings, ec.cfg.Get().Escape); ok {
		result := escape.Execute(episode, history, reason, ec.cfg.Get().Escape)
		decision.Escape = result
		decision.Allowed = false
		decision.Message = "escape protocol: " + reason
		decision.RequiredAction = result.DiscriminatingTest

		episode.EscapeProtocolTriggered = true
		episode.StuckCount++
		if err := control.Transition(episode, result.NewPhase); err == nil {
			ec.logger.Info("escape protocol forced phase",
				"episode_id", episodeID, "phase", result.NewPhase, "reason", reason)
		}
		if artifact := result.LearningArtifact; artifact != nil {
			artifact.SourceSteps = []string{step.StepID}
			if id, err := ec.store.SaveDistillation(artifact); err != nil {
				ec.logger.Warn("saving escape artifact failed", "error", err)
			} else {
				artifact.DistillationID = id
			}
		}
		if err := ec.store.SaveEpisode(episode); err != nil {
			ec.logger.Warn("saving episode after escape failed", "error", err)
		}
	} else if decision.Allowed {
		for _, f := range findings {
			if f.Blocking() {
				decision.Allowed = false
				decision.Message = f.Message
				decision.RequiredAction = f.RequiredOutput
				break
			}
		}
	}

	// Persist the preliminary row no matter what was decided.
	if err := ec.store.SaveStep(step); err != nil {
		return nil, nil, fmt.Errorf("eidos: create step before action: %w", err)
	}

	ec.mu.Lock()
	ec.pending[step.StepID] = step
	ec.mu.Unlock()

	return step, decision, nil
}

// AfterAction carries the mandatory after-action fields a host agent
// supplies once a proposed step has actually run.
type AfterAction struct {
	Result               string
	ValidationEvidence   string
	Evaluation           model.Evaluation
	SurpriseLevel        float64
	Lesson               string
	Confidence           float64
	MemoryCited          bool
	MemoryUseful         *bool
	MemoryAbsentDeclared bool
	Validated            bool
	ValidationMethod     string
	EvidenceGathered     bool
	ProgressMade         bool
}

// StepCompletion is what CompleteStepAfterAction hands back to the host
// agent: the persisted step, any watcher findings that fired, the phase
// the control plane suggests next, and whether a transition was forced.
type StepCompletion struct {
	Step           *model.Step
	Findings       []watch.Finding
	SuggestedPhase model.Phase
	PhaseForced    bool
	Messages       []string
}

// CompleteStepAfterAction fills in a pending step's after-action fields,
// validates the envelope, runs every watcher against the updated
// trajectory, feeds usage back onto the cited distillations, updates the
// episode's budget/error/evidence/confidence tracking, and persists both
// the step and the episode.
func (ec *EidosContext) CompleteStepAfterAction(stepID string, after AfterAction) (*StepCompletion, error) {
	ec.mu.Lock()
	step, ok := ec.pending[stepID]
	if ok {
		delete(ec.pending, stepID)
	}
	ec.mu.Unlock()
	if !ok {
		// The pre-hook row may have been persisted by another process;
		// fall back to the store before giving up.
		persisted, err := ec.store.GetStep(stepID)
		if err != nil {
			return nil, fmt.Errorf("eidos: complete step after action: no pending step %s", stepID)
		}
		step = persisted
	}

	episode, err := ec.store.GetEpisode(step.EpisodeID)
	if err != nil {
		return nil, fmt.Errorf("eidos: complete step after action: %w", err)
	}

	step.Result = after.Result
	step.ValidationEvidence = after.ValidationEvidence
	step.Evaluation = after.Evaluation
	step.SurpriseLevel = after.SurpriseLevel
	step.Lesson = after.Lesson
	step.ConfidenceAfter = after.Confidence
	step.ConfidenceDelta = after.Confidence - step.ConfidenceBefore
	step.MemoryCited = after.MemoryCited
	step.MemoryUseful = after.MemoryUseful
	step.MemoryAbsentDeclared = after.MemoryAbsentDeclared
	step.Validated = after.Validated
	step.ValidationMethod = after.ValidationMethod
	step.EvidenceGathered = after.EvidenceGathered
	step.ProgressMade = after.ProgressMade
	step.IsValid = control.ValidateAfterEnvelope(step) == nil

	ec.recordMemoryFeedback(step)

	episode.StepCount++
	episode.RecordConfidence(step.ConfidenceAfter)
	episode.RecordEvidence(step.EvidenceGathered)
	if step.Action.FilePath != "" && model.IsEditTool(step.Action.Tool) {
		episode.RecordFileTouch(step.Action.FilePath)
	}
	if step.Evaluation == model.EvaluationFail {
		episode.RecordError(errorSignature(step.Action.Tool, step.Result))
		episode.StuckCount++
	} else if step.ProgressMade {
		episode.StuckCount = 0
	}

	history, err := ec.store.GetStepsByEpisode(episode.EpisodeID)
	if err != nil {
		return nil, fmt.Errorf("eidos: complete step after action: %w", err)
	}
	replaced := false
	for i, h := range history {
		if h.StepID == step.StepID {
			history[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		history = append(history, step)
	}

	engine := ec.engineFor(episode.EpisodeID)
	findings := engine.Evaluate(watch.Input{
		Episode:       episode,
		Steps:         history,
		Current:       step,
		MemoriesExist: len(step.RetrievedMemories) > 0,
	})

	completion := &StepCompletion{Step: step, Findings: findings}
	for _, f := range findings {
		if f.Severity == watch.SeverityForce && f.ForcedPhase != "" {
			if transErr := control.Transition(episode, f.ForcedPhase); transErr == nil {
				completion.PhaseForced = true
				completion.Messages = append(completion.Messages, f.Message)
				episode.EscapeProtocolTriggered = episode.EscapeProtocolTriggered || f.ForcedPhase == model.PhaseEscalate
			}
		}
	}

	if !completion.PhaseForced {
		suggested, why := control.SuggestPhase(episode, step)
		completion.SuggestedPhase = suggested
		if why != "" {
			completion.Messages = append(completion.Messages, why)
		}
		if suggested == model.PhaseHalt {
			if transErr := control.Transition(episode, model.PhaseHalt); transErr == nil {
				completion.PhaseForced = true
			}
		}
	} else {
		completion.SuggestedPhase = episode.Phase
	}

	if err := ec.store.SaveStep(step); err != nil {
		return nil, fmt.Errorf("eidos: complete step after action: %w", err)
	}
	if err := ec.store.SaveEpisode(episode); err != nil {
		return nil, fmt.Errorf("eidos: complete step after action: %w", err)
	}

	if ec.patchEvaluator != nil {
		for _, patch := range ec.patchEvaluator.Evaluate(episode, step) {
			if _, err := ec.policyPatcher.ApplyPatch(patch); err != nil {
				ec.logger.Warn("policy patch rejected", "error", err)
			}
		}
	}

	return completion, nil
}

// recordMemoryFeedback closes the loop on the distillations this step
// retrieved. Feedback is recorded only when the signal means something:
// an explicit MemoryUseful report decides first; otherwise failures always
// count against cited memory; routine predicted passes
// are not counted for it (a rule does not earn confidence for being in
// the room when the expected thing happened). Anti-patterns only receive
// feedback when the step's decision actually overlaps the behavior the
// anti-pattern targets.
func (ec *EidosContext) recordMemoryFeedback(step *model.Step) {
	if len(step.RetrievedMemories) == 0 || !step.MemoryCited {
		return
	}

	failed := step.Evaluation == model.EvaluationFail
	var helped bool
	switch {
	case step.MemoryUseful != nil:
		helped = *step.MemoryUseful
	case failed:
		helped = false
	default:
		// A pass that matched its prediction is routine; silence is not
		// evidence that the memory did anything.
		if step.SurpriseLevel < 0.3 {
			return
		}
		helped = true
	}

	for _, memoryID := range step.RetrievedMemories {
		d, err := ec.store.GetDistillation(memoryID)
		if err != nil {
			continue
		}
		if d.Kind == model.DistillationAntiPattern && !antiPatternApplies(d, step) {
			continue
		}
		if err := ec.store.RecordDistillationUsage(memoryID, helped); err != nil {
			ec.logger.Warn("record distillation usage failed",
				"distillation_id", memoryID, "error", err)
		}
	}
}

// antiPatternApplies reports whether an anti-pattern's targeted behavior
// overlaps the step's decision: any quoted token from the statement found
// in the decision, or two or more meaningful words in common.
func antiPatternApplies(d *model.Distillation, step *model.Step) bool {
	decision := strings.ToLower(step.Decision + " " + step.Action.Command)
	for _, quoted := range extractQuoted(d.Statement) {
		if quoted != "" && strings.Contains(decision, strings.ToLower(quoted)) {
			return true
		}
	}
	return meaningfulOverlap(d.Statement, decision) >= 2
}

// extractQuoted pulls 'single' and "double" quoted fragments out of text.
func extractQuoted(text string) []string {
	var out []string
	for _, quote := range []byte{'\'', '"'} {
		rest := text
		for {
			start := strings.IndexByte(rest, quote)
			if start < 0 {
				break
			}
			end := strings.IndexByte(rest[start+1:], quote)
			if end < 0 {
				break
			}
			out = append(out, rest[start+1:start+1+end])
			rest = rest[start+1+end+1:]
		}
	}
	return out
}

var feedbackStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"when": true, "then": true, "try": true, "fail": true, "failed": true,
	"with": true, "for": true, "from": true, "this": true, "that": true,
	"different": true, "approach": true, "repeated": true, "commands": true,
	"stop": true, "doing": true, "execute": true,
}

func meaningfulOverlap(a, b string) int {
	wordsA := strings.FieldsFunc(strings.ToLower(a), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	setB := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(b), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		setB[w] = true
	}
	seen := map[string]bool{}
	count := 0
	for _, w := range wordsA {
		if len(w) < 3 || feedbackStopWords[w] || seen[w] || !setB[w] {
			continue
		}
		seen[w] = true
		count++
	}
	return count
}

func errorSignature(tool, result string) string {
	prefix := result
	if len(prefix) > 80 {
		prefix = prefix[:80]
	}
	return tool + ":" + prefix
}

// ShouldBlockAction runs the supplemental guardrails (not the watchers)
// against a proposed action before it executes, without creating a step.
func (ec *EidosContext) ShouldBlockAction(episodeID string, action model.AttemptedAction) (watch.GuardrailResult, error) {
	episode, err := ec.store.GetEpisode(episodeID)
	if err != nil {
		return watch.GuardrailResult{}, fmt.Errorf("eidos: should block action: %w", err)
	}
	steps, err := ec.store.GetStepsByEpisode(episodeID)
	if err != nil {
		return watch.GuardrailResult{}, fmt.Errorf("eidos: should block action: %w", err)
	}
	return watch.CheckAll(episode, steps, action, episode.Phase, ec.cfg.Get().Safety), nil
}

// SaveEvidence classifies and persists an evidence artifact for a step.
func (ec *EidosContext) SaveEvidence(stepID, toolName, content string) (*model.Evidence, error) {
	e := &model.Evidence{
		EvidenceID: uuid.NewString(),
		StepID:     stepID,
		Kind:       store.DetectEvidenceKind(toolName, content),
		ToolName:   toolName,
		Content:    content,
	}
	if err := ec.evidence.Save(e); err != nil {
		return nil, fmt.Errorf("eidos: save evidence: %w", err)
	}
	return e, nil
}

// Retriever exposes the structural retriever for collaborators that want
// intent- or error-shaped lookups without a step.
func (ec *EidosContext) Retriever() *retrieve.Retriever {
	return ec.retriever
}

// GateStats reports the memory gate's accept/reject history.
func (ec *EidosContext) GateStats() gate.Stats {
	return ec.gate.Stats()
}

// GetEidosHealth returns the compounding-rate north star plus every
// supporting metric, and refreshes the Prometheus gauges to match.
func (ec *EidosContext) GetEidosHealth() (metrics.Health, error) {
	return ec.metrics.Snapshot()
}

// MetricsCollectors exposes the Prometheus collectors for registration
// with a registry, so a host process can scrape /metrics independently of
// calling GetEidosHealth.
func (ec *EidosContext) MetricsCollectors() []prometheus.Collector {
	return ec.metrics.Collectors()
}
