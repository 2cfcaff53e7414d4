// Package model defines the EIDOS data primitives: Episode, Step,
// Distillation, Policy, and Evidence. These are the objects that make
// learning mandatory and measurable.
package model

import "time"

// Phase is an episode's position in the control plane's state machine.
// Transitions are rule-driven, not agent-decided — see control.ValidTransitions.
type Phase string

const (
	PhaseExplore     Phase = "explore"
	PhasePlan        Phase = "plan"
	PhaseExecute     Phase = "execute"
	PhaseValidate    Phase = "validate"
	PhaseConsolidate Phase = "consolidate"
	PhaseDiagnose    Phase = "diagnose"
	PhaseSimplify    Phase = "simplify"
	PhaseEscalate    Phase = "escalate"
	PhaseHalt        Phase = "halt"
)

// Outcome is the terminal classification of an episode.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomePartial    Outcome = "partial"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeInProgress Outcome = "in_progress"
)

// Evaluation is a step's post-action verdict.
type Evaluation string

const (
	EvaluationPass    Evaluation = "pass"
	EvaluationFail    Evaluation = "fail"
	EvaluationPartial Evaluation = "partial"
	EvaluationUnknown Evaluation = "unknown"
)

// DistillationKind enumerates the shapes of reusable knowledge EIDOS extracts.
type DistillationKind string

const (
	DistillationHeuristic   DistillationKind = "heuristic"
	DistillationSharpEdge   DistillationKind = "sharp_edge"
	DistillationAntiPattern DistillationKind = "anti_pattern"
	DistillationPlaybook    DistillationKind = "playbook"
	DistillationPolicy      DistillationKind = "policy"
)

// TypePriority orders distillation kinds for structural retrieval: lower
// values are retrieved and surfaced first.
var TypePriority = map[DistillationKind]int{
	DistillationPolicy:      1,
	DistillationPlaybook:    2,
	DistillationSharpEdge:   3,
	DistillationHeuristic:   4,
	DistillationAntiPattern: 5,
}

// ActionType classifies what a step's action actually was.
type ActionType string

const (
	ActionToolCall  ActionType = "tool_call"
	ActionReasoning ActionType = "reasoning"
	ActionQuestion  ActionType = "question"
	ActionWait      ActionType = "wait"
)

// PolicyScope bounds where a Policy applies.
type PolicyScope string

const (
	ScopeGlobal  PolicyScope = "GLOBAL"
	ScopeProject PolicyScope = "PROJECT"
	ScopeSession PolicyScope = "SESSION"
)

// PolicySource records who or what asserted a Policy.
type PolicySource string

const (
	SourceUser      PolicySource = "USER"
	SourceDistilled PolicySource = "DISTILLED"
	SourceInferred  PolicySource = "INFERRED"
)

// EvidenceKind classifies an evidence artifact for retention purposes.
type EvidenceKind string

const (
	EvidenceToolOutput     EvidenceKind = "tool_output"
	EvidenceDiff           EvidenceKind = "diff"
	EvidenceTestResult     EvidenceKind = "test_result"
	EvidenceBuildLog       EvidenceKind = "build_log"
	EvidenceErrorTrace     EvidenceKind = "error_trace"
	EvidenceDeployArtifact EvidenceKind = "deploy_artifact"
	EvidenceSecurityEvent  EvidenceKind = "security_event"
	EvidenceUserFlagged    EvidenceKind = "user_flagged"
)

// RetentionPolicy maps an evidence kind to its TTL. A zero duration means
// the artifact is permanent (user_flagged).
var RetentionPolicy = map[EvidenceKind]time.Duration{
	EvidenceToolOutput:     72 * time.Hour,
	EvidenceDiff:           7 * 24 * time.Hour,
	EvidenceTestResult:     7 * 24 * time.Hour,
	EvidenceBuildLog:       7 * 24 * time.Hour,
	EvidenceErrorTrace:     7 * 24 * time.Hour,
	EvidenceDeployArtifact: 30 * 24 * time.Hour,
	EvidenceSecurityEvent:  90 * 24 * time.Hour,
	EvidenceUserFlagged:    0,
}

// Budget bounds an episode's resource consumption (spec.md §3).
type Budget struct {
	MaxSteps           int
	MaxTimeSeconds     int
	MaxRetriesPerError int
	MaxFileTouches     int
	NoEvidenceLimit    int
}

// DefaultBudget returns the hard-coded fallback budget used when no
// tuneables override is available.
func DefaultBudget() Budget {
	return Budget{
		MaxSteps:           25,
		MaxTimeSeconds:     720,
		MaxRetriesPerError: 2,
		MaxFileTouches:     3,
		NoEvidenceLimit:    5,
	}
}

// Episode is a bounded learning unit: a goal, success criteria, a budget,
// and explicit phase/outcome tracking.
type Episode struct {
	EpisodeID       string
	Goal            string
	SuccessCriteria string
	Constraints     []string
	Budget          Budget
	Phase           Phase
	Outcome         Outcome
	FinalEvaluation string
	StartTS         time.Time
	EndTS           *time.Time

	StepCount               int
	ErrorCounts             map[string]int
	FileTouchCounts         map[string]int
	NoEvidenceStreak        int
	ConfidenceHistory       []float64
	StuckCount              int
	EscapeProtocolTriggered bool
}

// NewEpisode constructs an Episode ready for EXPLORE with sane map defaults.
func NewEpisode(episodeID, goal, successCriteria string, budget Budget) *Episode {
	return &Episode{
		EpisodeID:       episodeID,
		Goal:            goal,
		SuccessCriteria: successCriteria,
		Budget:          budget,
		Phase:           PhaseExplore,
		Outcome:         OutcomeInProgress,
		StartTS:         time.Now(),
		ErrorCounts:     map[string]int{},
		FileTouchCounts: map[string]int{},
	}
}

// IsBudgetExceeded reports whether the step or wall-clock budget is spent.
func (e *Episode) IsBudgetExceeded() bool {
	if e.StepCount >= e.Budget.MaxSteps {
		return true
	}
	return time.Since(e.StartTS) >= time.Duration(e.Budget.MaxTimeSeconds)*time.Second
}

// BudgetFractionUsed returns the episode's step budget consumption in [0,1+].
func (e *Episode) BudgetFractionUsed() float64 {
	if e.Budget.MaxSteps == 0 {
		return 0
	}
	return float64(e.StepCount) / float64(e.Budget.MaxSteps)
}

// IsErrorLimitExceeded reports whether a given error signature has been
// retried past the per-episode retry budget.
func (e *Episode) IsErrorLimitExceeded(errorSignature string) bool {
	return e.ErrorCounts[errorSignature] >= e.Budget.MaxRetriesPerError
}

// RecordError increments the retry count for an error signature.
func (e *Episode) RecordError(errorSignature string) {
	if e.ErrorCounts == nil {
		e.ErrorCounts = map[string]int{}
	}
	e.ErrorCounts[errorSignature]++
}

// RecordFileTouch increments the touch count for a file path.
func (e *Episode) RecordFileTouch(filePath string) {
	if e.FileTouchCounts == nil {
		e.FileTouchCounts = map[string]int{}
	}
	e.FileTouchCounts[filePath]++
}

// IsFileFrozen reports whether a file has been touched past the per-episode
// touch budget and can no longer be modified.
func (e *Episode) IsFileFrozen(filePath string) bool {
	return e.FileTouchCounts[filePath] >= e.Budget.MaxFileTouches
}

// FrozenFiles lists files that have reached the touch budget.
func (e *Episode) FrozenFiles() []string {
	var frozen []string
	for path, count := range e.FileTouchCounts {
		if count >= e.Budget.MaxFileTouches {
			frozen = append(frozen, path)
		}
	}
	return frozen
}

// RecordEvidence resets or extends the no-new-evidence streak.
func (e *Episode) RecordEvidence(hasEvidence bool) {
	if hasEvidence {
		e.NoEvidenceStreak = 0
		return
	}
	e.NoEvidenceStreak++
}

// IsNoEvidenceLimitExceeded reports whether the episode has gone too long
// without new evidence.
func (e *Episode) IsNoEvidenceLimitExceeded() bool {
	return e.NoEvidenceStreak >= e.Budget.NoEvidenceLimit
}

const confidenceHistoryCapacity = 10

// RecordConfidence appends to the bounded confidence history ring.
func (e *Episode) RecordConfidence(confidence float64) {
	e.ConfidenceHistory = append(e.ConfidenceHistory, confidence)
	if len(e.ConfidenceHistory) > confidenceHistoryCapacity {
		e.ConfidenceHistory = e.ConfidenceHistory[len(e.ConfidenceHistory)-confidenceHistoryCapacity:]
	}
}

// IsConfidenceStagnant reports whether confidence has moved by less than
// threshold over the last `steps` recorded values.
func (e *Episode) IsConfidenceStagnant(threshold float64, steps int) bool {
	if len(e.ConfidenceHistory) < steps {
		return false
	}
	recent := e.ConfidenceHistory[len(e.ConfidenceHistory)-steps:]
	minV, maxV := recent[0], recent[0]
	for _, v := range recent[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return maxV-minV < threshold
}

// editToolNames covers both the host agent's tool names (Edit, Write) and
// the snake_case aliases older hook shims report.
var editToolNames = map[string]bool{
	"Edit": true, "Write": true,
	"editor": true, "write_file": true, "apply_patch": true, "str_replace": true,
}

// IsEditTool reports whether a tool name denotes a file modification. The
// file-touch budget, diff-thrash watcher, and edit guardrails all key off
// this one set so a host tool name never slips past one of them.
func IsEditTool(tool string) bool {
	return editToolNames[tool]
}

// AttemptedAction describes the tool/action a step's decision resolved to.
// It replaces the Python original's untyped action_details dict with an
// explicit, accessor-backed attribute set (spec.md §9 design note).
type AttemptedAction struct {
	Tool      string
	FilePath  string
	Command   string
	ToolUsed  string
	ExtraTags map[string]string
}

// Step is the atomic intelligence unit: a decision packet capturing what was
// decided, why, what was predicted, what happened, and what was learned.
// The before/after split is the step envelope's non-negotiable contract.
type Step struct {
	StepID    string
	EpisodeID string
	TraceID   string

	// Before action (mandatory).
	Intent           string
	Decision         string
	Hypothesis       string
	Alternatives     []string
	Assumptions      []string
	Prediction       string
	StopCondition    string
	ConfidenceBefore float64
	BudgetSnapshot   Budget

	ActionType ActionType
	Action     AttemptedAction

	// After action (mandatory).
	Result             string
	ValidationEvidence string
	Evaluation         Evaluation
	SurpriseLevel      float64
	Lesson             string
	ConfidenceAfter    float64
	ConfidenceDelta    float64

	// Memory binding (mandatory).
	RetrievedMemories    []string
	MemoryCited          bool
	MemoryUseful         *bool
	MemoryAbsentDeclared bool

	// Validation (mandatory).
	Validated        bool
	ValidationMethod string
	IsValid          bool

	EvidenceGathered bool
	ProgressMade     bool

	CreatedAt time.Time
}

// BeforeActionMissingFields lists required before-action fields that are
// unset. An empty slice means the step satisfies the before-action gate.
func (s *Step) BeforeActionMissingFields() []string {
	var missing []string
	if s.Intent == "" {
		missing = append(missing, "intent")
	}
	if s.Decision == "" {
		missing = append(missing, "decision")
	}
	if s.Prediction == "" {
		missing = append(missing, "prediction")
	}
	return missing
}

// AfterActionMissingFields lists required after-action fields that are
// unset or unvalidated. A non-empty result marks the step INVALID and
// ineligible to produce distillations.
func (s *Step) AfterActionMissingFields() []string {
	var missing []string
	if s.Result == "" {
		missing = append(missing, "result")
	}
	if s.Evaluation == "" || s.Evaluation == EvaluationUnknown {
		missing = append(missing, "evaluation")
	}
	if !s.Validated && s.ValidationMethod == "" {
		missing = append(missing, "validation")
	}
	return missing
}

// Distillation is a reusable rule extracted from episode experience —
// where EIDOS's intelligence actually lives.
type Distillation struct {
	DistillationID string
	Kind           DistillationKind
	Statement      string

	Domains      []string
	Triggers     []string
	AntiTriggers []string

	SourceSteps        []string
	ValidationCount    int
	ContradictionCount int
	Confidence         float64

	TimesRetrieved int
	TimesUsed      int
	TimesHelped    int

	CreatedAt        time.Time
	RevalidateBy     *time.Time
	RefinedStatement string
	AdvisoryQuality  AdvisoryQuality
}

// AdvisoryQuality replaces the Python original's untyped advisory_quality
// dict with explicit fields (spec.md §9 design note: typed attribute maps).
// UnifiedScore and Suppressed drive archive-and-purge decisions; the rest
// is advisory-delivery bookkeeping that EIDOS stores but never interprets.
type AdvisoryQuality struct {
	UnifiedScore       float64
	Suppressed         bool
	SuppressedTag      string
	ClarityScore       float64
	ActionabilityScore float64
	Notes              string
}

// Effectiveness reports the historical success rate of using this
// distillation. Returns 0.5 (unknown) when it has never been used.
func (d *Distillation) Effectiveness() float64 {
	if d.TimesUsed == 0 {
		return 0.5
	}
	return float64(d.TimesHelped) / float64(d.TimesUsed)
}

// Reliability reports the validation/contradiction ratio, falling back to
// the stored confidence when there is no validation history yet.
func (d *Distillation) Reliability() float64 {
	total := d.ValidationCount + d.ContradictionCount
	if total == 0 {
		return d.Confidence
	}
	return float64(d.ValidationCount) / float64(total)
}

// RecordRetrieval increments the retrieval counter.
func (d *Distillation) RecordRetrieval() {
	d.TimesRetrieved++
}

// RecordUsage updates usage/validation counters based on whether the
// distillation helped when applied.
func (d *Distillation) RecordUsage(helped bool) {
	d.TimesUsed++
	if helped {
		d.TimesHelped++
		d.ValidationCount++
		return
	}
	d.ContradictionCount++
}

// Policy is an operating constraint EIDOS must respect.
type Policy struct {
	PolicyID  string
	Statement string
	Scope     PolicyScope
	Priority  int
	Source    PolicySource
	CreatedAt time.Time
}

// Evidence is an ephemeral, auto-expiring proof artifact linked to a step.
// Tool logs are not memory — they are temporary evidence that the canonical
// store never retains directly.
type Evidence struct {
	EvidenceID string
	StepID     string
	Kind       EvidenceKind
	ToolName   string

	Content     string
	ContentHash string
	ByteSize    int
	Compressed  bool

	ExitCode   *int
	DurationMS *int

	CreatedAt       time.Time
	ExpiresAt       *time.Time
	RetentionReason string
}
