// Package config loads and validates the EIDOS tuneables file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can round-trip through TOML as a
// human string ("12m", "500ms") instead of a raw integer nanosecond count.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Budget holds the per-episode resource tuneables (spec.md Budget).
type Budget struct {
	MaxSteps           int `toml:"max_steps"`
	MaxTimeSeconds     int `toml:"max_time_seconds"`
	MaxRetriesPerError int `toml:"max_retries_per_error"`
	MaxFileTouches     int `toml:"max_file_touches"`
	NoEvidenceLimit    int `toml:"no_evidence_limit"`
}

// Watchers holds per-watcher tuneable thresholds.
type Watchers struct {
	ConfidenceStagnationThreshold float64 `toml:"confidence_stagnation_threshold"`
	ConfidenceStagnationSteps     int     `toml:"confidence_stagnation_steps"`
	RepeatFailureThreshold        int     `toml:"repeat_failure_threshold"`
	BudgetHalfNoProgressFraction  float64 `toml:"budget_half_no_progress_fraction"`
	NoProgressWindow              int     `toml:"no_progress_window"`
	ScopeCreepWindow              int     `toml:"scope_creep_window"`
	ScopeCreepGrowthFactor        float64 `toml:"scope_creep_growth_factor"`
	ValidationGapWindow           int     `toml:"validation_gap_window"`
	ValidationGapThreshold        int     `toml:"validation_gap_threshold"`
	TraceGapWindow                int     `toml:"trace_gap_window"`
	TraceStrict                   bool    `toml:"trace_strict"`
	AlertHistoryCapacity          int     `toml:"alert_history_capacity"`
}

// Escape holds the escape protocol's trigger thresholds.
type Escape struct {
	WatcherRepeatCount int     `toml:"watcher_repeat_count"`
	BudgetFraction     float64 `toml:"budget_fraction"`
	ForceAlertCount    int     `toml:"force_alert_count"`
	StuckEscalateCount int     `toml:"stuck_escalate_count"`
	ArtifactConfidence float64 `toml:"artifact_confidence"`
}

// Gate holds the memory gate's weighted-score tuneables (spec.md §4.3).
type Gate struct {
	WeightImpact       float64 `toml:"weight_impact"`
	WeightNovelty      float64 `toml:"weight_novelty"`
	WeightSurprise     float64 `toml:"weight_surprise"`
	WeightRecurrence   float64 `toml:"weight_recurrence"`
	WeightIrreversible float64 `toml:"weight_irreversible"`
	WeightEvidence     float64 `toml:"weight_evidence"`
	PassThreshold      float64 `toml:"pass_threshold"`
}

// Retriever holds the structural retriever's tuneables.
type Retriever struct {
	MaxResults        int  `toml:"max_results"`
	EnableFTSFallback bool `toml:"enable_fts_fallback"`
}

// Distill holds the distillation engine's tuneables.
type Distill struct {
	RevalidateAfter             Duration `toml:"revalidate_after"`
	MergeSimilarityThreshold    float64  `toml:"merge_similarity_threshold"`
	HeuristicConfidenceCap      float64  `toml:"heuristic_confidence_cap"`
	AntiPatternConfidenceCap    float64  `toml:"anti_pattern_confidence_cap"`
	SharpEdgeConfidenceCap      float64  `toml:"sharp_edge_confidence_cap"`
	PlaybookStartConfidence     float64  `toml:"playbook_start_confidence"`
	PolicyConfidenceCap         float64  `toml:"policy_confidence_cap"`
	ValidationConfidenceStep    float64  `toml:"validation_confidence_step"`
	ContradictionConfidenceStep float64  `toml:"contradiction_confidence_step"`
}

// Safety holds the high-risk-tool-use guardrail toggles.
type Safety struct {
	GuardrailsEnabled bool `toml:"guardrails_enabled"`
	AllowSecretAccess bool `toml:"allow_secret_access"`
}

// Sweeper holds the background staleness sweep schedule.
type Sweeper struct {
	CronSchedule       string   `toml:"cron_schedule"`
	StaleAfter         Duration `toml:"stale_after"`
	EvidencePurgeBatch int      `toml:"evidence_purge_batch"`
	RevalidationBatch  int      `toml:"revalidation_batch"`
}

// RequestTracker bounds the session-keyed state files that map host-agent
// sessions onto episodes, in-flight steps, and pending goals.
type RequestTracker struct {
	MaxPending     int      `toml:"max_pending"`
	MaxCompleted   int      `toml:"max_completed"`
	MaxAge         Duration `toml:"max_age"`
	PendingGoalTTL Duration `toml:"pending_goal_ttl"`
}

// General holds process-wide settings.
type General struct {
	StateDB  string `toml:"state_db"`
	LogLevel string `toml:"log_level"`
	LockFile string `toml:"lock_file"`
}

// Config is the root EIDOS tuneables snapshot (spec.md §6).
type Config struct {
	General        General        `toml:"general"`
	Budget         Budget         `toml:"budget"`
	Watchers       Watchers       `toml:"watchers"`
	Escape         Escape         `toml:"escape"`
	Gate           Gate           `toml:"gate"`
	Retriever      Retriever      `toml:"retriever"`
	Distill        Distill        `toml:"distill"`
	Safety         Safety         `toml:"safety"`
	Sweeper        Sweeper        `toml:"sweeper"`
	RequestTracker RequestTracker `toml:"request_tracker"`
}

// Clone deep-copies the config so snapshots handed to callers never alias
// the manager's live pointer.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Load reads path, applies defaults to unset fields, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyDefaults(&cfg, md)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

// Reload re-reads path and returns a freshly validated config.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager loads path and wraps the result in a thread-safe manager.
func LoadManager(path string) (*RWMutexManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

func applyDefaults(cfg *Config, md toml.MetaData) {
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.eidos/eidos.db"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "/tmp/eidos.lock"
	}

	if cfg.Budget.MaxSteps == 0 {
		cfg.Budget.MaxSteps = 25
	}
	if cfg.Budget.MaxTimeSeconds == 0 {
		cfg.Budget.MaxTimeSeconds = 720
	}
	if cfg.Budget.MaxRetriesPerError == 0 {
		cfg.Budget.MaxRetriesPerError = 2
	}
	if cfg.Budget.MaxFileTouches == 0 {
		cfg.Budget.MaxFileTouches = 3
	}
	if cfg.Budget.NoEvidenceLimit == 0 {
		cfg.Budget.NoEvidenceLimit = 5
	}

	if cfg.Watchers.ConfidenceStagnationThreshold == 0 {
		cfg.Watchers.ConfidenceStagnationThreshold = 0.05
	}
	if cfg.Watchers.ConfidenceStagnationSteps == 0 {
		cfg.Watchers.ConfidenceStagnationSteps = 3
	}
	if cfg.Watchers.RepeatFailureThreshold == 0 {
		cfg.Watchers.RepeatFailureThreshold = 2
	}
	if cfg.Watchers.BudgetHalfNoProgressFraction == 0 {
		cfg.Watchers.BudgetHalfNoProgressFraction = 0.5
	}
	if cfg.Watchers.NoProgressWindow == 0 {
		cfg.Watchers.NoProgressWindow = 5
	}
	if cfg.Watchers.ScopeCreepWindow == 0 {
		cfg.Watchers.ScopeCreepWindow = 10
	}
	if cfg.Watchers.ScopeCreepGrowthFactor == 0 {
		cfg.Watchers.ScopeCreepGrowthFactor = 1.5
	}
	if cfg.Watchers.ValidationGapWindow == 0 {
		cfg.Watchers.ValidationGapWindow = 3
	}
	if cfg.Watchers.ValidationGapThreshold == 0 {
		cfg.Watchers.ValidationGapThreshold = 2
	}
	if cfg.Watchers.TraceGapWindow == 0 {
		cfg.Watchers.TraceGapWindow = 5
	}
	if cfg.Watchers.AlertHistoryCapacity == 0 {
		cfg.Watchers.AlertHistoryCapacity = 2000
	}

	if cfg.Escape.WatcherRepeatCount == 0 {
		cfg.Escape.WatcherRepeatCount = 2
	}
	if cfg.Escape.BudgetFraction == 0 {
		cfg.Escape.BudgetFraction = 0.8
	}
	if cfg.Escape.ForceAlertCount == 0 {
		cfg.Escape.ForceAlertCount = 2
	}
	if cfg.Escape.StuckEscalateCount == 0 {
		cfg.Escape.StuckEscalateCount = 2
	}
	if cfg.Escape.ArtifactConfidence == 0 {
		cfg.Escape.ArtifactConfidence = 0.7
	}

	if cfg.Gate.WeightImpact == 0 && !md.IsDefined("gate", "weight_impact") {
		cfg.Gate.WeightImpact = 0.30
	}
	if cfg.Gate.WeightNovelty == 0 && !md.IsDefined("gate", "weight_novelty") {
		cfg.Gate.WeightNovelty = 0.20
	}
	if cfg.Gate.WeightSurprise == 0 && !md.IsDefined("gate", "weight_surprise") {
		cfg.Gate.WeightSurprise = 0.30
	}
	if cfg.Gate.WeightRecurrence == 0 && !md.IsDefined("gate", "weight_recurrence") {
		cfg.Gate.WeightRecurrence = 0.20
	}
	if cfg.Gate.WeightIrreversible == 0 && !md.IsDefined("gate", "weight_irreversible") {
		cfg.Gate.WeightIrreversible = 0.60
	}
	if cfg.Gate.WeightEvidence == 0 && !md.IsDefined("gate", "weight_evidence") {
		cfg.Gate.WeightEvidence = 0.10
	}
	if cfg.Gate.PassThreshold == 0 {
		cfg.Gate.PassThreshold = 0.5
	}

	if cfg.Retriever.MaxResults == 0 {
		cfg.Retriever.MaxResults = 10
	}
	if !md.IsDefined("retriever", "enable_fts_fallback") {
		cfg.Retriever.EnableFTSFallback = true
	}

	if cfg.Distill.RevalidateAfter.Duration == 0 {
		cfg.Distill.RevalidateAfter = Duration{7 * 24 * time.Hour}
	}
	if cfg.Distill.MergeSimilarityThreshold == 0 {
		cfg.Distill.MergeSimilarityThreshold = 0.5
	}
	if cfg.Distill.HeuristicConfidenceCap == 0 {
		cfg.Distill.HeuristicConfidenceCap = 0.4
	}
	if cfg.Distill.AntiPatternConfidenceCap == 0 {
		cfg.Distill.AntiPatternConfidenceCap = 0.35
	}
	if cfg.Distill.SharpEdgeConfidenceCap == 0 {
		cfg.Distill.SharpEdgeConfidenceCap = 0.35
	}
	if cfg.Distill.PlaybookStartConfidence == 0 {
		cfg.Distill.PlaybookStartConfidence = 0.3
	}
	if cfg.Distill.PolicyConfidenceCap == 0 {
		cfg.Distill.PolicyConfidenceCap = 0.7
	}
	if cfg.Distill.ValidationConfidenceStep == 0 {
		cfg.Distill.ValidationConfidenceStep = 0.05
	}
	if cfg.Distill.ContradictionConfidenceStep == 0 {
		cfg.Distill.ContradictionConfidenceStep = 0.10
	}

	if !md.IsDefined("safety", "guardrails_enabled") {
		cfg.Safety.GuardrailsEnabled = true
	}

	if cfg.Sweeper.CronSchedule == "" {
		cfg.Sweeper.CronSchedule = "*/15 * * * *"
	}
	if cfg.Sweeper.StaleAfter.Duration == 0 {
		cfg.Sweeper.StaleAfter = Duration{30 * time.Minute}
	}
	if cfg.Sweeper.EvidencePurgeBatch == 0 {
		cfg.Sweeper.EvidencePurgeBatch = 500
	}
	if cfg.Sweeper.RevalidationBatch == 0 {
		cfg.Sweeper.RevalidationBatch = 100
	}

	if cfg.RequestTracker.MaxPending == 0 {
		cfg.RequestTracker.MaxPending = 50
	}
	if cfg.RequestTracker.MaxCompleted == 0 {
		cfg.RequestTracker.MaxCompleted = 200
	}
	if cfg.RequestTracker.MaxAge.Duration == 0 {
		cfg.RequestTracker.MaxAge = Duration{time.Hour}
	}
	if cfg.RequestTracker.PendingGoalTTL.Duration == 0 {
		cfg.RequestTracker.PendingGoalTTL = Duration{10 * time.Minute}
	}

	// These floats are clamped rather than rejected, so a bad tuneables
	// edit degrades gracefully instead of refusing to start. No other float
	// is clamped; validate rejects an out-of-range merge threshold.
	cfg.Escape.BudgetFraction = clampFloat(cfg.Escape.BudgetFraction, 0.5, 0.95)
	cfg.Escape.ArtifactConfidence = clampFloat(cfg.Escape.ArtifactConfidence, 0.1, 1.0)
	cfg.Gate.PassThreshold = clampFloat(cfg.Gate.PassThreshold, 0, 1)
}

func clampFloat(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
}

// ExpandHome expands a leading "~" into the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ValidationError aggregates field-level config validation failures.
type ValidationError struct {
	Issues []ValidationIssue
}

// ValidationIssue names one invalid field and why.
type ValidationIssue struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) add(field, message, suggestion string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: field, Message: message, Suggestion: suggestion})
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid config:")
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue.Field)
		b.WriteString(": ")
		b.WriteString(issue.Message)
		if issue.Suggestion != "" {
			b.WriteString(" (")
			b.WriteString(issue.Suggestion)
			b.WriteString(")")
		}
	}
	return b.String()
}

func validate(cfg *Config) error {
	verr := &ValidationError{}

	if cfg.Budget.MaxSteps <= 0 {
		verr.add("budget.max_steps", "must be positive", "try 25")
	}
	if cfg.Budget.MaxTimeSeconds <= 0 {
		verr.add("budget.max_time_seconds", "must be positive", "try 720")
	}
	if cfg.Budget.NoEvidenceLimit <= 0 {
		verr.add("budget.no_evidence_limit", "must be positive", "try 5")
	}

	weightSum := cfg.Gate.WeightImpact + cfg.Gate.WeightNovelty + cfg.Gate.WeightSurprise +
		cfg.Gate.WeightRecurrence + cfg.Gate.WeightIrreversible + cfg.Gate.WeightEvidence
	if weightSum <= 0 {
		verr.add("gate", "weights must sum to a positive value", strconv.FormatFloat(weightSum, 'f', 2, 64)+" given")
	}
	if cfg.Retriever.MaxResults <= 0 {
		verr.add("retriever.max_results", "must be positive", "try 10")
	}

	if cfg.Distill.MergeSimilarityThreshold <= 0 || cfg.Distill.MergeSimilarityThreshold > 1 {
		verr.add("distill.merge_similarity_threshold", "must be within (0,1]", "try 0.5")
	}

	if len(verr.Issues) > 0 {
		return verr
	}
	return nil
}
