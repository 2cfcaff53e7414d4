// Package store provides SQLite-backed persistence for the EIDOS canonical
// store: episodes, steps, distillations, and policies. It is the only
// component allowed to perform durable writes — everything else in EIDOS
// goes through it.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vibeship/eidos/internal/eidos/model"
)

// Store is the canonical, embedded-relational persistence layer.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	episode_id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	success_criteria TEXT NOT NULL DEFAULT '',
	constraints TEXT NOT NULL DEFAULT '[]',
	budget TEXT NOT NULL DEFAULT '{}',
	phase TEXT NOT NULL DEFAULT 'explore',
	outcome TEXT NOT NULL DEFAULT 'in_progress',
	final_evaluation TEXT NOT NULL DEFAULT '',
	start_ts DATETIME NOT NULL DEFAULT (datetime('now')),
	end_ts DATETIME,
	step_count INTEGER NOT NULL DEFAULT 0,
	error_counts TEXT NOT NULL DEFAULT '{}',
	file_touch_counts TEXT NOT NULL DEFAULT '{}',
	no_evidence_streak INTEGER NOT NULL DEFAULT 0,
	confidence_history TEXT NOT NULL DEFAULT '[]',
	stuck_count INTEGER NOT NULL DEFAULT 0,
	escape_protocol_triggered INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS steps (
	step_id TEXT PRIMARY KEY,
	episode_id TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	intent TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL DEFAULT '',
	hypothesis TEXT NOT NULL DEFAULT '',
	alternatives TEXT NOT NULL DEFAULT '[]',
	assumptions TEXT NOT NULL DEFAULT '[]',
	prediction TEXT NOT NULL DEFAULT '',
	stop_condition TEXT NOT NULL DEFAULT '',
	confidence_before REAL NOT NULL DEFAULT 0,
	budget_snapshot TEXT NOT NULL DEFAULT '{}',
	action_type TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '{}',
	result TEXT NOT NULL DEFAULT '',
	validation_evidence TEXT NOT NULL DEFAULT '',
	evaluation TEXT NOT NULL DEFAULT 'unknown',
	surprise_level REAL NOT NULL DEFAULT 0,
	lesson TEXT NOT NULL DEFAULT '',
	confidence_after REAL NOT NULL DEFAULT 0,
	confidence_delta REAL NOT NULL DEFAULT 0,
	retrieved_memories TEXT NOT NULL DEFAULT '[]',
	memory_cited INTEGER NOT NULL DEFAULT 0,
	memory_useful INTEGER,
	memory_absent_declared INTEGER NOT NULL DEFAULT 0,
	validated INTEGER NOT NULL DEFAULT 0,
	validation_method TEXT NOT NULL DEFAULT '',
	is_valid INTEGER NOT NULL DEFAULT 0,
	evidence_gathered INTEGER NOT NULL DEFAULT 0,
	progress_made INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	FOREIGN KEY (episode_id) REFERENCES episodes(episode_id)
);

CREATE TABLE IF NOT EXISTS distillations (
	distillation_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	statement TEXT NOT NULL,
	statement_norm TEXT NOT NULL DEFAULT '',
	domains TEXT NOT NULL DEFAULT '[]',
	triggers TEXT NOT NULL DEFAULT '[]',
	anti_triggers TEXT NOT NULL DEFAULT '[]',
	source_steps TEXT NOT NULL DEFAULT '[]',
	validation_count INTEGER NOT NULL DEFAULT 0,
	contradiction_count INTEGER NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0,
	times_retrieved INTEGER NOT NULL DEFAULT 0,
	times_used INTEGER NOT NULL DEFAULT 0,
	times_helped INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	revalidate_by DATETIME,
	refined_statement TEXT NOT NULL DEFAULT '',
	advisory_unified_score REAL NOT NULL DEFAULT 0,
	advisory_suppressed INTEGER NOT NULL DEFAULT 0,
	advisory_suppressed_tag TEXT NOT NULL DEFAULT '',
	advisory_clarity REAL NOT NULL DEFAULT 0,
	advisory_actionability REAL NOT NULL DEFAULT 0,
	advisory_notes TEXT NOT NULL DEFAULT '',
	archived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS distillations_archive (
	distillation_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	statement TEXT NOT NULL,
	statement_norm TEXT NOT NULL DEFAULT '',
	domains TEXT NOT NULL DEFAULT '[]',
	triggers TEXT NOT NULL DEFAULT '[]',
	anti_triggers TEXT NOT NULL DEFAULT '[]',
	source_steps TEXT NOT NULL DEFAULT '[]',
	validation_count INTEGER NOT NULL DEFAULT 0,
	contradiction_count INTEGER NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0,
	times_retrieved INTEGER NOT NULL DEFAULT 0,
	times_used INTEGER NOT NULL DEFAULT 0,
	times_helped INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	archive_reason TEXT NOT NULL DEFAULT '',
	archived_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS policies (
	policy_id TEXT PRIMARY KEY,
	statement TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT 'SESSION',
	priority INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT 'USER',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	archived INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_steps_episode ON steps(episode_id);
CREATE INDEX IF NOT EXISTS idx_steps_trace ON steps(trace_id);
CREATE INDEX IF NOT EXISTS idx_steps_created ON steps(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_episodes_phase ON episodes(phase);
CREATE INDEX IF NOT EXISTS idx_episodes_outcome ON episodes(outcome);
CREATE INDEX IF NOT EXISTS idx_distillations_kind ON distillations(kind, archived);
CREATE INDEX IF NOT EXISTS idx_distillations_norm ON distillations(statement_norm);
CREATE INDEX IF NOT EXISTS idx_distillations_confidence ON distillations(confidence DESC);
CREATE INDEX IF NOT EXISTS idx_distillations_revalidate ON distillations(revalidate_by);
CREATE INDEX IF NOT EXISTS idx_policies_scope ON policies(scope, priority DESC, archived);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrateDistillationsFTS(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate fts: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	ladder := []struct {
		table, column, ddl string
	}{
		{"episodes", "stuck_count", `ALTER TABLE episodes ADD COLUMN stuck_count INTEGER NOT NULL DEFAULT 0`},
		{"steps", "trace_id", `ALTER TABLE steps ADD COLUMN trace_id TEXT NOT NULL DEFAULT ''`},
		{"distillations", "advisory_unified_score", `ALTER TABLE distillations ADD COLUMN advisory_unified_score REAL NOT NULL DEFAULT 0`},
		{"distillations", "advisory_suppressed", `ALTER TABLE distillations ADD COLUMN advisory_suppressed INTEGER NOT NULL DEFAULT 0`},
		{"distillations", "advisory_suppressed_tag", `ALTER TABLE distillations ADD COLUMN advisory_suppressed_tag TEXT NOT NULL DEFAULT ''`},
	}
	for _, m := range ladder {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&count)
		if err != nil {
			return fmt.Errorf("check %s.%s column: %w", m.table, m.column, err)
		}
		if count == 0 {
			if _, err := db.Exec(m.ddl); err != nil {
				return fmt.Errorf("add %s.%s column: %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveEpisode upserts an episode by id.
func (s *Store) SaveEpisode(e *model.Episode) error {
	constraints, err := json.Marshal(e.Constraints)
	if err != nil {
		return fmt.Errorf("store: marshal constraints: %w", err)
	}
	budget, err := json.Marshal(e.Budget)
	if err != nil {
		return fmt.Errorf("store: marshal budget: %w", err)
	}
	errorCounts, err := json.Marshal(e.ErrorCounts)
	if err != nil {
		return fmt.Errorf("store: marshal error_counts: %w", err)
	}
	fileTouchCounts, err := json.Marshal(e.FileTouchCounts)
	if err != nil {
		return fmt.Errorf("store: marshal file_touch_counts: %w", err)
	}
	confidenceHistory, err := json.Marshal(e.ConfidenceHistory)
	if err != nil {
		return fmt.Errorf("store: marshal confidence_history: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO episodes (
			episode_id, goal, success_criteria, constraints, budget, phase, outcome,
			final_evaluation, start_ts, end_ts, step_count, error_counts,
			file_touch_counts, no_evidence_streak, confidence_history, stuck_count,
			escape_protocol_triggered
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(episode_id) DO UPDATE SET
			goal=excluded.goal,
			success_criteria=excluded.success_criteria,
			constraints=excluded.constraints,
			budget=excluded.budget,
			phase=excluded.phase,
			outcome=excluded.outcome,
			final_evaluation=excluded.final_evaluation,
			end_ts=excluded.end_ts,
			step_count=excluded.step_count,
			error_counts=excluded.error_counts,
			file_touch_counts=excluded.file_touch_counts,
			no_evidence_streak=excluded.no_evidence_streak,
			confidence_history=excluded.confidence_history,
			stuck_count=excluded.stuck_count,
			escape_protocol_triggered=excluded.escape_protocol_triggered
	`, e.EpisodeID, e.Goal, e.SuccessCriteria, string(constraints), string(budget), string(e.Phase),
		string(e.Outcome), e.FinalEvaluation, e.StartTS, nullableTime(e.EndTS), e.StepCount,
		string(errorCounts), string(fileTouchCounts), e.NoEvidenceStreak, string(confidenceHistory),
		e.StuckCount, boolToInt(e.EscapeProtocolTriggered))
	if err != nil {
		return fmt.Errorf("store: save episode: %w", err)
	}
	return nil
}

// GetEpisode fetches an episode by id.
func (s *Store) GetEpisode(episodeID string) (*model.Episode, error) {
	row := s.db.QueryRow(`
		SELECT episode_id, goal, success_criteria, constraints, budget, phase, outcome,
		       final_evaluation, start_ts, end_ts, step_count, error_counts,
		       file_touch_counts, no_evidence_streak, confidence_history, stuck_count,
		       escape_protocol_triggered
		FROM episodes WHERE episode_id = ?
	`, episodeID)
	return scanEpisode(row)
}

// GetStaleInProgressEpisodes returns episodes still marked in_progress that
// have at least one step and no step activity since the cutoff. These are
// the staleness sweep's close candidates.
func (s *Store) GetStaleInProgressEpisodes(cutoff time.Time) ([]*model.Episode, error) {
	rows, err := s.db.Query(`
		SELECT e.episode_id, e.goal, e.success_criteria, e.constraints, e.budget, e.phase,
		       e.outcome, e.final_evaluation, e.start_ts, e.end_ts, e.step_count,
		       e.error_counts, e.file_touch_counts, e.no_evidence_streak,
		       e.confidence_history, e.stuck_count, e.escape_protocol_triggered
		FROM episodes e
		WHERE e.outcome = 'in_progress' AND e.step_count > 0
		  AND COALESCE((SELECT MAX(s.created_at) FROM steps s WHERE s.episode_id = e.episode_id), e.start_ts) <= ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: get stale episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*model.Episode
	for rows.Next() {
		e, err := scanEpisodeRows(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

// GetRecentEpisodes returns the N most recently started episodes.
func (s *Store) GetRecentEpisodes(limit int) ([]*model.Episode, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT episode_id, goal, success_criteria, constraints, budget, phase, outcome,
		       final_evaluation, start_ts, end_ts, step_count, error_counts,
		       file_touch_counts, no_evidence_streak, confidence_history, stuck_count,
		       escape_protocol_triggered
		FROM episodes ORDER BY start_ts DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get recent episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*model.Episode
	for rows.Next() {
		e, err := scanEpisodeRows(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEpisode(row scannable) (*model.Episode, error) {
	return scanEpisodeRows(row)
}

func scanEpisodeRows(row scannable) (*model.Episode, error) {
	var e model.Episode
	var constraints, budget, errorCounts, fileTouchCounts, confidenceHistory string
	var phase, outcome string
	var endTS sql.NullTime
	var escapeTriggered int

	err := row.Scan(&e.EpisodeID, &e.Goal, &e.SuccessCriteria, &constraints, &budget, &phase,
		&outcome, &e.FinalEvaluation, &e.StartTS, &endTS, &e.StepCount, &errorCounts,
		&fileTouchCounts, &e.NoEvidenceStreak, &confidenceHistory, &e.StuckCount, &escapeTriggered)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan episode: %w", err)
	}

	e.Phase = model.Phase(phase)
	e.Outcome = model.Outcome(outcome)
	e.EscapeProtocolTriggered = escapeTriggered != 0
	if endTS.Valid {
		e.EndTS = &endTS.Time
	}
	_ = json.Unmarshal([]byte(constraints), &e.Constraints)
	_ = json.Unmarshal([]byte(budget), &e.Budget)
	_ = json.Unmarshal([]byte(errorCounts), &e.ErrorCounts)
	_ = json.Unmarshal([]byte(fileTouchCounts), &e.FileTouchCounts)
	_ = json.Unmarshal([]byte(confidenceHistory), &e.ConfidenceHistory)
	return &e, nil
}

// SaveStep upserts a step by id.
func (s *Store) SaveStep(step *model.Step) error {
	alternatives, _ := json.Marshal(step.Alternatives)
	assumptions, _ := json.Marshal(step.Assumptions)
	budgetSnapshot, _ := json.Marshal(step.BudgetSnapshot)
	action, _ := json.Marshal(step.Action)
	retrievedMemories, _ := json.Marshal(step.RetrievedMemories)

	var memoryUseful sql.NullBool
	if step.MemoryUseful != nil {
		memoryUseful = sql.NullBool{Bool: *step.MemoryUseful, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO steps (
			step_id, episode_id, trace_id, intent, decision, hypothesis, alternatives,
			assumptions, prediction, stop_condition, confidence_before, budget_snapshot,
			action_type, action, result, validation_evidence, evaluation, surprise_level,
			lesson, confidence_after, confidence_delta, retrieved_memories, memory_cited,
			memory_useful, memory_absent_declared, validated, validation_method, is_valid,
			evidence_gathered, progress_made, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			result=excluded.result,
			validation_evidence=excluded.validation_evidence,
			evaluation=excluded.evaluation,
			surprise_level=excluded.surprise_level,
			lesson=excluded.lesson,
			confidence_after=excluded.confidence_after,
			confidence_delta=excluded.confidence_delta,
			retrieved_memories=excluded.retrieved_memories,
			memory_cited=excluded.memory_cited,
			memory_useful=excluded.memory_useful,
			memory_absent_declared=excluded.memory_absent_declared,
			validated=excluded.validated,
			validation_method=excluded.validation_method,
			is_valid=excluded.is_valid,
			evidence_gathered=excluded.evidence_gathered,
			progress_made=excluded.progress_made
	`, step.StepID, step.EpisodeID, step.TraceID, step.Intent, step.Decision, step.Hypothesis,
		string(alternatives), string(assumptions), step.Prediction, step.StopCondition,
		step.ConfidenceBefore, string(budgetSnapshot), string(step.ActionType), string(action),
		step.Result, step.ValidationEvidence, string(step.Evaluation), step.SurpriseLevel,
		step.Lesson, step.ConfidenceAfter, step.ConfidenceDelta, string(retrievedMemories),
		boolToInt(step.MemoryCited), memoryUseful, boolToInt(step.MemoryAbsentDeclared),
		boolToInt(step.Validated), step.ValidationMethod, boolToInt(step.IsValid),
		boolToInt(step.EvidenceGathered), boolToInt(step.ProgressMade), step.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save step: %w", err)
	}
	return nil
}

// GetStep fetches a single step by id.
func (s *Store) GetStep(stepID string) (*model.Step, error) {
	rows, err := s.db.Query(`
		SELECT step_id, episode_id, trace_id, intent, decision, hypothesis, alternatives,
		       assumptions, prediction, stop_condition, confidence_before, budget_snapshot,
		       action_type, action, result, validation_evidence, evaluation, surprise_level,
		       lesson, confidence_after, confidence_delta, retrieved_memories, memory_cited,
		       memory_useful, memory_absent_declared, validated, validation_method, is_valid,
		       evidence_gathered, progress_made, created_at
		FROM steps WHERE step_id = ? LIMIT 1
	`, stepID)
	if err != nil {
		return nil, fmt.Errorf("store: get step: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanStep(rows)
}

// GetStepsByEpisode returns all steps for an episode in chronological order.
func (s *Store) GetStepsByEpisode(episodeID string) ([]*model.Step, error) {
	rows, err := s.db.Query(`
		SELECT step_id, episode_id, trace_id, intent, decision, hypothesis, alternatives,
		       assumptions, prediction, stop_condition, confidence_before, budget_snapshot,
		       action_type, action, result, validation_evidence, evaluation, surprise_level,
		       lesson, confidence_after, confidence_delta, retrieved_memories, memory_cited,
		       memory_useful, memory_absent_declared, validated, validation_method, is_valid,
		       evidence_gathered, progress_made, created_at
		FROM steps WHERE episode_id = ? ORDER BY created_at ASC
	`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("store: get steps by episode: %w", err)
	}
	defer rows.Close()

	var steps []*model.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(rows *sql.Rows) (*model.Step, error) {
	var step model.Step
	var alternatives, assumptions, budgetSnapshot, action, retrievedMemories string
	var actionType, evaluation string
	var memoryUseful sql.NullBool
	var memoryCited, memoryAbsentDeclared, validated, isValid, evidenceGathered, progressMade int

	err := rows.Scan(&step.StepID, &step.EpisodeID, &step.TraceID, &step.Intent, &step.Decision,
		&step.Hypothesis, &alternatives, &assumptions, &step.Prediction, &step.StopCondition,
		&step.ConfidenceBefore, &budgetSnapshot, &actionType, &action, &step.Result,
		&step.ValidationEvidence, &evaluation, &step.SurpriseLevel, &step.Lesson,
		&step.ConfidenceAfter, &step.ConfidenceDelta, &retrievedMemories, &memoryCited,
		&memoryUseful, &memoryAbsentDeclared, &validated, &step.ValidationMethod, &isValid,
		&evidenceGathered, &progressMade, &step.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: scan step: %w", err)
	}

	step.ActionType = model.ActionType(actionType)
	step.Evaluation = model.Evaluation(evaluation)
	step.MemoryCited = memoryCited != 0
	step.MemoryAbsentDeclared = memoryAbsentDeclared != 0
	step.Validated = validated != 0
	step.IsValid = isValid != 0
	step.EvidenceGathered = evidenceGathered != 0
	step.ProgressMade = progressMade != 0
	if memoryUseful.Valid {
		v := memoryUseful.Bool
		step.MemoryUseful = &v
	}
	_ = json.Unmarshal([]byte(alternatives), &step.Alternatives)
	_ = json.Unmarshal([]byte(assumptions), &step.Assumptions)
	_ = json.Unmarshal([]byte(budgetSnapshot), &step.BudgetSnapshot)
	_ = json.Unmarshal([]byte(action), &step.Action)
	_ = json.Unmarshal([]byte(retrievedMemories), &step.RetrievedMemories)
	return &step, nil
}

// SavePolicy upserts a policy by id.
func (s *Store) SavePolicy(p *model.Policy) error {
	_, err := s.db.Exec(`
		INSERT INTO policies (policy_id, statement, scope, priority, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(policy_id) DO UPDATE SET
			statement=excluded.statement,
			scope=excluded.scope,
			priority=excluded.priority,
			source=excluded.source
	`, p.PolicyID, p.Statement, string(p.Scope), p.Priority, string(p.Source), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save policy: %w", err)
	}
	return nil
}

// GetActivePolicies returns non-archived policies ordered by declared
// priority, highest first, then oldest first. Scope does not affect order.
func (s *Store) GetActivePolicies() ([]*model.Policy, error) {
	rows, err := s.db.Query(`
		SELECT policy_id, statement, scope, priority, source, created_at
		FROM policies WHERE archived = 0
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: get active policies: %w", err)
	}
	defer rows.Close()

	var policies []*model.Policy
	for rows.Next() {
		var p model.Policy
		var scope, source string
		if err := rows.Scan(&p.PolicyID, &p.Statement, &scope, &p.Priority, &source, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan policy: %w", err)
		}
		p.Scope = model.PolicyScope(scope)
		p.Source = model.PolicySource(source)
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

// ArchivePolicy soft-deletes a policy. EIDOS never hard-deletes rows that
// may still be referenced by a distillation's lineage.
func (s *Store) ArchivePolicy(policyID string) error {
	_, err := s.db.Exec(`UPDATE policies SET archived = 1 WHERE policy_id = ?`, policyID)
	if err != nil {
		return fmt.Errorf("store: archive policy: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
