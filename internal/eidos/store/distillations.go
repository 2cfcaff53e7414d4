package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vibeship/eidos/internal/eidos/model"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
var pctWildcard = regexp.MustCompile(`\d+%`)

// normalizeStatement lowercases, strips punctuation, and wildcards numeric
// percentages so near-duplicate statements ("budget is 82% used" vs
// "budget is 91% used") collapse to the same dedupe key.
func normalizeStatement(statement string) string {
	lower := strings.ToLower(statement)
	lower = pctWildcard.ReplaceAllString(lower, "n%")
	tokens := nonAlnum.Split(lower, -1)
	var kept []string
	for _, t := range tokens {
		if t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " ")
}

// SaveDistillation persists a distillation and returns its canonical id.
// If an active row already carries the same normalized statement, the new
// distillation folds into it: counters sum, domains/triggers/source steps
// union, the higher confidence wins, and the existing row's id is returned.
func (s *Store) SaveDistillation(d *model.Distillation) (string, error) {
	norm := normalizeStatement(d.Statement)

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("store: save distillation: begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := findByStatementNormTx(tx, norm, d.DistillationID)
	if err != nil {
		return "", fmt.Errorf("store: save distillation: dedupe lookup: %w", err)
	}

	if existing != nil {
		existing.ValidationCount += d.ValidationCount
		existing.ContradictionCount += d.ContradictionCount
		existing.TimesRetrieved += d.TimesRetrieved
		existing.TimesUsed += d.TimesUsed
		existing.TimesHelped += d.TimesHelped
		existing.Domains = unionStrings(existing.Domains, d.Domains)
		existing.Triggers = unionStrings(existing.Triggers, d.Triggers)
		existing.AntiTriggers = unionStrings(existing.AntiTriggers, d.AntiTriggers)
		existing.SourceSteps = unionStrings(existing.SourceSteps, d.SourceSteps)
		if d.Confidence > existing.Confidence {
			existing.Confidence = d.Confidence
		}
		if err := upsertDistillationTx(tx, existing, norm); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("store: save distillation: commit: %w", err)
		}
		return existing.DistillationID, nil
	}

	if d.Confidence > 1.0 {
		d.Confidence = 1.0
	}
	if err := upsertDistillationTx(tx, d, norm); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: save distillation: commit: %w", err)
	}
	return d.DistillationID, nil
}

func upsertDistillationTx(tx *sql.Tx, d *model.Distillation, norm string) error {
	domains, _ := json.Marshal(d.Domains)
	triggers, _ := json.Marshal(d.Triggers)
	antiTriggers, _ := json.Marshal(d.AntiTriggers)
	sourceSteps, _ := json.Marshal(d.SourceSteps)

	_, err := tx.Exec(`
		INSERT INTO distillations (
			distillation_id, kind, statement, statement_norm, domains, triggers,
			anti_triggers, source_steps, validation_count, contradiction_count,
			confidence, times_retrieved, times_used, times_helped, created_at,
			revalidate_by, refined_statement, advisory_unified_score,
			advisory_suppressed, advisory_suppressed_tag, advisory_clarity,
			advisory_actionability, advisory_notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(distillation_id) DO UPDATE SET
			kind=excluded.kind,
			statement=excluded.statement,
			statement_norm=excluded.statement_norm,
			domains=excluded.domains,
			triggers=excluded.triggers,
			anti_triggers=excluded.anti_triggers,
			source_steps=excluded.source_steps,
			validation_count=excluded.validation_count,
			contradiction_count=excluded.contradiction_count,
			confidence=excluded.confidence,
			times_retrieved=excluded.times_retrieved,
			times_used=excluded.times_used,
			times_helped=excluded.times_helped,
			revalidate_by=excluded.revalidate_by,
			refined_statement=excluded.refined_statement,
			advisory_unified_score=excluded.advisory_unified_score,
			advisory_suppressed=excluded.advisory_suppressed,
			advisory_suppressed_tag=excluded.advisory_suppressed_tag,
			advisory_clarity=excluded.advisory_clarity,
			advisory_actionability=excluded.advisory_actionability,
			advisory_notes=excluded.advisory_notes
	`, d.DistillationID, string(d.Kind), d.Statement, norm, string(domains), string(triggers),
		string(antiTriggers), string(sourceSteps), d.ValidationCount, d.ContradictionCount,
		d.Confidence, d.TimesRetrieved, d.TimesUsed, d.TimesHelped, d.CreatedAt,
		nullableTime(d.RevalidateBy), d.RefinedStatement, d.AdvisoryQuality.UnifiedScore,
		boolToInt(d.AdvisoryQuality.Suppressed), d.AdvisoryQuality.SuppressedTag,
		d.AdvisoryQuality.ClarityScore, d.AdvisoryQuality.ActionabilityScore,
		d.AdvisoryQuality.Notes)
	if err != nil {
		return fmt.Errorf("store: upsert distillation: %w", err)
	}
	return nil
}

func findByStatementNormTx(tx *sql.Tx, norm, excludeID string) (*model.Distillation, error) {
	row := tx.QueryRow(selectDistillationColumns+`
		FROM distillations WHERE statement_norm = ? AND distillation_id != ? AND archived = 0 LIMIT 1
	`, norm, excludeID)
	d, err := scanDistillation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// FindByStatementNorm looks up an active distillation with the same
// normalized statement.
func (s *Store) FindByStatementNorm(norm string) (*model.Distillation, error) {
	row := s.db.QueryRow(selectDistillationColumns+`
		FROM distillations WHERE statement_norm = ? AND archived = 0 LIMIT 1
	`, norm)
	d, err := scanDistillation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

const distillationOrder = ` ORDER BY confidence DESC, times_helped DESC`

// GetDistillationsByKind returns active distillations of a kind, most
// trusted first.
func (s *Store) GetDistillationsByKind(kind model.DistillationKind) ([]*model.Distillation, error) {
	rows, err := s.db.Query(selectDistillationColumns+`
		FROM distillations WHERE kind = ? AND archived = 0`+distillationOrder, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: get distillations by kind: %w", err)
	}
	defer rows.Close()
	return scanDistillationRows(rows)
}

// GetDistillationsByDomain returns active distillations tagged with the
// given domain.
func (s *Store) GetDistillationsByDomain(domain string) ([]*model.Distillation, error) {
	rows, err := s.db.Query(selectDistillationColumns+`
		FROM distillations WHERE domains LIKE ? AND archived = 0`+distillationOrder,
		`%"`+domain+`"%`)
	if err != nil {
		return nil, fmt.Errorf("store: get distillations by domain: %w", err)
	}
	defer rows.Close()
	return scanDistillationRows(rows)
}

// GetDistillationsByTrigger returns active distillations carrying the given
// trigger.
func (s *Store) GetDistillationsByTrigger(trigger string) ([]*model.Distillation, error) {
	rows, err := s.db.Query(selectDistillationColumns+`
		FROM distillations WHERE triggers LIKE ? AND archived = 0`+distillationOrder,
		`%"`+trigger+`"%`)
	if err != nil {
		return nil, fmt.Errorf("store: get distillations by trigger: %w", err)
	}
	defer rows.Close()
	return scanDistillationRows(rows)
}

// GetHighConfidenceDistillations returns active distillations at or above
// the given confidence.
func (s *Store) GetHighConfidenceDistillations(minConfidence float64) ([]*model.Distillation, error) {
	rows, err := s.db.Query(selectDistillationColumns+`
		FROM distillations WHERE confidence >= ? AND archived = 0`+distillationOrder, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("store: get high confidence distillations: %w", err)
	}
	defer rows.Close()
	return scanDistillationRows(rows)
}

// GetAllActiveDistillations returns every active distillation, most trusted
// first.
func (s *Store) GetAllActiveDistillations() ([]*model.Distillation, error) {
	rows, err := s.db.Query(selectDistillationColumns + `FROM distillations WHERE archived = 0` + distillationOrder)
	if err != nil {
		return nil, fmt.Errorf("store: get active distillations: %w", err)
	}
	defer rows.Close()
	return scanDistillationRows(rows)
}

// GetDistillation fetches one distillation by id.
func (s *Store) GetDistillation(distillationID string) (*model.Distillation, error) {
	row := s.db.QueryRow(selectDistillationColumns+`
		FROM distillations WHERE distillation_id = ? LIMIT 1
	`, distillationID)
	return scanDistillation(row)
}

// GetDueForRevalidation returns distillations whose revalidate_by has passed.
func (s *Store) GetDueForRevalidation(asOf time.Time) ([]*model.Distillation, error) {
	rows, err := s.db.Query(selectDistillationColumns+`
		FROM distillations WHERE archived = 0 AND revalidate_by IS NOT NULL AND revalidate_by <= ?
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("store: get due for revalidation: %w", err)
	}
	defer rows.Close()
	return scanDistillationRows(rows)
}

// RecordDistillationRetrieval increments a distillation's retrieval counter.
// Called once per surfaced result, not per query, so a distillation that
// appears in ten queries without being acted on still reads as unused.
func (s *Store) RecordDistillationRetrieval(distillationID string) error {
	_, err := s.db.Exec(`UPDATE distillations SET times_retrieved = times_retrieved + 1 WHERE distillation_id = ?`, distillationID)
	if err != nil {
		return fmt.Errorf("store: record distillation retrieval: %w", err)
	}
	return nil
}

const (
	usageConfidenceBoost   = 0.05
	usageConfidencePenalty = 0.10
	contradictionDecay     = 0.15
	contradictionRatio     = 0.8
	contradictionMinUses   = 10
	confidenceFloor        = 0.1
	contradictedCeiling    = 0.5
)

// RecordDistillationUsage feeds back whether a retrieved distillation
// actually helped. Helping earns a small confidence boost; contradicting
// costs twice as much, and a distillation contradicted in 80%+ of ten or
// more uses takes an extra decay so noisy rules drain out of retrieval.
func (s *Store) RecordDistillationUsage(distillationID string, helped bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: record distillation usage: begin: %w", err)
	}
	defer tx.Rollback()

	var confidence float64
	var timesUsed, timesHelped, validationCount, contradictionCount int
	err = tx.QueryRow(`
		SELECT confidence, times_used, times_helped, validation_count, contradiction_count
		FROM distillations WHERE distillation_id = ?
	`, distillationID).Scan(&confidence, &timesUsed, &timesHelped, &validationCount, &contradictionCount)
	if err != nil {
		return fmt.Errorf("store: record distillation usage: %w", err)
	}

	timesUsed++
	if helped {
		timesHelped++
		validationCount++
		confidence += usageConfidenceBoost
		if confidence > 1.0 {
			confidence = 1.0
		}
	} else {
		contradictionCount++
		confidence -= usageConfidencePenalty
		if confidence < confidenceFloor {
			confidence = confidenceFloor
		}
	}

	if timesUsed >= contradictionMinUses &&
		float64(contradictionCount)/float64(timesUsed) >= contradictionRatio {
		confidence -= contradictionDecay
		if confidence > contradictedCeiling {
			confidence = contradictedCeiling
		}
		if confidence < confidenceFloor {
			confidence = confidenceFloor
		}
	}

	_, err = tx.Exec(`
		UPDATE distillations
		SET confidence = ?, times_used = ?, times_helped = ?,
		    validation_count = ?, contradiction_count = ?
		WHERE distillation_id = ?
	`, confidence, timesUsed, timesHelped, validationCount, contradictionCount, distillationID)
	if err != nil {
		return fmt.Errorf("store: record distillation usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: record distillation usage: commit: %w", err)
	}
	return nil
}

// ArchiveDistillation moves one distillation into the archive table with a
// reason and removes it from the active set.
func (s *Store) ArchiveDistillation(distillationID, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: archive distillation: begin: %w", err)
	}
	defer tx.Rollback()

	if err := archiveDistillationTx(tx, distillationID, reason, time.Now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: archive distillation: commit: %w", err)
	}
	return nil
}

func archiveDistillationTx(tx *sql.Tx, distillationID, reason string, asOf time.Time) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO distillations_archive (
			distillation_id, kind, statement, statement_norm, domains, triggers,
			anti_triggers, source_steps, validation_count, contradiction_count,
			confidence, times_retrieved, times_used, times_helped, created_at,
			archive_reason, archived_at
		)
		SELECT distillation_id, kind, statement, statement_norm, domains, triggers,
		       anti_triggers, source_steps, validation_count, contradiction_count,
		       confidence, times_retrieved, times_used, times_helped, created_at,
		       ?, ?
		FROM distillations WHERE distillation_id = ?
	`, reason, asOf, distillationID)
	if err != nil {
		return fmt.Errorf("store: archive distillation: copy: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM distillations WHERE distillation_id = ?`, distillationID); err != nil {
		return fmt.Errorf("store: archive distillation: delete: %w", err)
	}
	return nil
}

// ArchiveAndPurgeLowQuality moves suppressed or below-floor distillations
// into the archive table and deletes them from the active set. Rows with a
// non-empty refined statement or a stored unified score at or above the
// floor are kept regardless of suppression. Returns the ids archived; with
// dryRun the candidates are reported but nothing moves.
func (s *Store) ArchiveAndPurgeLowQuality(floor float64, dryRun bool) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT distillation_id, advisory_unified_score, advisory_suppressed, advisory_suppressed_tag
		FROM distillations
		WHERE archived = 0 AND refined_statement = '' AND advisory_unified_score < ?
	`, floor)
	if err != nil {
		return nil, fmt.Errorf("store: archive and purge: %w", err)
	}

	type candidate struct {
		id     string
		reason string
	}
	var candidates []candidate
	for rows.Next() {
		var id, tag string
		var score float64
		var suppressed int
		if err := rows.Scan(&id, &score, &suppressed, &tag); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: archive and purge: scan: %w", err)
		}
		reason := fmt.Sprintf("unified_score_below_floor:%.2f", floor)
		if suppressed != 0 {
			reason = "suppressed:" + tag
		}
		candidates = append(candidates, candidate{id: id, reason: reason})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: archive and purge: %w", err)
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
	}
	if dryRun || len(candidates) == 0 {
		return ids, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: archive and purge: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, c := range candidates {
		if err := archiveDistillationTx(tx, c.id, c.reason, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: archive and purge: commit: %w", err)
	}
	return ids, nil
}

// telemetryPatterns match machine-generated statements that describe usage
// statistics instead of lessons: success-rate strings, tool-sequence arrows,
// and per-uses counters. They slip in from older distillation pipelines and
// carry no reusable knowledge.
var telemetryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsuccess rate\b`),
	regexp.MustCompile(`(?i)\bover \d+ uses\b`),
	regexp.MustCompile(`(?i)\(\d+ successes\)`),
	regexp.MustCompile(`\S+\s*->\s*\S+\s*->`),
	regexp.MustCompile(`(?i)\bsequence\b.*->`),
}

// PurgeTelemetryDistillations deletes active distillations whose statement
// matches a telemetry pattern. Returns the ids removed; with dryRun they
// are reported but kept.
func (s *Store) PurgeTelemetryDistillations(dryRun bool) ([]string, error) {
	rows, err := s.db.Query(`SELECT distillation_id, statement FROM distillations WHERE archived = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: purge telemetry: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id, statement string
		if err := rows.Scan(&id, &statement); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: purge telemetry: scan: %w", err)
		}
		for _, p := range telemetryPatterns {
			if p.MatchString(statement) {
				ids = append(ids, id)
				break
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: purge telemetry: %w", err)
	}

	if dryRun || len(ids) == 0 {
		return ids, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: purge telemetry: begin: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM distillations WHERE distillation_id = ?`, id); err != nil {
			return nil, fmt.Errorf("store: purge telemetry: delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: purge telemetry: commit: %w", err)
	}
	return ids, nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

const selectDistillationColumns = `
	SELECT distillation_id, kind, statement, domains, triggers, anti_triggers, source_steps,
	       validation_count, contradiction_count, confidence, times_retrieved, times_used,
	       times_helped, created_at, revalidate_by, refined_statement, advisory_unified_score,
	       advisory_suppressed, advisory_suppressed_tag, advisory_clarity,
	       advisory_actionability, advisory_notes
`

const selectDistillationColumnsAliased = `
	SELECT d.distillation_id, d.kind, d.statement, d.domains, d.triggers, d.anti_triggers,
	       d.source_steps, d.validation_count, d.contradiction_count, d.confidence,
	       d.times_retrieved, d.times_used, d.times_helped, d.created_at, d.revalidate_by,
	       d.refined_statement, d.advisory_unified_score, d.advisory_suppressed,
	       d.advisory_suppressed_tag, d.advisory_clarity, d.advisory_actionability,
	       d.advisory_notes
`

func scanDistillation(row scannable) (*model.Distillation, error) {
	var d model.Distillation
	var kind, domains, triggers, antiTriggers, sourceSteps string
	var revalidateBy sql.NullTime
	var suppressed int

	err := row.Scan(&d.DistillationID, &kind, &d.Statement, &domains, &triggers, &antiTriggers,
		&sourceSteps, &d.ValidationCount, &d.ContradictionCount, &d.Confidence,
		&d.TimesRetrieved, &d.TimesUsed, &d.TimesHelped, &d.CreatedAt, &revalidateBy,
		&d.RefinedStatement, &d.AdvisoryQuality.UnifiedScore, &suppressed,
		&d.AdvisoryQuality.SuppressedTag, &d.AdvisoryQuality.ClarityScore,
		&d.AdvisoryQuality.ActionabilityScore, &d.AdvisoryQuality.Notes)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan distillation: %w", err)
	}

	d.Kind = model.DistillationKind(kind)
	d.AdvisoryQuality.Suppressed = suppressed != 0
	if revalidateBy.Valid {
		t := revalidateBy.Time
		d.RevalidateBy = &t
	}
	_ = json.Unmarshal([]byte(domains), &d.Domains)
	_ = json.Unmarshal([]byte(triggers), &d.Triggers)
	_ = json.Unmarshal([]byte(antiTriggers), &d.AntiTriggers)
	_ = json.Unmarshal([]byte(sourceSteps), &d.SourceSteps)
	return &d, nil
}

func scanDistillationRows(rows *sql.Rows) ([]*model.Distillation, error) {
	var out []*model.Distillation
	for rows.Next() {
		d, err := scanDistillation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
