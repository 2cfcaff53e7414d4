package store

import (
	"fmt"
	"time"
)

// CountsSnapshot is the get_eidos_health headline: raw table sizes, the
// number of stale in-progress episodes, and the fraction of distillations
// that have ever received usage feedback.
type CountsSnapshot struct {
	Episodes      int
	Steps         int
	Distillations int
	Policies      int
	StaleEpisodes int
	FeedbackRatio float64
}

// Counts computes CountsSnapshot. staleCutoff bounds how old an
// in-progress episode's last step activity may be before it counts as
// stale.
func (s *Store) Counts(staleCutoff time.Time) (CountsSnapshot, error) {
	var snap CountsSnapshot
	row := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM episodes),
			(SELECT COUNT(*) FROM steps),
			(SELECT COUNT(*) FROM distillations WHERE archived = 0),
			(SELECT COUNT(*) FROM policies WHERE archived = 0)
	`)
	if err := row.Scan(&snap.Episodes, &snap.Steps, &snap.Distillations, &snap.Policies); err != nil {
		return CountsSnapshot{}, fmt.Errorf("store: counts: %w", err)
	}

	stale, err := s.GetStaleInProgressEpisodes(staleCutoff)
	if err != nil {
		return CountsSnapshot{}, err
	}
	snap.StaleEpisodes = len(stale)

	var withFeedback int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM distillations WHERE archived = 0 AND times_used > 0`).Scan(&withFeedback); err != nil {
		return CountsSnapshot{}, fmt.Errorf("store: counts: %w", err)
	}
	if snap.Distillations > 0 {
		snap.FeedbackRatio = float64(withFeedback) / float64(snap.Distillations)
	}
	return snap, nil
}

// CompoundingSnapshot reports the north-star metric: of all completed
// episodes, how many succeeded because a retrieved distillation actually
// helped. If this never rises, the system isn't compounding.
type CompoundingSnapshot struct {
	TotalEpisodes       int
	EpisodesUsingMemory int
	SuccessfulEpisodes  int
	MemoryLedToSuccess  int
}

// CompoundingRate computes CompoundingSnapshot from completed episodes.
func (s *Store) CompoundingRate() (CompoundingSnapshot, error) {
	row := s.db.QueryRow(`
		WITH episode_memory_usage AS (
			SELECT
				e.episode_id,
				e.outcome,
				COALESCE(SUM(s.memory_cited), 0) > 0 AS used_memory,
				COALESCE(SUM(CASE WHEN s.memory_useful = 1 THEN 1 ELSE 0 END), 0) > 0 AS memory_was_useful
			FROM episodes e
			LEFT JOIN steps s ON s.episode_id = e.episode_id
			WHERE e.outcome != 'in_progress'
			GROUP BY e.episode_id, e.outcome
		)
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN used_memory THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN used_memory AND memory_was_useful AND outcome = 'success' THEN 1 ELSE 0 END), 0)
		FROM episode_memory_usage
	`)
	var snap CompoundingSnapshot
	if err := row.Scan(&snap.TotalEpisodes, &snap.EpisodesUsingMemory, &snap.SuccessfulEpisodes, &snap.MemoryLedToSuccess); err != nil {
		return CompoundingSnapshot{}, fmt.Errorf("store: compounding rate: %w", err)
	}
	return snap, nil
}

// ReuseSnapshot reports how often completed-episode steps cited retrieved
// memory versus how often memory was even available to cite.
type ReuseSnapshot struct {
	TotalSteps         int
	StepsWithRetrieval int
	StepsCitingMemory  int
}

// ReuseRate computes ReuseSnapshot across completed episodes.
func (s *Store) ReuseRate() (ReuseSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN retrieved_memories != '[]' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(memory_cited), 0)
		FROM steps
		WHERE episode_id IN (SELECT episode_id FROM episodes WHERE outcome != 'in_progress')
	`)
	var snap ReuseSnapshot
	if err := row.Scan(&snap.TotalSteps, &snap.StepsWithRetrieval, &snap.StepsCitingMemory); err != nil {
		return ReuseSnapshot{}, fmt.Errorf("store: reuse rate: %w", err)
	}
	return snap, nil
}

// EffectivenessSnapshot compares success rate for episodes that cited
// memory at least once against those that never did.
type EffectivenessSnapshot struct {
	WithMemoryEpisodes     int
	WithMemorySuccesses    int
	WithoutMemoryEpisodes  int
	WithoutMemorySuccesses int
}

// MemoryEffectiveness computes EffectivenessSnapshot across completed episodes.
func (s *Store) MemoryEffectiveness() (EffectivenessSnapshot, error) {
	var snap EffectivenessSnapshot
	withRow := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0)
		FROM episodes e
		WHERE EXISTS (SELECT 1 FROM steps s WHERE s.episode_id = e.episode_id AND s.memory_cited = 1)
		AND e.outcome != 'in_progress'
	`)
	if err := withRow.Scan(&snap.WithMemoryEpisodes, &snap.WithMemorySuccesses); err != nil {
		return EffectivenessSnapshot{}, fmt.Errorf("store: memory effectiveness (with): %w", err)
	}
	withoutRow := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0)
		FROM episodes e
		WHERE NOT EXISTS (SELECT 1 FROM steps s WHERE s.episode_id = e.episode_id AND s.memory_cited = 1)
		AND e.outcome != 'in_progress'
	`)
	if err := withoutRow.Scan(&snap.WithoutMemoryEpisodes, &snap.WithoutMemorySuccesses); err != nil {
		return EffectivenessSnapshot{}, fmt.Errorf("store: memory effectiveness (without): %w", err)
	}
	return snap, nil
}

// LoopSnapshot reports retry counts for successful episodes, used to
// detect whether the loop-suppression watchers are doing their job.
type LoopSnapshot struct {
	AvgRetries            float64
	MaxRetries            int
	EpisodesOverThreshold int
}

// LoopSuppression computes LoopSnapshot across successful episodes, flagging
// those whose retry count exceeded the threshold.
func (s *Store) LoopSuppression(threshold int) (LoopSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT
			COALESCE(AVG(retry_count), 0),
			COALESCE(MAX(retry_count), 0),
			COALESCE(SUM(CASE WHEN retry_count > ? THEN 1 ELSE 0 END), 0)
		FROM (
			SELECT e.episode_id, COUNT(CASE WHEN s.evaluation = 'fail' THEN 1 END) AS retry_count
			FROM episodes e
			JOIN steps s ON s.episode_id = e.episode_id
			WHERE e.outcome = 'success'
			GROUP BY e.episode_id
		)
	`, threshold)
	var snap LoopSnapshot
	if err := row.Scan(&snap.AvgRetries, &snap.MaxRetries, &snap.EpisodesOverThreshold); err != nil {
		return LoopSnapshot{}, fmt.Errorf("store: loop suppression: %w", err)
	}
	return snap, nil
}

// DistillationQualityRow summarizes usage and effectiveness for one
// distillation kind.
type DistillationQualityRow struct {
	Kind       string
	Total      int
	Retrievals int
	Uses       int
	Helped     int
}

// DistillationQuality returns one DistillationQualityRow per kind present
// in the store.
func (s *Store) DistillationQuality() ([]DistillationQualityRow, error) {
	rows, err := s.db.Query(`
		SELECT kind, COUNT(*), COALESCE(SUM(times_retrieved), 0), COALESCE(SUM(times_used), 0), COALESCE(SUM(times_helped), 0)
		FROM distillations
		WHERE archived = 0
		GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("store: distillation quality: %w", err)
	}
	defer rows.Close()

	var out []DistillationQualityRow
	for rows.Next() {
		var r DistillationQualityRow
		if err := rows.Scan(&r.Kind, &r.Total, &r.Retrievals, &r.Uses, &r.Helped); err != nil {
			return nil, fmt.Errorf("store: distillation quality: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
