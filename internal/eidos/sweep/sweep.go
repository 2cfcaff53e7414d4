// Package sweep runs the background staleness sweep: force-closing
// abandoned episodes, purging expired evidence, and flagging distillations
// due for revalidation. It is the only EIDOS component that runs on a
// clock instead of in response to a step.
package sweep

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

// EpisodeStore is the subset of store.Store the sweeper needs to close
// stale episodes.
type EpisodeStore interface {
	GetStaleInProgressEpisodes(cutoff time.Time) ([]*model.Episode, error)
	GetStepsByEpisode(episodeID string) ([]*model.Step, error)
	SaveEpisode(e *model.Episode) error
	GetDueForRevalidation(asOf time.Time) ([]*model.Distillation, error)
}

// EvidencePurger is the subset of store.EvidenceStore the sweeper depends on.
type EvidencePurger interface {
	PurgeExpired(asOf time.Time) (int64, error)
}

// RevalidationHandler is invoked for each distillation the sweep finds due
// for revalidation.
type RevalidationHandler func(d *model.Distillation)

// CloseHandler is invoked after the sweep force-closes a stale episode, so
// the owner can run the distillation engine over it. The sweep never
// distills itself — that is the context's job.
type CloseHandler func(episode *model.Episode, steps []*model.Step)

// Sweeper runs the staleness, evidence-purge, and revalidation sweeps on a
// cron schedule, logging what it found on every tick.
type Sweeper struct {
	store        EpisodeStore
	evidence     EvidencePurger
	cfg          config.Sweeper
	logger       *slog.Logger
	onRevalidate RevalidationHandler
	onClose      CloseHandler
	cron         *cron.Cron
}

// New constructs a Sweeper. onRevalidate and onClose may be nil if the
// caller only wants the sweep's log output.
func New(store EpisodeStore, evidence EvidencePurger, cfg config.Sweeper, logger *slog.Logger, onRevalidate RevalidationHandler, onClose CloseHandler) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:        store,
		evidence:     evidence,
		cfg:          cfg,
		logger:       logger,
		onRevalidate: onRevalidate,
		onClose:      onClose,
	}
}

// Start schedules the sweep on the configured cron expression and runs it
// in the background. Call Stop to halt it.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	schedule := s.cfg.CronSchedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	err := s.cron.AddFunc(schedule, func() {
		if err := s.RunOnce(time.Now()); err != nil {
			s.logger.Error("staleness sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler. Safe to call even if Start was never called.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunOnce runs a single sweep pass: close stale episodes, purge expired
// evidence, then flag distillations due for revalidation.
func (s *Sweeper) RunOnce(asOf time.Time) error {
	closed, err := s.CloseStaleEpisodes(asOf)
	if err != nil {
		return err
	}
	if closed > 0 {
		s.logger.Info("closed stale episodes", "count", closed)
	}

	purged, err := s.evidence.PurgeExpired(asOf)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.logger.Info("purged expired evidence", "count", purged)
	}

	due, err := s.store.GetDueForRevalidation(asOf)
	if err != nil {
		return err
	}
	if len(due) > 0 {
		s.logger.Info("distillations due for revalidation", "count", len(due))
	}
	for _, d := range due {
		if s.onRevalidate != nil {
			s.onRevalidate(d)
		}
	}
	return nil
}

// CloseStaleEpisodes force-closes in-progress episodes with step activity
// older than the configured staleness threshold, inferring the outcome
// from the step evaluations, then hands each closed episode to onClose.
func (s *Sweeper) CloseStaleEpisodes(asOf time.Time) (int, error) {
	staleAfter := s.cfg.StaleAfter.Duration
	if staleAfter == 0 {
		staleAfter = 30 * time.Minute
	}
	stale, err := s.store.GetStaleInProgressEpisodes(asOf.Add(-staleAfter))
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, episode := range stale {
		steps, err := s.store.GetStepsByEpisode(episode.EpisodeID)
		if err != nil {
			s.logger.Warn("stale close: steps unavailable", "episode_id", episode.EpisodeID, "error", err)
			continue
		}

		passed, failed := countEvaluations(steps)
		episode.Outcome = InferOutcome(passed, failed)
		episode.FinalEvaluation = fmt.Sprintf("Auto-closed: %d passed, %d failed out of %d steps", passed, failed, len(steps))
		end := asOf
		episode.EndTS = &end

		if err := s.store.SaveEpisode(episode); err != nil {
			s.logger.Warn("stale close: save failed", "episode_id", episode.EpisodeID, "error", err)
			continue
		}
		closed++
		s.logger.Info("auto-closed stale episode",
			"episode_id", episode.EpisodeID, "outcome", episode.Outcome,
			"passed", passed, "failed", failed)

		if s.onClose != nil {
			s.onClose(episode, steps)
		}
	}
	return closed, nil
}

// InferOutcome maps a step evaluation tally onto an episode outcome: clean
// sweeps succeed, zero passes escalate, a failure majority fails, and
// anything mixed lands partial.
func InferOutcome(passed, failed int) model.Outcome {
	switch {
	case passed > 0 && failed == 0:
		return model.OutcomeSuccess
	case passed == 0:
		return model.OutcomeEscalated
	case failed > passed:
		return model.OutcomeFailure
	default:
		return model.OutcomePartial
	}
}

func countEvaluations(steps []*model.Step) (passed, failed int) {
	for _, s := range steps {
		switch s.Evaluation {
		case model.EvaluationPass:
			passed++
		case model.EvaluationFail:
			failed++
		}
	}
	return passed, failed
}
