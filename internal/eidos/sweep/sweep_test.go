package sweep

import (
	"testing"
	"time"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

type fakeStore struct {
	stale []*model.Episode
	steps map[string][]*model.Step
	due   []*model.Distillation
	saved []*model.Episode
}

func (f *fakeStore) GetStaleInProgressEpisodes(cutoff time.Time) ([]*model.Episode, error) {
	return f.stale, nil
}

func (f *fakeStore) GetStepsByEpisode(episodeID string) ([]*model.Step, error) {
	return f.steps[episodeID], nil
}

func (f *fakeStore) SaveEpisode(e *model.Episode) error {
	f.saved = append(f.saved, e)
	return nil
}

func (f *fakeStore) GetDueForRevalidation(asOf time.Time) ([]*model.Distillation, error) {
	return f.due, nil
}

type fakeEvidencePurger struct {
	purged int64
}

func (f *fakeEvidencePurger) PurgeExpired(asOf time.Time) (int64, error) {
	return f.purged, nil
}

func TestRunOnceInvokesRevalidationHandlerForEachDue(t *testing.T) {
	fs := &fakeStore{due: []*model.Distillation{
		{DistillationID: "d1"}, {DistillationID: "d2"},
	}, steps: map[string][]*model.Step{}}
	ep := &fakeEvidencePurger{purged: 3}

	var handled []string
	s := New(fs, ep, config.Sweeper{}, nil, func(d *model.Distillation) {
		handled = append(handled, d.DistillationID)
	}, nil)

	if err := s.RunOnce(time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handled) != 2 {
		t.Errorf("expected 2 distillations handled, got %d", len(handled))
	}
}

func TestRunOnceToleratesNilHandlers(t *testing.T) {
	fs := &fakeStore{due: []*model.Distillation{{DistillationID: "d1"}}, steps: map[string][]*model.Step{}}
	s := New(fs, &fakeEvidencePurger{}, config.Sweeper{}, nil, nil, nil)
	if err := s.RunOnce(time.Now()); err != nil {
		t.Fatalf("unexpected error with nil handlers: %v", err)
	}
}

func TestCloseStaleEpisodesMixedStepsLandsPartial(t *testing.T) {
	episode := model.NewEpisode("ep-stale", "improve the importer", "", model.DefaultBudget())
	episode.StartTS = time.Now().Add(-2000 * time.Second)
	episode.StepCount = 2

	fs := &fakeStore{
		stale: []*model.Episode{episode},
		steps: map[string][]*model.Step{
			"ep-stale": {
				{StepID: "s1", Evaluation: model.EvaluationPass},
				{StepID: "s2", Evaluation: model.EvaluationFail},
			},
		},
	}

	var closed *model.Episode
	s := New(fs, &fakeEvidencePurger{}, config.Sweeper{StaleAfter: config.Duration{Duration: 30 * time.Minute}}, nil, nil,
		func(e *model.Episode, steps []*model.Step) { closed = e })

	n, err := s.CloseStaleEpisodes(time.Now())
	if err != nil {
		t.Fatalf("CloseStaleEpisodes failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 closed episode, got %d", n)
	}
	if episode.Outcome != model.OutcomePartial {
		t.Errorf("mixed steps should land partial, got %s", episode.Outcome)
	}
	if episode.EndTS == nil {
		t.Error("expected end timestamp to be stamped")
	}
	want := "Auto-closed: 1 passed, 1 failed out of 2 steps"
	if episode.FinalEvaluation != want {
		t.Errorf("FinalEvaluation = %q, want %q", episode.FinalEvaluation, want)
	}
	if closed == nil || closed.EpisodeID != "ep-stale" {
		t.Error("expected close handler to receive the episode")
	}
	if len(fs.saved) != 1 {
		t.Errorf("expected episode saved once, got %d", len(fs.saved))
	}
}

func TestInferOutcomeCovering(t *testing.T) {
	cases := []struct {
		passed, failed int
		want           model.Outcome
	}{
		{passed: 3, failed: 0, want: model.OutcomeSuccess},
		{passed: 0, failed: 0, want: model.OutcomeEscalated},
		{passed: 0, failed: 2, want: model.OutcomeEscalated},
		{passed: 1, failed: 3, want: model.OutcomeFailure},
		{passed: 2, failed: 2, want: model.OutcomePartial},
		{passed: 3, failed: 1, want: model.OutcomePartial},
	}
	for _, c := range cases {
		if got := InferOutcome(c.passed, c.failed); got != c.want {
			t.Errorf("InferOutcome(%d, %d) = %s, want %s", c.passed, c.failed, got, c.want)
		}
	}
}
