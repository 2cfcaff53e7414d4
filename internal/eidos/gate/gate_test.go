package gate

import (
	"testing"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

func testGateConfig() config.Gate {
	return config.Gate{
		WeightImpact:       0.30,
		WeightNovelty:      0.20,
		WeightSurprise:     0.30,
		WeightRecurrence:   0.20,
		WeightIrreversible: 0.60,
		WeightEvidence:     0.10,
		PassThreshold:      0.5,
	}
}

func TestScoreStepProgressAndSurpriseClearTheBar(t *testing.T) {
	g := New(testGateConfig())
	step := &model.Step{
		Lesson:        "retry jitter removed the thundering herd on reconnect storms",
		ProgressMade:  true,
		SurpriseLevel: 0.6,
	}
	score := g.ScoreStep(step, 0)
	if !score.Passed() {
		t.Errorf("progress + full surprise + novel lesson should pass, got %+v", score)
	}
}

func TestScoreStepRoutineStepRejected(t *testing.T) {
	g := New(testGateConfig())
	step := &model.Step{SurpriseLevel: 0.1}
	if score := g.ScoreStep(step, 0); score.Passed() {
		t.Errorf("a step with no progress, evidence, or surprise must not pass, got %+v", score)
	}
}

func TestScoreStepIrreversibleDominates(t *testing.T) {
	g := New(testGateConfig())
	step := &model.Step{
		Decision: "drop the staging database before the production migration",
	}
	score := g.ScoreStep(step, 0)
	if score.Irreversible != 0.60 {
		t.Errorf("two high-stakes keywords should score the full irreversible weight, got %v", score.Irreversible)
	}
	if !score.Passed() {
		t.Error("the irreversible component alone should clear the default threshold")
	}
}

func TestScoreStepSingleHighStakesKeywordHalfWeight(t *testing.T) {
	g := New(testGateConfig())
	step := &model.Step{Decision: "update the deploy script's log format"}
	score := g.ScoreStep(step, 0)
	if score.Irreversible != 0.30 {
		t.Errorf("one keyword should score half the irreversible weight, got %v", score.Irreversible)
	}
}

func TestScoreStepNoveltyPaysOutOnce(t *testing.T) {
	g := New(testGateConfig())
	step := &model.Step{Lesson: "the importer only fails when the schema cache is cold"}

	first := g.ScoreStep(step, 0)
	second := g.ScoreStep(step, 0)
	if first.Novelty == 0 {
		t.Error("first sighting of a lesson should earn the novelty weight")
	}
	if second.Novelty != 0 {
		t.Errorf("repeat of the same lesson must not earn novelty again, got %v", second.Novelty)
	}
}

func TestScoreStepLessonLengthBonus(t *testing.T) {
	g := New(testGateConfig())
	long := &model.Step{Lesson: "connection pool exhaustion shows up as timeouts two layers above the real cause"}
	if score := g.ScoreStep(long, 0); score.LessonBonus != 0.15 {
		t.Errorf("long lesson bonus = %v, want 0.15", score.LessonBonus)
	}

	short := &model.Step{Lesson: "cold cache was the cause"}
	if score := g.ScoreStep(short, 0); score.LessonBonus != 0.10 {
		t.Errorf("medium lesson bonus = %v, want 0.10", score.LessonBonus)
	}
}

func TestScoreDistillationProvenanceAndTriggers(t *testing.T) {
	g := New(testGateConfig())
	d := &model.Distillation{
		Statement:   "when a migration touches an indexed column, take the lock before the batch update",
		SourceSteps: []string{"s1", "s2", "s3"},
		Triggers:    []string{"migration"},
		Confidence:  0.8,
	}
	score := g.ScoreDistillation(d)
	if !score.Passed() {
		t.Errorf("well-sourced, triggered, confident distillation should pass, got %+v", score)
	}
}

func TestStatsTrackPassesAndRejects(t *testing.T) {
	g := New(testGateConfig())
	g.ScoreStep(&model.Step{ProgressMade: true, SurpriseLevel: 0.6, Lesson: "a novel and reasonably long lesson about locks"}, 0)
	g.ScoreStep(&model.Step{}, 0)

	stats := g.Stats()
	if stats.PassCount != 1 || stats.RejectCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.MeanScore <= 0 {
		t.Errorf("mean score should be positive, got %v", stats.MeanScore)
	}
}

func TestFilterStepsKeepsOnlyPassing(t *testing.T) {
	g := New(testGateConfig())
	steps := []*model.Step{
		{StepID: "keep", ProgressMade: true, SurpriseLevel: 0.7, Lesson: "the flag only applies after a restart of the worker"},
		{StepID: "drop"},
	}
	kept := g.FilterSteps(steps, nil)
	if len(kept) != 1 || kept[0].StepID != "keep" {
		t.Errorf("unexpected filter result: %+v", kept)
	}
}

func TestScoreStepImportanceReturnsNumeric(t *testing.T) {
	g := New(testGateConfig())
	v := ScoreStepImportance(g, &model.Step{ProgressMade: true})
	if v <= 0 {
		t.Errorf("expected positive importance, got %v", v)
	}
}
