package escape

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
	"github.com/vibeship/eidos/internal/eidos/watch"
)

func testEscapeConfig() config.Escape {
	return config.Escape{
		WatcherRepeatCount: 2,
		BudgetFraction:     0.8,
		ForceAlertCount:    2,
		StuckEscalateCount: 2,
		ArtifactConfidence: 0.7,
	}
}

func testWatchConfig() config.Watchers {
	return config.Watchers{
		ConfidenceStagnationThreshold: 0.05,
		ConfidenceStagnationSteps:     3,
		RepeatFailureThreshold:        2,
		BudgetHalfNoProgressFraction:  0.5,
		NoProgressWindow:              5,
		ScopeCreepWindow:              10,
		ScopeCreepGrowthFactor:        1.5,
		ValidationGapWindow:           3,
		ValidationGapThreshold:        2,
		TraceGapWindow:                5,
		AlertHistoryCapacity:          100,
	}
}

func TestShouldTriggerOnRepeatedWatcher(t *testing.T) {
	engine := watch.NewEngine(testWatchConfig())
	episode := model.NewEpisode("ep-1", "goal", "", model.DefaultBudget())
	episode.RecordError("boom")
	episode.RecordError("boom")

	engine.Evaluate(watch.Input{Episode: episode})
	engine.Evaluate(watch.Input{Episode: episode})

	ok, reason := ShouldTrigger(engine, episode, nil, testEscapeConfig())
	require.True(t, ok)
	assert.Contains(t, reason, "repeat_failure")
}

func TestShouldTriggerOnBudgetFraction(t *testing.T) {
	budget := model.DefaultBudget()
	budget.MaxSteps = 10
	episode := model.NewEpisode("ep-1", "goal", "", budget)
	episode.StepCount = 9

	ok, reason := ShouldTrigger(watch.NewEngine(testWatchConfig()), episode, nil, testEscapeConfig())
	require.True(t, ok)
	assert.Contains(t, reason, "budget")
}

func TestShouldTriggerOnDoubleForceAlert(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "", model.DefaultBudget())
	findings := []watch.Finding{
		{Watcher: watch.RepeatFailure, Triggered: true, Severity: watch.SeverityForce},
		{Watcher: watch.ValidationGap, Triggered: true, Severity: watch.SeverityForce},
	}

	ok, _ := ShouldTrigger(watch.NewEngine(testWatchConfig()), episode, findings, testEscapeConfig())
	assert.True(t, ok)
}

func TestShouldNotTriggerOnQuietEpisode(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "", model.DefaultBudget())
	ok, _ := ShouldTrigger(watch.NewEngine(testWatchConfig()), episode, nil, testEscapeConfig())
	assert.False(t, ok)
}

func TestExecuteSharpEdgeForRepeatingError(t *testing.T) {
	episode := model.NewEpisode("ep-1", "unbreak the importer", "", model.DefaultBudget())
	episode.StepCount = 3
	episode.RecordError("Bash:ImportError: no module X")
	episode.RecordError("Bash:ImportError: no module X")

	steps := []*model.Step{
		{StepID: "s1", Decision: "pytest -k auth", Evaluation: model.EvaluationFail, Result: "ImportError: no module X"},
		{StepID: "s2", Decision: "pytest -k auth", Evaluation: model.EvaluationFail, Result: "ImportError: no module X"},
	}

	result := Execute(episode, steps, "watcher repeat_failure fired twice", testEscapeConfig())
	require.NotNil(t, result.LearningArtifact)

	artifact := result.LearningArtifact
	assert.Equal(t, model.DistillationSharpEdge, artifact.Kind)
	assert.True(t, strings.HasPrefix(artifact.Statement, "When error 'ImportError:"), "statement = %q", artifact.Statement)
	assert.Contains(t, artifact.Statement, "stop and diagnose")
	assert.InDelta(t, 0.7, artifact.Confidence, 1e-9)
	assert.Contains(t, artifact.Domains, "escape_protocol")
	assert.Equal(t, model.PhaseDiagnose, result.NewPhase)
}

func TestExecuteAntiPatternGeneralizesCommand(t *testing.T) {
	episode := model.NewEpisode("ep-1", "clean the repo layout", "", model.DefaultBudget())
	episode.StepCount = 4

	steps := []*model.Step{
		{
			StepID:     "s1",
			Decision:   "cd /home/user/repo && find . -name '*.pyc' -delete",
			Evaluation: model.EvaluationFail,
			Action:     model.AttemptedAction{ToolUsed: "Bash", Command: "cd /home/user/repo && find . -name '*.pyc' -delete"},
		},
	}

	result := Execute(episode, steps, "budget nearly spent", testEscapeConfig())
	require.NotNil(t, result.LearningArtifact)

	artifact := result.LearningArtifact
	assert.Equal(t, model.DistillationAntiPattern, artifact.Kind)
	assert.Contains(t, artifact.Statement, "'find' commands")
	assert.NotContains(t, artifact.Statement, "/home/user/repo")
}

func TestExecuteHeuristicWhenNothingFailed(t *testing.T) {
	episode := model.NewEpisode("ep-1", "profile the allocation hot path in the scheduler loop", "", model.DefaultBudget())
	episode.StepCount = 9

	result := Execute(episode, nil, "90% of budget used", testEscapeConfig())
	require.NotNil(t, result.LearningArtifact)
	assert.Equal(t, model.DistillationHeuristic, result.LearningArtifact.Kind)
	assert.NotContains(t, result.LearningArtifact.Statement, "/")
}

func TestExecuteEscalatesWhenStuckTwice(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "", model.DefaultBudget())
	episode.StuckCount = 2

	result := Execute(episode, nil, "stuck again", testEscapeConfig())
	assert.Equal(t, model.PhaseEscalate, result.NewPhase)
}

func TestExecuteFlipsFirstAssumption(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "", model.DefaultBudget())
	steps := []*model.Step{
		{StepID: "s1", Decision: "patch the handler", Assumptions: []string{"the handler is the entry point"}},
	}

	result := Execute(episode, steps, "reason", testEscapeConfig())
	assert.Contains(t, result.FlippedQuestion, "the handler is the entry point")
	require.NotEmpty(t, result.Hypotheses)
	assert.Contains(t, result.Hypotheses[0], "is false")
	assert.Contains(t, result.DiscriminatingTest, "verify")
}

func TestExecuteSummaryCarriesRecentFailures(t *testing.T) {
	episode := model.NewEpisode("ep-1", "goal", "", model.DefaultBudget())
	episode.StepCount = 5
	episode.RecordError("a")

	var steps []*model.Step
	for _, d := range []string{"one", "two", "three", "four"} {
		steps = append(steps, &model.Step{Decision: d, Evaluation: model.EvaluationFail})
	}

	result := Execute(episode, steps, "reason", testEscapeConfig())
	assert.Equal(t, 5, result.Summary.StepsTaken)
	assert.Equal(t, 1, result.Summary.UniqueErrors)
	require.Len(t, result.Summary.RecentFailures, 3)
	assert.Equal(t, []string{"two", "three", "four"}, result.Summary.RecentFailures)
}
