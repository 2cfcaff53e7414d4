package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eidos.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Budget.MaxSteps != 25 {
		t.Errorf("MaxSteps = %d, want 25", cfg.Budget.MaxSteps)
	}
	if cfg.Gate.PassThreshold != 0.5 {
		t.Errorf("PassThreshold = %v, want 0.5", cfg.Gate.PassThreshold)
	}
	if cfg.Retriever.MaxResults != 10 {
		t.Errorf("MaxResults = %d, want 10", cfg.Retriever.MaxResults)
	}
	if !cfg.Safety.GuardrailsEnabled {
		t.Error("GuardrailsEnabled should default to true")
	}
}

func TestLoadAppliesEscapeAndSweeperDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Escape.BudgetFraction != 0.8 {
		t.Errorf("Escape.BudgetFraction = %v, want 0.8", cfg.Escape.BudgetFraction)
	}
	if cfg.Escape.WatcherRepeatCount != 2 {
		t.Errorf("Escape.WatcherRepeatCount = %d, want 2", cfg.Escape.WatcherRepeatCount)
	}
	if cfg.Escape.ArtifactConfidence != 0.7 {
		t.Errorf("Escape.ArtifactConfidence = %v, want 0.7", cfg.Escape.ArtifactConfidence)
	}
	if cfg.Sweeper.StaleAfter.Duration.Minutes() != 30 {
		t.Errorf("Sweeper.StaleAfter = %v, want 30m", cfg.Sweeper.StaleAfter.Duration)
	}
	if cfg.Watchers.RepeatFailureThreshold != 2 {
		t.Errorf("Watchers.RepeatFailureThreshold = %d, want 2", cfg.Watchers.RepeatFailureThreshold)
	}
	if cfg.RequestTracker.MaxPending != 50 || cfg.RequestTracker.MaxCompleted != 200 {
		t.Errorf("request tracker defaults wrong: %+v", cfg.RequestTracker)
	}
	if cfg.RequestTracker.PendingGoalTTL.Duration.Minutes() != 10 {
		t.Errorf("PendingGoalTTL = %v, want 10m", cfg.RequestTracker.PendingGoalTTL.Duration)
	}
}

func TestLoadClampsOutOfRangeFloats(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[escape]
budget_fraction = 7.5
artifact_confidence = -2.0
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Escape.BudgetFraction != 0.95 {
		t.Errorf("BudgetFraction should clamp to 0.95, got %v", cfg.Escape.BudgetFraction)
	}
	if cfg.Escape.ArtifactConfidence != 0.1 {
		t.Errorf("ArtifactConfidence should clamp to 0.1, got %v", cfg.Escape.ArtifactConfidence)
	}
}

func TestReloadReportedNamesChangedSections(t *testing.T) {
	path := writeConfig(t, "[budget]\nmax_steps = 12\n")
	mgr, err := LoadManager(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("[budget]\nmax_steps = 30\n\n[gate]\npass_threshold = 0.6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	report, err := mgr.ReloadReported(path)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"budget": true, "gate": true}
	if len(report.AppliedSections) != 2 {
		t.Fatalf("AppliedSections = %v, want budget and gate", report.AppliedSections)
	}
	for _, s := range report.AppliedSections {
		if !want[s] {
			t.Errorf("unexpected section %q in %v", s, report.AppliedSections)
		}
	}

	again, err := mgr.ReloadReported(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.AppliedSections) != 0 || len(again.Warnings) == 0 {
		t.Errorf("no-op reload should warn and apply nothing, got %+v", again)
	}
}

func TestReloadIsIdempotent(t *testing.T) {
	path := writeConfig(t, "[budget]\nmax_steps = 12\n")
	mgr, err := LoadManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Reload(path); err != nil {
		t.Fatal(err)
	}
	first := mgr.Get()
	if err := mgr.Reload(path); err != nil {
		t.Fatal(err)
	}
	second := mgr.Get()
	if *first != *second {
		t.Errorf("reloading the same file twice diverged: %+v vs %+v", first, second)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[budget]
max_steps = 50

[gate]
pass_threshold = 0.7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Budget.MaxSteps != 50 {
		t.Errorf("MaxSteps = %d, want 50", cfg.Budget.MaxSteps)
	}
	if cfg.Gate.PassThreshold != 0.7 {
		t.Errorf("PassThreshold = %v, want 0.7", cfg.Gate.PassThreshold)
	}
}

func TestValidateRejectsBadBudget(t *testing.T) {
	path := writeConfig(t, `
[budget]
max_steps = -1
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for negative max_steps")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := &Config{Budget: Budget{MaxSteps: 25}}
	clone := cfg.Clone()
	clone.Budget.MaxSteps = 99
	if cfg.Budget.MaxSteps != 25 {
		t.Errorf("original mutated via clone: got %d", cfg.Budget.MaxSteps)
	}
}

func TestManagerGetReturnsClone(t *testing.T) {
	mgr := NewManager(&Config{Budget: Budget{MaxSteps: 25}})
	snapshot := mgr.Get()
	snapshot.Budget.MaxSteps = 99
	if mgr.Get().Budget.MaxSteps != 25 {
		t.Error("manager's internal config mutated through returned snapshot")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "[budget]\nmax_steps = 10\n")
	mgr, err := LoadManager(path)
	if err != nil {
		t.Fatalf("LoadManager failed: %v", err)
	}
	if mgr.Get().Budget.MaxSteps != 10 {
		t.Fatalf("initial MaxSteps = %d, want 10", mgr.Get().Budget.MaxSteps)
	}

	if err := os.WriteFile(path, []byte("[budget]\nmax_steps = 40\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := mgr.Reload(path); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if mgr.Get().Budget.MaxSteps != 40 {
		t.Errorf("after reload MaxSteps = %d, want 40", mgr.Get().Budget.MaxSteps)
	}
}
