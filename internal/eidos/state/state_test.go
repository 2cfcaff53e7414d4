package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempFiles(t *testing.T) *Files {
	t.Helper()
	f, err := New(t.TempDir(), 10*time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return f
}

func TestActiveEpisodeRoundTrip(t *testing.T) {
	f := tempFiles(t)
	if _, ok := f.ActiveEpisode("sess-1"); ok {
		t.Fatal("expected no episode for a fresh session")
	}
	if err := f.SetActiveEpisode("sess-1", "ep-1"); err != nil {
		t.Fatal(err)
	}
	id, ok := f.ActiveEpisode("sess-1")
	if !ok || id != "ep-1" {
		t.Errorf("got (%q, %v), want (ep-1, true)", id, ok)
	}
	if err := f.ClearActiveEpisode("sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.ActiveEpisode("sess-1"); ok {
		t.Error("expected episode binding cleared")
	}
}

func TestActiveStepHandoffRoundTrip(t *testing.T) {
	f := tempFiles(t)
	handoff := StepHandoff{
		StepID:                   "step-1",
		EpisodeID:                "ep-1",
		ToolName:                 "Bash",
		Prediction:               "tests pass",
		TraceID:                  "trace-1",
		Intent:                   "run the suite",
		Decision:                 "Execute: go test ./...",
		ActionDetails:            map[string]string{"command": "go test ./..."},
		RetrievedDistillationIDs: []string{"d1"},
		Timestamp:                time.Now(),
	}
	if err := f.SetActiveStep("sess-1", handoff); err != nil {
		t.Fatal(err)
	}

	got, ok := f.ActiveStep("sess-1")
	if !ok {
		t.Fatal("expected handoff present")
	}
	if got.StepID != "step-1" || got.ToolName != "Bash" || got.ActionDetails["command"] != "go test ./..." {
		t.Errorf("handoff not round-tripped: %+v", got)
	}
	if len(got.RetrievedDistillationIDs) != 1 {
		t.Errorf("retrieved ids lost: %+v", got)
	}
}

func TestPendingGoalPrunesExpired(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.SetPendingGoal("sess-old", "an old goal"); err != nil {
		t.Fatal(err)
	}

	// Backdate the entry past the TTL by rewriting the file directly.
	raw := `{"sess-old":{"goal":"an old goal","ts":"2020-01-01T00:00:00Z"}}`
	if err := os.WriteFile(filepath.Join(dir, "eidos_pending_goals.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := f.PendingGoal("sess-old"); ok {
		t.Error("expected expired pending goal pruned on access")
	}
}

func TestMalformedFileReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "eidos_active_episodes.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := f.ActiveEpisode("sess-1"); ok {
		t.Error("malformed file must read as empty")
	}

	// A save through the atomic path heals the file.
	if err := f.SetActiveEpisode("sess-1", "ep-1"); err != nil {
		t.Fatal(err)
	}
	if id, ok := f.ActiveEpisode("sess-1"); !ok || id != "ep-1" {
		t.Errorf("expected healed file to round-trip, got (%q, %v)", id, ok)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.SetActiveEpisode("sess-1", "ep-1"); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "eidos_active_episodes.json" {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}
}
