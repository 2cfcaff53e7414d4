package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vibeship/eidos/internal/eidos/model"
)

func tempEvidenceStore(t *testing.T) *EvidenceStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "evidence.db")
	s, err := OpenEvidenceStore(dbPath)
	if err != nil {
		t.Fatalf("OpenEvidenceStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveEvidenceDerivesExpiry(t *testing.T) {
	s := tempEvidenceStore(t)
	e := &model.Evidence{
		EvidenceID: "ev-1",
		StepID:     "step-1",
		Kind:       model.EvidenceToolOutput,
		Content:    "go test output",
	}
	if err := s.Save(e); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if e.ExpiresAt == nil {
		t.Fatal("expected tool_output evidence to get a derived expiry")
	}
	if e.ContentHash == "" {
		t.Error("expected content hash to be derived")
	}

	got, err := s.GetByStep("step-1")
	if err != nil {
		t.Fatalf("GetByStep failed: %v", err)
	}
	if len(got) != 1 || got[0].Content != "go test output" {
		t.Errorf("unexpected evidence: %+v", got)
	}
}

func TestUserFlaggedEvidenceHasNoExpiry(t *testing.T) {
	s := tempEvidenceStore(t)
	e := &model.Evidence{
		EvidenceID: "ev-1",
		StepID:     "step-1",
		Kind:       model.EvidenceUserFlagged,
		Content:    "do not repeat this mistake",
	}
	if err := s.Save(e); err != nil {
		t.Fatal(err)
	}
	if e.ExpiresAt != nil {
		t.Errorf("expected permanent retention, got expiry %v", e.ExpiresAt)
	}
}

func TestPurgeExpiredRemovesOnlyExpired(t *testing.T) {
	s := tempEvidenceStore(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	expired := &model.Evidence{EvidenceID: "ev-old", StepID: "step-1", Kind: model.EvidenceToolOutput, Content: "old", ExpiresAt: &past}
	fresh := &model.Evidence{EvidenceID: "ev-new", StepID: "step-1", Kind: model.EvidenceToolOutput, Content: "new", ExpiresAt: &future}
	if err := s.Save(expired); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(fresh); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeExpired(time.Now())
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged row, got %d", purged)
	}

	remaining, err := s.GetByStep("step-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].EvidenceID != "ev-new" {
		t.Errorf("unexpected remaining evidence: %+v", remaining)
	}
}

func TestSaveCompressesLargeContentAndGetByStepDecompresses(t *testing.T) {
	s := tempEvidenceStore(t)
	large := strings.Repeat("the same log line repeated many times\n", 500)
	e := &model.Evidence{EvidenceID: "ev-big", StepID: "step-1", Kind: model.EvidenceBuildLog, Content: large}
	if err := s.Save(e); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.GetByStep("step-1")
	if err != nil {
		t.Fatalf("GetByStep failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 evidence row, got %d", len(got))
	}
	if !got[0].Compressed {
		t.Error("expected large content to be stored compressed")
	}
	if got[0].Content != large {
		t.Error("expected GetByStep to transparently decompress content")
	}
}

func TestGetAndGetByType(t *testing.T) {
	s := tempEvidenceStore(t)
	if err := s.Save(&model.Evidence{EvidenceID: "ev-1", StepID: "step-1", Kind: model.EvidenceTestResult, Content: "PASS"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(&model.Evidence{EvidenceID: "ev-2", StepID: "step-2", Kind: model.EvidenceDiff, Content: "+line"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("ev-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "PASS" || got.Kind != model.EvidenceTestResult {
		t.Errorf("unexpected evidence: %+v", got)
	}

	byType, err := s.GetByType(model.EvidenceDiff, 10)
	if err != nil {
		t.Fatalf("GetByType failed: %v", err)
	}
	if len(byType) != 1 || byType[0].EvidenceID != "ev-2" {
		t.Errorf("unexpected by-type result: %+v", byType)
	}
}

func TestFlagPermanentRemovesExpiry(t *testing.T) {
	s := tempEvidenceStore(t)
	if err := s.Save(&model.Evidence{EvidenceID: "ev-1", StepID: "step-1", Kind: model.EvidenceToolOutput, Content: "keep me"}); err != nil {
		t.Fatal(err)
	}
	if err := s.FlagPermanent("ev-1", "flagged during incident review"); err != nil {
		t.Fatalf("FlagPermanent failed: %v", err)
	}

	got, err := s.Get("ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ExpiresAt != nil {
		t.Errorf("pinned evidence must have no expiry, got %v", got.ExpiresAt)
	}

	purged, err := s.PurgeExpired(time.Now().Add(100 * 24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 0 {
		t.Errorf("pinned evidence must survive the purge, purged %d", purged)
	}
}

func TestExtendRetentionPushesExpiry(t *testing.T) {
	s := tempEvidenceStore(t)
	e := &model.Evidence{EvidenceID: "ev-1", StepID: "step-1", Kind: model.EvidenceToolOutput, Content: "short-lived"}
	if err := s.Save(e); err != nil {
		t.Fatal(err)
	}
	before := *e.ExpiresAt

	if err := s.ExtendRetention("ev-1", 48*time.Hour, "still under investigation"); err != nil {
		t.Fatalf("ExtendRetention failed: %v", err)
	}
	got, err := s.Get("ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.After(before) {
		t.Errorf("expiry not extended: %v -> %v", before, got.ExpiresAt)
	}
}

func TestDetectEvidenceKind(t *testing.T) {
	cases := []struct {
		tool, content string
		want          model.EvidenceKind
	}{
		{"run_tests", "ok", model.EvidenceTestResult},
		{"build_project", "ok", model.EvidenceBuildLog},
		{"deploy_service", "ok", model.EvidenceDeployArtifact},
		{"auth_check", "ok", model.EvidenceSecurityEvent},
		{"Edit", "patched", model.EvidenceDiff},
		{"Write", "created", model.EvidenceDiff},
		{"Bash", "Traceback (most recent call last)", model.EvidenceErrorTrace},
		{"Bash", "ls output", model.EvidenceToolOutput},
	}
	for _, c := range cases {
		if got := DetectEvidenceKind(c.tool, c.content); got != c.want {
			t.Errorf("DetectEvidenceKind(%q, %q) = %s, want %s", c.tool, c.content, got, c.want)
		}
	}
}

func TestCountByStep(t *testing.T) {
	s := tempEvidenceStore(t)
	for i := 0; i < 3; i++ {
		e := &model.Evidence{EvidenceID: "ev-" + string(rune('a'+i)), StepID: "step-1", Kind: model.EvidenceDiff, Content: "diff"}
		if err := s.Save(e); err != nil {
			t.Fatal(err)
		}
	}
	count, err := s.CountByStep("step-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("CountByStep = %d, want 3", count)
	}
}
