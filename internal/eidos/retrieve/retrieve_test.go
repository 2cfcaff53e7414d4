package retrieve

import (
	"testing"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

type fakeStore struct {
	byKind     map[model.DistillationKind][]*model.Distillation
	ftsResults []*model.Distillation
	retrieved  []string
	usage      map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{byKind: map[model.DistillationKind][]*model.Distillation{}, usage: map[string]bool{}}
}

func (f *fakeStore) GetDistillationsByKind(kind model.DistillationKind) ([]*model.Distillation, error) {
	return f.byKind[kind], nil
}

func (f *fakeStore) SearchDistillationsByText(query string, limit int) ([]*model.Distillation, error) {
	return f.ftsResults, nil
}

func (f *fakeStore) RecordDistillationRetrieval(distillationID string) error {
	f.retrieved = append(f.retrieved, distillationID)
	return nil
}

func (f *fakeStore) RecordDistillationUsage(distillationID string, helped bool) error {
	f.usage[distillationID] = helped
	return nil
}

func testRetrieverConfig() config.Retriever {
	return config.Retriever{MaxResults: 10, EnableFTSFallback: true}
}

func TestRetrieveForStepAlwaysIncludesPolicies(t *testing.T) {
	fs := newFakeStore()
	fs.byKind[model.DistillationPolicy] = []*model.Distillation{
		{DistillationID: "p1", Kind: model.DistillationPolicy, Statement: "never force-push to main", Confidence: 0.9},
	}

	r := New(fs, testRetrieverConfig())
	results, err := r.RetrieveForStep(&model.Step{Intent: "fix the build"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].DistillationID != "p1" {
		t.Errorf("expected policy to always surface, got %+v", results)
	}
}

func TestRetrieveForStepOrdersByTypePriority(t *testing.T) {
	fs := newFakeStore()
	fs.byKind[model.DistillationPolicy] = []*model.Distillation{
		{DistillationID: "policy-1", Kind: model.DistillationPolicy, Statement: "respect the budget", Confidence: 0.5},
	}
	fs.byKind[model.DistillationHeuristic] = []*model.Distillation{
		{DistillationID: "heur-1", Kind: model.DistillationHeuristic, Statement: "bug fixing goes faster with a reproduction", Confidence: 0.9,
			Triggers: []string{"bug_fixing"}},
	}

	r := New(fs, testRetrieverConfig())
	results, err := r.RetrieveForStep(&model.Step{Intent: "fix a bug in the parser"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) < 2 {
		t.Fatalf("expected both policy and heuristic, got %+v", results)
	}
	if results[0].Kind != model.DistillationPolicy {
		t.Errorf("expected policy to sort first despite lower confidence, got %s first", results[0].Kind)
	}
}

func TestRetrieveForStepMatchesSharpEdgeByTool(t *testing.T) {
	fs := newFakeStore()
	fs.byKind[model.DistillationSharpEdge] = []*model.Distillation{
		{DistillationID: "edge-1", Kind: model.DistillationSharpEdge, Statement: "sqlite write locks under WAL need a busy_timeout", Domains: []string{"sqlite"}},
	}

	r := New(fs, testRetrieverConfig())
	results, err := r.RetrieveForStep(&model.Step{Intent: "add a migration", Action: model.AttemptedAction{ToolUsed: "sqlite"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, d := range results {
		if d.DistillationID == "edge-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected sharp edge matching tool to be retrieved")
	}
}

func TestRetrieveForStepRecordsRetrievals(t *testing.T) {
	fs := newFakeStore()
	fs.byKind[model.DistillationPolicy] = []*model.Distillation{
		{DistillationID: "p1", Kind: model.DistillationPolicy, Statement: "never force-push to main"},
	}

	r := New(fs, testRetrieverConfig())
	if _, err := r.RetrieveForStep(&model.Step{Intent: "deploy the service"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.retrieved) != 1 || fs.retrieved[0] != "p1" {
		t.Errorf("expected retrieval to be recorded, got %v", fs.retrieved)
	}
}

func TestRetrieveForErrorMatchesByKeywordOverlap(t *testing.T) {
	fs := newFakeStore()
	fs.byKind[model.DistillationSharpEdge] = []*model.Distillation{
		{DistillationID: "edge-1", Kind: model.DistillationSharpEdge, Statement: "connection refused errors on startup usually mean the database container isn't ready yet"},
	}

	r := New(fs, testRetrieverConfig())
	results, err := r.RetrieveForError("connection refused: database container not ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected sharp edge to match on keyword overlap, got %+v", results)
	}
}

func TestRecordUsageDelegatesToStore(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, testRetrieverConfig())
	if err := r.RecordUsage("p1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if helped, ok := fs.usage["p1"]; !ok || !helped {
		t.Error("expected usage to be recorded as helpful")
	}
}

func TestNormalizeIntentMapsKeywordToCategory(t *testing.T) {
	if got := normalizeIntent("fix the broken test"); got != "bug_fixing" {
		t.Errorf("expected bug_fixing, got %q", got)
	}
}
