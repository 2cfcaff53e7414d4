// Package retrieve implements structural retrieval: pulling distillations by
// EIDOS structure (policy, playbook, sharp edge, heuristic, anti-pattern)
// rather than by raw text similarity. Policies always apply; everything else
// is matched by trigger/domain overlap against the step at hand, falling
// back to full-text search only when structure leaves result slots free.
package retrieve

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

// Store is the subset of store.Store the retriever depends on.
type Store interface {
	GetDistillationsByKind(kind model.DistillationKind) ([]*model.Distillation, error)
	SearchDistillationsByText(query string, limit int) ([]*model.Distillation, error)
	RecordDistillationRetrieval(distillationID string) error
	RecordDistillationUsage(distillationID string, helped bool) error
}

// Stats tracks retrieval activity for observability.
type Stats struct {
	Retrievals   int
	ByKind       map[model.DistillationKind]int
	EmptyResults int
}

// Retriever retrieves distillations by structure instead of embedding
// similarity: policies first, then playbooks/sharp edges/heuristics/
// anti-patterns matched against the step, FTS only as a last resort.
type Retriever struct {
	store Store
	cfg   config.Retriever
	stats Stats
}

// New constructs a Retriever bound to a canonical store.
func New(store Store, cfg config.Retriever) *Retriever {
	return &Retriever{
		store: store,
		cfg:   cfg,
		stats: Stats{ByKind: map[model.DistillationKind]int{}},
	}
}

// Stats returns a snapshot of retrieval activity so far.
func (r *Retriever) Stats() Stats {
	return r.stats
}

func (r *Retriever) recordRetrievals(ds []*model.Distillation) {
	for _, d := range ds {
		if err := r.store.RecordDistillationRetrieval(d.DistillationID); err == nil {
			d.TimesRetrieved++
		}
	}
}

// RecordUsage reports that a previously retrieved distillation was or
// wasn't useful, closing the feedback loop into the store's validation and
// contradiction counters.
func (r *Retriever) RecordUsage(distillationID string, helped bool) error {
	return r.store.RecordDistillationUsage(distillationID, helped)
}

func (r *Retriever) maxResults() int {
	if r.cfg.MaxResults > 0 {
		return r.cfg.MaxResults
	}
	return 10
}

// RetrieveForStep is the main entry point: retrieve relevant distillations
// for a step about to be taken, prioritized by structural type.
func (r *Retriever) RetrieveForStep(step *model.Step) ([]*model.Distillation, error) {
	r.stats.Retrievals++
	seen := map[string]bool{}
	var results []*model.Distillation

	add := func(kind model.DistillationKind, ds []*model.Distillation) {
		for _, d := range ds {
			if seen[d.DistillationID] {
				continue
			}
			results = append(results, d)
			seen[d.DistillationID] = true
			r.stats.ByKind[kind]++
		}
	}

	policies, err := r.store.GetDistillationsByKind(model.DistillationPolicy)
	if err != nil {
		return nil, fmt.Errorf("retrieve: policies: %w", err)
	}
	add(model.DistillationPolicy, policies)

	playbooks, err := r.playbooksForIntent(step.Intent)
	if err != nil {
		return nil, fmt.Errorf("retrieve: playbooks: %w", err)
	}
	add(model.DistillationPlaybook, playbooks)

	if tool := step.Action.ToolUsed; tool != "" {
		edges, err := r.sharpEdgesForTool(tool)
		if err != nil {
			return nil, fmt.Errorf("retrieve: sharp edges: %w", err)
		}
		add(model.DistillationSharpEdge, edges)
	}

	heuristics, err := r.heuristicsForIntent(step.Intent)
	if err != nil {
		return nil, fmt.Errorf("retrieve: heuristics: %w", err)
	}
	add(model.DistillationHeuristic, heuristics)

	antiPatterns, err := r.antiPatternsForContext(step.Intent, step.Hypothesis)
	if err != nil {
		return nil, fmt.Errorf("retrieve: anti-patterns: %w", err)
	}
	add(model.DistillationAntiPattern, antiPatterns)

	if len(results) < r.maxResults() && r.cfg.EnableFTSFallback {
		query := strings.TrimSpace(step.Intent + " " + step.Hypothesis)
		if query != "" {
			fallback, err := r.store.SearchDistillationsByText(query, r.maxResults())
			if err != nil {
				return nil, fmt.Errorf("retrieve: fts fallback: %w", err)
			}
			for _, d := range fallback {
				if seen[d.DistillationID] {
					continue
				}
				results = append(results, d)
				seen[d.DistillationID] = true
			}
		}
	}

	results = sortByRelevance(results)
	if len(results) == 0 {
		r.stats.EmptyResults++
	}
	final := truncate(results, r.maxResults())
	r.recordRetrievals(final)
	return final, nil
}

// RetrieveForIntent retrieves distillations matching a bare intent string,
// for callers that don't have a full step (e.g. a planning-time lookup).
func (r *Retriever) RetrieveForIntent(intent string) ([]*model.Distillation, error) {
	r.stats.Retrievals++
	seen := map[string]bool{}
	var results []*model.Distillation

	policies, err := r.store.GetDistillationsByKind(model.DistillationPolicy)
	if err != nil {
		return nil, fmt.Errorf("retrieve: policies: %w", err)
	}
	for _, p := range policies {
		if seen[p.DistillationID] {
			continue
		}
		if hasKeywordOverlap(intent, p.Statement, 1) {
			results = append(results, p)
			seen[p.DistillationID] = true
		}
	}

	heuristics, err := r.heuristicsForIntent(intent)
	if err != nil {
		return nil, fmt.Errorf("retrieve: heuristics: %w", err)
	}
	for _, h := range heuristics {
		if !seen[h.DistillationID] {
			results = append(results, h)
			seen[h.DistillationID] = true
		}
	}

	antiPatterns, err := r.antiPatternsForContext(intent, "")
	if err != nil {
		return nil, fmt.Errorf("retrieve: anti-patterns: %w", err)
	}
	for _, a := range antiPatterns {
		if !seen[a.DistillationID] {
			results = append(results, a)
			seen[a.DistillationID] = true
		}
	}

	final := truncate(sortByRelevance(results), r.maxResults())
	r.recordRetrievals(final)
	return final, nil
}

// RetrieveForError retrieves sharp edges and anti-patterns relevant to an
// error message, for use when diagnosing a failure.
func (r *Retriever) RetrieveForError(errorMessage string) ([]*model.Distillation, error) {
	r.stats.Retrievals++
	seen := map[string]bool{}
	var results []*model.Distillation

	edges, err := r.store.GetDistillationsByKind(model.DistillationSharpEdge)
	if err != nil {
		return nil, fmt.Errorf("retrieve: sharp edges: %w", err)
	}
	for _, e := range edges {
		if !seen[e.DistillationID] && matchesError(errorMessage, e) {
			results = append(results, e)
			seen[e.DistillationID] = true
		}
	}

	antiPatterns, err := r.store.GetDistillationsByKind(model.DistillationAntiPattern)
	if err != nil {
		return nil, fmt.Errorf("retrieve: anti-patterns: %w", err)
	}
	for _, a := range antiPatterns {
		if !seen[a.DistillationID] && matchesError(errorMessage, a) {
			results = append(results, a)
			seen[a.DistillationID] = true
		}
	}

	final := truncate(sortByRelevance(results), r.maxResults())
	r.recordRetrievals(final)
	return final, nil
}

func (r *Retriever) playbooksForIntent(intent string) ([]*model.Distillation, error) {
	all, err := r.store.GetDistillationsByKind(model.DistillationPlaybook)
	if err != nil {
		return nil, err
	}
	var matched []*model.Distillation
	for _, p := range all {
		if matchesTrigger(intent, p.Triggers) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

func (r *Retriever) sharpEdgesForTool(tool string) ([]*model.Distillation, error) {
	all, err := r.store.GetDistillationsByKind(model.DistillationSharpEdge)
	if err != nil {
		return nil, err
	}
	toolLower := strings.ToLower(tool)
	var matched []*model.Distillation
	for _, e := range all {
		if containsFold(strings.Join(e.Domains, " "), toolLower) || containsFold(e.Statement, toolLower) {
			matched = append(matched, e)
		}
	}
	return truncate(matched, 10), nil
}

func (r *Retriever) heuristicsForIntent(intent string) ([]*model.Distillation, error) {
	all, err := r.store.GetDistillationsByKind(model.DistillationHeuristic)
	if err != nil {
		return nil, err
	}
	category := normalizeIntent(intent)
	var matched []*model.Distillation
	for _, h := range all {
		if matchesTrigger(category, h.Triggers) || containsFold(strings.Join(h.Domains, " "), category) {
			matched = append(matched, h)
		}
	}
	return truncate(matched, 10), nil
}

func (r *Retriever) antiPatternsForContext(intent, hypothesis string) ([]*model.Distillation, error) {
	all, err := r.store.GetDistillationsByKind(model.DistillationAntiPattern)
	if err != nil {
		return nil, err
	}
	category := normalizeIntent(intent)
	var matched []*model.Distillation
	for _, a := range all {
		if matchesTrigger(category, a.AntiTriggers) {
			matched = append(matched, a)
			continue
		}
		if hasKeywordOverlap(intent+" "+hypothesis, a.Statement, 2) {
			matched = append(matched, a)
		}
	}
	return truncate(matched, 10), nil
}

func matchesTrigger(text string, triggers []string) bool {
	lower := strings.ToLower(text)
	for _, t := range triggers {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func matchesError(errorMessage string, d *model.Distillation) bool {
	lower := strings.ToLower(errorMessage)
	for _, t := range d.Triggers {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	errWords := wordSet(errorMessage)
	stmtWords := wordSet(d.Statement)
	return intersectionSize(errWords, stmtWords) >= 3
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"if": true, "then": true, "so": true, "to": true, "of": true, "in": true,
	"on": true, "for": true, "with": true, "by": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"user": true, "request": true, "when": true,
}

func hasKeywordOverlap(text1, text2 string, minOverlap int) bool {
	w1 := wordSet(text1)
	w2 := wordSet(text2)
	for w := range stopWords {
		delete(w1, w)
		delete(w2, w)
	}
	return intersectionSize(w1, w2) >= minOverlap
}

var wordPattern = regexp.MustCompile(`[a-z]+`)

func wordSet(text string) map[string]bool {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func intersectionSize(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

func containsFold(haystack, needle string) bool {
	return needle != "" && strings.Contains(strings.ToLower(haystack), needle)
}

// categoryKeywords maps an intent keyword to the normalized category used to
// match triggers and domains, checked in this fixed order so an intent
// containing several keywords always resolves to the same category.
var categoryKeywords = []struct{ keyword, category string }{
	{"git", "git_operations"}, {"push", "git_operations"}, {"commit", "git_operations"},
	{"fix", "bug_fixing"}, {"bug", "bug_fixing"},
	{"add", "feature_addition"}, {"create", "feature_addition"},
	{"remove", "deletion"}, {"delete", "deletion"},
	{"clean", "cleanup"},
	{"test", "testing"},
	{"deploy", "deployment"},
}

var intentPrefixes = []string{"fulfill user request:", "user wants:", "request:"}

// normalizeIntent maps a free-form intent string to a matching category,
// falling back to its first meaningful word.
func normalizeIntent(intent string) string {
	lower := strings.ToLower(intent)
	for _, prefix := range intentPrefixes {
		if strings.HasPrefix(lower, prefix) {
			lower = strings.TrimSpace(lower[len(prefix):])
			break
		}
	}
	for _, kc := range categoryKeywords {
		if strings.Contains(lower, kc.keyword) {
			return kc.category
		}
	}
	words := wordPattern.FindAllString(lower, -1)
	if len(words) > 0 {
		return words[0]
	}
	return "general"
}

// sortByRelevance orders by structural type priority first, then by
// confidence and usage descending within a type.
func sortByRelevance(ds []*model.Distillation) []*model.Distillation {
	sorted := make([]*model.Distillation, len(ds))
	copy(sorted, ds)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := priorityOf(sorted[i].Kind), priorityOf(sorted[j].Kind)
		if pi != pj {
			return pi < pj
		}
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].TimesHelped > sorted[j].TimesHelped
	})
	return sorted
}

func priorityOf(kind model.DistillationKind) int {
	if p, ok := model.TypePriority[kind]; ok {
		return p
	}
	return 99
}

func truncate(ds []*model.Distillation, limit int) []*model.Distillation {
	if limit <= 0 || len(ds) <= limit {
		return ds
	}
	return ds[:limit]
}
