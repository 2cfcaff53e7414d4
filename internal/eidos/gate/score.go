// Package gate implements the memory gate: the weighted-score decision of
// whether a step's lesson or a candidate distillation is worth durable
// memory. Not everything earns a seat — only what clears the bar.
package gate

import (
	"regexp"
	"strings"
	"sync"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

// Score is the gate's verdict: the summed weighted components and whether
// they cleared the configured pass threshold.
type Score struct {
	Overall bool
	Value   float64

	Impact       float64
	Novelty      float64
	Surprise     float64
	Recurrence   float64
	Irreversible float64
	Evidence     float64
	LessonBonus  float64
}

// Passed reports whether the item cleared the gate.
func (s Score) Passed() bool { return s.Overall }

// Stats tracks the gate's accept/reject history and running mean score.
type Stats struct {
	PassCount   int
	RejectCount int
	MeanScore   float64
}

// Gate scores steps and distillations against the configured weights. It
// keeps a per-instance set of normalized phrases already admitted, so the
// novelty component only pays out once per distinct lesson. Safe for
// concurrent callers.
type Gate struct {
	mu          sync.Mutex
	cfg         config.Gate
	seenPhrases map[string]bool
	passCount   int
	rejectCount int
	scoreSum    float64
	scoreCount  int
}

// New constructs a Gate with an empty seen-phrase set.
func New(cfg config.Gate) *Gate {
	return &Gate{cfg: cfg, seenPhrases: map[string]bool{}}
}

// highStakesKeywords mark actions whose consequences outlive the episode.
// Matching two or more makes the irreversible component dominant by
// construction — its weight alone clears the default threshold.
var highStakesKeywords = []string{
	"deploy", "production", "delete", "drop", "security", "auth",
	"credential", "secret", "key", "token", "database", "migration",
	"rollback", "backup", "destroy", "revoke",
}

// ScoreStep scores a completed step. errorRetryCount is how many times this
// step's error signature has recurred in the episode, feeding the
// recurrence component.
func (g *Gate) ScoreStep(step *model.Step, errorRetryCount int) Score {
	var s Score

	if step.ProgressMade {
		s.Impact = g.cfg.WeightImpact
	} else if step.EvidenceGathered {
		s.Impact = g.cfg.WeightImpact / 2
	}

	phrase := normalizePhrase(step.Lesson)
	if phrase == "" {
		phrase = normalizePhrase(step.Intent + " " + step.Decision)
	}
	if g.admitPhrase(phrase) {
		s.Novelty = g.cfg.WeightNovelty
	}

	switch {
	case step.SurpriseLevel >= 0.5:
		s.Surprise = g.cfg.WeightSurprise
	case step.SurpriseLevel >= 0.3:
		s.Surprise = g.cfg.WeightSurprise / 2
	}

	switch {
	case errorRetryCount >= 2:
		s.Recurrence = g.cfg.WeightRecurrence
	case errorRetryCount == 1:
		s.Recurrence = g.cfg.WeightRecurrence / 2
	}

	text := step.Intent + " " + step.Decision + " " + step.Action.Command + " " + step.Result
	switch hits := countHighStakes(text); {
	case hits >= 2:
		s.Irreversible = g.cfg.WeightIrreversible
	case hits == 1:
		s.Irreversible = g.cfg.WeightIrreversible / 2
	}

	if step.Validated && step.EvidenceGathered {
		s.Evidence = g.cfg.WeightEvidence
	} else if step.Validated {
		s.Evidence = g.cfg.WeightEvidence / 2
	}

	switch {
	case len(step.Lesson) > 50:
		s.LessonBonus = 0.15
	case len(step.Lesson) > 20:
		s.LessonBonus = 0.10
	}

	return g.finish(&s)
}

// ScoreDistillation scores a candidate distillation: provenance depth,
// earned confidence, trigger coverage, statement shape, plus the shared
// novelty and irreversibility components.
func (g *Gate) ScoreDistillation(d *model.Distillation) Score {
	var s Score

	if len(d.SourceSteps) >= 3 {
		s.Impact = 0.3
	}
	if d.Confidence > 0.7 {
		s.Impact += g.cfg.WeightImpact * (d.Confidence - 0.5)
	}
	if len(d.Triggers) > 0 {
		s.Recurrence = 0.2
	}
	if n := len(d.Statement); n >= 30 && n <= 500 {
		s.LessonBonus = 0.1
	}

	if g.admitPhrase(normalizePhrase(d.Statement)) {
		s.Novelty = g.cfg.WeightNovelty
	}

	switch hits := countHighStakes(d.Statement); {
	case hits >= 2:
		s.Irreversible = g.cfg.WeightIrreversible
	case hits == 1:
		s.Irreversible = g.cfg.WeightIrreversible / 2
	}

	return g.finish(&s)
}

func (g *Gate) finish(s *Score) Score {
	s.Value = s.Impact + s.Novelty + s.Surprise + s.Recurrence +
		s.Irreversible + s.Evidence + s.LessonBonus
	if s.Value > 1 {
		s.Value = 1
	}
	s.Overall = s.Value >= g.cfg.PassThreshold

	g.mu.Lock()
	defer g.mu.Unlock()
	if s.Overall {
		g.passCount++
	} else {
		g.rejectCount++
	}
	g.scoreSum += s.Value
	g.scoreCount++
	return *s
}

// FilterSteps keeps the steps that clear the gate. retriesFor maps a step
// to its error-recurrence count; a nil func means zero recurrence.
func (g *Gate) FilterSteps(steps []*model.Step, retriesFor func(*model.Step) int) []*model.Step {
	var kept []*model.Step
	for _, s := range steps {
		retries := 0
		if retriesFor != nil {
			retries = retriesFor(s)
		}
		if g.ScoreStep(s, retries).Passed() {
			kept = append(kept, s)
		}
	}
	return kept
}

// FilterDistillations keeps the distillations that clear the gate.
func (g *Gate) FilterDistillations(ds []*model.Distillation) []*model.Distillation {
	var kept []*model.Distillation
	for _, d := range ds {
		if g.ScoreDistillation(d).Passed() {
			kept = append(kept, d)
		}
	}
	return kept
}

// Stats returns the gate's accept/reject counts and running mean score.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := Stats{PassCount: g.passCount, RejectCount: g.rejectCount}
	if g.scoreCount > 0 {
		stats.MeanScore = g.scoreSum / float64(g.scoreCount)
	}
	return stats
}

// ScoreStepImportance is the numeric convenience wrapper callers use when
// they want the score, not the verdict.
func ScoreStepImportance(g *Gate, step *model.Step) float64 {
	return g.ScoreStep(step, 0).Value
}

// admitPhrase reports whether the phrase is new to this gate instance,
// recording it either way. Empty phrases are never novel.
func (g *Gate) admitPhrase(phrase string) bool {
	if phrase == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seenPhrases[phrase] {
		return false
	}
	g.seenPhrases[phrase] = true
	return true
}

var phraseStrip = regexp.MustCompile(`[^a-z0-9 ]+`)

func normalizePhrase(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	lower = phraseStrip.ReplaceAllString(lower, "")
	return strings.Join(strings.Fields(lower), " ")
}

func countHighStakes(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range highStakesKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}
