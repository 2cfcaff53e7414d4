package distill

import (
	"strings"
	"time"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

// FinalizeDistillation assigns a revalidation deadline to a freshly gated
// distillation. now is passed in explicitly so callers can stamp it once
// after the workflow completes rather than recomputing it mid-flight.
func FinalizeDistillation(d *model.Distillation, cfg config.Distill, now time.Time) {
	d.CreatedAt = now
	revalidateBy := now.Add(cfg.RevalidateAfter.Duration)
	d.RevalidateBy = &revalidateBy
}

// AreSimilar reports whether two statements share enough vocabulary
// (Jaccard similarity over their word sets) to be considered the same
// lesson restated.
func AreSimilar(a, b string, threshold float64) bool {
	setA := wordSet(strings.ToLower(a))
	setB := wordSet(strings.ToLower(b))
	if len(setA) == 0 || len(setB) == 0 {
		return false
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return false
	}
	return float64(intersection)/float64(union) > threshold
}

// MergeSimilar groups distillations of the same kind that are similar to
// the group's first (seed) member and folds each group into a single merged
// distillation, keeping the highest-confidence statement and summing
// usage/validation counters. Members are compared with the seed only, not
// with each other.
func MergeSimilar(distillations []*model.Distillation, threshold float64) []*model.Distillation {
	merged := make([]*model.Distillation, 0, len(distillations))
	used := make([]bool, len(distillations))

	for i, d := range distillations {
		if used[i] {
			continue
		}
		group := []*model.Distillation{d}
		used[i] = true
		for j := i + 1; j < len(distillations); j++ {
			if used[j] || distillations[j].Kind != d.Kind {
				continue
			}
			if AreSimilar(d.Statement, distillations[j].Statement, threshold) {
				group = append(group, distillations[j])
				used[j] = true
			}
		}
		merged = append(merged, mergeGroup(group))
	}

	return merged
}

func mergeGroup(group []*model.Distillation) *model.Distillation {
	if len(group) == 1 {
		return group[0]
	}

	best := group[0]
	for _, d := range group[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}

	merged := *best
	merged.SourceSteps = nil
	merged.ValidationCount = 0
	merged.ContradictionCount = 0
	merged.TimesUsed = 0
	merged.TimesHelped = 0
	merged.TimesRetrieved = 0

	seenSteps := map[string]bool{}
	for _, d := range group {
		merged.ValidationCount += d.ValidationCount
		merged.ContradictionCount += d.ContradictionCount
		merged.TimesUsed += d.TimesUsed
		merged.TimesHelped += d.TimesHelped
		merged.TimesRetrieved += d.TimesRetrieved
		for _, step := range d.SourceSteps {
			if !seenSteps[step] {
				seenSteps[step] = true
				merged.SourceSteps = append(merged.SourceSteps, step)
			}
		}
	}

	return &merged
}

// ValidateDistillation applies the confidence feedback loop: a lesson that
// helped earns a small confidence boost (capped at 1.0), one that didn't
// takes a larger penalty (floored at 0.1) — contradiction should cost more
// than confirmation earns, or noisy lessons never get weeded out.
func ValidateDistillation(d *model.Distillation, helped bool, cfg config.Distill) {
	if helped {
		d.ValidationCount++
		d.Confidence += cfg.ValidationConfidenceStep
		if d.Confidence > 1.0 {
			d.Confidence = 1.0
		}
	} else {
		d.ContradictionCount++
		d.Confidence -= cfg.ContradictionConfidenceStep
		if d.Confidence < 0.1 {
			d.Confidence = 0.1
		}
	}
}
