package distill

import (
	"fmt"
	"strings"

	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/model"
)

// Candidate is a proposed distillation before it has been quality-gated,
// assigned an id, or persisted.
type Candidate struct {
	Kind         model.DistillationKind
	Statement    string
	Domains      []string
	Triggers     []string
	AntiTriggers []string
	Confidence   float64
	SourceSteps  []string
}

var genericGoals = map[string]bool{
	"fix the bug":           true,
	"fix it":                true,
	"make it work":          true,
	"resolve the issue":     true,
	"implement the feature": true,
	"continue":              true,
	"ok":                    true,
	"go ahead":              true,
}

var constraintWords = []string{"always", "must", "never", "ensure", "require", "mandatory", "forbidden", "prohibit"}

// GenerateCandidates turns a ReflectionResult into zero or more candidate
// distillations. Confidence starts at min(kind cap, reflection confidence
// scaled down) — nothing enters the store trusted; trust is earned through
// usage. Every candidate must still pass IsQualityDistillation before it
// is persisted: generation is deliberately permissive, the gate is not.
func GenerateCandidates(r *ReflectionResult, cfg config.Distill) []Candidate {
	var out []Candidate

	switch r.Outcome {
	case model.OutcomeSuccess:
		out = append(out, successCandidates(r, cfg)...)
	case model.OutcomeFailure:
		out = append(out, failureCandidates(r, cfg)...)
	case model.OutcomeEscalated:
		out = append(out, escalationCandidates(r, cfg)...)
	case model.OutcomePartial:
		out = append(out, partialCandidates(r, cfg)...)
	}

	if p := generatePlaybook(r, cfg); p != nil {
		out = append(out, *p)
	}
	if pol := generatePolicy(r, cfg); pol != nil {
		out = append(out, *pol)
	}

	return out
}

func capConfidence(base, factor, cap float64) float64 {
	c := base * factor
	if c > cap {
		return cap
	}
	return c
}

func successCandidates(r *ReflectionResult, cfg config.Distill) []Candidate {
	var out []Candidate

	if r.Breakthrough != nil && r.Breakthrough.Decision != "" {
		out = append(out, Candidate{
			Kind:        model.DistillationHeuristic,
			Statement:   fmt.Sprintf("When facing %q, %s moved the episode forward.", r.Breakthrough.Intent, r.Breakthrough.Decision),
			Domains:     r.Domains,
			Triggers:    extractTriggers(r.Breakthrough.Intent),
			Confidence:  capConfidence(r.Confidence, 0.5, cfg.HeuristicConfidenceCap),
			SourceSteps: []string{r.Breakthrough.StepID},
		})
	}

	if r.WrongAssumption != "" {
		out = append(out, Candidate{
			Kind:        model.DistillationSharpEdge,
			Statement:   fmt.Sprintf("The assumption %q proved wrong while pursuing %q; verify it explicitly before acting on it.", r.WrongAssumption, r.Goal),
			Domains:     r.Domains,
			Confidence:  capConfidence(r.Confidence, 0.4, cfg.SharpEdgeConfidenceCap),
			SourceSteps: stepIDs(r.FailureSteps),
		})
	}

	if r.RecoveryPattern != "" {
		out = append(out, Candidate{
			Kind:        model.DistillationHeuristic,
			Statement:   fmt.Sprintf("When a step toward %q fails: %s.", r.Goal, r.RecoveryPattern),
			Domains:     r.Domains,
			Confidence:  capConfidence(r.Confidence, 0.4, cfg.HeuristicConfidenceCap),
			SourceSteps: stepIDs(r.SuccessSteps),
		})
	}

	return out
}

func failureCandidates(r *ReflectionResult, cfg config.Distill) []Candidate {
	var out []Candidate

	if r.StopDoing != "" {
		out = append(out, Candidate{
			Kind:         model.DistillationAntiPattern,
			Statement:    fmt.Sprintf("Repeating %q did not resolve the failure in %q; stop after the first miss and diagnose instead.", r.StopDoing, r.Goal),
			Domains:      r.Domains,
			AntiTriggers: extractTriggers(r.StopDoing),
			Confidence:   capConfidence(r.Confidence, 0.5, cfg.AntiPatternConfidenceCap),
			SourceSteps:  stepIDs(r.FailureSteps),
		})
	}

	if len(r.RepeatedErrors) > 0 {
		statement := fmt.Sprintf("%q recurred while pursuing %q; treat it as a known sharp edge, not a one-off.", r.RepeatedErrors[0], r.Goal)
		if r.Bottleneck != "" && r.Bottleneck != r.RepeatedErrors[0] {
			statement = fmt.Sprintf("%q recurred while pursuing %q, concentrating in %s; treat it as a known sharp edge, not a one-off.", r.RepeatedErrors[0], r.Goal, r.Bottleneck)
		}
		out = append(out, Candidate{
			Kind:        model.DistillationSharpEdge,
			Statement:   statement,
			Domains:     r.Domains,
			Triggers:    []string{r.RepeatedErrors[0]},
			Confidence:  capConfidence(r.Confidence, 0.5, cfg.SharpEdgeConfidenceCap),
			SourceSteps: stepIDs(r.FailureSteps),
		})
	}

	if r.WrongAssumption != "" {
		out = append(out, Candidate{
			Kind:        model.DistillationSharpEdge,
			Statement:   fmt.Sprintf("The first failure in %q traced back to the assumption %q; check it before the first step, not after.", r.Goal, r.WrongAssumption),
			Domains:     r.Domains,
			Confidence:  capConfidence(r.Confidence, 0.4, cfg.SharpEdgeConfidenceCap),
			SourceSteps: stepIDs(r.FailureSteps),
		})
	}

	return out
}

func escalationCandidates(r *ReflectionResult, cfg config.Distill) []Candidate {
	out := failureCandidates(r, cfg)

	if len(r.ApproachesTried) > 0 {
		out = append(out, Candidate{
			Kind:        model.DistillationHeuristic,
			Statement:   fmt.Sprintf("When %q stalls after %q, escalate rather than repeating the same approach.", r.Goal, r.ApproachesTried[0]),
			Domains:     r.Domains,
			Confidence:  capConfidence(r.Confidence, 0.5, cfg.HeuristicConfidenceCap),
			SourceSteps: stepIDs(r.FailureSteps),
		})
	}

	return out
}

func partialCandidates(r *ReflectionResult, cfg config.Distill) []Candidate {
	var out []Candidate

	if r.AllPass && r.WorkedApproach != "" {
		// Every step passed yet the goal only partially landed: the
		// approach itself is reliable, which is worth more confidence
		// than an ordinary partial contrast.
		out = append(out, Candidate{
			Kind:        model.DistillationHeuristic,
			Statement:   fmt.Sprintf("For goals like %q, the approach %q passes consistently; scope, not method, limits the outcome.", r.Goal, r.WorkedApproach),
			Domains:     r.Domains,
			Confidence:  capConfidence(r.Confidence, 0.5, cfg.HeuristicConfidenceCap),
			SourceSteps: stepIDs(r.SuccessSteps),
		})
		return out
	}

	if r.WorkedApproach != "" {
		statement := fmt.Sprintf("When working on something similar to %q, start with %q.", r.Goal, r.WorkedApproach)
		if r.FailedApproach != "" {
			statement = fmt.Sprintf("When working on something similar to %q, start with %q rather than %q.", r.Goal, r.WorkedApproach, r.FailedApproach)
		}
		out = append(out, Candidate{
			Kind:        model.DistillationHeuristic,
			Statement:   statement,
			Domains:     r.Domains,
			Triggers:    extractTriggers(r.Goal),
			Confidence:  capConfidence(r.Confidence, 0.5, cfg.HeuristicConfidenceCap),
			SourceSteps: stepIDs(r.SuccessSteps),
		})
	}

	out = append(out, failureCandidates(r, cfg)...)
	return out
}

// generatePlaybook only fires when the episode actually demonstrated a
// multi-move sequence worth replaying: at least two successful steps with
// two distinct decisions, plus either a second tool or a third decision.
// Generic goals never earn one.
func generatePlaybook(r *ReflectionResult, cfg config.Distill) *Candidate {
	if genericGoals[strings.ToLower(strings.TrimSpace(r.Goal))] {
		return nil
	}
	if len(r.SuccessSteps) < 2 || len(r.KeyDecisions) < 2 {
		return nil
	}

	tools := map[string]bool{}
	for _, s := range r.SuccessSteps {
		if s.Action.Tool != "" {
			tools[s.Action.Tool] = true
		}
	}
	if len(tools) < 2 && len(r.KeyDecisions) < 3 {
		return nil
	}

	var steps []string
	for i, decision := range r.KeyDecisions {
		steps = append(steps, fmt.Sprintf("%d. %s", i+1, decision))
	}
	statement := fmt.Sprintf("Playbook for %q: %s", r.Goal, strings.Join(steps, " "))

	return &Candidate{
		Kind:        model.DistillationPlaybook,
		Statement:   statement,
		Domains:     r.Domains,
		Triggers:    extractTriggers(r.Goal),
		Confidence:  cfg.PlaybookStartConfidence,
		SourceSteps: stepIDs(r.SuccessSteps),
	}
}

// generatePolicy only fires when at least two steps speak in constraint
// language ("never", "must", "always", ...). One step saying "never" is an
// opinion; two make it an operating rule.
func generatePolicy(r *ReflectionResult, cfg config.Distill) *Candidate {
	all := append(append([]*model.Step{}, r.SuccessSteps...), r.FailureSteps...)
	var constrained []string
	constrainedSteps := 0
	for _, s := range all {
		text := strings.ToLower(s.Intent + " " + s.Decision)
		for _, w := range constraintWords {
			if strings.Contains(text, w) {
				constrainedSteps++
				constrained = append(constrained, s.Decision)
				break
			}
		}
	}
	if constrainedSteps < 2 {
		return nil
	}

	best := 0.0
	for _, s := range r.SuccessSteps {
		if s.ConfidenceAfter > best {
			best = s.ConfidenceAfter
		}
	}
	confidence := best
	if confidence > cfg.PolicyConfidenceCap {
		confidence = cfg.PolicyConfidenceCap
	}

	return &Candidate{
		Kind:        model.DistillationPolicy,
		Statement:   constrained[0],
		Domains:     r.Domains,
		Confidence:  confidence,
		SourceSteps: stepIDs(all),
	}
}

func extractTriggers(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	var triggers []string
	for _, w := range words {
		w = strings.Trim(w, `.,;:"'()`)
		if len(w) > 3 {
			triggers = append(triggers, w)
		}
	}
	return triggers
}

func stepIDs(steps []*model.Step) []string {
	var ids []string
	for _, s := range steps {
		ids = append(ids, s.StepID)
	}
	return ids
}
