// Package escalate implements the escape protocol's output contract: the
// Escalation document produced at the end of freeze-summarize-isolate-flip
// when an episode cannot be unstuck on its own.
package escalate

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies why an episode escalated.
type Type string

const (
	TypeBudget     Type = "budget"
	TypeLoop       Type = "loop"
	TypeConfidence Type = "confidence"
	TypeBlocked    Type = "blocked"
	TypeUnknown    Type = "unknown"
)

// RequestType is what the escalation is actually asking the human for.
type RequestType string

const (
	RequestInfo     RequestType = "info"
	RequestDecision RequestType = "decision"
	RequestHelp     RequestType = "help"
	RequestReview   RequestType = "review"
)

// Attempt summarizes one failed step for the escalation's attempt log.
type Attempt struct {
	Decision   string
	Result     string
	Evaluation string
}

// Evidence summarizes one lesson-bearing step, not the raw evidence
// artifact — the escalation carries distilled lessons, not tool output.
type Evidence struct {
	StepID string
	Lesson string
}

// MinimalReproduction is the smallest known set of steps that reproduces
// the blocking condition, when one has been isolated.
type MinimalReproduction struct {
	Steps       []string
	Description string
}

// SuggestedOption is one candidate path forward, with its tradeoff spelled
// out so the human doesn't have to reconstruct it.
type SuggestedOption struct {
	Label    string
	Tradeoff string
}

// Escalation is the mandatory artifact the escape protocol produces when it
// cannot resolve an episode's stuck state on its own.
type Escalation struct {
	EpisodeID       string
	Type            Type
	RequestType     RequestType
	Goal            string
	Hypothesis      string
	ProgressSummary string
	Attempts        []Attempt
	EvidenceSeen    []Evidence
	Reproduction    *MinimalReproduction
	Options         []SuggestedOption
	CreatedAt       time.Time
}

const maxOptions = 4

// ToMarkdown renders the escalation as a human-readable report, following
// the same section-by-section rendering idiom as the rest of the ambient
// stack's report formatters.
func (e *Escalation) ToMarkdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Escalation: %s\n\n", e.EpisodeID)
	fmt.Fprintf(&b, "**Type:** %s\n", e.Type)
	fmt.Fprintf(&b, "**Request:** %s\n", e.RequestType)
	fmt.Fprintf(&b, "**Goal:** %s\n\n", e.Goal)

	if e.Hypothesis != "" {
		fmt.Fprintf(&b, "## Current hypothesis\n%s\n\n", e.Hypothesis)
	}

	if e.ProgressSummary != "" {
		fmt.Fprintf(&b, "## Progress so far\n%s\n\n", e.ProgressSummary)
	}

	if len(e.Attempts) > 0 {
		fmt.Fprintf(&b, "## Recent attempts\n")
		for _, a := range e.Attempts {
			fmt.Fprintf(&b, "- %s → %s (%s)\n", a.Decision, a.Result, a.Evaluation)
		}
		b.WriteString("\n")
	}

	if len(e.EvidenceSeen) > 0 {
		fmt.Fprintf(&b, "## Evidence gathered\n")
		for _, ev := range e.EvidenceSeen {
			fmt.Fprintf(&b, "- [%s] %s\n", ev.StepID, ev.Lesson)
		}
		b.WriteString("\n")
	}

	if e.Reproduction != nil {
		fmt.Fprintf(&b, "## Minimal reproduction\n%s\n", e.Reproduction.Description)
		for i, step := range e.Reproduction.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
		b.WriteString("\n")
	}

	if len(e.Options) > 0 {
		fmt.Fprintf(&b, "## Suggested options\n")
		for _, opt := range e.Options {
			fmt.Fprintf(&b, "- **%s** — %s\n", opt.Label, opt.Tradeoff)
		}
	}

	return b.String()
}
