package distill

import (
	"regexp"
	"strings"
	"unicode"
)

const minStatementLength = 20

// tautologyPhrases are advice so generic it teaches nothing. A statement
// containing any of them is rejected outright.
var tautologyPhrases = []string{
	"try a different approach",
	"step back and reconsider",
	"always validate assumptions",
	"be careful when",
	"be careful",
	"make sure it works",
	"test before committing",
	"follow best practices",
	"do it right",
	"pay attention to detail",
	"double check your work",
}

// primitivePatterns mark machine-shaped statements: usage statistics,
// tool-sequence dumps, and template fragments that leak from older
// pipelines instead of expressing a lesson.
var primitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsuccess rate\b`),
	regexp.MustCompile(`(?i)\bover \d+ uses\b`),
	regexp.MustCompile(`(?i)\(\d+ successes\)`),
	regexp.MustCompile(`(?i)\bsequence\b.*->`),
	regexp.MustCompile(`(?i)\buse approach:`),
	regexp.MustCompile(`(?i)\bfor similar requests\b`),
	regexp.MustCompile(`(?i)\bsession in unknown\b`),
}

// actionPrefixes introduce a command payload; statements that pair two of
// them around the same payload are echoes, not lessons.
var actionPrefixes = []string{
	"run command:", "execute:", "run:", "try:", "use:", "do:",
}

// toolNames are host-agent tool words stripped when measuring whether a
// statement has any content of its own.
var toolNames = map[string]bool{
	"read": true, "write": true, "edit": true, "bash": true, "grep": true,
	"glob": true, "task": true, "tool": true, "execute": true, "run": true,
	"use": true, "using": true, "command": true, "file": true,
}

var fillerWords = map[string]bool{
	"when": true, "then": true, "try": true, "the": true, "a": true,
	"an": true, "to": true, "for": true, "with": true, "and": true,
	"or": true, "of": true, "in": true, "on": true, "is": true,
	"first": true, "next": true, "step": true, "playbook": true,
}

// IsQualityDistillation rejects statements that are too short,
// tautological, self-echoing, statistical, tool-echoing, or dominated by
// literal paths. The gate is the last line between the reflection engine
// and the store — anything it passes will be retrieved and shown to an
// agent mid-task, so it errs toward rejection.
func IsQualityDistillation(statement string) bool {
	trimmed := strings.TrimSpace(statement)
	if len(trimmed) < minStatementLength {
		return false
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range tautologyPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}

	for _, p := range primitivePatterns {
		if p.MatchString(trimmed) {
			return false
		}
	}

	if isTriggerRestatement(lower) {
		return false
	}
	if isCommandEcho(lower) {
		return false
	}
	if isToolNameEcho(lower) {
		return false
	}
	if isMechanicalPlaybook(lower) {
		return false
	}
	if isPathHeavy(trimmed) {
		return false
	}

	return true
}

// isTriggerRestatement rejects "When X, try: Y" statements where Y shares
// more than 60% of its words with X — the distillation is echoing its own
// trigger back, not adding information.
func isTriggerRestatement(lower string) bool {
	if !strings.HasPrefix(lower, "when ") {
		return false
	}
	tryIdx := strings.Index(lower, "try:")
	commaIdx := strings.Index(lower, ",")
	if tryIdx < 0 || commaIdx < 0 || commaIdx > tryIdx {
		return false
	}

	when := lower[len("when "):commaIdx]
	try := lower[tryIdx+len("try:"):]

	whenWords := wordSet(when)
	tryWords := wordSet(try)
	if len(tryWords) == 0 || len(whenWords) == 0 {
		return false
	}

	smaller, larger := whenWords, tryWords
	if len(tryWords) < len(whenWords) {
		smaller, larger = tryWords, whenWords
	}
	overlap := 0
	for w := range smaller {
		if larger[w] {
			overlap++
		}
	}
	return float64(overlap)/float64(len(smaller)) > 0.6
}

// isCommandEcho rejects statements whose condition and action carry the
// same payload behind different prefixes ("Run command: X ... Execute: X").
// Payloads compare after stripping non-alphanumerics: identical or
// contained payloads reject, as does a >0.6 overlap on 3+ letter tokens.
func isCommandEcho(lower string) bool {
	var payloads []string
	for _, prefix := range actionPrefixes {
		rest := lower
		for {
			idx := strings.Index(rest, prefix)
			if idx < 0 {
				break
			}
			payload := rest[idx+len(prefix):]
			if end := strings.IndexAny(payload, ".;\n"); end >= 0 {
				payload = payload[:end]
			}
			payload = strings.TrimSpace(payload)
			if payload != "" {
				payloads = append(payloads, payload)
			}
			rest = rest[idx+len(prefix):]
		}
	}
	if len(payloads) < 2 {
		return false
	}

	for i := 0; i < len(payloads); i++ {
		for j := i + 1; j < len(payloads); j++ {
			a, b := stripNonAlnum(payloads[i]), stripNonAlnum(payloads[j])
			if a == "" || b == "" {
				continue
			}
			if a == b || strings.Contains(a, b) || strings.Contains(b, a) {
				return true
			}
			if tokenOverlapRatio(payloads[i], payloads[j]) > 0.6 {
				return true
			}
		}
	}
	return false
}

// isToolNameEcho rejects statements that are nothing but tool vocabulary
// ("When Execute Read, try: Use Read tool").
func isToolNameEcho(lower string) bool {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	meaningful := 0
	for _, w := range words {
		if fillerWords[w] || toolNames[w] || len(w) < 3 {
			continue
		}
		meaningful++
	}
	return len(words) > 0 && meaningful == 0
}

// isMechanicalPlaybook rejects playbook statements whose steps reduce to
// tool names and filler — fewer than three meaningful tokens means the
// playbook recorded motion, not method.
func isMechanicalPlaybook(lower string) bool {
	if !strings.HasPrefix(lower, "playbook") {
		return false
	}
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	meaningful := 0
	for _, w := range words {
		if fillerWords[w] || toolNames[w] || len(w) < 3 {
			continue
		}
		meaningful++
	}
	return meaningful < 3
}

// isPathHeavy rejects statements where more than 30% of characters belong
// to path-like tokens (anything with a slash, or a file name with a known
// extension) — the statement names a specific file instead of generalizing
// a lesson.
func isPathHeavy(statement string) bool {
	pathChars := 0
	total := 0
	for _, tok := range strings.Fields(statement) {
		total += len(tok)
		if looksLikePathOrTool(tok) {
			pathChars += len(tok)
		}
	}
	if total == 0 {
		return false
	}
	return float64(pathChars)/float64(total) > 0.3
}

func looksLikePathOrTool(token string) bool {
	trimmed := strings.Trim(token, ".,;:\"'()")
	if strings.Contains(trimmed, "/") {
		return true
	}
	if strings.Count(trimmed, ".") >= 1 && !strings.ContainsAny(trimmed, " ") {
		for _, r := range trimmed {
			if unicode.IsUpper(r) {
				continue
			}
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
				return false
			}
		}
		ext := trimmed[strings.LastIndex(trimmed, ".")+1:]
		knownExts := map[string]bool{"go": true, "py": true, "js": true, "ts": true, "json": true, "yaml": true, "yml": true, "toml": true, "md": true}
		return knownExts[ext]
	}
	return false
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// tokenOverlapRatio measures shared 3+ letter tokens between two payloads,
// relative to the smaller set.
func tokenOverlapRatio(a, b string) float64 {
	setA := longTokens(a)
	setB := longTokens(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	smaller := setA
	larger := setB
	if len(setB) < len(setA) {
		smaller, larger = setB, setA
	}
	overlap := 0
	for t := range smaller {
		if larger[t] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(smaller))
}

func longTokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 3 {
			out[w] = true
		}
	}
	return out
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, ".,;:\"'()")
		if w != "" {
			set[w] = true
		}
	}
	return set
}
