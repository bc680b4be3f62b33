// Package guard screens interview input before it is spent on a model
// call. It normalizes user text and flags messages that try to rewrite
// the coach's instructions.
package guard

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxMessageLen caps a single interview answer. Longer input is
// truncated, not rejected.
const DefaultMaxMessageLen = 2000

// DefaultThreshold is the confidence at which a message is flagged.
const DefaultThreshold = 0.8

// Category labels the kind of override attempt a pattern targets.
type Category string

const (
	CategorySystemOverride Category = "system_override"
	CategoryRoleHijacking  Category = "role_hijacking"
	CategoryDelimiterAbuse Category = "delimiter_abuse"
	CategoryEncodedPayload Category = "encoded_payload"
)

// Finding reports the result of inspecting one message.
type Finding struct {
	Flagged    bool
	Confidence float64
	Category   Category
	Matched    []string
}

type pattern struct {
	re       *regexp.Regexp
	category Category
	weight   float64
	name     string
}

// Guard inspects interview messages. Safe for concurrent use; patterns
// are compiled once at construction.
type Guard struct {
	threshold float64
	maxLen    int
	patterns  []pattern
}

// Option configures a Guard.
type Option func(*Guard)

// WithThreshold overrides the flagging confidence threshold.
func WithThreshold(t float64) Option {
	return func(g *Guard) { g.threshold = t }
}

// WithMaxMessageLen overrides the truncation length.
func WithMaxMessageLen(n int) Option {
	return func(g *Guard) { g.maxLen = n }
}

// New returns a Guard with the built-in pattern set.
func New(opts ...Option) *Guard {
	g := &Guard{
		threshold: DefaultThreshold,
		maxLen:    DefaultMaxMessageLen,
		patterns: []pattern{
			{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior)\s+instructions?`), CategorySystemOverride, 1.0, "ignore previous instructions"},
			{regexp.MustCompile(`(?i)disregard\s+(your\s+|all\s+)?instructions?`), CategorySystemOverride, 1.0, "disregard instructions"},
			{regexp.MustCompile(`(?i)forget\s+(everything|all|your\s+instructions?)`), CategorySystemOverride, 0.9, "forget everything"},
			{regexp.MustCompile(`(?i)new\s+instructions?\s*:`), CategorySystemOverride, 0.7, "new instructions"},
			{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\b`), CategoryRoleHijacking, 0.9, "role reassignment"},
			{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`), CategoryRoleHijacking, 0.8, "pretend to be"},
			{regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+are\s+)?(a|an)\s+(?:different|new)\b`), CategoryRoleHijacking, 0.7, "act as different"},
			{regexp.MustCompile(`(?i)reveal\s+(your\s+)?(system\s+)?prompt`), CategorySystemOverride, 0.9, "reveal system prompt"},
			{regexp.MustCompile(`(?i)\[/?(system|inst)\]`), CategoryDelimiterAbuse, 0.8, "chat template delimiter"},
			{regexp.MustCompile(`(?i)<\|?(system|im_start|im_end)\|?>`), CategoryDelimiterAbuse, 0.8, "special token delimiter"},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Normalize trims the message, strips control characters other than
// newline and tab, and truncates to the configured length.
func (g *Guard) Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > g.maxLen {
		// Cut on a rune boundary so truncation never leaves invalid
		// UTF-8 in the transcript.
		cut := g.maxLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// Inspect scores the message against the pattern set. Pattern weights
// accumulate; the highest-weight match sets the category.
func (g *Guard) Inspect(text string) Finding {
	var f Finding
	var top float64
	for _, p := range g.patterns {
		if !p.re.MatchString(text) {
			continue
		}
		f.Confidence += p.weight
		f.Matched = append(f.Matched, p.name)
		if p.weight > top {
			top = p.weight
			f.Category = p.category
		}
	}
	if w, ok := encodedPayload(text); ok {
		f.Confidence += w
		f.Matched = append(f.Matched, "base64 payload")
		if w > top {
			f.Category = CategoryEncodedPayload
		}
	}
	if f.Confidence > 1.0 {
		f.Confidence = 1.0
	}
	f.Flagged = f.Confidence >= g.threshold
	return f
}

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/=]{40,}`)

// encodedPayload flags long base64 runs that decode to instruction-like
// text. An answer to a fitness question has no reason to carry one.
func encodedPayload(text string) (float64, bool) {
	for _, run := range base64Run.FindAllString(text, 3) {
		decoded, err := base64.StdEncoding.DecodeString(run)
		if err != nil {
			continue
		}
		lower := strings.ToLower(string(decoded))
		if strings.Contains(lower, "instruction") || strings.Contains(lower, "ignore") || strings.Contains(lower, "system") {
			return 0.9, true
		}
	}
	return 0, false
}
