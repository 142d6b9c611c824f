// Package draft holds text utilities for narrative drafts: wire-format
// normalization, sentence splitting, and content filtering for
// family-rated stories.
package draft

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// typographic characters LLM providers like to emit, mapped to their
// plain ASCII equivalents so downstream matching is predictable.
var asciiReplacer = strings.NewReplacer(
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"–", "-", // en dash
	"—", "-", // em dash
	"…", "...", // ellipsis
	" ", " ", // non-breaking space
)

// Normalize canonicalizes a draft for processing: NFC composition,
// typographic punctuation flattened to ASCII, runs of spaces collapsed.
// Line breaks survive so paragraph structure is preserved.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = asciiReplacer.Replace(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Sentences splits a draft into sentences on terminal punctuation.
// A closing quote after the terminator stays with its sentence.
func Sentences(s string) []string {
	var out []string
	var b strings.Builder

	runes := []rune(strings.TrimSpace(s))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\'') {
				i++
				b.WriteRune(runes[i])
			}
			if sent := strings.TrimSpace(b.String()); sent != "" {
				out = append(out, sent)
			}
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

// FirstSentence returns the opening sentence of a draft, or "" for
// blank input.
func FirstSentence(s string) string {
	sentences := Sentences(s)
	if len(sentences) == 0 {
		return ""
	}
	return sentences[0]
}
