package draft

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Redacted marks words with no tame substitute.
const Redacted = "[redacted]"

// replacements maps strong language to tamer substitutes for
// family-rated stories. Words without a substitute are redacted.
var replacements = map[string]string{
	"fuck":         "fudge",
	"shit":         "shoot",
	"damn":         "dang",
	"hell":         "heck",
	"ass":          "butt",
	"bitch":        "jerk",
	"bastard":      "jerk",
	"crap":         "crud",
	"piss":         "ticked",
	"whore":        Redacted,
	"slut":         Redacted,
	"motherfucker": "mother-trucker",
	"goddamn":      "gosh-dang",
	"asshole":      "jerk",
	"dumbass":      "dummy",
	"jackass":      "jerk",
	"badass":       "tough",
	"bullshit":     "baloney",
	"horseshit":    "nonsense",
	"dickhead":     "jerk",
	"prick":        "jerk",
}

type pattern struct {
	re          *regexp.Regexp
	replacement string
}

// ContentFilter rewrites strong language in narrative text. Compile
// once and reuse; the filter is safe for concurrent use.
type ContentFilter struct {
	patterns []pattern
}

// NewContentFilter compiles the filter.
func NewContentFilter() *ContentFilter {
	words := make([]string, 0, len(replacements))
	for w := range replacements {
		words = append(words, w)
	}
	// Longest first, so compounds match before their parts.
	sort.Slice(words, func(i, j int) bool {
		if len(words[i]) != len(words[j]) {
			return len(words[i]) > len(words[j])
		}
		return words[i] < words[j]
	})

	cf := &ContentFilter{patterns: make([]pattern, 0, len(words))}
	for _, w := range words {
		cf.patterns = append(cf.patterns, pattern{
			re:          regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`),
			replacement: replacements[w],
		})
	}
	return cf
}

// Clean replaces strong language with its substitute, preserving the
// case pattern of the original word.
func (cf *ContentFilter) Clean(text string) string {
	result := text
	for _, p := range cf.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			return preserveCase(match, p.replacement)
		})
	}
	return result
}

// Contains reports whether the text has any filterable language.
func (cf *ContentFilter) Contains(text string) bool {
	for _, p := range cf.patterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

// ShouldFilter reports whether a story rating calls for filtering.
func ShouldFilter(rating string) bool {
	switch strings.ToUpper(strings.TrimSpace(rating)) {
	case "G", "PG", "PG13", "PG-13":
		return true
	default:
		return false
	}
}

// preserveCase applies the case pattern of the original word to the
// replacement.
func preserveCase(original, replacement string) string {
	if len(original) == 0 {
		return replacement
	}

	if strings.ToUpper(original) == original {
		return strings.ToUpper(replacement)
	}
	if strings.ToLower(original) == original {
		return strings.ToLower(replacement)
	}

	titleCaser := cases.Title(language.English)
	if titleCaser.String(strings.ToLower(original)) == original {
		return titleCaser.String(replacement)
	}

	// Mixed case: mirror the original character by character.
	result := make([]rune, 0, len(replacement))
	originalRunes := []rune(original)
	for i, r := range []rune(replacement) {
		if i < len(originalRunes) && unicode.IsUpper(originalRunes[i]) {
			result = append(result, unicode.ToUpper(r))
		} else {
			result = append(result, unicode.ToLower(r))
		}
	}
	return string(result)
}
