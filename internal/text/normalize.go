package text

import (
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// StripMarkup removes HTML tags, decodes entities and collapses whitespace.
func StripMarkup(s string) string {
	if s == "" {
		return s
	}
	if strings.ContainsAny(s, "<&") {
		s = html.UnescapeString(strictPolicy.Sanitize(s))
	}
	return strings.Join(strings.Fields(s), " ")
}

// Normalizer prepares a raw query phrase before tokenization.
type Normalizer struct {
	MaxLength int
	replace   [][2]string
	remove    []string
}

func NewNormalizer(maxLength int, replace map[string]string, remove []string) *Normalizer {
	n := &Normalizer{MaxLength: maxLength, remove: remove}
	keys := make([]string, 0, len(replace))
	for k := range replace {
		keys = append(keys, k)
	}
	// longest pattern first so "t-shirt" wins over "-"
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if k != "" {
			n.replace = append(n.replace, [2]string{k, replace[k]})
		}
	}
	return n
}

// Normalize truncates phrase to MaxLength runes, applies the replace rules
// then the remove rules, and returns the trimmed lower-case result.
func (n *Normalizer) Normalize(phrase string) string {
	phrase = StripMarkup(phrase)
	if n.MaxLength > 0 && utf8.RuneCountInString(phrase) > n.MaxLength {
		phrase = string([]rune(phrase)[:n.MaxLength])
	}
	phrase = strings.ToLower(phrase)
	for _, r := range n.replace {
		phrase = strings.ReplaceAll(phrase, strings.ToLower(r[0]), r[1])
	}
	for _, r := range n.remove {
		if r != "" {
			phrase = strings.ReplaceAll(phrase, strings.ToLower(r), "")
		}
	}
	return strings.Join(strings.Fields(phrase), " ")
}
