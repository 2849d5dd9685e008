package text

import (
	"regexp"
	"strings"
)

type synonymGroup struct {
	phrases  []string
	patterns []*regexp.Regexp
	suffix   string
}

// Synonyms expands fields with the configured groups of interchangeable
// phrases.
type Synonyms struct {
	groups []synonymGroup
}

// ParseSynonyms builds groups from lines of comma-separated phrases, e.g.
// "tee, t-shirt, tshirt". Lines with fewer than two phrases are ignored.
func ParseSynonyms(lines []string) *Synonyms {
	s := &Synonyms{}
	for _, line := range lines {
		var phrases []string
		for _, p := range strings.Split(line, ",") {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				phrases = append(phrases, p)
			}
		}
		if len(phrases) < 2 {
			continue
		}
		g := synonymGroup{phrases: phrases, suffix: strings.Join(phrases, " ")}
		for _, p := range phrases {
			g.patterns = append(g.patterns, regexp.MustCompile(`(?i)(^|[^\p{L}\p{N}])`+regexp.QuoteMeta(p)+`($|[^\p{L}\p{N}])`))
		}
		s.groups = append(s.groups, g)
	}
	return s
}

// Len returns the number of groups.
func (s *Synonyms) Len() int {
	if s == nil {
		return 0
	}
	return len(s.groups)
}

// Expand appends every group with a phrase occurring as a whole word in field.
func (s *Synonyms) Expand(field string) string {
	if s == nil || field == "" {
		return field
	}
	out := field
	for _, g := range s.groups {
		for _, re := range g.patterns {
			if re.MatchString(field) {
				out += " " + g.suffix
				break
			}
		}
	}
	return out
}
