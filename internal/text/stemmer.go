package text

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	snowballeng "github.com/kljensen/snowball/english"
	snowballfr "github.com/kljensen/snowball/french"
	snowballhu "github.com/kljensen/snowball/hungarian"
	snowballno "github.com/kljensen/snowball/norwegian"
	snowballru "github.com/kljensen/snowball/russian"
	snowballes "github.com/kljensen/snowball/spanish"
	snowballsv "github.com/kljensen/snowball/swedish"
)

// Stemmer reduces a lower-cased word to its root.
type Stemmer func(word string) string

const StemmerNone = "none"

var (
	stemmersMu sync.RWMutex
	stemmers   = map[string]Stemmer{
		StemmerNone: func(word string) string { return word },
		"suffix":    SuffixStem,
		"english":   func(w string) string { return snowballeng.Stem(w, false) },
		"french":    func(w string) string { return snowballfr.Stem(w, false) },
		"hungarian": func(w string) string { return snowballhu.Stem(w, false) },
		"norwegian": func(w string) string { return snowballno.Stem(w, false) },
		"russian":   func(w string) string { return snowballru.Stem(w, false) },
		"spanish":   func(w string) string { return snowballes.Stem(w, false) },
		"swedish":   func(w string) string { return snowballsv.Stem(w, false) },
	}
)

// RegisterStemmer adds a stemmer under name. It must be called before the
// pipeline is built; duplicate names are rejected.
func RegisterStemmer(name string, s Stemmer) error {
	stemmersMu.Lock()
	defer stemmersMu.Unlock()
	if _, exists := stemmers[name]; exists {
		return fmt.Errorf("stemmer %q already registered", name)
	}
	stemmers[name] = s
	return nil
}

// LookupStemmer resolves a stemmer identifier. An empty name selects "none".
func LookupStemmer(name string) (Stemmer, error) {
	if name == "" {
		name = StemmerNone
	}
	stemmersMu.RLock()
	defer stemmersMu.RUnlock()
	s, ok := stemmers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownStemmer, name)
	}
	return s, nil
}

// Stemmers lists the registered identifiers.
func Stemmers() []string {
	stemmersMu.RLock()
	defer stemmersMu.RUnlock()
	names := make([]string, 0, len(stemmers))
	for name := range stemmers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var suffixRules = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"ying", "y", 2},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"sses", "ss", 2},
	{"ed", "", 3},
	{"ly", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// SuffixStem strips the first matching English suffix, keeping at least the
// rule's minimum stem length.
func SuffixStem(word string) string {
	for _, rule := range suffixRules {
		if strings.HasSuffix(word, rule.suffix) {
			stem := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(stem) >= rule.minLen {
				return stem
			}
		}
	}
	return word
}
