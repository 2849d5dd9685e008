// Package text holds the pure string pipeline shared by indexing and
// querying: markup stripping, phrase normalization, synonym expansion,
// tokenization and stemming.
package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenizer lower-cases input, splits it on non-alphanumeric boundaries and
// drops stop-words and tokens shorter than MinLength runes.
type Tokenizer struct {
	stopWords map[string]struct{}
	MinLength int
}

func NewTokenizer(stopWords []string) *Tokenizer {
	set := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return &Tokenizer{stopWords: set, MinLength: 1}
}

// Tokenize returns the words of text in order, duplicates included.
func (t *Tokenizer) Tokenize(text string) []string {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		if utf8.RuneCountInString(word) < t.MinLength {
			continue
		}
		if t.IsStopWord(word) {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

func (t *Tokenizer) IsStopWord(word string) bool {
	_, ok := t.stopWords[word]
	return ok
}
