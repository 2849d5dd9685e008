package text

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
)

// Stage rewrites a field before tokenization.
type Stage func(field string) string

// Pipeline turns document fields or query phrases into stemmed terms.
type Pipeline struct {
	stages    []Stage
	synonyms  *Synonyms
	tokenizer *Tokenizer
	stem      Stemmer
	stemmer   string
}

// NewPipeline builds a pipeline from index settings. The stemmer must be
// registered; extra stages run after markup stripping, in order.
func NewPipeline(cfg config.IndexConfig, stages ...Stage) (*Pipeline, error) {
	stem, err := LookupStemmer(cfg.Stemmer)
	if err != nil {
		return nil, fmt.Errorf("building text pipeline: %w", err)
	}
	name := cfg.Stemmer
	if name == "" {
		name = StemmerNone
	}
	all := append([]Stage{StripMarkup}, stages...)
	return &Pipeline{
		stages:    all,
		synonyms:  ParseSynonyms(cfg.Synonyms),
		tokenizer: NewTokenizer(cfg.StopWords),
		stem:      stem,
		stemmer:   name,
	}, nil
}

// Stemmer returns the identifier of the configured stemmer.
func (p *Pipeline) Stemmer() string {
	return p.stemmer
}

// Terms returns every stemmed occurrence across fields, in order.
func (p *Pipeline) Terms(fields ...string) []string {
	var terms []string
	for _, field := range fields {
		for _, stage := range p.stages {
			field = stage(field)
		}
		field = p.synonyms.Expand(field)
		for _, tok := range p.tokenizer.Tokenize(field) {
			if s := p.stem(tok); s != "" {
				terms = append(terms, s)
			}
		}
	}
	return terms
}

// Counts aggregates Terms into occurrence counts per distinct term.
func (p *Pipeline) Counts(fields ...string) map[string]int {
	counts := make(map[string]int)
	for _, t := range p.Terms(fields...) {
		counts[t]++
	}
	return counts
}

// Keyword is one stemmed query word.
type Keyword struct {
	Term string
	// Final is set on the keyword typed last, which may still be incomplete.
	Final bool
}

// Keywords tokenizes and stems an already normalized phrase without synonym
// expansion, then orders the keywords longest first. Ties keep typed order.
func (p *Pipeline) Keywords(phrase string) []Keyword {
	tokens := p.tokenizer.Tokenize(phrase)
	keywords := make([]Keyword, 0, len(tokens))
	seen := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		term := p.stem(tok)
		if term == "" {
			continue
		}
		final := i == len(tokens)-1
		if idx, dup := seen[term]; dup {
			keywords[idx].Final = keywords[idx].Final || final
			continue
		}
		seen[term] = len(keywords)
		keywords = append(keywords, Keyword{Term: term, Final: final})
	}
	sort.SliceStable(keywords, func(i, j int) bool {
		return utf8.RuneCountInString(keywords[i].Term) > utf8.RuneCountInString(keywords[j].Term)
	})
	return keywords
}
