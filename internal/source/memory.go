package source

import (
	"context"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
)

// Memory is an in-process Source.
type Memory struct {
	mu         sync.RWMutex
	docs       map[int64][]Document
	terms      map[int64][]TaxonomyTerm
	variations map[int64][]Variation
}

func NewMemory() *Memory {
	return &Memory{
		docs:       make(map[int64][]Document),
		terms:      make(map[int64][]TaxonomyTerm),
		variations: make(map[int64][]Variation),
	}
}

// PutDocument adds or replaces the document's row for its language.
func (m *Memory) PutDocument(d Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = putLang(m.docs[d.ID], d, func(x Document) string { return x.Lang })
}

func (m *Memory) PutTerm(t TaxonomyTerm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms[t.ID] = putLang(m.terms[t.ID], t, func(x TaxonomyTerm) string { return x.Lang })
}

func (m *Memory) PutVariation(v Variation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variations[v.ID] = putLang(m.variations[v.ID], v, func(x Variation) string { return x.Lang })
}

// RemoveDocument drops every language row of id.
func (m *Memory) RemoveDocument(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
}

func (m *Memory) IDs(_ context.Context, kind index.Kind) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch kind {
	case index.Taxonomy:
		return sortedKeys(m.terms), nil
	case index.Variation:
		return sortedKeys(m.variations), nil
	default:
		return sortedKeys(m.docs), nil
	}
}

func (m *Memory) Documents(_ context.Context, ids []int64) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, id := range ids {
		out = append(out, m.docs[id]...)
	}
	return out, nil
}

func (m *Memory) TaxonomyTerms(_ context.Context, ids []int64) ([]TaxonomyTerm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TaxonomyTerm
	for _, id := range ids {
		out = append(out, m.terms[id]...)
	}
	return out, nil
}

func (m *Memory) Variations(_ context.Context, ids []int64) ([]Variation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Variation
	for _, id := range ids {
		out = append(out, m.variations[id]...)
	}
	return out, nil
}

func putLang[T any](rows []T, row T, lang func(T) string) []T {
	for i := range rows {
		if lang(rows[i]) == lang(row) {
			rows[i] = row
			return rows
		}
	}
	return append(rows, row)
}

func sortedKeys[T any](m map[int64]T) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
