// Package source reads the catalog the index is built from. The host
// application owns the data; the indexer only needs id enumeration per kind
// and batched fetches.
package source

import (
	"context"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
)

// Document is one catalog item in one language.
type Document struct {
	ID            int64             `json:"id"`
	Subtype       string            `json:"subtype"`
	Lang          string            `json:"lang"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	SKU           string            `json:"sku"`
	URL           string            `json:"url"`
	Image         string            `json:"image"`
	Price         float64           `json:"price"`
	Attributes    []string          `json:"attributes"`
	TaxonomyTerms []string          `json:"taxonomy_terms"`
	Custom        map[string]string `json:"custom"`
}

// SearchFields returns the text fields that feed the wordlist, in a stable
// order.
func (d Document) SearchFields() []string {
	fields := make([]string, 0, 3+len(d.Attributes)+len(d.TaxonomyTerms)+len(d.Custom))
	fields = append(fields, d.Name, d.Description, d.SKU)
	fields = append(fields, d.Attributes...)
	fields = append(fields, d.TaxonomyTerms...)
	keys := make([]string, 0, len(d.Custom))
	for k := range d.Custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, d.Custom[k])
	}
	return fields
}

// TaxonomyTerm is a category, tag or vendor-like grouping.
type TaxonomyTerm struct {
	ID          int64  `json:"id"`
	Taxonomy    string `json:"taxonomy"`
	Lang        string `json:"lang"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Count       int64  `json:"count"`
}

// Variation is a purchasable variant of a parent document.
type Variation struct {
	ID          int64  `json:"id"`
	ParentID    int64  `json:"parent_id"`
	Lang        string `json:"lang"`
	SKU         string `json:"sku"`
	Description string `json:"description"`
}

// Source enumerates and fetches catalog rows. Fetches may return fewer rows
// than requested when items were removed after enumeration.
type Source interface {
	IDs(ctx context.Context, kind index.Kind) ([]int64, error)
	Documents(ctx context.Context, ids []int64) ([]Document, error)
	TaxonomyTerms(ctx context.Context, ids []int64) ([]TaxonomyTerm, error)
	Variations(ctx context.Context, ids []int64) ([]Variation, error)
}
