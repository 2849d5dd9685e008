// Package ingestion lets the host push catalog documents. Pushed documents
// are validated, upserted into the catalog source and re-indexed by id.
package ingestion

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
)

const (
	maxNameLength        = 1024
	maxDescriptionLength = 1 << 20
	maxDocuments         = 500
)

// Writer stores catalog documents.
type Writer interface {
	PutDocument(ctx context.Context, d source.Document) error
}

// Reindexer refreshes the index entries of documents.
type Reindexer interface {
	UpdateDocuments(ctx context.Context, ids []int64) error
}

// ValidationError maps field paths such as "documents[2].name" to problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// Validator checks documents against the indexed languages and subtypes.
// Empty lang and subtype take the first configured value.
type Validator struct {
	Languages []string
	Subtypes  []string
}

// Normalize validates docs and fills their defaults in place.
func (v Validator) Normalize(docs []source.Document) error {
	errs := make(map[string]string)
	if len(docs) == 0 {
		errs["documents"] = "at least one document is required"
	}
	if len(docs) > maxDocuments {
		errs["documents"] = fmt.Sprintf("at most %d documents per request", maxDocuments)
	}
	for i := range docs {
		d := &docs[i]
		field := func(name string) string { return fmt.Sprintf("documents[%d].%s", i, name) }

		d.Name = strings.TrimSpace(d.Name)
		if d.ID <= 0 {
			errs[field("id")] = "must be a positive integer"
		}
		switch {
		case d.Name == "":
			errs[field("name")] = "is required"
		case len(d.Name) > maxNameLength:
			errs[field("name")] = fmt.Sprintf("must be at most %d bytes", maxNameLength)
		}
		if len(d.Description) > maxDescriptionLength {
			errs[field("description")] = fmt.Sprintf("must be at most %d bytes", maxDescriptionLength)
		}
		if d.Price < 0 {
			errs[field("price")] = "must not be negative"
		}
		if d.Lang == "" && len(v.Languages) > 0 {
			d.Lang = v.Languages[0]
		}
		if !slices.Contains(v.Languages, d.Lang) {
			errs[field("lang")] = fmt.Sprintf("%q is not indexed", d.Lang)
		}
		if d.Subtype == "" && len(v.Subtypes) > 0 {
			d.Subtype = v.Subtypes[0]
		}
		if !slices.Contains(v.Subtypes, d.Subtype) {
			errs[field("subtype")] = fmt.Sprintf("%q is not indexed", d.Subtype)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// Push stores docs and re-indexes them, returning the distinct ids.
func Push(ctx context.Context, w Writer, r Reindexer, docs []source.Document) ([]int64, error) {
	ids := make([]int64, 0, len(docs))
	for _, d := range docs {
		if err := w.PutDocument(ctx, d); err != nil {
			return nil, err
		}
		if !slices.Contains(ids, d.ID) {
			ids = append(ids, d.ID)
		}
	}
	if err := r.UpdateDocuments(ctx, ids); err != nil {
		return nil, fmt.Errorf("re-indexing pushed documents: %w", err)
	}
	return ids, nil
}
