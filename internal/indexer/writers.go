package indexer

import (
	"context"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// ReadableWriter maintains the display projection of documents used to
// render results and boost name matches.
type ReadableWriter struct{}

func (ReadableWriter) Put(ctx context.Context, s *index.Session, q sqlstore.Queryer, doc source.Document) error {
	_, err := s.Store.Exec(ctx, q, fmt.Sprintf(`
		INSERT INTO %s (doc_id, lang, subtype, name, description, sku, url, image, price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (doc_id, lang) DO UPDATE SET
			subtype = excluded.subtype, name = excluded.name, description = excluded.description,
			sku = excluded.sku, url = excluded.url, image = excluded.image, price = excluded.price`,
		sqlstore.QuoteIdent(s.Readable())),
		doc.ID, s.Lang, doc.Subtype, text.StripMarkup(doc.Name), text.StripMarkup(doc.Description),
		doc.SKU, doc.URL, doc.Image, doc.Price)
	if err != nil {
		return fmt.Errorf("writing readable row %d: %w", doc.ID, err)
	}
	return nil
}

// Delete removes docID in every language.
func (ReadableWriter) Delete(ctx context.Context, s *index.Session, q sqlstore.Queryer, docID int64) error {
	if _, err := s.Store.Exec(ctx, q,
		fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, sqlstore.QuoteIdent(s.Readable())), docID); err != nil {
		return fmt.Errorf("deleting readable row %d: %w", docID, err)
	}
	return nil
}

// TaxonomyWriter stores taxonomy terms with a pre-processed search_text the
// query engine matches keywords against.
type TaxonomyWriter struct {
	Pipeline *text.Pipeline
}

func (w TaxonomyWriter) Put(ctx context.Context, s *index.Session, q sqlstore.Queryer, t source.TaxonomyTerm) error {
	searchText := " " + strings.Join(w.Pipeline.Terms(t.Name), " ") + " "
	_, err := s.Store.Exec(ctx, q, fmt.Sprintf(`
		INSERT INTO %s (term_id, lang, taxonomy, name, slug, description, url, term_count, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (term_id, lang) DO UPDATE SET
			taxonomy = excluded.taxonomy, name = excluded.name, slug = excluded.slug,
			description = excluded.description, url = excluded.url,
			term_count = excluded.term_count, search_text = excluded.search_text`,
		sqlstore.QuoteIdent(s.Taxonomy())),
		t.ID, s.Lang, t.Taxonomy, text.StripMarkup(t.Name), t.Slug, text.StripMarkup(t.Description),
		t.URL, t.Count, searchText)
	if err != nil {
		return fmt.Errorf("writing taxonomy term %d: %w", t.ID, err)
	}
	return nil
}

func (TaxonomyWriter) Delete(ctx context.Context, s *index.Session, q sqlstore.Queryer, termID int64) error {
	if _, err := s.Store.Exec(ctx, q,
		fmt.Sprintf(`DELETE FROM %s WHERE term_id = ?`, sqlstore.QuoteIdent(s.Taxonomy())), termID); err != nil {
		return fmt.Errorf("deleting taxonomy term %d: %w", termID, err)
	}
	return nil
}

// VariationWriter stores variation SKUs so SKU queries reach the parent.
type VariationWriter struct{}

func (VariationWriter) Put(ctx context.Context, s *index.Session, q sqlstore.Queryer, v source.Variation) error {
	_, err := s.Store.Exec(ctx, q, fmt.Sprintf(`
		INSERT INTO %s (variation_id, lang, parent_id, sku, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (variation_id, lang) DO UPDATE SET
			parent_id = excluded.parent_id, sku = excluded.sku, description = excluded.description`,
		sqlstore.QuoteIdent(s.Variation())),
		v.ID, s.Lang, v.ParentID, strings.ToLower(strings.TrimSpace(v.SKU)), text.StripMarkup(v.Description))
	if err != nil {
		return fmt.Errorf("writing variation %d: %w", v.ID, err)
	}
	return nil
}

func (VariationWriter) Delete(ctx context.Context, s *index.Session, q sqlstore.Queryer, variationID int64) error {
	if _, err := s.Store.Exec(ctx, q,
		fmt.Sprintf(`DELETE FROM %s WHERE variation_id = ?`, sqlstore.QuoteIdent(s.Variation())), variationID); err != nil {
		return fmt.Errorf("deleting variation %d: %w", variationID, err)
	}
	return nil
}
