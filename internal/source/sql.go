package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// StatusPublished marks catalog rows that are visible and indexable.
const StatusPublished = "publish"

// SQLSource reads the host catalog tables. List-valued columns hold JSON.
type SQLSource struct {
	store  *sqlstore.Client
	tables config.SourceConfig
}

func NewSQLSource(store *sqlstore.Client, tables config.SourceConfig) *SQLSource {
	return &SQLSource{store: store, tables: tables}
}

// EnsureSchema creates the catalog tables when they do not exist yet. Hosts
// with their own catalog schema map the table names through config instead.
func (s *SQLSource) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT NOT NULL,
			lang TEXT NOT NULL,
			subtype TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'publish',
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			sku TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			attributes TEXT NOT NULL DEFAULT '[]',
			taxonomy_terms TEXT NOT NULL DEFAULT '[]',
			custom TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (id, lang)
		)`, sqlstore.QuoteIdent(s.tables.Documents)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT NOT NULL,
			lang TEXT NOT NULL,
			taxonomy TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			slug TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			term_count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (id, lang)
		)`, sqlstore.QuoteIdent(s.tables.Terms)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT NOT NULL,
			lang TEXT NOT NULL,
			parent_id BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'publish',
			sku TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (id, lang)
		)`, sqlstore.QuoteIdent(s.tables.Variations)),
	}
	for _, stmt := range stmts {
		if _, err := s.store.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating catalog tables: %w", err)
		}
	}
	return nil
}

// PutDocument upserts a catalog row. It exists for seeding and tests.
func (s *SQLSource) PutDocument(ctx context.Context, d Document) error {
	attrs, err := json.Marshal(nonNil(d.Attributes))
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}
	terms, err := json.Marshal(nonNil(d.TaxonomyTerms))
	if err != nil {
		return fmt.Errorf("encoding taxonomy terms: %w", err)
	}
	custom := d.Custom
	if custom == nil {
		custom = map[string]string{}
	}
	customJSON, err := json.Marshal(custom)
	if err != nil {
		return fmt.Errorf("encoding custom fields: %w", err)
	}
	_, err = s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`
		INSERT INTO %s (id, lang, subtype, status, name, description, sku, url, image, price, attributes, taxonomy_terms, custom)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, lang) DO UPDATE SET
			subtype = excluded.subtype, status = excluded.status, name = excluded.name,
			description = excluded.description, sku = excluded.sku, url = excluded.url,
			image = excluded.image, price = excluded.price, attributes = excluded.attributes,
			taxonomy_terms = excluded.taxonomy_terms, custom = excluded.custom`,
		sqlstore.QuoteIdent(s.tables.Documents)),
		d.ID, d.Lang, d.Subtype, StatusPublished, d.Name, d.Description, d.SKU, d.URL, d.Image, d.Price,
		string(attrs), string(terms), string(customJSON))
	if err != nil {
		return fmt.Errorf("upserting document %d: %w", d.ID, err)
	}
	return nil
}

func (s *SQLSource) IDs(ctx context.Context, kind index.Kind) ([]int64, error) {
	var query string
	switch kind {
	case index.Taxonomy:
		query = fmt.Sprintf(`SELECT DISTINCT id FROM %s ORDER BY id`, sqlstore.QuoteIdent(s.tables.Terms))
	case index.Variation:
		query = fmt.Sprintf(`SELECT DISTINCT id FROM %s WHERE status = '%s' ORDER BY id`,
			sqlstore.QuoteIdent(s.tables.Variations), StatusPublished)
	default:
		query = fmt.Sprintf(`SELECT DISTINCT id FROM %s WHERE status = '%s' ORDER BY id`,
			sqlstore.QuoteIdent(s.tables.Documents), StatusPublished)
	}
	rows, err := s.store.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("enumerating %s ids: %w", kind, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning %s id: %w", kind, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLSource) Documents(ctx context.Context, ids []int64) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, lang, subtype, name, description, sku, url, image, price,
			attributes, taxonomy_terms, custom
		FROM %s WHERE status = ? AND id IN (%s) ORDER BY id, lang`,
		sqlstore.QuoteIdent(s.tables.Documents), placeholders(len(ids)))
	rows, err := s.store.Query(ctx, s.store.DB, query, append([]any{StatusPublished}, int64Args(ids)...)...)
	if err != nil {
		return nil, fmt.Errorf("fetching documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var attrs, terms, custom string
		if err := rows.Scan(&d.ID, &d.Lang, &d.Subtype, &d.Name, &d.Description, &d.SKU, &d.URL,
			&d.Image, &d.Price, &attrs, &terms, &custom); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if err := decodeJSON(attrs, &d.Attributes); err != nil {
			return nil, fmt.Errorf("document %d attributes: %w", d.ID, err)
		}
		if err := decodeJSON(terms, &d.TaxonomyTerms); err != nil {
			return nil, fmt.Errorf("document %d taxonomy terms: %w", d.ID, err)
		}
		if err := decodeJSON(custom, &d.Custom); err != nil {
			return nil, fmt.Errorf("document %d custom fields: %w", d.ID, err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLSource) TaxonomyTerms(ctx context.Context, ids []int64) ([]TaxonomyTerm, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, lang, taxonomy, name, slug, description, url, term_count
		FROM %s WHERE id IN (%s) ORDER BY id, lang`,
		sqlstore.QuoteIdent(s.tables.Terms), placeholders(len(ids)))
	rows, err := s.store.Query(ctx, s.store.DB, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetching taxonomy terms: %w", err)
	}
	defer rows.Close()
	var out []TaxonomyTerm
	for rows.Next() {
		var t TaxonomyTerm
		if err := rows.Scan(&t.ID, &t.Lang, &t.Taxonomy, &t.Name, &t.Slug, &t.Description, &t.URL, &t.Count); err != nil {
			return nil, fmt.Errorf("scanning taxonomy term: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLSource) Variations(ctx context.Context, ids []int64) ([]Variation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, lang, parent_id, sku, description
		FROM %s WHERE status = ? AND id IN (%s) ORDER BY id, lang`,
		sqlstore.QuoteIdent(s.tables.Variations), placeholders(len(ids)))
	rows, err := s.store.Query(ctx, s.store.DB, query, append([]any{StatusPublished}, int64Args(ids)...)...)
	if err != nil {
		return nil, fmt.Errorf("fetching variations: %w", err)
	}
	defer rows.Close()
	var out []Variation
	for rows.Next() {
		var v Variation
		if err := rows.Scan(&v.ID, &v.Lang, &v.ParentID, &v.SKU, &v.Description); err != nil {
			return nil, fmt.Errorf("scanning variation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Ping checks the catalog tables are reachable.
func (s *SQLSource) Ping(ctx context.Context) error {
	var n int
	err := s.store.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, sqlstore.QuoteIdent(s.tables.Documents))).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("querying catalog: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
