package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/hashicorp/go-multierror"
)

// Tables names and manages the role-scoped index tables.
type Tables struct {
	Prefix string
}

func (t Tables) Wordlist(role Role, p Partition) string {
	return t.Prefix + "wordlist_" + ident(p.Subtype) + "_" + ident(p.Lang) + role.Suffix()
}

func (t Tables) Doclist(role Role, p Partition) string {
	return t.Prefix + "doclist_" + ident(p.Subtype) + "_" + ident(p.Lang) + role.Suffix()
}

func (t Tables) Cache(role Role, p Partition) string {
	return t.Prefix + "cache_" + ident(p.Subtype) + "_" + ident(p.Lang) + role.Suffix()
}

// CacheGenerations holds one invalidation counter per role. It belongs to no
// role, so drops and promotion leave it alone.
func (t Tables) CacheGenerations() string {
	return t.Prefix + "cachegen"
}

func (t Tables) Readable(role Role) string {
	return t.Prefix + "readable" + role.Suffix()
}

func (t Tables) Taxonomy(role Role) string {
	return t.Prefix + "taxonomy" + role.Suffix()
}

func (t Tables) Variation(role Role) string {
	return t.Prefix + "variation" + role.Suffix()
}

// owns reports whether name is an index table of role.
func (t Tables) owns(name string, role Role) bool {
	if !strings.HasPrefix(name, t.Prefix) {
		return false
	}
	rest := strings.TrimPrefix(name, t.Prefix)
	isTmp := strings.HasSuffix(rest, Tmp.Suffix())
	if (role == Tmp) != isTmp {
		return false
	}
	base := strings.TrimSuffix(rest, Tmp.Suffix())
	switch {
	case base == "readable", base == "taxonomy", base == "variation":
		return true
	case strings.HasPrefix(base, "wordlist_"), strings.HasPrefix(base, "doclist_"), strings.HasPrefix(base, "cache_"):
		return true
	}
	return false
}

// RoleTables lists the existing index tables of role.
func (t Tables) RoleTables(ctx context.Context, store *sqlstore.Client, q sqlstore.Queryer, role Role) ([]string, error) {
	all, err := store.Tables(ctx, q, t.Prefix)
	if err != nil {
		return nil, err
	}
	var owned []string
	for _, name := range all {
		if t.owns(name, role) {
			owned = append(owned, name)
		}
	}
	return owned, nil
}

// Create creates every table of role for the given partitions.
func (t Tables) Create(ctx context.Context, store *sqlstore.Client, q sqlstore.Queryer, role Role, parts []Partition) error {
	for _, p := range parts {
		for _, stmt := range t.searchableDDL(store, role, p) {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating %s tables for %s: %w", role, p, err)
			}
		}
	}
	for _, stmt := range t.documentDDL(role) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating %s document tables: %w", role, err)
		}
	}
	return nil
}

// Drop removes every index table of role. It keeps going past failures and
// reports them together.
func (t Tables) Drop(ctx context.Context, store *sqlstore.Client, q sqlstore.Queryer, role Role) error {
	names, err := t.RoleTables(ctx, store, q, role)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, name := range names {
		if err := store.DropTable(ctx, q, name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Promote replaces each main table with its tmp counterpart and returns the
// promoted names. Main tables the tmp build did not produce, such as those of
// a partition no longer configured, are dropped.
func (t Tables) Promote(ctx context.Context, store *sqlstore.Client, q sqlstore.Queryer) ([]string, error) {
	tmpNames, err := t.RoleTables(ctx, store, q, Tmp)
	if err != nil {
		return nil, err
	}
	if len(tmpNames) == 0 {
		return nil, nil
	}
	mainNames, err := t.RoleTables(ctx, store, q, Main)
	if err != nil {
		return nil, err
	}
	incoming := make(map[string]bool, len(tmpNames))
	for _, tmpName := range tmpNames {
		incoming[strings.TrimSuffix(tmpName, Tmp.Suffix())] = true
	}
	for _, name := range mainNames {
		if incoming[name] {
			continue
		}
		if err := store.DropTable(ctx, q, name); err != nil {
			return nil, err
		}
	}

	promoted := make([]string, 0, len(tmpNames))
	for _, tmpName := range tmpNames {
		mainName := strings.TrimSuffix(tmpName, Tmp.Suffix())
		if err := store.DropTable(ctx, q, mainName); err != nil {
			return promoted, err
		}
		if err := store.RenameTable(ctx, q, tmpName, mainName); err != nil {
			return promoted, err
		}
		if strings.HasPrefix(mainName, t.Prefix+"doclist_") {
			for _, col := range []string{"term_id", "doc_id"} {
				from, to := indexName(tmpName, col), indexName(mainName, col)
				if err := store.RenameIndex(ctx, q, from, to, createIndex(mainName, col)); err != nil {
					return promoted, err
				}
			}
		}
		promoted = append(promoted, mainName)
	}
	return promoted, nil
}

func indexName(table, col string) string {
	return table + "_" + col + "_idx"
}

func createIndex(table, col string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		sqlstore.QuoteIdent(indexName(table, col)), sqlstore.QuoteIdent(table), col)
}

func (t Tables) searchableDDL(store *sqlstore.Client, role Role, p Partition) []string {
	wordlist := sqlstore.QuoteIdent(t.Wordlist(role, p))
	doclist := t.Doclist(role, p)
	cache := sqlstore.QuoteIdent(t.Cache(role, p))
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			term TEXT NOT NULL UNIQUE,
			hit_count BIGINT NOT NULL DEFAULT 0
		)`, wordlist, store.SerialPrimaryKey()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			term_id BIGINT NOT NULL,
			doc_id BIGINT NOT NULL
		)`, sqlstore.QuoteIdent(doclist), store.SerialPrimaryKey()),
		createIndex(doclist, "term_id"),
		createIndex(doclist, "doc_id"),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			pattern TEXT PRIMARY KEY,
			ids TEXT NOT NULL
		)`, cache),
	}
}

func (t Tables) documentDDL(role Role) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc_id BIGINT NOT NULL,
			lang TEXT NOT NULL,
			subtype TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			sku TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (doc_id, lang)
		)`, sqlstore.QuoteIdent(t.Readable(role))),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			term_id BIGINT NOT NULL,
			lang TEXT NOT NULL,
			taxonomy TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			slug TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			term_count BIGINT NOT NULL DEFAULT 0,
			search_text TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (term_id, lang)
		)`, sqlstore.QuoteIdent(t.Taxonomy(role))),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			variation_id BIGINT NOT NULL,
			lang TEXT NOT NULL,
			parent_id BIGINT NOT NULL,
			sku TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (variation_id, lang)
		)`, sqlstore.QuoteIdent(t.Variation(role))),
	}
}
