package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SerialPrimaryKey returns the column definition of an auto-incrementing
// 64-bit primary key.
func (c *Client) SerialPrimaryKey() string {
	if c.Dialect == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// TextType is the unbounded text column type.
func (c *Client) TextType() string {
	return "TEXT"
}

// Tables lists the tables whose names start with prefix, sorted by name.
func (c *Client) Tables(ctx context.Context, q Queryer, prefix string) ([]string, error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'table'`
	if c.Dialect == Postgres {
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()`
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tables: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// TableExists reports whether the named table exists.
func (c *Client) TableExists(ctx context.Context, q Queryer, name string) (bool, error) {
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	if c.Dialect == Postgres {
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	}
	var n int
	if err := c.QueryRow(ctx, q, query, name).Scan(&n); err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return n > 0, nil
}

// DropTable drops the named table if it exists.
func (c *Client) DropTable(ctx context.Context, q Queryer, name string) error {
	if _, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(name)); err != nil {
		return fmt.Errorf("dropping table %s: %w", name, err)
	}
	return nil
}

// RenameTable renames from to to.
func (c *Client) RenameTable(ctx context.Context, q Queryer, from, to string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", QuoteIdent(from), QuoteIdent(to))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("renaming table %s to %s: %w", from, to, err)
	}
	return nil
}

// RenameIndex moves an index to a new name. SQLite has no ALTER INDEX, so the
// index is dropped and rebuilt from create, which must use the new name.
func (c *Client) RenameIndex(ctx context.Context, q Queryer, from, to, create string) error {
	if c.Dialect == Postgres {
		stmt := fmt.Sprintf("ALTER INDEX IF EXISTS %s RENAME TO %s", QuoteIdent(from), QuoteIdent(to))
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("renaming index %s: %w", from, err)
		}
		return nil
	}
	if _, err := q.ExecContext(ctx, "DROP INDEX IF EXISTS "+QuoteIdent(from)); err != nil {
		return fmt.Errorf("dropping index %s: %w", from, err)
	}
	if _, err := q.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("creating index %s: %w", to, err)
	}
	return nil
}

// QuoteIdent double-quotes an identifier. Both dialects accept the ANSI form.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// EscapeLike escapes LIKE wildcards so s matches literally. Callers pair it
// with ESCAPE '\'.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// IsLockTimeout reports whether err is a transient lock conflict: a Postgres
// deadlock or lock-not-available, or a busy/locked SQLite database.
func IsLockTimeout(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40P01" || pqErr.Code == "55P03"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// IsMissingTable reports whether err was caused by querying a table that does
// not exist.
func IsMissingTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return err != nil && strings.Contains(err.Error(), "no such table")
}
