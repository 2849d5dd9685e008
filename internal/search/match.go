package search

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// Mode is how a keyword is matched against the wordlist.
type Mode int

const (
	Exact Mode = iota
	Prefix
	Substring
)

func (m Mode) String() string {
	switch m {
	case Prefix:
		return "prefix"
	case Substring:
		return "substring"
	default:
		return "exact"
	}
}

// ModeFor picks the match mode of kw. The keyword typed last may be
// incomplete and matches by prefix, as does any single-rune keyword. Other
// short keywords must match exactly and longer ones match anywhere in a term.
func ModeFor(kw text.Keyword, exactMaxLength int) Mode {
	n := utf8.RuneCountInString(kw.Term)
	switch {
	case kw.Final || n == 1:
		return Prefix
	case n <= exactMaxLength:
		return Exact
	default:
		return Substring
	}
}

// pattern is the cache key of a keyword resolution.
func pattern(term string, mode Mode) string {
	switch mode {
	case Prefix:
		return term + "*"
	case Substring:
		return "*" + term + "*"
	default:
		return "=" + term
	}
}

type term struct {
	ID       int64
	Term     string
	HitCount int64
}

// matchTerms returns the wordlist rows kw matches in table.
func matchTerms(ctx context.Context, store *sqlstore.Client, table, kw string, mode Mode) ([]term, error) {
	var (
		where string
		arg   string
	)
	switch mode {
	case Prefix:
		where, arg = `term LIKE ? ESCAPE '\'`, sqlstore.EscapeLike(kw)+"%"
	case Substring:
		where, arg = `term LIKE ? ESCAPE '\'`, "%"+sqlstore.EscapeLike(kw)+"%"
	default:
		where, arg = `term = ?`, kw
	}
	return queryTerms(ctx, store, fmt.Sprintf(`SELECT id, term, hit_count FROM %s WHERE %s`,
		sqlstore.QuoteIdent(table), where), arg)
}

func queryTerms(ctx context.Context, store *sqlstore.Client, query string, args ...any) ([]term, error) {
	rows, err := store.Query(ctx, store.DB, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var terms []term
	for rows.Next() {
		var t term
		if err := rows.Scan(&t.ID, &t.Term, &t.HitCount); err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

const inChunk = 500

// postings counts occurrences per document for the given terms. A non-nil
// restrict limits the documents looked at.
func postings(ctx context.Context, store *sqlstore.Client, table string, terms []term, restrict map[int64]struct{}) (map[int64]int, error) {
	termIDs := make([]int64, len(terms))
	for i, t := range terms {
		termIDs[i] = t.ID
	}
	var docIDs []int64
	if restrict != nil {
		docIDs = make([]int64, 0, len(restrict))
		for id := range restrict {
			docIDs = append(docIDs, id)
		}
	}

	tf := make(map[int64]int)
	for _, termChunk := range chunk(termIDs) {
		docChunks := [][]int64{nil}
		if restrict != nil {
			docChunks = chunk(docIDs)
		}
		for _, docChunk := range docChunks {
			query := fmt.Sprintf(`SELECT doc_id, COUNT(*) FROM %s WHERE term_id IN (%s)`,
				sqlstore.QuoteIdent(table), placeholders(len(termChunk)))
			args := int64Args(termChunk)
			if restrict != nil {
				query += fmt.Sprintf(` AND doc_id IN (%s)`, placeholders(len(docChunk)))
				args = append(args, int64Args(docChunk)...)
			}
			query += ` GROUP BY doc_id`
			if err := scanCounts(ctx, store, tf, query, args); err != nil {
				return nil, err
			}
		}
	}
	return tf, nil
}

func scanCounts(ctx context.Context, store *sqlstore.Client, into map[int64]int, query string, args []any) error {
	rows, err := store.Query(ctx, store.DB, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id int64
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return err
		}
		into[id] += n
	}
	return rows.Err()
}

func chunk(ids []int64) [][]int64 {
	var out [][]int64
	for start := 0; start < len(ids); start += inChunk {
		end := start + inChunk
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
