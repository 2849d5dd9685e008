// Package indexer converts catalog rows into index rows: wordlist terms with
// aggregate hit counts, one posting per term occurrence, and the readable,
// taxonomy and variation projections. Every write takes an explicit Session
// and the Queryer of the surrounding batch transaction.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

const postingChunk = 200

// Indexer writes the searchable part of the index.
type Indexer struct {
	pipeline *text.Pipeline
	logger   *slog.Logger
}

func New(pipeline *text.Pipeline) *Indexer {
	return &Indexer{
		pipeline: pipeline,
		logger:   logger.WithComponent("indexer"),
	}
}

func (ix *Indexer) Pipeline() *text.Pipeline {
	return ix.pipeline
}

// Insert adds doc to the wordlist and doclist of its partition and returns
// the number of postings written.
func (ix *Indexer) Insert(ctx context.Context, s *index.Session, q sqlstore.Queryer, doc source.Document) (int, error) {
	counts := ix.pipeline.Counts(doc.SearchFields()...)
	if len(counts) == 0 {
		return 0, nil
	}
	wordlist := sqlstore.QuoteIdent(s.Wordlist(doc.Subtype))
	doclist := sqlstore.QuoteIdent(s.Doclist(doc.Subtype))

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	// fixed order keeps concurrent writers from deadlocking on term rows
	sort.Strings(terms)

	upsert := fmt.Sprintf(`INSERT INTO %s (term, hit_count) VALUES (?, ?)
		ON CONFLICT (term) DO UPDATE SET hit_count = %s.hit_count + excluded.hit_count
		RETURNING id`, wordlist, wordlist)

	type posting struct {
		termID int64
		n      int
	}
	postings := make([]posting, 0, len(terms))
	total := 0
	for _, term := range terms {
		var id int64
		if err := s.Store.QueryRow(ctx, q, upsert, term, counts[term]).Scan(&id); err != nil {
			return 0, fmt.Errorf("upserting term %q: %w", term, err)
		}
		postings = append(postings, posting{termID: id, n: counts[term]})
		total += counts[term]
	}

	args := make([]any, 0, 2*postingChunk)
	flush := func() error {
		if len(args) == 0 {
			return nil
		}
		rows := len(args) / 2
		stmt := fmt.Sprintf(`INSERT INTO %s (term_id, doc_id) VALUES %s`,
			doclist, strings.TrimSuffix(strings.Repeat("(?, ?), ", rows), ", "))
		if _, err := s.Store.Exec(ctx, q, stmt, args...); err != nil {
			return fmt.Errorf("inserting postings for document %d: %w", doc.ID, err)
		}
		args = args[:0]
		return nil
	}
	for _, p := range postings {
		for i := 0; i < p.n; i++ {
			args = append(args, p.termID, doc.ID)
			if len(args) == 2*postingChunk {
				if err := flush(); err != nil {
					return 0, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}

	ix.logger.Debug("document indexed",
		"doc_id", doc.ID,
		"partition", s.Partition(doc.Subtype).String(),
		"role", s.Role,
		"terms", len(terms),
		"postings", total,
	)
	return total, nil
}

// Delete removes every posting of docID from the subtype's partition,
// lowers the hit counts of the affected terms and drops terms left without
// postings.
func (ix *Indexer) Delete(ctx context.Context, s *index.Session, q sqlstore.Queryer, subtype string, docID int64) error {
	wordlist := sqlstore.QuoteIdent(s.Wordlist(subtype))
	doclist := sqlstore.QuoteIdent(s.Doclist(subtype))

	rows, err := s.Store.Query(ctx, q,
		fmt.Sprintf(`SELECT term_id, COUNT(*) FROM %s WHERE doc_id = ? GROUP BY term_id`, doclist), docID)
	if err != nil {
		return fmt.Errorf("reading postings of document %d: %w", docID, err)
	}
	occurrences := make(map[int64]int64)
	for rows.Next() {
		var termID, n int64
		if err := rows.Scan(&termID, &n); err != nil {
			rows.Close()
			return fmt.Errorf("scanning postings of document %d: %w", docID, err)
		}
		occurrences[termID] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating postings of document %d: %w", docID, err)
	}
	rows.Close()
	if len(occurrences) == 0 {
		return nil
	}

	if _, err := s.Store.Exec(ctx, q, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, doclist), docID); err != nil {
		return fmt.Errorf("deleting postings of document %d: %w", docID, err)
	}

	termIDs := make([]int64, 0, len(occurrences))
	for id := range occurrences {
		termIDs = append(termIDs, id)
	}
	sort.Slice(termIDs, func(i, j int) bool { return termIDs[i] < termIDs[j] })

	decrement := fmt.Sprintf(`UPDATE %s SET hit_count = hit_count - ? WHERE id = ?`, wordlist)
	orphan := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND NOT EXISTS (SELECT 1 FROM %s d WHERE d.term_id = ?)`,
		wordlist, doclist)
	for _, id := range termIDs {
		if _, err := s.Store.Exec(ctx, q, decrement, occurrences[id], id); err != nil {
			return fmt.Errorf("decrementing term %d: %w", id, err)
		}
		if _, err := s.Store.Exec(ctx, q, orphan, id, id); err != nil {
			return fmt.Errorf("removing orphan term %d: %w", id, err)
		}
	}
	return nil
}

// Update replaces the postings of doc: delete followed by a fresh insert.
func (ix *Indexer) Update(ctx context.Context, s *index.Session, q sqlstore.Queryer, doc source.Document) (int, error) {
	if err := ix.Delete(ctx, s, q, doc.Subtype, doc.ID); err != nil {
		return 0, err
	}
	return ix.Insert(ctx, s, q, doc)
}
