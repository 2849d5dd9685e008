package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// Hit is one ranked document.
type Hit struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// Resolved is a keyword together with the wordlist terms it matched and its
// occurrence counts in the candidate documents.
type Resolved struct {
	Keyword string
	Mode    Mode
	Fuzzy   bool
	terms   []term
	TF      map[int64]int
}

// ScoreInput carries everything a scorer may look at.
type ScoreInput struct {
	Session    *index.Session
	Subtype    string
	Keywords   []Resolved
	Candidates []int64
}

// Scorer ranks the candidates of a query.
type Scorer interface {
	Score(ctx context.Context, in ScoreInput) ([]Hit, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, in ScoreInput) ([]Hit, error)

func (f ScorerFunc) Score(ctx context.Context, in ScoreInput) ([]Hit, error) {
	return f(ctx, in)
}

const (
	ScorerHits = "hits"
	ScorerBM25 = "bm25"
)

var (
	scorersMu sync.RWMutex
	scorers   = map[string]Scorer{
		ScorerHits: ScorerFunc(scoreHits),
		ScorerBM25: ScorerFunc(scoreBM25),
	}
)

// RegisterScorer adds a scorer under name before engines are built.
func RegisterScorer(name string, s Scorer) error {
	scorersMu.Lock()
	defer scorersMu.Unlock()
	if _, exists := scorers[name]; exists {
		return fmt.Errorf("scorer %q already registered", name)
	}
	scorers[name] = s
	return nil
}

// LookupScorer returns the scorer registered under name. An empty name
// selects hits.
func LookupScorer(name string) (Scorer, error) {
	if name == "" {
		name = ScorerHits
	}
	scorersMu.RLock()
	defer scorersMu.RUnlock()
	s, ok := scorers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownScorer, name)
	}
	return s, nil
}

// nameBoost is added once per keyword found in a document's readable name.
const nameBoost = 10

// scoreHits sums occurrences across keywords and boosts documents whose name
// contains a keyword.
func scoreHits(ctx context.Context, in ScoreInput) ([]Hit, error) {
	names, err := readableNames(ctx, in.Session, in.Candidates)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(in.Candidates))
	for _, id := range in.Candidates {
		var score float64
		name := names[id]
		for _, kw := range in.Keywords {
			score += float64(kw.TF[id])
			if name != "" && strings.Contains(name, kw.Keyword) {
				score += nameBoost
			}
		}
		hits = append(hits, Hit{ID: id, Score: score})
	}
	sortHits(hits)
	return hits, nil
}

const (
	bm25K = 1.0
	bm25B = 0.5
)

// scoreBM25 weighs each keyword by ln(N/n) where N is the number of indexed
// documents and n the number containing the keyword. Only documents that
// contain every keyword are scored.
func scoreBM25(ctx context.Context, in ScoreInput) ([]Hit, error) {
	doclist := sqlstore.QuoteIdent(in.Session.Doclist(in.Subtype))
	store := in.Session.Store
	var total int64
	if err := store.QueryRow(ctx, store.DB, fmt.Sprintf(`SELECT COUNT(DISTINCT doc_id) FROM %s`, doclist)).Scan(&total); err != nil {
		return nil, err
	}
	idf := make([]float64, len(in.Keywords))
	for i, kw := range in.Keywords {
		ids := make([]int64, len(kw.terms))
		for j, t := range kw.terms {
			ids[j] = t.ID
		}
		var n int64
		if len(ids) > 0 {
			err := store.QueryRow(ctx, store.DB, fmt.Sprintf(`SELECT COUNT(DISTINCT doc_id) FROM %s WHERE term_id IN (%s)`,
				doclist, placeholders(len(ids))), int64Args(ids)...).Scan(&n)
			if err != nil {
				return nil, err
			}
		}
		if n > 0 && total > 0 {
			idf[i] = math.Log(float64(total) / float64(n))
		}
	}

	hits := make([]Hit, 0, len(in.Candidates))
	for _, id := range in.Candidates {
		var score float64
		all := true
		for i, kw := range in.Keywords {
			tf := float64(kw.TF[id])
			if tf == 0 {
				all = false
				break
			}
			score += idf[i] * (tf * (bm25K + 1)) / (tf*(1-bm25B+bm25B) + tf)
		}
		if all {
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}
	sortHits(hits)
	return hits, nil
}

// readableNames returns the lower-cased names of ids. A missing readable
// table yields no names.
func readableNames(ctx context.Context, s *index.Session, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	for _, part := range chunk(ids) {
		rows, err := s.Store.Query(ctx, s.Store.DB, fmt.Sprintf(`SELECT doc_id, name FROM %s WHERE lang = ? AND doc_id IN (%s)`,
			sqlstore.QuoteIdent(s.Readable()), placeholders(len(part))), append([]any{s.Lang}, int64Args(part)...)...)
		if err != nil {
			if sqlstore.IsMissingTable(err) {
				return names, nil
			}
			return nil, err
		}
		for rows.Next() {
			var (
				id   int64
				name string
			)
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return nil, err
			}
			names[id] = strings.ToLower(name)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return names, nil
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
