package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "cs_"

var (
	langs    = []string{"en"}
	subtypes = []string{"product"}
)

func newIndexer(t *testing.T) *Indexer {
	t.Helper()
	p, err := text.NewPipeline(config.IndexConfig{
		Stemmer:   "suffix",
		StopWords: []string{"a", "the", "and"},
	})
	require.NoError(t, err)
	return New(p)
}

func newStore(t *testing.T, roles ...index.Role) *sqlstore.Client {
	t.Helper()
	db := sqlstore.OpenTest(t)
	tables := index.Tables{Prefix: prefix}
	for _, role := range roles {
		require.NoError(t, tables.Create(context.Background(), db, db.DB, role, index.Partitions(langs, subtypes)))
	}
	return db
}

type snapshot struct {
	hits     map[string]int64
	postings map[string]int64
}

func takeSnapshot(t *testing.T, s *index.Session) snapshot {
	t.Helper()
	ctx := context.Background()
	snap := snapshot{hits: map[string]int64{}, postings: map[string]int64{}}

	rows, err := s.Store.Query(ctx, s.Store.DB,
		fmt.Sprintf(`SELECT term, hit_count FROM %s`, sqlstore.QuoteIdent(s.Wordlist("product"))))
	require.NoError(t, err)
	for rows.Next() {
		var term string
		var n int64
		require.NoError(t, rows.Scan(&term, &n))
		snap.hits[term] = n
	}
	require.NoError(t, rows.Err())
	rows.Close()

	rows, err = s.Store.Query(ctx, s.Store.DB, fmt.Sprintf(
		`SELECT w.term, d.doc_id, COUNT(*) FROM %s d JOIN %s w ON w.id = d.term_id GROUP BY w.term, d.doc_id`,
		sqlstore.QuoteIdent(s.Doclist("product")), sqlstore.QuoteIdent(s.Wordlist("product"))))
	require.NoError(t, err)
	for rows.Next() {
		var term string
		var doc, n int64
		require.NoError(t, rows.Scan(&term, &doc, &n))
		snap.postings[fmt.Sprintf("%s/%d", term, doc)] = n
	}
	require.NoError(t, rows.Err())
	rows.Close()
	return snap
}

func insert(t *testing.T, ix *Indexer, s *index.Session, docs ...source.Document) {
	t.Helper()
	require.NoError(t, s.Store.InTx(context.Background(), func(tx *sql.Tx) error {
		for _, d := range docs {
			if _, err := ix.Insert(context.Background(), s, tx, d); err != nil {
				return err
			}
		}
		return nil
	}))
}

var (
	redShoe = source.Document{ID: 1, Subtype: "product", Lang: "en", Name: "Red shoes", Description: "A red <b>leather</b> shoe"}
	blueHat = source.Document{ID: 2, Subtype: "product", Lang: "en", Name: "Blue hat", Description: "The blue hat and the red band"}
)

func TestInsertCountsEveryOccurrence(t *testing.T) {
	ix := newIndexer(t)
	s := index.NewSession(newStore(t, index.Main), prefix, index.Main, "en")

	n, err := ix.Insert(context.Background(), s, s.Store.DB, redShoe)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	snap := takeSnapshot(t, s)
	assert.Equal(t, map[string]int64{"red": 2, "shoe": 2, "leather": 1}, snap.hits)
	assert.Equal(t, int64(2), snap.postings["shoe/1"])
}

func TestInsertThenDeleteLeavesNothing(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(t)
	s := index.NewSession(newStore(t, index.Main), prefix, index.Main, "en")
	insert(t, ix, s, redShoe, blueHat)

	require.NoError(t, ix.Delete(ctx, s, s.Store.DB, "product", redShoe.ID))
	snap := takeSnapshot(t, s)
	assert.NotContains(t, snap.hits, "shoe")
	assert.NotContains(t, snap.hits, "leather")
	assert.Equal(t, int64(1), snap.hits["red"])
	for key := range snap.postings {
		assert.NotContains(t, key, "/1")
	}

	require.NoError(t, ix.Delete(ctx, s, s.Store.DB, "product", blueHat.ID))
	snap = takeSnapshot(t, s)
	assert.Empty(t, snap.hits)
	assert.Empty(t, snap.postings)
}

func TestDeleteOfUnknownDocumentIsNoop(t *testing.T) {
	ix := newIndexer(t)
	s := index.NewSession(newStore(t, index.Main), prefix, index.Main, "en")
	insert(t, ix, s, redShoe)
	before := takeSnapshot(t, s)

	require.NoError(t, ix.Delete(context.Background(), s, s.Store.DB, "product", 99))
	assert.Equal(t, before, takeSnapshot(t, s))
}

func TestUpdateEqualsFreshInsert(t *testing.T) {
	ix := newIndexer(t)
	changed := redShoe
	changed.Name = "Green boots"
	changed.Description = "Green suede boots"

	updated := index.NewSession(newStore(t, index.Main), prefix, index.Main, "en")
	insert(t, ix, updated, redShoe, blueHat)
	require.NoError(t, updated.Store.InTx(context.Background(), func(tx *sql.Tx) error {
		_, err := ix.Update(context.Background(), updated, tx, changed)
		return err
	}))

	fresh := index.NewSession(newStore(t, index.Main), prefix, index.Main, "en")
	insert(t, ix, fresh, blueHat, changed)

	assert.Equal(t, takeSnapshot(t, fresh), takeSnapshot(t, updated))
}

func TestHitCountsAreOrderIndependent(t *testing.T) {
	ix := newIndexer(t)
	third := source.Document{ID: 3, Subtype: "product", Lang: "en", Name: "Red hat", SKU: "RH-1"}

	forward := index.NewSession(newStore(t, index.Main), prefix, index.Main, "en")
	insert(t, ix, forward, redShoe, blueHat, third)
	backward := index.NewSession(newStore(t, index.Main), prefix, index.Main, "en")
	insert(t, ix, backward, third, blueHat, redShoe)

	assert.Equal(t, takeSnapshot(t, forward), takeSnapshot(t, backward))
}

func TestHitCountMatchesPostings(t *testing.T) {
	ix := newIndexer(t)
	s := index.NewSession(newStore(t, index.Main), prefix, index.Main, "en")
	insert(t, ix, s, redShoe, blueHat)

	snap := takeSnapshot(t, s)
	perTerm := map[string]int64{}
	for key, n := range snap.postings {
		perTerm[key[:strings.LastIndex(key, "/")]] += n
	}
	assert.Equal(t, snap.hits, perTerm)
}

func TestRolesAreIsolated(t *testing.T) {
	ix := newIndexer(t)
	db := newStore(t, index.Main, index.Tmp)
	main := index.NewSession(db, prefix, index.Main, "en")
	tmp := main.WithRole(index.Tmp)

	insert(t, ix, tmp, redShoe)
	assert.Empty(t, takeSnapshot(t, main).hits)
	assert.NotEmpty(t, takeSnapshot(t, tmp).hits)
}
