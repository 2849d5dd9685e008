package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/tasks"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// Batcher turns queued id batches into index writes. Each batch runs in a
// single transaction; non-critical findings are reported after it commits so
// status writes never contend with the batch for the write lock.
type Batcher struct {
	Store      *sqlstore.Client
	Prefix     string
	Source     source.Source
	Indexer    *Indexer
	Languages  []string
	Subtypes   []string
	Taxonomies []string

	Readable  ReadableWriter
	Taxonomy  TaxonomyWriter
	Variation VariationWriter
}

// Processors returns the batch processor registry for the task runner.
func (b *Batcher) Processors() map[index.Kind]tasks.BatchProcessor {
	return map[index.Kind]tasks.BatchProcessor{
		index.Searchable: tasks.ProcessorFunc(b.Searchable),
		index.Readable:   tasks.ProcessorFunc(b.ReadableBatch),
		index.Taxonomy:   tasks.ProcessorFunc(b.TaxonomyBatch),
		index.Variation:  tasks.ProcessorFunc(b.VariationBatch),
	}
}

func (b *Batcher) session(role index.Role, lang string) *index.Session {
	return index.NewSession(b.Store, b.Prefix, role, lang)
}

// partition resolves the language and subtype a row is indexed under. Empty
// values fall back to the first configured one; unconfigured values are not
// indexed.
func (b *Batcher) partition(lang, subtype string) (string, string, bool) {
	if lang == "" && len(b.Languages) > 0 {
		lang = b.Languages[0]
	}
	if subtype == "" && len(b.Subtypes) > 0 {
		subtype = b.Subtypes[0]
	}
	return lang, subtype, slices.Contains(b.Languages, lang) && slices.Contains(b.Subtypes, subtype)
}

func (b *Batcher) language(lang string) (string, bool) {
	if lang == "" && len(b.Languages) > 0 {
		lang = b.Languages[0]
	}
	return lang, slices.Contains(b.Languages, lang)
}

func missing(kind index.Kind, id int64) error {
	return apperrors.NonCritical(apperrors.TypeDocumentMissing,
		fmt.Errorf("%w: %s %d", apperrors.ErrDocumentMissing, kind, id))
}

// classify tags untagged datastore errors. Lock conflicts are retried by the
// runner; everything else aborts the build.
func classify(err error) error {
	if err == nil || apperrors.Is(err, apperrors.ErrCancelled) {
		return err
	}
	var ie *apperrors.IndexError
	if apperrors.As(err, &ie) {
		return err
	}
	if sqlstore.IsLockTimeout(err) {
		return apperrors.NonCritical(apperrors.TypeLockTimeout, err)
	}
	return apperrors.Critical(apperrors.TypeDatastore, err)
}

// run executes fn in one transaction and reports the collected warnings
// once it has finished.
func (b *Batcher) run(ctx context.Context, batch tasks.Batch, fn func(tx *sql.Tx, warn func(error)) (int, error)) (int, error) {
	var warnings []error
	var n int
	err := b.Store.InTx(ctx, func(tx *sql.Tx) error {
		warnings = warnings[:0]
		var err error
		n, err = fn(tx, func(w error) { warnings = append(warnings, w) })
		return err
	})
	if err != nil {
		return 0, classify(err)
	}
	if batch.Warn != nil {
		for _, w := range warnings {
			batch.Warn(ctx, w)
		}
	}
	return n, nil
}

func check(ctx context.Context, batch tasks.Batch) error {
	if batch.Check == nil {
		return nil
	}
	return batch.Check(ctx)
}

// Searchable rebuilds the wordlist and doclist entries of every document in
// the batch.
func (b *Batcher) Searchable(ctx context.Context, batch tasks.Batch) (int, error) {
	docs, err := b.Source.Documents(ctx, batch.IDs)
	if err != nil {
		return 0, apperrors.Critical(apperrors.TypeSource, err)
	}
	byID := groupDocuments(docs)
	return b.run(ctx, batch, func(tx *sql.Tx, warn func(error)) (int, error) {
		n := 0
		for _, id := range batch.IDs {
			if err := check(ctx, batch); err != nil {
				return n, err
			}
			if err := b.removeSearchable(ctx, tx, batch.Role, id); err != nil {
				return n, err
			}
			rows, ok := byID[id]
			if !ok {
				warn(missing(index.Searchable, id))
				continue
			}
			if err := b.insertSearchable(ctx, tx, batch.Role, rows); err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	})
}

func (b *Batcher) insertSearchable(ctx context.Context, q sqlstore.Queryer, role index.Role, rows []source.Document) error {
	for _, doc := range rows {
		lang, subtype, ok := b.partition(doc.Lang, doc.Subtype)
		if !ok {
			b.Indexer.logger.Debug("skipping document outside configured partitions",
				"doc_id", doc.ID, "lang", doc.Lang, "subtype", doc.Subtype)
			continue
		}
		doc.Lang, doc.Subtype = lang, subtype
		if _, err := b.Indexer.Insert(ctx, b.session(role, lang), q, doc); err != nil {
			return err
		}
	}
	return nil
}

// removeSearchable deletes id from every partition of role. Documents can
// change subtype or language between builds, so all of them are visited.
func (b *Batcher) removeSearchable(ctx context.Context, q sqlstore.Queryer, role index.Role, id int64) error {
	for _, p := range index.Partitions(b.Languages, b.Subtypes) {
		if err := b.Indexer.Delete(ctx, b.session(role, p.Lang), q, p.Subtype, id); err != nil {
			return err
		}
	}
	return nil
}

// ReadableBatch refreshes the display rows of the batch.
func (b *Batcher) ReadableBatch(ctx context.Context, batch tasks.Batch) (int, error) {
	docs, err := b.Source.Documents(ctx, batch.IDs)
	if err != nil {
		return 0, apperrors.Critical(apperrors.TypeSource, err)
	}
	byID := groupDocuments(docs)
	return b.run(ctx, batch, func(tx *sql.Tx, warn func(error)) (int, error) {
		n := 0
		for _, id := range batch.IDs {
			if err := check(ctx, batch); err != nil {
				return n, err
			}
			if err := b.Readable.Delete(ctx, b.session(batch.Role, ""), tx, id); err != nil {
				return n, err
			}
			rows, ok := byID[id]
			if !ok {
				warn(missing(index.Readable, id))
				continue
			}
			if err := b.putReadable(ctx, tx, batch.Role, rows); err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	})
}

func (b *Batcher) putReadable(ctx context.Context, q sqlstore.Queryer, role index.Role, rows []source.Document) error {
	for _, doc := range rows {
		lang, subtype, ok := b.partition(doc.Lang, doc.Subtype)
		if !ok {
			continue
		}
		doc.Lang, doc.Subtype = lang, subtype
		if err := b.Readable.Put(ctx, b.session(role, lang), q, doc); err != nil {
			return err
		}
	}
	return nil
}

// TaxonomyBatch refreshes taxonomy terms of the configured taxonomies.
func (b *Batcher) TaxonomyBatch(ctx context.Context, batch tasks.Batch) (int, error) {
	terms, err := b.Source.TaxonomyTerms(ctx, batch.IDs)
	if err != nil {
		return 0, apperrors.Critical(apperrors.TypeSource, err)
	}
	byID := make(map[int64][]source.TaxonomyTerm, len(terms))
	for _, t := range terms {
		byID[t.ID] = append(byID[t.ID], t)
	}
	return b.run(ctx, batch, func(tx *sql.Tx, warn func(error)) (int, error) {
		n := 0
		for _, id := range batch.IDs {
			if err := check(ctx, batch); err != nil {
				return n, err
			}
			if err := b.Taxonomy.Delete(ctx, b.session(batch.Role, ""), tx, id); err != nil {
				return n, err
			}
			rows, ok := byID[id]
			if !ok {
				warn(missing(index.Taxonomy, id))
				continue
			}
			for _, t := range rows {
				if len(b.Taxonomies) > 0 && !slices.Contains(b.Taxonomies, t.Taxonomy) {
					continue
				}
				lang, ok := b.language(t.Lang)
				if !ok {
					continue
				}
				if err := b.Taxonomy.Put(ctx, b.session(batch.Role, lang), tx, t); err != nil {
					return n, err
				}
			}
			n++
		}
		return n, nil
	})
}

// VariationBatch refreshes variation SKUs.
func (b *Batcher) VariationBatch(ctx context.Context, batch tasks.Batch) (int, error) {
	vars, err := b.Source.Variations(ctx, batch.IDs)
	if err != nil {
		return 0, apperrors.Critical(apperrors.TypeSource, err)
	}
	byID := make(map[int64][]source.Variation, len(vars))
	for _, v := range vars {
		byID[v.ID] = append(byID[v.ID], v)
	}
	return b.run(ctx, batch, func(tx *sql.Tx, warn func(error)) (int, error) {
		n := 0
		for _, id := range batch.IDs {
			if err := check(ctx, batch); err != nil {
				return n, err
			}
			if err := b.Variation.Delete(ctx, b.session(batch.Role, ""), tx, id); err != nil {
				return n, err
			}
			rows, ok := byID[id]
			if !ok {
				warn(missing(index.Variation, id))
				continue
			}
			for _, v := range rows {
				lang, ok := b.language(v.Lang)
				if !ok {
					continue
				}
				if err := b.Variation.Put(ctx, b.session(batch.Role, lang), tx, v); err != nil {
					return n, err
				}
			}
			n++
		}
		return n, nil
	})
}

// UpdateDocuments re-indexes the searchable and readable rows of ids in
// role outside of a build. Ids the source no longer returns are removed.
// It returns the ids that were removed.
func (b *Batcher) UpdateDocuments(ctx context.Context, role index.Role, ids []int64) ([]int64, error) {
	docs, err := b.Source.Documents(ctx, ids)
	if err != nil {
		return nil, apperrors.Critical(apperrors.TypeSource, err)
	}
	byID := groupDocuments(docs)
	var removed []int64
	err = b.Store.InTx(ctx, func(tx *sql.Tx) error {
		removed = removed[:0]
		for _, id := range ids {
			if err := b.removeSearchable(ctx, tx, role, id); err != nil {
				return err
			}
			if err := b.Readable.Delete(ctx, b.session(role, ""), tx, id); err != nil {
				return err
			}
			rows, ok := byID[id]
			if !ok {
				removed = append(removed, id)
				continue
			}
			if err := b.insertSearchable(ctx, tx, role, rows); err != nil {
				return err
			}
			if err := b.putReadable(ctx, tx, role, rows); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return removed, nil
}

// DeleteDocuments removes ids from the searchable and readable rows of role.
func (b *Batcher) DeleteDocuments(ctx context.Context, role index.Role, ids []int64) error {
	err := b.Store.InTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := b.removeSearchable(ctx, tx, role, id); err != nil {
				return err
			}
			if err := b.Readable.Delete(ctx, b.session(role, ""), tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

func groupDocuments(docs []source.Document) map[int64][]source.Document {
	byID := make(map[int64][]source.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = append(byID[d.ID], d)
	}
	return byID
}
