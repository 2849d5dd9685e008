package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/tracing"
)

// GroupTaxonomy is the group of taxonomy terms outside the vendor taxonomy.
const GroupTaxonomy = "taxonomy"

// Item is one entry of a result group.
type Item struct {
	ID    int64   `json:"id"`
	Title string  `json:"title"`
	URL   string  `json:"url"`
	Score float64 `json:"score,omitempty"`
}

// Group is a named slice of a grouped result. Higher weights come first.
type Group struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Items  []Item `json:"items"`
}

// GroupedResult is the outcome of SearchGrouped.
type GroupedResult struct {
	Query  string  `json:"query"`
	Groups []Group `json:"groups"`
	Total  int     `json:"total"`
	TookMs float64 `json:"took_ms"`
}

// SearchGrouped searches every configured group and merges the answers. The
// catalog group is the default subtype, extended with variation SKU parents;
// the taxonomy group holds matching taxonomy terms; a group named after the
// vendor taxonomy holds its terms; any other group name is a subtype. Empty
// groups are dropped.
func (e *Engine) SearchGrouped(ctx context.Context, q Query) *GroupedResult {
	start := time.Now()
	q = e.defaults(q)
	ctx, span := tracing.Start(ctx, "search_grouped")
	defer span.End()

	phrase := e.normalizer.Normalize(q.Phrase)
	keywords := e.pipeline.Keywords(phrase)
	s := index.NewSession(e.store, e.prefix, index.Main, q.Lang)

	groups := make([]Group, 0, len(e.cfg.Groups))
	limits := make(map[string]int, len(e.cfg.Groups))
	for _, gc := range e.cfg.Groups {
		limit := e.groupLimit(gc)
		limits[gc.Name] = limit
		if e.cfg.FlexibleLimits && e.cfg.TotalLimit > limit {
			limit = e.cfg.TotalLimit
		}
		items, err := e.groupItems(ctx, s, gc, q, phrase, keywords, limit)
		if err != nil {
			if !sqlstore.IsMissingTable(err) {
				e.logger.Warn("result group degraded", "group", gc.Name, "query", q.Phrase, "error", err)
			}
			continue
		}
		if len(items) > limit {
			items = items[:limit]
		}
		groups = append(groups, Group{Name: gc.Name, Weight: gc.Weight, Items: items})
	}

	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Weight > groups[j].Weight })
	if e.cfg.FlexibleLimits {
		groups = FlexibleLimits(groups, e.cfg.TotalLimit)
	} else {
		groups = fixedLimits(groups, limits)
	}

	res := &GroupedResult{Query: q.Phrase, Groups: make([]Group, 0, len(groups))}
	for _, g := range groups {
		if len(g.Items) == 0 {
			continue
		}
		res.Groups = append(res.Groups, g)
		res.Total += len(g.Items)
	}
	res.TookMs = float64(time.Since(start).Microseconds()) / 1000
	return res
}

func (e *Engine) groupItems(ctx context.Context, s *index.Session, gc config.GroupConfig, q Query,
	phrase string, keywords []text.Keyword, limit int) ([]Item, error) {
	switch {
	case gc.Name == GroupTaxonomy:
		return e.taxonomyItems(ctx, s, keywords, false, limit)
	case e.cfg.VendorTaxonomy != "" && gc.Name == e.cfg.VendorTaxonomy:
		return e.taxonomyItems(ctx, s, keywords, true, limit)
	}

	sub := q
	sub.Subtype = gc.Name
	sub.Limit = limit
	res := e.Search(ctx, sub)
	ids := res.IDs
	scores := make(map[int64]float64, len(res.Hits))
	for _, h := range res.Hits {
		scores[h.ID] = h.Score
	}
	if e.variationSKU && gc.Name == e.cfg.DefaultSubtype && phrase != "" {
		parents, err := variationParents(ctx, s, phrase, limit)
		if err != nil && !sqlstore.IsMissingTable(err) {
			return nil, err
		}
		for _, id := range parents {
			if _, dup := scores[id]; !dup {
				scores[id] = 0
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := readableRows(ctx, s, ids)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		item := rows[id]
		item.ID = id
		item.Score = scores[id]
		items = append(items, item)
	}
	return items, nil
}

// taxonomyItems matches every keyword as a word prefix of the stored
// search_text, most used terms first.
func (e *Engine) taxonomyItems(ctx context.Context, s *index.Session, keywords []text.Keyword, vendor bool, limit int) ([]Item, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	where := []string{"lang = ?"}
	args := []any{s.Lang}
	if vendor {
		where = append(where, "taxonomy = ?")
	} else {
		where = append(where, "taxonomy <> ?")
	}
	args = append(args, e.cfg.VendorTaxonomy)
	for _, kw := range keywords {
		where = append(where, `search_text LIKE ? ESCAPE '\'`)
		args = append(args, "% "+sqlstore.EscapeLike(kw.Term)+"%")
	}
	rows, err := s.Store.Query(ctx, s.Store.DB, fmt.Sprintf(
		`SELECT term_id, name, url FROM %s WHERE %s ORDER BY term_count DESC, term_id LIMIT %d`,
		sqlstore.QuoteIdent(s.Taxonomy()), strings.Join(where, " AND "), limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Title, &it.URL); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// variationParents returns the parents of variations whose SKU starts with
// phrase.
func variationParents(ctx context.Context, s *index.Session, phrase string, limit int) ([]int64, error) {
	rows, err := s.Store.Query(ctx, s.Store.DB, fmt.Sprintf(
		`SELECT DISTINCT parent_id FROM %s WHERE lang = ? AND sku LIKE ? ESCAPE '\' ORDER BY parent_id LIMIT %d`,
		sqlstore.QuoteIdent(s.Variation()), limit), s.Lang, sqlstore.EscapeLike(phrase)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func readableRows(ctx context.Context, s *index.Session, ids []int64) (map[int64]Item, error) {
	items := make(map[int64]Item, len(ids))
	for _, part := range chunk(ids) {
		rows, err := s.Store.Query(ctx, s.Store.DB, fmt.Sprintf(`SELECT doc_id, name, url FROM %s WHERE lang = ? AND doc_id IN (%s)`,
			sqlstore.QuoteIdent(s.Readable()), placeholders(len(part))), append([]any{s.Lang}, int64Args(part)...)...)
		if err != nil {
			if sqlstore.IsMissingTable(err) {
				return items, nil
			}
			return nil, err
		}
		for rows.Next() {
			var it Item
			if err := rows.Scan(&it.ID, &it.Title, &it.URL); err != nil {
				rows.Close()
				return nil, err
			}
			items[it.ID] = it
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

// groupLimit is the configured size of gc, or the default result limit when
// none is set.
func (e *Engine) groupLimit(gc config.GroupConfig) int {
	if gc.Limit > 0 {
		return gc.Limit
	}
	return e.defaults(Query{}).Limit
}

func fixedLimits(groups []Group, limits map[string]int) []Group {
	for i := range groups {
		if l, ok := limits[groups[i].Name]; ok && len(groups[i].Items) > l {
			groups[i].Items = groups[i].Items[:l]
		}
	}
	return groups
}

// FlexibleLimits trims groups, ordered by descending weight, until they hold
// at most total items: each step removes the last item of the largest group,
// the lightest one on ties.
func FlexibleLimits(groups []Group, total int) []Group {
	count := 0
	for _, g := range groups {
		count += len(g.Items)
	}
	for ; count > total && count > 0; count-- {
		largest := -1
		for i, g := range groups {
			if len(g.Items) == 0 {
				continue
			}
			if largest < 0 || len(g.Items) > len(groups[largest].Items) ||
				(len(g.Items) == len(groups[largest].Items) && g.Weight < groups[largest].Weight) {
				largest = i
			}
		}
		groups[largest].Items = groups[largest].Items[:len(groups[largest].Items)-1]
	}
	return groups
}
