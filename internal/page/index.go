package page

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

const DefaultResultLimit = 10

// searchKeys are the columns fuzzy search looks at.
var searchKeys = []string{ColGenericName, ColBrand, ColGroup, ColCategory}

type Result struct {
	Medication Medication
	Score      int
	// Key is the column that produced the best match.
	Key string
}

// Index is an immutable fuzzy index over one dataset snapshot.
type Index struct {
	meds    []Medication
	columns map[string]column
	limit   int
}

type column []string

func (c column) String(i int) string { return c[i] }
func (c column) Len() int            { return len(c) }

func NewIndex(meds []Medication, limit int) *Index {
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	ix := &Index{meds: meds, columns: make(map[string]column, len(searchKeys)), limit: limit}
	for _, key := range searchKeys {
		col := make(column, len(meds))
		for i, m := range meds {
			col[i] = strings.ToLower(m.Fields[key])
		}
		ix.columns[key] = col
	}
	return ix
}

func (ix *Index) Len() int { return len(ix.meds) }

func (ix *Index) All() []Medication { return ix.meds }

// Search ranks medications by their best match across the search keys. A
// record only matches when one of its keys contains the term; fuzzy scoring
// orders the matches. An empty or blank term matches nothing.
func (ix *Index) Search(term string) []Result {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || len(ix.meds) == 0 {
		return nil
	}

	best := map[int]Result{}
	for _, key := range searchKeys {
		col := ix.columns[key]
		for _, m := range fuzzy.FindFrom(term, col) {
			// plain subsequences ("pcm" in "paracetamol") are too loose
			if !strings.Contains(col[m.Index], term) {
				continue
			}
			if cur, ok := best[m.Index]; ok && cur.Score >= m.Score {
				continue
			}
			best[m.Index] = Result{Medication: ix.meds[m.Index], Score: m.Score, Key: key}
		}
	}

	out := make([]Result, 0, len(best))
	idx := make([]int, 0, len(best))
	for i := range best {
		idx = append(idx, i)
	}
	// dataset order breaks ties, so equal scores stay alphabetical
	sort.Ints(idx)
	for _, i := range idx {
		out = append(out, best[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > ix.limit {
		out = out[:ix.limit]
	}
	return out
}

// Quota lists every restricted-purchase item in dataset order.
func (ix *Index) Quota() []Medication {
	var out []Medication
	for _, m := range ix.meds {
		if m.Quota {
			out = append(out, m)
		}
	}
	return out
}

func (ix *Index) Find(genericName string) (Medication, bool) {
	for _, m := range ix.meds {
		if m.GenericName() == genericName {
			return m, true
		}
	}
	return Medication{}, false
}
