package ecse

import (
	"sort"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// UnknownFact labels JoinSets for which no fact table could be detected.
const UnknownFact = "unknown"

// TPCDSFactTables are treated as fact tables when the schema declares no role.
var TPCDSFactTables = []string{
	"store_sales",
	"store_returns",
	"catalog_sales",
	"catalog_returns",
	"web_sales",
	"web_returns",
	"inventory",
}

// FactSchema is what fact-table detection reads. *richcatalog.Meta
// implements it.
type FactSchema interface {
	Role(table string) string
	FKsFrom(table string) []richcatalog.ForeignKey
}

// DetectFactTable picks the fact table among tables: a table whose schema
// role is fact, else a known TPC-DS fact table, else the table declaring the
// most foreign keys. Ties go to the lexicographically smallest name. It
// returns "" when nothing qualifies.
func DetectFactTable(tables []string, s FactSchema) string {
	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)

	if s != nil {
		for _, t := range sorted {
			if s.Role(t) == richcatalog.RoleFact {
				return t
			}
		}
	}
	for _, t := range sorted {
		for _, f := range TPCDSFactTables {
			if t == f {
				return t
			}
		}
	}
	if s == nil {
		return ""
	}
	best, most := "", 0
	for _, t := range sorted {
		if n := len(s.FKsFrom(t)); n > most {
			best, most = t, n
		}
	}
	return best
}

// Collection groups per-query-block JoinSets by fact table. Adding a JoinSet
// whose shape and grouping signature are already present in its group merges
// the qb_ids instead of adding a duplicate.
type Collection struct {
	schema FactSchema
	groups map[string][]joinset.JoinSet
	index  map[string]map[string]int
}

func NewCollection(s FactSchema) *Collection {
	return &Collection{
		schema: s,
		groups: make(map[string][]joinset.JoinSet),
		index:  make(map[string]map[string]int),
	}
}

// Add files js under its fact table, detecting it when js has none, and
// returns the fact table used.
func (c *Collection) Add(js joinset.JoinSet) string {
	fact := js.FactTable
	if fact == "" {
		fact = DetectFactTable(js.BaseTables(), c.schema)
		if fact == "" {
			fact = UnknownFact
		}
		js = js.WithFact(fact)
	}

	idx, ok := c.index[fact]
	if !ok {
		idx = make(map[string]int)
		c.index[fact] = idx
	}
	k := js.Key()
	if at, dup := idx[k]; dup {
		prev := c.groups[fact][at]
		c.groups[fact][at] = prev.
			WithQBIDs(js.QBIDs()...).
			WithGrouping(prev.GroupingSignature, prev.HasRollupSemantics || js.HasRollupSemantics)
		return fact
	}
	idx[k] = len(c.groups[fact])
	c.groups[fact] = append(c.groups[fact], js)
	return fact
}

// FactTables returns the group names, sorted.
func (c *Collection) FactTables() []string {
	out := make([]string, 0, len(c.groups))
	for f := range c.groups {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Items returns a copy of one group in insertion order.
func (c *Collection) Items(fact string) []joinset.JoinSet {
	return append([]joinset.JoinSet(nil), c.groups[fact]...)
}

// Len counts JoinSets over all groups.
func (c *Collection) Len() int {
	n := 0
	for _, g := range c.groups {
		n += len(g)
	}
	return n
}
