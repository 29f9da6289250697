// Package mvemit turns the JoinSets that survive the algebra and pruning into
// named materialized-view candidates with validated SQL, and writes the
// candidate and query-block reports.
package mvemit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Lianghan-Zhang/ecse-test/pkg/ecse"
	"github.com/Lianghan-Zhang/ecse-test/pkg/joinplan"
	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/qbextract"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Mapping kinds.
const (
	KindGroupBy   = "group_by"
	KindAggregate = "aggregate"
)

// ColumnMapping maps an original expression such as "item.i_brand" or
// "SUM(store_sales.ss_quantity)" to the view's output column.
type ColumnMapping struct {
	Original string `json:"original"`
	Alias    string `json:"alias"`
	Kind     string `json:"kind"`
}

// Candidate is one proposed view.
type Candidate struct {
	Name              string                  `json:"name"`
	FactTable         string                  `json:"fact_table"`
	Tables            []string                `json:"tables"`
	Instances         []joinset.TableInstance `json:"instances"`
	Edges             []joinset.Edge          `json:"edges"`
	QBIDs             []string                `json:"qb_ids"`
	Lineage           []string                `json:"lineage,omitempty"`
	GroupingSignature string                  `json:"grouping_signature,omitempty"`

	Columns    []joinset.ColumnRef   `json:"columns"`
	GroupBy    []joinset.ColumnRef   `json:"group_by_columns,omitempty"`
	Aggregates []qbextract.Aggregate `json:"aggregates,omitempty"`
	ColumnMap  []ColumnMapping       `json:"column_map,omitempty"`

	Plan        *joinplan.Plan `json:"plan,omitempty"`
	SQL         string         `json:"sql"`
	Normalized  string         `json:"normalized_sql,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Status      Status         `json:"status"`
	Reasons     []string       `json:"reasons,omitempty"`
}

// Emit names and renders the survivors of every successful group. Names are
// mv_001, mv_002, ... in order of (fact table, edge count desc, qb count desc,
// edges over base tables), so identical input always yields identical names.
// Columns, GROUP BY columns, and aggregates are gathered from the candidate's
// query blocks and kept only when they bind to one of its instances.
func Emit(groups []ecse.GroupResult, qbs map[string]qbextract.QueryBlock, m *richcatalog.Meta) []Candidate {
	var all []joinset.JoinSet
	for _, g := range groups {
		if g.Err != nil {
			continue
		}
		all = append(all, g.Survivors()...)
	}
	sortForNaming(all)

	out := make([]Candidate, 0, len(all))
	for i, js := range all {
		out = append(out, build(fmt.Sprintf("mv_%03d", i+1), js, qbs, m))
	}
	return out
}

func sortForNaming(js []joinset.JoinSet) {
	canon := make(map[string]string, len(js))
	for _, x := range js {
		canon[x.Key()] = tableEdges(x)
	}
	sort.SliceStable(js, func(i, j int) bool {
		a, b := js[i], js[j]
		if a.FactTable != b.FactTable {
			return a.FactTable < b.FactTable
		}
		if a.EdgeCount() != b.EdgeCount() {
			return a.EdgeCount() > b.EdgeCount()
		}
		if a.QBCount() != b.QBCount() {
			return a.QBCount() > b.QBCount()
		}
		if ca, cb := canon[a.Key()], canon[b.Key()]; ca != cb {
			return ca < cb
		}
		return a.Key() < b.Key()
	})
}

func tableEdges(js joinset.JoinSet) string {
	edges := js.Edges()
	parts := make([]string, len(edges))
	for i, e := range edges {
		parts[i] = e.TableString()
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func build(name string, js joinset.JoinSet, qbs map[string]qbextract.QueryBlock, m *richcatalog.Meta) Candidate {
	c := Candidate{
		Name:              name,
		FactTable:         js.FactTable,
		Tables:            js.BaseTables(),
		Instances:         js.Instances(),
		Edges:             js.Edges(),
		QBIDs:             js.QBIDs(),
		Lineage:           js.Lineage,
		GroupingSignature: js.GroupingSignature,
		Status:            StatusOK,
	}
	g := newGather(js, m)
	for _, id := range c.QBIDs {
		if qb, ok := qbs[id]; ok {
			g.add(qb)
		}
	}
	c.Columns, c.GroupBy, c.Aggregates = g.result()

	plan, err := joinplan.Build(c.Instances, c.Edges)
	if err != nil {
		c.degrade("could not build join plan: " + err.Error())
		return c
	}
	c.Plan = &plan

	names := outputNames(c.GroupBy, c.Instances)
	if len(c.GroupBy) == 0 && len(c.Aggregates) == 0 {
		names = outputNames(c.Columns, c.Instances)
	}
	c.ColumnMap = columnMap(c.GroupBy, c.Aggregates, names)
	c.SQL = render(plan, c, names)
	if err := c.validate(); err != nil {
		c.degrade(err.Error())
	}
	return c
}

func (c *Candidate) degrade(reason string) {
	c.Status = StatusDegraded
	c.Reasons = append(c.Reasons, reason)
	c.SQL = "-- SKIPPED: " + reason
	c.Normalized = ""
	c.Fingerprint = ""
}

// gather accumulates per-QB references bound onto the candidate's instances.
type gather struct {
	js      joinset.JoinSet
	meta    *richcatalog.Meta
	byTable map[string][]string

	cols, group map[string]joinset.ColumnRef
	aggs        []qbextract.Aggregate
	aggIdx      map[string]int
}

func newGather(js joinset.JoinSet, m *richcatalog.Meta) *gather {
	g := &gather{
		js:      js,
		meta:    m,
		byTable: make(map[string][]string),
		cols:    make(map[string]joinset.ColumnRef),
		group:   make(map[string]joinset.ColumnRef),
		aggIdx:  make(map[string]int),
	}
	for _, ti := range js.Instances() {
		g.byTable[ti.BaseTable] = append(g.byTable[ti.BaseTable], ti.InstanceID)
	}
	return g
}

// bind maps a query-block reference onto a candidate instance: the instance
// with the same id and base table, else the only instance of that base table.
func (g *gather) bind(ref joinset.ColumnRef) (joinset.ColumnRef, bool) {
	if !ref.Resolved() {
		return ref, false
	}
	out := joinset.ColumnRef{Column: ref.Column, BaseTable: ref.BaseTable}
	if ti, ok := g.js.Instance(ref.InstanceID); ok && ti.BaseTable == ref.BaseTable {
		out.InstanceID = ti.InstanceID
	} else if ids := g.byTable[ref.BaseTable]; len(ids) == 1 {
		out.InstanceID = ids[0]
	} else {
		return ref, false
	}
	if g.meta != nil && !g.meta.HasColumn(out.BaseTable, out.Column) {
		return ref, false
	}
	return out, true
}

func refKey(r joinset.ColumnRef) string { return r.InstanceID + "." + r.Column }

func (g *gather) add(qb qbextract.QueryBlock) {
	for _, r := range qb.Columns {
		if b, ok := g.bind(r); ok {
			g.cols[refKey(b)] = b
		}
	}
	for _, r := range qb.GroupBy {
		if b, ok := g.bind(r); ok {
			g.group[refKey(b)] = b
		}
	}
	for _, a := range qb.Aggregates {
		if a.Column != nil {
			b, ok := g.bind(*a.Column)
			if !ok {
				continue
			}
			a.Column = &b
		}
		k := aggKey(a)
		if i, ok := g.aggIdx[k]; ok {
			if g.aggs[i].Alias != a.Alias {
				g.aggs[i].Alias = ""
			}
			continue
		}
		g.aggIdx[k] = len(g.aggs)
		g.aggs = append(g.aggs, a)
	}
}

func aggKey(a qbextract.Aggregate) string {
	k := a.Func
	if a.Distinct {
		k += " distinct"
	}
	if a.Column != nil {
		return k + " " + refKey(*a.Column)
	}
	return k + " *"
}

func (g *gather) result() (cols, group []joinset.ColumnRef, aggs []qbextract.Aggregate) {
	return sortedRefs(g.cols), sortedRefs(g.group), g.aggs
}

func sortedRefs(m map[string]joinset.ColumnRef) []joinset.ColumnRef {
	out := make([]joinset.ColumnRef, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseTable != out[j].BaseTable {
			return out[i].BaseTable < out[j].BaseTable
		}
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// outputNames picks each projected column's output name: the bare column
// name, or table__column when the name occurs on more than one instance.
// Self-joined tables fall back to instance__column.
func outputNames(refs []joinset.ColumnRef, insts []joinset.TableInstance) map[string]string {
	perTable := make(map[string]int)
	for _, ti := range insts {
		perTable[ti.BaseTable]++
	}
	owners := make(map[string]int)
	for _, r := range refs {
		owners[r.Column]++
	}
	names := make(map[string]string, len(refs))
	for _, r := range refs {
		switch {
		case owners[r.Column] == 1:
			names[refKey(r)] = r.Column
		case perTable[r.BaseTable] == 1:
			names[refKey(r)] = r.BaseTable + "__" + r.Column
		default:
			names[refKey(r)] = r.InstanceID + "__" + r.Column
		}
	}
	return names
}

// aggregateAlias is the explicit alias when one survived, else a name
// derived from the call.
func aggregateAlias(a qbextract.Aggregate) string {
	if a.Alias != "" {
		return a.Alias
	}
	fn := a.Func
	if a.Distinct {
		fn += "_distinct"
	}
	if a.Column == nil {
		return fn + "_all"
	}
	return fn + "_" + a.Column.BaseTable + "__" + a.Column.Column
}

// resolveAggregateAliases clears explicit aliases that collide with another
// output column so every projected name is unique.
func resolveAggregateAliases(aggs []qbextract.Aggregate, names map[string]string) {
	used := make(map[string]bool, len(names))
	for _, n := range names {
		used[n] = true
	}
	for i := range aggs {
		if aggs[i].Alias != "" && used[aggs[i].Alias] {
			aggs[i].Alias = ""
		}
		used[aggregateAlias(aggs[i])] = true
	}
}

func aggregateOriginal(a qbextract.Aggregate) string {
	arg := "*"
	if a.Column != nil {
		arg = a.Column.BaseTable + "." + a.Column.Column
		if a.Distinct {
			arg = "DISTINCT " + arg
		}
	}
	return strings.ToUpper(a.Func) + "(" + arg + ")"
}

func columnMap(group []joinset.ColumnRef, aggs []qbextract.Aggregate, names map[string]string) []ColumnMapping {
	resolveAggregateAliases(aggs, names)
	var out []ColumnMapping
	for _, r := range group {
		out = append(out, ColumnMapping{Original: r.BaseTable + "." + r.Column, Alias: names[refKey(r)], Kind: KindGroupBy})
	}
	for _, a := range aggs {
		out = append(out, ColumnMapping{Original: aggregateOriginal(a), Alias: aggregateAlias(a), Kind: KindAggregate})
	}
	return out
}
