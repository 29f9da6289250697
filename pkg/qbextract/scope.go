package qbextract

import (
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

// block holds the analysis state of one query block.
type block struct {
	w  *walker
	qb *QueryBlock

	byAlias  map[string]int
	nullable map[string]bool
	joins    []joinRec
	derived  int

	edgeSeen map[string]bool
	colSeen  map[string]bool
	warnSeen map[string]bool
	nested   []nested
}

// joinRec is an explicit JOIN with the instance ids under each side.
type joinRec struct {
	je          *pg_query.JoinExpr
	left, right map[string]bool
}

func newBlock(w *walker, qb *QueryBlock) *block {
	return &block{
		w:        w,
		qb:       qb,
		byAlias:  make(map[string]int),
		nullable: make(map[string]bool),
		edgeSeen: make(map[string]bool),
		colSeen:  make(map[string]bool),
		warnSeen: make(map[string]bool),
	}
}

func (b *block) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if b.warnSeen[msg] {
		return
	}
	b.warnSeen[msg] = true
	b.qb.Warnings = append(b.qb.Warnings, msg)
}

func (b *block) analyze(sel *pg_query.SelectStmt) {
	b.qb.Sources = []Source{}
	b.qb.Edges = []JoinEdge{}
	b.qb.Filters = []Filter{}
	b.qb.Columns = []joinset.ColumnRef{}

	for _, n := range sel.GetFromClause() {
		b.fromItem(n)
	}
	for _, j := range b.joins {
		b.join(j)
	}
	if where := sel.GetWhereClause(); where != nil {
		for _, c := range conjuncts(where) {
			b.predicate(c, FilterWhere, nil)
		}
	}
	b.scan(sel)
	b.qb.Eligibility = eligibility(*b.qb)
}

// --- FROM ---

// fromItem registers the sources under n and returns their instance ids.
func (b *block) fromItem(n *pg_query.Node) []string {
	switch {
	case n.GetRangeVar() != nil:
		return []string{b.addRangeVar(n.GetRangeVar())}
	case n.GetRangeSubselect() != nil:
		return []string{b.addDerived(n.GetRangeSubselect())}
	case n.GetJoinExpr() != nil:
		je := n.GetJoinExpr()
		left := b.fromItem(je.GetLarg())
		right := b.fromItem(je.GetRarg())
		switch je.GetJointype() {
		case pg_query.JoinType_JOIN_LEFT:
			b.markNullable(right)
		case pg_query.JoinType_JOIN_RIGHT:
			b.markNullable(left)
		case pg_query.JoinType_JOIN_FULL:
			b.markNullable(left)
			b.markNullable(right)
		}
		b.joins = append(b.joins, joinRec{je: je, left: toSet(left), right: toSet(right)})
		return append(left, right...)
	case n == nil:
		return nil
	default:
		b.warn("unsupported FROM item %s", stmtKind(n))
		return nil
	}
}

func (b *block) markNullable(ids []string) {
	for _, id := range ids {
		b.nullable[id] = true
	}
}

func (b *block) addRangeVar(rv *pg_query.RangeVar) string {
	name := strings.ToLower(rv.GetRelname())
	alias := name
	if a := rv.GetAlias().GetAliasname(); a != "" {
		alias = strings.ToLower(a)
	}
	kind := SourceBase
	switch {
	case rv.GetSchemaname() == "" && b.w.ctes[name]:
		kind = SourceCTE
	case b.w.meta != nil && !b.w.meta.HasTable(name):
		kind = SourceUnknown
		b.warn("table %s is not in the schema", name)
	}
	return b.addSource(Source{Name: name, Alias: alias, Kind: kind})
}

func (b *block) addDerived(rs *pg_query.RangeSubselect) string {
	b.derived++
	name := fmt.Sprintf("__derived__%d", b.derived)
	alias := name
	if a := rs.GetAlias().GetAliasname(); a != "" {
		alias = strings.ToLower(a)
	}
	if sel := rs.GetSubquery().GetSelectStmt(); sel != nil {
		b.nested = append(b.nested, nested{sel: sel, ctx: "from.subquery"})
	}
	return b.addSource(Source{Name: name, Alias: alias, Kind: SourceDerived})
}

func (b *block) addSource(s Source) string {
	if _, dup := b.byAlias[s.Alias]; dup {
		b.warn("alias %s is used twice", s.Alias)
	}
	b.byAlias[s.Alias] = len(b.qb.Sources)
	b.qb.Sources = append(b.qb.Sources, s)
	return s.Alias
}

// lookup finds a source by alias, then by table name when exactly one source
// reads that table without an alias of its own.
func (b *block) lookup(qual string) (Source, bool) {
	qual = strings.ToLower(qual)
	if i, ok := b.byAlias[qual]; ok {
		return b.qb.Sources[i], true
	}
	var found []Source
	for _, s := range b.qb.Sources {
		if s.Name == qual {
			found = append(found, s)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return Source{}, false
}

func (b *block) baseNames() []string {
	var out []string
	for _, s := range b.qb.Sources {
		if s.Kind == SourceBase {
			out = append(out, s.Name)
		}
	}
	return out
}

// --- column resolution ---

func columnFields(cr *pg_query.ColumnRef) (parts []string, star bool) {
	for _, f := range cr.GetFields() {
		if f.GetAStar() != nil {
			return parts, true
		}
		parts = append(parts, strings.ToLower(f.GetString_().GetSval()))
	}
	return parts, false
}

// resolve binds a column reference to a source of this block. ok is false for
// stars and for references that could not be bound; the latter are warned
// about once.
func (b *block) resolve(cr *pg_query.ColumnRef) (ref joinset.ColumnRef, src Source, ok bool) {
	parts, star := columnFields(cr)
	if star || len(parts) == 0 {
		return ref, src, false
	}
	ref = joinset.ColumnRef{Column: parts[len(parts)-1], QBID: b.qb.ID}
	if len(parts) >= 2 {
		ref.RawQualifier = parts[len(parts)-2]
		s, found := b.lookup(ref.RawQualifier)
		if !found {
			b.warn("unknown table reference %s in %s", ref.RawQualifier, strings.Join(parts, "."))
			return ref, src, false
		}
		return bind(ref, s), s, true
	}

	if len(b.qb.Sources) == 1 {
		s := b.qb.Sources[0]
		return bind(ref, s), s, true
	}
	if b.w.meta == nil {
		b.warn("unqualified column %s cannot be resolved without a schema", ref.Column)
		return ref, src, false
	}
	owner := b.w.meta.ResolveColumn(ref.Column, b.baseNames())
	if owner == "" {
		b.warn("unqualified column %s not resolved to a single base table", ref.Column)
		return ref, src, false
	}
	var hits []Source
	for _, s := range b.qb.Sources {
		if s.Kind == SourceBase && s.Name == owner {
			hits = append(hits, s)
		}
	}
	if len(hits) != 1 {
		b.warn("unqualified column %s is ambiguous across %d instances of %s", ref.Column, len(hits), owner)
		return ref, src, false
	}
	return bind(ref, hits[0]), hits[0], true
}

func bind(ref joinset.ColumnRef, s Source) joinset.ColumnRef {
	ref.InstanceID = s.Alias
	ref.BaseTable = s.Name
	return ref
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func sortColumns(cols []joinset.ColumnRef) {
	sort.SliceStable(cols, func(i, j int) bool {
		if cols[i].InstanceID != cols[j].InstanceID {
			return cols[i].InstanceID < cols[j].InstanceID
		}
		return cols[i].Column < cols[j].Column
	})
}
