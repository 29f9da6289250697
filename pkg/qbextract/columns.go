package qbextract

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

var aggregateFuncs = map[string]bool{"sum": true, "count": true, "avg": true, "min": true, "max": true}

// walkExpr calls visit on n and, while visit returns true, on its children.
// Sublink subselects are not entered; they belong to a nested block.
func walkExpr(n *pg_query.Node, visit func(*pg_query.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	var kids []*pg_query.Node
	switch {
	case n.GetAExpr() != nil:
		kids = []*pg_query.Node{n.GetAExpr().GetLexpr(), n.GetAExpr().GetRexpr()}
	case n.GetBoolExpr() != nil:
		kids = n.GetBoolExpr().GetArgs()
	case n.GetFuncCall() != nil:
		fc := n.GetFuncCall()
		kids = append(append(kids, fc.GetArgs()...), fc.GetAggFilter())
		kids = append(kids, fc.GetAggOrder()...)
	case n.GetCaseExpr() != nil:
		ce := n.GetCaseExpr()
		kids = append(kids, ce.GetArg(), ce.GetDefresult())
		kids = append(kids, ce.GetArgs()...)
	case n.GetCaseWhen() != nil:
		kids = []*pg_query.Node{n.GetCaseWhen().GetExpr(), n.GetCaseWhen().GetResult()}
	case n.GetCoalesceExpr() != nil:
		kids = n.GetCoalesceExpr().GetArgs()
	case n.GetMinMaxExpr() != nil:
		kids = n.GetMinMaxExpr().GetArgs()
	case n.GetNullIfExpr() != nil:
		kids = n.GetNullIfExpr().GetArgs()
	case n.GetTypeCast() != nil:
		kids = []*pg_query.Node{n.GetTypeCast().GetArg()}
	case n.GetNullTest() != nil:
		kids = []*pg_query.Node{n.GetNullTest().GetArg()}
	case n.GetBooleanTest() != nil:
		kids = []*pg_query.Node{n.GetBooleanTest().GetArg()}
	case n.GetRowExpr() != nil:
		kids = n.GetRowExpr().GetArgs()
	case n.GetList() != nil:
		kids = n.GetList().GetItems()
	case n.GetResTarget() != nil:
		kids = []*pg_query.Node{n.GetResTarget().GetVal()}
	case n.GetSortBy() != nil:
		kids = []*pg_query.Node{n.GetSortBy().GetNode()}
	case n.GetGroupingSet() != nil:
		kids = n.GetGroupingSet().GetContent()
	case n.GetSubLink() != nil:
		kids = []*pg_query.Node{n.GetSubLink().GetTestexpr()}
	case n.GetAIndirection() != nil:
		kids = []*pg_query.Node{n.GetAIndirection().GetArg()}
	case n.GetCollateClause() != nil:
		kids = []*pg_query.Node{n.GetCollateClause().GetArg()}
	}
	for _, k := range kids {
		walkExpr(k, visit)
	}
}

func sublinkContext(clause string, sl *pg_query.SubLink) string {
	switch sl.GetSubLinkType() {
	case pg_query.SubLinkType_EXISTS_SUBLINK:
		return clause + ".exists"
	case pg_query.SubLinkType_ANY_SUBLINK, pg_query.SubLinkType_ALL_SUBLINK:
		return clause + ".in"
	case pg_query.SubLinkType_ARRAY_SUBLINK:
		return clause + ".array"
	}
	return clause + ".scalar"
}

// scan collects the block's direct column references and the sublinks that
// open nested blocks, then its GROUP BY shape and aggregates.
func (b *block) scan(sel *pg_query.SelectStmt) {
	clauses := []struct {
		name  string
		nodes []*pg_query.Node
	}{
		{"join", nil},
		{"select", sel.GetTargetList()},
		{"where", []*pg_query.Node{sel.GetWhereClause()}},
		{"group", sel.GetGroupClause()},
		{"having", []*pg_query.Node{sel.GetHavingClause()}},
	}
	for _, j := range b.joins {
		clauses[0].nodes = append(clauses[0].nodes, j.je.GetQuals())
	}
	for _, c := range clauses {
		for _, n := range c.nodes {
			walkExpr(n, b.columnVisitor(c.name, true))
		}
	}
	// ORDER BY may name output aliases, so it only contributes sublinks.
	for _, n := range sel.GetSortClause() {
		walkExpr(n, b.columnVisitor("order", false))
	}
	b.groupBy(sel)
	b.aggregates(sel.GetTargetList())
	sortColumns(b.qb.Columns)
}

func (b *block) columnVisitor(clause string, collect bool) func(*pg_query.Node) bool {
	return func(n *pg_query.Node) bool {
		if sl := n.GetSubLink(); sl != nil {
			if sub := sl.GetSubselect().GetSelectStmt(); sub != nil {
				b.nested = append(b.nested, nested{sel: sub, ctx: sublinkContext(clause, sl)})
			}
			return true
		}
		if cr := n.GetColumnRef(); cr != nil && collect {
			b.addColumn(cr)
			return false
		}
		return true
	}
}

// addColumn records a reference bound to a base source whose table has the
// column.
func (b *block) addColumn(cr *pg_query.ColumnRef) (joinset.ColumnRef, bool) {
	ref, src, ok := b.resolve(cr)
	if !ok || src.Kind != SourceBase {
		return ref, false
	}
	if b.w.meta != nil && !b.w.meta.HasColumn(src.Name, ref.Column) {
		b.warn("column %s not found in table %s", ref.Column, src.Name)
		return ref, false
	}
	k := ref.InstanceID + "." + ref.Column
	if !b.colSeen[k] {
		b.colSeen[k] = true
		b.qb.Columns = append(b.qb.Columns, ref)
	}
	return ref, true
}

// --- GROUP BY ---

func (b *block) groupBy(sel *pg_query.SelectStmt) {
	items := sel.GetGroupClause()
	if len(items) == 0 {
		return
	}
	seen := make(map[string]bool)
	var add func(n *pg_query.Node)
	add = func(n *pg_query.Node) {
		switch {
		case n.GetColumnRef() != nil:
			if ref, ok := b.addColumn(n.GetColumnRef()); ok && !seen[ref.InstanceID+"."+ref.Column] {
				seen[ref.InstanceID+"."+ref.Column] = true
				b.qb.GroupBy = append(b.qb.GroupBy, ref)
			}
		case n.GetAConst() != nil:
			if t := b.positional(sel, n.GetAConst()); t != nil {
				add(t)
			}
		case n.GetGroupingSet() != nil:
			for _, c := range n.GetGroupingSet().GetContent() {
				add(c)
			}
		case n.GetRowExpr() != nil:
			for _, c := range n.GetRowExpr().GetArgs() {
				add(c)
			}
		}
	}
	rollup := false
	for _, n := range items {
		add(n)
		if gs := n.GetGroupingSet(); gs != nil {
			switch gs.GetKind() {
			case pg_query.GroupingSetKind_GROUPING_SET_ROLLUP, pg_query.GroupingSetKind_GROUPING_SET_CUBE, pg_query.GroupingSetKind_GROUPING_SET_SETS:
				rollup = true
			}
		}
	}
	if !rollup {
		return
	}
	parts := make([]string, 0, len(items))
	for _, n := range items {
		parts = append(parts, b.renderGrouping(sel, n))
	}
	b.qb.GroupingSignature = strings.Join(parts, ",")
	b.qb.HasRollup = true
}

// positional maps GROUP BY <n> onto the n-th select-list expression.
func (b *block) positional(sel *pg_query.SelectStmt, c *pg_query.A_Const) *pg_query.Node {
	iv := c.GetIval()
	if iv == nil {
		return nil
	}
	i := int(iv.GetIval())
	tl := sel.GetTargetList()
	if i < 1 || i > len(tl) {
		return nil
	}
	return tl[i-1].GetResTarget().GetVal()
}

func (b *block) renderGrouping(sel *pg_query.SelectStmt, n *pg_query.Node) string {
	list := func(nodes []*pg_query.Node) string {
		parts := make([]string, 0, len(nodes))
		for _, c := range nodes {
			parts = append(parts, b.renderGrouping(sel, c))
		}
		return strings.Join(parts, ",")
	}
	switch {
	case n.GetColumnRef() != nil:
		ref, _, ok := b.resolve(n.GetColumnRef())
		if ok {
			return ref.BaseTable + "." + ref.Column
		}
		return ref.String()
	case n.GetAConst() != nil:
		if t := b.positional(sel, n.GetAConst()); t != nil {
			return b.renderGrouping(sel, t)
		}
	case n.GetRowExpr() != nil:
		return "(" + list(n.GetRowExpr().GetArgs()) + ")"
	case n.GetGroupingSet() != nil:
		gs := n.GetGroupingSet()
		switch gs.GetKind() {
		case pg_query.GroupingSetKind_GROUPING_SET_ROLLUP:
			return "ROLLUP(" + list(gs.GetContent()) + ")"
		case pg_query.GroupingSetKind_GROUPING_SET_CUBE:
			return "CUBE(" + list(gs.GetContent()) + ")"
		case pg_query.GroupingSetKind_GROUPING_SET_SETS:
			return "GROUPING SETS(" + list(gs.GetContent()) + ")"
		case pg_query.GroupingSetKind_GROUPING_SET_EMPTY:
			return "()"
		}
		return "(" + list(gs.GetContent()) + ")"
	}
	return b.w.render(n)
}

// --- aggregates ---

func funcName(fc *pg_query.FuncCall) string {
	names := fc.GetFuncname()
	if len(names) == 0 {
		return ""
	}
	return strings.ToLower(names[len(names)-1].GetString_().GetSval())
}

func isAggregate(n *pg_query.Node) bool {
	fc := n.GetFuncCall()
	return fc != nil && fc.GetOver() == nil && aggregateFuncs[funcName(fc)]
}

// aggregates records aggregate calls in the select list whose argument is a
// plain base column, or COUNT(*). Window calls are looked through; an
// aggregate over another aggregate is skipped in favor of the inner one.
func (b *block) aggregates(targets []*pg_query.Node) {
	for _, t := range targets {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		walkExpr(rt.GetVal(), func(n *pg_query.Node) bool {
			if n.GetSubLink() != nil {
				return false
			}
			if !isAggregate(n) {
				return true
			}
			fc := n.GetFuncCall()
			args := fc.GetArgs()
			for _, a := range args {
				if isAggregate(a) {
					return true
				}
			}
			agg := Aggregate{Func: funcName(fc), Distinct: fc.GetAggDistinct()}
			if n == rt.GetVal() {
				agg.Alias = strings.ToLower(rt.GetName())
			}
			switch {
			case fc.GetAggStar() && agg.Func == "count":
			case len(args) == 1 && args[0].GetColumnRef() != nil:
				ref, ok := b.addColumn(args[0].GetColumnRef())
				if !ok {
					return false
				}
				agg.Column = &ref
			default:
				return false
			}
			b.qb.Aggregates = append(b.qb.Aggregates, agg)
			return false
		})
	}
}
