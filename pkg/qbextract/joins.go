package qbextract

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
)

var comparisonOps = map[string]bool{
	"=": true, "<>": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
}

// conjuncts splits n on top-level ANDs.
func conjuncts(n *pg_query.Node) []*pg_query.Node {
	if be := n.GetBoolExpr(); be != nil && be.GetBoolop() == pg_query.BoolExprType_AND_EXPR {
		var out []*pg_query.Node
		for _, a := range be.GetArgs() {
			out = append(out, conjuncts(a)...)
		}
		return out
	}
	return []*pg_query.Node{n}
}

func (b *block) join(j joinRec) {
	je := j.je
	jt := je.GetJointype()
	switch {
	case je.GetIsNatural():
		b.warn("NATURAL JOIN produces no join edges")
	case len(je.GetUsingClause()) > 0:
		b.using(j)
	case je.GetQuals() != nil:
		if jt == pg_query.JoinType_JOIN_FULL {
			b.warn("FULL JOIN produces no join edges")
		}
		for _, c := range conjuncts(je.GetQuals()) {
			b.predicate(c, FilterOn, &j)
		}
	}
}

// using turns each USING column into an equality edge. The right side is the
// source under the join's right input that owns the column; the left side is
// the unique source under the left input that does.
func (b *block) using(j joinRec) {
	jt := j.je.GetJointype()
	if jt == pg_query.JoinType_JOIN_FULL {
		b.warn("FULL JOIN produces no join edges")
		return
	}
	for _, u := range j.je.GetUsingClause() {
		col := strings.ToLower(u.GetString_().GetSval())
		l, lok := b.owner(col, j.left)
		r, rok := b.owner(col, j.right)
		if !lok {
			b.warn("USING column %s not found in left tables", col)
			continue
		}
		if !rok {
			b.warn("USING column %s not found in right tables", col)
			continue
		}
		switch jt {
		case pg_query.JoinType_JOIN_LEFT:
			b.addEdge(l, col, r, col, "=", joinset.Left, joinset.OriginUsing)
		case pg_query.JoinType_JOIN_RIGHT:
			b.addEdge(r, col, l, col, "=", joinset.Left, joinset.OriginUsing)
		default:
			b.addEdge(l, col, r, col, "=", joinset.Inner, joinset.OriginUsing)
		}
	}
}

// owner picks the source among ids that has col: the only source when there
// is one, else the only base source whose table has the column.
func (b *block) owner(col string, ids map[string]bool) (Source, bool) {
	if len(ids) == 1 {
		for id := range ids {
			return b.qb.Sources[b.byAlias[id]], true
		}
	}
	if b.w.meta == nil {
		return Source{}, false
	}
	var found []Source
	for _, s := range b.qb.Sources {
		if ids[s.Alias] && s.Kind == SourceBase && b.w.meta.HasColumn(s.Name, col) {
			found = append(found, s)
		}
	}
	if len(found) != 1 {
		return Source{}, false
	}
	return found[0], true
}

// predicate classifies one conjunct as a join edge or a filter. j is the
// enclosing JOIN for ON conjuncts and nil for WHERE.
func (b *block) predicate(pred *pg_query.Node, clause FilterOrigin, j *joinRec) {
	ae := pred.GetAExpr()
	if ae == nil || ae.GetKind() != pg_query.A_Expr_Kind_AEXPR_OP || len(ae.GetName()) != 1 {
		b.filter(pred, clause)
		return
	}
	op := ae.GetName()[0].GetString_().GetSval()
	lcr, rcr := ae.GetLexpr().GetColumnRef(), ae.GetRexpr().GetColumnRef()
	if !comparisonOps[op] || lcr == nil || rcr == nil {
		b.filter(pred, clause)
		return
	}
	lref, l, lok := b.resolve(lcr)
	rref, r, rok := b.resolve(rcr)
	if !lok || !rok {
		b.warn("could not resolve predicate %s", b.w.render(pred))
		b.filter(pred, clause)
		return
	}
	if l.Alias == r.Alias {
		b.filter(pred, clause)
		return
	}

	if j == nil {
		if b.nullable[l.Alias] || b.nullable[r.Alias] {
			b.warn("WHERE predicate on nullable side of an outer join kept as filter: %s", b.w.render(pred))
			b.filter(pred, FilterPostJoin)
			return
		}
		b.addEdge(l, lref.Column, r, rref.Column, op, joinset.Inner, joinset.OriginWhere)
		return
	}

	var preserved, nullable map[string]bool
	switch j.je.GetJointype() {
	case pg_query.JoinType_JOIN_FULL:
		b.filter(pred, clause)
		return
	case pg_query.JoinType_JOIN_LEFT:
		preserved, nullable = j.left, j.right
	case pg_query.JoinType_JOIN_RIGHT:
		preserved, nullable = j.right, j.left
	default:
		b.addEdge(l, lref.Column, r, rref.Column, op, joinset.Inner, joinset.OriginOn)
		return
	}
	switch {
	case preserved[l.Alias] && nullable[r.Alias]:
		b.addEdge(l, lref.Column, r, rref.Column, op, joinset.Left, joinset.OriginOn)
	case preserved[r.Alias] && nullable[l.Alias]:
		b.addEdge(r, rref.Column, l, lref.Column, joinset.FlipOp(op), joinset.Left, joinset.OriginOn)
	default:
		b.filter(pred, clause)
	}
}

func (b *block) addEdge(l Source, lcol string, r Source, rcol, op string, jt joinset.JoinType, origin joinset.EdgeOrigin) {
	e := joinset.NewEdge(l.instance(), lcol, r.instance(), rcol, op, jt)
	if b.edgeSeen[e.Key()] {
		return
	}
	b.edgeSeen[e.Key()] = true
	b.qb.Edges = append(b.qb.Edges, JoinEdge{Edge: e, Origin: origin})
}

func (b *block) filter(pred *pg_query.Node, origin FilterOrigin) {
	b.qb.Filters = append(b.qb.Filters, Filter{Expression: b.w.render(pred), Origin: origin})
}

// render deparses an expression by wrapping it in a one-column SELECT.
func (w *walker) render(n *pg_query.Node) string {
	tree := &pg_query.ParseResult{
		Version: w.version,
		Stmts: []*pg_query.RawStmt{{
			Stmt: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: &pg_query.SelectStmt{
				TargetList: []*pg_query.Node{{
					Node: &pg_query.Node_ResTarget{ResTarget: &pg_query.ResTarget{Val: n}},
				}},
				LimitOption: pg_query.LimitOption_LIMIT_OPTION_DEFAULT,
				Op:          pg_query.SetOperation_SETOP_NONE,
			}}},
		}},
	}
	out, err := pg_query.Deparse(tree)
	if err != nil {
		return "<expression>"
	}
	return strings.TrimPrefix(out, "SELECT ")
}
