package qbextract

import (
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// walker discovers query blocks in one file. Counters run per file so ids
// stay unique across statements.
type walker struct {
	file     string
	meta     *richcatalog.Meta
	version  int32
	ctes     map[string]bool
	blocks   []QueryBlock
	warnings []string
	subq     int
	branch   int
}

// nested is a SELECT found inside a block that opens its own block.
type nested struct {
	sel *pg_query.SelectStmt
	ctx string
}

func isSetOp(sel *pg_query.SelectStmt) bool {
	switch sel.GetOp() {
	case pg_query.SetOperation_SETOP_UNION, pg_query.SetOperation_SETOP_INTERSECT, pg_query.SetOperation_SETOP_EXCEPT:
		return true
	}
	return false
}

func setOpName(op pg_query.SetOperation) string {
	return strings.ToLower(strings.TrimPrefix(op.String(), "SETOP_"))
}

// body handles a SELECT in any position: its WITH clause first, then either
// the set-operation branches or the SELECT itself as a block of kind.
func (w *walker) body(sel *pg_query.SelectStmt, path, parent string, kind Kind, name string) {
	if sel == nil {
		return
	}
	if wc := sel.GetWithClause(); wc != nil {
		w.with(wc, path, parent)
	}
	if isSetOp(sel) {
		w.setOp(sel, path, parent)
		return
	}
	w.block(sel, path, parent, kind, name)
}

func (w *walker) with(wc *pg_query.WithClause, path, parent string) {
	for _, n := range wc.GetCtes() {
		cte := n.GetCommonTableExpr()
		if cte == nil {
			continue
		}
		name := strings.ToLower(cte.GetCtename())
		w.ctes[name] = true
		sel := cte.GetCtequery().GetSelectStmt()
		if sel == nil {
			w.warnings = append(w.warnings, fmt.Sprintf("%s: CTE %s is %s, not SELECT; skipped", w.file, name, stmtKind(cte.GetCtequery())))
			continue
		}
		w.body(sel, path+".with."+name, parent, KindCTE, name)
	}
}

func (w *walker) setOp(sel *pg_query.SelectStmt, path, parent string) {
	op := setOpName(sel.GetOp())
	for _, side := range []struct {
		name string
		arg  *pg_query.SelectStmt
	}{{"left", sel.GetLarg()}, {"right", sel.GetRarg()}} {
		if side.arg == nil {
			continue
		}
		p := path + "." + op + "." + side.name
		if wc := side.arg.GetWithClause(); wc != nil {
			w.with(wc, p, parent)
		}
		if isSetOp(side.arg) {
			w.setOp(side.arg, p, parent)
			continue
		}
		w.branch++
		w.block(side.arg, p, parent, KindUnionBranch, strconv.Itoa(w.branch))
	}
}

// block registers sel as a query block, analyzes it, then descends into the
// SELECTs nested in it.
func (w *walker) block(sel *pg_query.SelectStmt, path, parent string, kind Kind, name string) {
	qb := QueryBlock{
		ID:       QBID(w.file, kind, name, path),
		File:     w.file,
		Kind:     kind,
		Path:     path,
		ParentID: parent,
	}
	switch kind {
	case KindCTE:
		qb.CTEName = name
	case KindUnionBranch:
		qb.BranchIndex, _ = strconv.Atoi(name)
	}
	at := len(w.blocks)
	w.blocks = append(w.blocks, qb)

	b := newBlock(w, &qb)
	b.analyze(sel)
	w.blocks[at] = qb
	for _, msg := range qb.Warnings {
		w.warnings = append(w.warnings, qb.ID+": "+msg)
	}

	for _, n := range b.nested {
		w.subq++
		idx := strconv.Itoa(w.subq)
		w.body(n.sel, path+"."+n.ctx+idx, qb.ID, KindSubquery, idx)
	}
}
