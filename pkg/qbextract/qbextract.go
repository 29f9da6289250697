// Package qbextract splits workload SQL into query blocks (one per SELECT
// scope) and extracts, for each block, its table sources, join edges, filter
// predicates, referenced columns, and grouping shape.
//
// Parsing is done with pg_query; the walk over the typed parse tree follows
// the same scope rules Postgres applies: CTE bodies, set-operation branches,
// FROM subselects, and sublinks each open a new block.
package qbextract

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/pkg/errors"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// Kind says where a query block came from.
type Kind string

const (
	KindMain        Kind = "main"
	KindCTE         Kind = "cte"
	KindUnionBranch Kind = "union_branch"
	KindSubquery    Kind = "subquery"
)

// SourceKind classifies a FROM item.
type SourceKind string

const (
	SourceBase    SourceKind = "base"
	SourceCTE     SourceKind = "cte_ref"
	SourceDerived SourceKind = "derived"
	// SourceUnknown is a relation that is neither a CTE nor in the schema.
	SourceUnknown SourceKind = "unknown"
)

// Source is one FROM item of a block. Alias doubles as the instance id.
type Source struct {
	Name  string     `json:"name"`
	Alias string     `json:"alias"`
	Kind  SourceKind `json:"kind"`
}

func (s Source) instance() joinset.TableInstance { return joinset.NewInstance(s.Alias, s.Name) }

// JoinEdge is an extracted join predicate and the clause that produced it.
type JoinEdge struct {
	Edge   joinset.Edge       `json:"edge"`
	Origin joinset.EdgeOrigin `json:"origin"`
}

// FilterOrigin says which clause a filter predicate came from.
type FilterOrigin string

const (
	FilterOn       FilterOrigin = "ON_FILTER"
	FilterWhere    FilterOrigin = "WHERE_FILTER"
	FilterPostJoin FilterOrigin = "POST_JOIN_FILTER"
)

// Filter is a predicate that did not become a join edge.
type Filter struct {
	Expression string       `json:"expression"`
	Origin     FilterOrigin `json:"origin"`
}

// Aggregate is SUM/COUNT/AVG/MIN/MAX over a plain column, or COUNT(*) when
// Column is nil.
type Aggregate struct {
	Func     string             `json:"func"`
	Column   *joinset.ColumnRef `json:"column,omitempty"`
	Distinct bool               `json:"distinct,omitempty"`
	Alias    string             `json:"alias,omitempty"`
}

// Eligibility reports whether a block's join graph can enter the algebra.
type Eligibility struct {
	Eligible       bool     `json:"ecse_eligible"`
	Reason         string   `json:"ecse_reason"`
	Disconnected   bool     `json:"disconnected,omitempty"`
	NonBaseSources []string `json:"non_base_sources,omitempty"`
}

// QueryBlock is a single SELECT scope and everything extracted from it.
type QueryBlock struct {
	ID          string `json:"qb_id"`
	File        string `json:"source_sql_file"`
	Kind        Kind   `json:"qb_kind"`
	Path        string `json:"context_path"`
	ParentID    string `json:"parent_qb_id,omitempty"`
	CTEName     string `json:"cte_name,omitempty"`
	BranchIndex int    `json:"union_branch_index,omitempty"`

	Sources           []Source            `json:"sources"`
	Edges             []JoinEdge          `json:"join_edges"`
	Filters           []Filter            `json:"filter_predicates"`
	Columns           []joinset.ColumnRef `json:"columns"`
	GroupBy           []joinset.ColumnRef `json:"group_by,omitempty"`
	Aggregates        []Aggregate         `json:"aggregates,omitempty"`
	GroupingSignature string              `json:"grouping_signature,omitempty"`
	HasRollup         bool                `json:"has_rollup,omitempty"`
	Eligibility       Eligibility         `json:"eligibility"`
	Warnings          []string            `json:"warnings,omitempty"`
}

// Instances returns the block's join-graph vertices, its base sources.
func (qb QueryBlock) Instances() []joinset.TableInstance {
	var out []joinset.TableInstance
	for _, s := range qb.Sources {
		if s.Kind == SourceBase {
			out = append(out, s.instance())
		}
	}
	return out
}

// GraphEdges returns the edges whose endpoints are both vertices.
func (qb QueryBlock) GraphEdges() []joinset.Edge {
	vs := make(map[string]bool)
	for _, ti := range qb.Instances() {
		vs[ti.InstanceID] = true
	}
	var out []joinset.Edge
	for _, je := range qb.Edges {
		if vs[je.Edge.LeftInstanceID] && vs[je.Edge.RightInstanceID] {
			out = append(out, je.Edge)
		}
	}
	return out
}

// JoinSet builds the block's input JoinSet. An empty fact leaves detection
// to the collection.
func (qb QueryBlock) JoinSet(fact string) joinset.JoinSet {
	js := joinset.New(qb.GraphEdges(), qb.Instances(), qb.ID).
		WithLineage("original(" + qb.ID + ")").
		WithGrouping(qb.GroupingSignature, qb.HasRollup)
	if fact != "" {
		js = js.WithFact(fact)
	}
	return js
}

// QBID formats a query block id.
func QBID(file string, kind Kind, name, path string) string {
	return fmt.Sprintf("%s::qb::%s:%s::%s", file, kind, name, path)
}

// Extract parses sql and returns its query blocks in discovery order, plus
// warnings prefixed with the owning file or block. Non-SELECT statements are
// skipped with a warning. m may be nil, in which case every RangeVar that is
// not a CTE is a base source and unqualified columns only resolve in
// single-source blocks.
func Extract(file, sql string, m *richcatalog.Meta) ([]QueryBlock, []string, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parse %s", file)
	}
	w := &walker{
		file:    file,
		meta:    m,
		version: tree.GetVersion(),
		ctes:    make(map[string]bool),
	}
	if len(tree.GetStmts()) == 0 {
		w.warnings = append(w.warnings, file+": no statements")
	}
	for i, raw := range tree.GetStmts() {
		sel := raw.GetStmt().GetSelectStmt()
		if sel == nil {
			w.warnings = append(w.warnings, fmt.Sprintf("%s: statement %d is %s, not SELECT; skipped", file, i+1, stmtKind(raw.GetStmt())))
			continue
		}
		path := "root"
		if i > 0 {
			path = fmt.Sprintf("root.stmt%d", i)
		}
		w.body(sel, path, "", KindMain, fmt.Sprint(i))
	}
	return w.blocks, w.warnings, nil
}

func stmtKind(n *pg_query.Node) string {
	if n == nil || n.GetNode() == nil {
		return "empty"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", n.GetNode()), "*pg_query.Node_")
}
