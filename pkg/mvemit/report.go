package mvemit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/Lianghan-Zhang/ecse-test/pkg/invariance"
	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/qbextract"
)

// Report file names.
const (
	SQLFile       = "mv_candidates.sql"
	QBJoinsFile   = "qb_joins.json"
	ColumnMapFile = "mv_column_map.json"
	// SplitDir holds one <name>.sql per non-degraded candidate.
	SplitDir = "split_mv"
)

const rule = "-- ============================================================"

// WriteSQL writes one commented CREATE VIEW per candidate. Degraded
// candidates are written as comments only.
func WriteSQL(w io.Writer, cands []Candidate) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "-- ECSE candidate materialized views")
	fmt.Fprintf(bw, "-- Total MVs: %d\n\n", len(cands))
	for _, c := range cands {
		writeBlock(bw, c)
		fmt.Fprintln(bw)
	}
	return errors.Wrap(bw.Flush(), "write "+SQLFile)
}

// WriteView writes the block WriteSQL emits for c on its own, as stored in
// SplitDir/<name>.sql.
func WriteView(w io.Writer, c Candidate) error {
	bw := bufio.NewWriter(w)
	writeBlock(bw, c)
	return errors.Wrapf(bw.Flush(), "write %s.sql", c.Name)
}

func writeBlock(bw *bufio.Writer, c Candidate) {
	fmt.Fprintln(bw, rule)
	fmt.Fprintf(bw, "-- MV: %s\n", c.Name)
	fmt.Fprintf(bw, "-- Fact Table: %s\n", orUnknown(c.FactTable))
	fmt.Fprintf(bw, "-- Tables: %s\n", strings.Join(c.Tables, ", "))
	fmt.Fprintf(bw, "-- Edges: %s\n", summarize(edgeStrings(c.Edges), 3))
	fmt.Fprintf(bw, "-- QBs: %s\n", summarize(c.QBIDs, 5))
	if len(c.Columns) > 0 {
		fmt.Fprintf(bw, "-- Columns: %d columns\n", len(c.Columns))
	} else {
		fmt.Fprintln(bw, "-- Columns: all (*)")
	}
	if c.Fingerprint != "" {
		fmt.Fprintf(bw, "-- Fingerprint: %s\n", c.Fingerprint)
	}
	for _, r := range c.Reasons {
		fmt.Fprintf(bw, "-- WARNING: %s\n", r)
	}
	fmt.Fprintln(bw, rule)
	if c.Status == StatusDegraded {
		fmt.Fprintf(bw, "%s\n", c.SQL)
		return
	}
	fmt.Fprintf(bw, "CREATE VIEW %s AS\n%s;\n", ident(c.Name), c.SQL)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func edgeStrings(edges []joinset.Edge) []string {
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.TableString()
	}
	return out
}

func summarize(items []string, limit int) string {
	if len(items) == 0 {
		return "none"
	}
	if len(items) <= limit {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s, ... (%d total)", strings.Join(items[:limit], ", "), len(items))
}

// QBJoinsReport is the content of qb_joins.json.
type QBJoinsReport struct {
	Meta        map[string]any
	QueryBlocks []qbextract.QueryBlock
	Candidates  []Candidate
	// Schema, when set, adds an invariance verdict per join edge.
	Schema invariance.Schema
}

type candidateSummary struct {
	Name        string   `json:"name"`
	FactTable   string   `json:"fact_table"`
	Tables      []string `json:"tables"`
	QBCount     int      `json:"qb_count"`
	EdgeCount   int      `json:"edge_count"`
	ColumnCount int      `json:"column_count"`
	Status      Status   `json:"status"`
}

type edgeVerdict struct {
	Edge string `json:"edge"`
	invariance.Result
}

type qbEntry struct {
	qbextract.QueryBlock
	Invariance   []edgeVerdict `json:"edge_invariance,omitempty"`
	MVSQLFile    string        `json:"mv_sql_file"`
	MVCandidates []string      `json:"mv_candidates"`
}

type qbJoinsFile struct {
	Meta         map[string]any     `json:"meta"`
	QBCount      int                `json:"qb_count"`
	MVCount      int                `json:"mv_count"`
	MVCandidates []candidateSummary `json:"mv_candidates"`
	QBs          []qbEntry          `json:"qbs"`
}

// WriteQBJoins writes every query block with the candidates that cover it.
func WriteQBJoins(w io.Writer, r QBJoinsReport) error {
	byQB := make(map[string][]string)
	out := qbJoinsFile{
		Meta:         r.Meta,
		QBCount:      len(r.QueryBlocks),
		MVCount:      len(r.Candidates),
		MVCandidates: make([]candidateSummary, 0, len(r.Candidates)),
		QBs:          make([]qbEntry, 0, len(r.QueryBlocks)),
	}
	if out.Meta == nil {
		out.Meta = map[string]any{}
	}
	for _, c := range r.Candidates {
		for _, id := range c.QBIDs {
			byQB[id] = append(byQB[id], c.Name)
		}
		out.MVCandidates = append(out.MVCandidates, candidateSummary{
			Name:        c.Name,
			FactTable:   c.FactTable,
			Tables:      c.Tables,
			QBCount:     len(c.QBIDs),
			EdgeCount:   len(c.Edges),
			ColumnCount: len(c.Columns),
			Status:      c.Status,
		})
	}
	for _, qb := range r.QueryBlocks {
		e := qbEntry{QueryBlock: qb, MVSQLFile: SQLFile, MVCandidates: byQB[qb.ID]}
		if e.MVCandidates == nil {
			e.MVCandidates = []string{}
		}
		if r.Schema != nil {
			for _, je := range qb.GraphEdges() {
				e.Invariance = append(e.Invariance, edgeVerdict{Edge: je.String(), Result: invariance.Explain(je, r.Schema)})
			}
		}
		out.QBs = append(out.QBs, e)
	}
	return encode(w, out, QBJoinsFile)
}

type columnMapEntry struct {
	FactTable  string            `json:"fact_table"`
	Tables     []string          `json:"tables"`
	GroupBy    map[string]string `json:"group_by_columns"`
	Aggregates map[string]string `json:"aggregates"`
}

// WriteColumnMap writes, per healthy candidate, the original expression to
// output column mapping used when rewriting queries against the views.
func WriteColumnMap(w io.Writer, cands []Candidate) error {
	maps := make(map[string]columnMapEntry)
	for _, c := range cands {
		if c.Status != StatusOK {
			continue
		}
		e := columnMapEntry{FactTable: c.FactTable, Tables: c.Tables, GroupBy: map[string]string{}, Aggregates: map[string]string{}}
		for _, m := range c.ColumnMap {
			switch m.Kind {
			case KindGroupBy:
				e.GroupBy[m.Original] = m.Alias
			case KindAggregate:
				e.Aggregates[m.Original] = m.Alias
			}
		}
		maps[c.Name] = e
	}
	return encode(w, struct {
		MVCount int                       `json:"mv_count"`
		Maps    map[string]columnMapEntry `json:"mv_column_maps"`
	}{len(maps), maps}, ColumnMapFile)
}

func encode(w io.Writer, v any, name string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "write "+name)
}
