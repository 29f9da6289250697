package mvemit

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/pkg/errors"

	"github.com/Lianghan-Zhang/ecse-test/pkg/joinplan"
	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/qbextract"
)

var plainIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func ident(s string) string {
	if plainIdent.MatchString(s) {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualified(instanceID, col string) string { return ident(instanceID) + "." + ident(col) }

func fromItem(ti joinset.TableInstance) string {
	if ti.InstanceID == ti.BaseTable {
		return ident(ti.BaseTable)
	}
	return ident(ti.BaseTable) + " " + ident(ti.InstanceID)
}

// onClause renders a step's edges with the joined instance on the left.
func onClause(s joinplan.Step) string {
	parts := make([]string, 0, len(s.On))
	for _, e := range s.On {
		l, lc, r, rc, op := e.LeftInstanceID, e.LeftCol, e.RightInstanceID, e.RightCol, e.Op
		if r == s.Instance.InstanceID && l != r {
			l, lc, r, rc, op = r, rc, l, lc, joinset.FlipOp(op)
		}
		parts = append(parts, qualified(l, lc)+" "+op+" "+qualified(r, rc))
	}
	return strings.Join(parts, " AND ")
}

func renderAggregate(a qbextract.Aggregate) string {
	arg := "*"
	if a.Column != nil {
		arg = qualified(a.Column.InstanceID, a.Column.Column)
		if a.Distinct {
			arg = "DISTINCT " + arg
		}
	}
	return strings.ToUpper(a.Func) + "(" + arg + ") AS " + ident(aggregateAlias(a))
}

func renderColumn(r joinset.ColumnRef, names map[string]string) string {
	col := qualified(r.InstanceID, r.Column)
	if n := names[refKey(r)]; n != "" && n != r.Column {
		return col + " AS " + ident(n)
	}
	return col
}

// render builds the view body. With GROUP BY columns or aggregates the view
// projects those; otherwise it projects every collected column, or * when
// none were collected.
func render(plan joinplan.Plan, c Candidate, names map[string]string) string {
	var items []string
	for _, r := range c.GroupBy {
		items = append(items, renderColumn(r, names))
	}
	for _, a := range c.Aggregates {
		items = append(items, renderAggregate(a))
	}
	if len(c.GroupBy) == 0 && len(c.Aggregates) == 0 {
		for _, r := range c.Columns {
			items = append(items, renderColumn(r, names))
		}
	}
	if len(items) == 0 {
		items = []string{"*"}
	}

	var b strings.Builder
	b.WriteString("SELECT\n    ")
	b.WriteString(strings.Join(items, ",\n    "))
	for i, s := range plan.Steps {
		if i == 0 {
			b.WriteString("\nFROM ")
			b.WriteString(fromItem(s.Instance))
			continue
		}
		b.WriteString("\n")
		b.WriteString(s.JoinType.String())
		b.WriteString(" JOIN ")
		b.WriteString(fromItem(s.Instance))
		b.WriteString("\n    ON ")
		b.WriteString(onClause(s))
	}
	if len(c.GroupBy) > 0 {
		keys := make([]string, len(c.GroupBy))
		for i, r := range c.GroupBy {
			keys[i] = qualified(r.InstanceID, r.Column)
		}
		b.WriteString("\nGROUP BY ")
		b.WriteString(strings.Join(keys, ", "))
	}
	return b.String()
}

// validate parses the rendered SQL, stores its deparsed form and fingerprint,
// and fails when the text is not a single SELECT.
func (c *Candidate) validate() error {
	tree, err := pg_query.Parse(c.SQL)
	if err != nil {
		return errors.Wrap(err, "generated SQL does not parse")
	}
	if stmts := tree.GetStmts(); len(stmts) != 1 || stmts[0].GetStmt().GetSelectStmt() == nil {
		return errors.New("generated SQL is not a single SELECT")
	}
	norm, err := pg_query.Deparse(tree)
	if err != nil {
		return errors.Wrap(err, "deparse generated SQL")
	}
	fp, err := pg_query.Fingerprint(c.SQL)
	if err != nil {
		return errors.Wrap(err, "fingerprint generated SQL")
	}
	c.Normalized = norm
	c.Fingerprint = fp
	return nil
}
