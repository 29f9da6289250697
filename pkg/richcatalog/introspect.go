package richcatalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// relationsCTE selects the tables and views in scope. $1 is the schema list;
// an empty list means every non-system schema.
const relationsCTE = `
WITH rel AS (
  SELECT c.oid AS relid, n.nspname, c.relname
  FROM pg_catalog.pg_class c
  JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
  WHERE c.relkind IN ('r', 'p', 'v', 'm')
    AND CASE WHEN coalesce(cardinality($1::text[]), 0) = 0
             THEN n.nspname NOT IN ('information_schema', 'pg_toast') AND n.nspname NOT LIKE 'pg\_%'
             ELSE n.nspname = ANY ($1::text[]) END
)
`

const columnsQuery = relationsCTE + `
SELECT r.nspname, r.relname, r.relid::bigint, att.attnum, att.attname::text,
       pg_catalog.format_type(att.atttypid, att.atttypmod), att.attnotnull,
       pg_catalog.pg_get_expr(def.adbin, def.adrelid)
FROM rel r
JOIN pg_catalog.pg_attribute att ON att.attrelid = r.relid
LEFT JOIN pg_catalog.pg_attrdef def ON def.adrelid = r.relid AND def.adnum = att.attnum
WHERE att.attnum > 0 AND NOT att.attisdropped
ORDER BY r.nspname, r.relname, att.attnum`

const indexesQuery = relationsCTE + `
SELECT r.nspname, r.relname, ic.relname::text, ix.indisunique, ix.indisprimary,
       array(SELECT att.attname::text
               FROM unnest(ix.indkey) WITH ORDINALITY AS k(attnum, pos)
               JOIN pg_catalog.pg_attribute att ON att.attrelid = r.relid AND att.attnum = k.attnum
              ORDER BY k.pos)
FROM rel r
JOIN pg_catalog.pg_index ix ON ix.indrelid = r.relid
JOIN pg_catalog.pg_class ic ON ic.oid = ix.indexrelid
ORDER BY r.nspname, r.relname, ic.relname`

const foreignKeysQuery = relationsCTE + `
SELECT r.nspname, r.relname, con.conname::text,
       array(SELECT att.attname::text
               FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, pos)
               JOIN pg_catalog.pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = k.attnum
              ORDER BY k.pos),
       refns.nspname::text, ref.relname::text,
       array(SELECT att.attname::text
               FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, pos)
               JOIN pg_catalog.pg_attribute att ON att.attrelid = con.confrelid AND att.attnum = k.attnum
              ORDER BY k.pos)
FROM rel r
JOIN pg_catalog.pg_constraint con ON con.conrelid = r.relid AND con.contype = 'f'
JOIN pg_catalog.pg_class ref ON ref.oid = con.confrelid
JOIN pg_catalog.pg_namespace refns ON refns.oid = ref.relnamespace
ORDER BY r.nspname, r.relname, con.conname`

// tableSet accumulates introspected rows per qualified table name.
type tableSet struct {
	byKey map[string]*Table
	order []string
}

func (ts *tableSet) get(schema, name string) *Table {
	key := schema + "." + name
	if t, ok := ts.byKey[key]; ok {
		return t
	}
	t := &Table{Schema: schema, Name: name}
	ts.byKey[key] = t
	ts.order = append(ts.order, key)
	return t
}

func (ts *tableSet) list() []*Table {
	out := make([]*Table, 0, len(ts.order))
	for _, k := range ts.order {
		out = append(out, ts.byKey[k])
	}
	return out
}

// introspect reads columns, indexes and foreign keys in one read-only
// transaction so the three result sets describe the same catalog state.
func (c *DBCatalog) introspect(ctx context.Context) (Snapshot, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "begin introspection")
	}
	defer func() { _ = tx.Rollback() }()

	schemas := pq.StringArray(append([]string{}, c.opt.Schemas...))
	ts := &tableSet{byKey: make(map[string]*Table)}

	steps := []struct {
		what  string
		query string
		scan  func(*sql.Rows) error
	}{
		{"columns", columnsQuery, ts.scanColumn},
		{"indexes", indexesQuery, ts.scanIndex},
		{"foreign keys", foreignKeysQuery, ts.scanForeignKey},
	}
	for _, st := range steps {
		if err := queryEach(ctx, tx, st.query, schemas, st.scan); err != nil {
			return Snapshot{}, errors.Wrapf(err, "introspect %s", st.what)
		}
	}
	return buildSnapshot(ts.list(), time.Now()), nil
}

func queryEach(ctx context.Context, tx *sql.Tx, query string, schemas pq.StringArray, scan func(*sql.Rows) error) error {
	rows, err := tx.QueryContext(ctx, query, schemas)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (ts *tableSet) scanColumn(rows *sql.Rows) error {
	var (
		schema, table, name, typ string
		oid                      int64
		ordinal                  int
		notNull                  bool
		def                      sql.NullString
	)
	if err := rows.Scan(&schema, &table, &oid, &ordinal, &name, &typ, &notNull, &def); err != nil {
		return err
	}
	t := ts.get(schema, table)
	t.OID = oid
	col := Column{Name: name, Ordinal: ordinal, Type: typ, NotNull: notNull}
	if def.Valid {
		col.DefaultSQL = &def.String
	}
	t.Columns = append(t.Columns, col)
	return nil
}

func (ts *tableSet) scanIndex(rows *sql.Rows) error {
	var (
		schema, table string
		ix            Index
	)
	if err := rows.Scan(&schema, &table, &ix.Name, &ix.IsUnique, &ix.IsPrimary, pq.Array(&ix.Columns)); err != nil {
		return err
	}
	t := ts.get(schema, table)
	t.Indexes = append(t.Indexes, ix)
	if ix.IsPrimary {
		t.PK = append([]string(nil), ix.Columns...)
	}
	return nil
}

func (ts *tableSet) scanForeignKey(rows *sql.Rows) error {
	var (
		schema, table string
		fk            = FK{Enforced: true}
	)
	if err := rows.Scan(&schema, &table, &fk.Name, pq.Array(&fk.Columns),
		&fk.RefSchema, &fk.RefTable, pq.Array(&fk.RefColumns)); err != nil {
		return err
	}
	t := ts.get(schema, table)
	t.FKs = append(t.FKs, fk)
	return nil
}
