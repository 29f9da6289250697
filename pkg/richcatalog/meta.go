package richcatalog

import (
	"sort"
	"strings"
)

// ForeignKey is a flattened child -> parent relationship with unqualified,
// lower-case table and column names.
type ForeignKey struct {
	Name        string   `json:"name,omitempty"`
	FromTable   string   `json:"from_table"`
	FromColumns []string `json:"from_columns"`
	ToTable     string   `json:"to_table"`
	ToColumns   []string `json:"to_columns"`
	Enforced    bool     `json:"enforced"`
	Recommended bool     `json:"recommended,omitempty"`
}

// IsSimple reports whether the key has exactly one column on each side.
func (fk ForeignKey) IsSimple() bool {
	return len(fk.FromColumns) == 1 && len(fk.ToColumns) == 1
}

func (fk ForeignKey) String() string {
	return fk.FromTable + "(" + strings.Join(fk.FromColumns, ",") + ") -> " +
		fk.ToTable + "(" + strings.Join(fk.ToColumns, ",") + ")"
}

type tableMeta struct {
	table   Table
	cols    []string
	colSet  map[string]struct{}
	notNull map[string]struct{}
	pk      []string
	role    string
}

// Meta is an immutable index over a Snapshot. All lookups accept qualified
// ("public.t") or bare names in any case; tables are keyed by bare name and
// the first schema in sorted order wins on collisions. Safe for concurrent use.
type Meta struct {
	snap     Snapshot
	tables   map[string]*tableMeta
	names    []string
	fks      []ForeignKey
	fkFrom   map[string][]ForeignKey
	fkTouch  map[string][]ForeignKey
	colOwner map[string][]string
}

// NewMeta indexes snap. The snapshot is not copied; callers must not modify it.
func NewMeta(snap Snapshot) *Meta {
	m := &Meta{
		snap:     snap,
		tables:   make(map[string]*tableMeta),
		fkFrom:   make(map[string][]ForeignKey),
		fkTouch:  make(map[string][]ForeignKey),
		colOwner: make(map[string][]string),
	}
	for _, sc := range snap.Schemas {
		for _, t := range sc.Tables {
			name := bare(t.Name)
			if _, dup := m.tables[name]; dup {
				continue
			}
			tm := &tableMeta{
				table:   t,
				colSet:  make(map[string]struct{}, len(t.Columns)),
				notNull: make(map[string]struct{}),
				role:    strings.ToLower(t.Role),
			}
			for _, c := range t.Columns {
				cn := strings.ToLower(c.Name)
				tm.cols = append(tm.cols, cn)
				tm.colSet[cn] = struct{}{}
				if c.NotNull {
					tm.notNull[cn] = struct{}{}
				}
				m.colOwner[cn] = append(m.colOwner[cn], name)
			}
			for _, p := range t.PK {
				tm.pk = append(tm.pk, strings.ToLower(p))
			}
			m.tables[name] = tm
			m.names = append(m.names, name)
		}
	}
	sort.Strings(m.names)
	for _, name := range m.names {
		for _, fk := range m.tables[name].table.FKs {
			f := ForeignKey{
				Name:        fk.Name,
				FromTable:   name,
				FromColumns: lowerAll(fk.Columns),
				ToTable:     bare(fk.RefTable),
				ToColumns:   lowerAll(fk.RefColumns),
				Enforced:    fk.Enforced,
				Recommended: fk.Recommended,
			}
			m.fks = append(m.fks, f)
			m.fkFrom[f.FromTable] = append(m.fkFrom[f.FromTable], f)
			m.fkTouch[f.FromTable] = append(m.fkTouch[f.FromTable], f)
			if f.ToTable != f.FromTable {
				m.fkTouch[f.ToTable] = append(m.fkTouch[f.ToTable], f)
			}
		}
	}
	for col, owners := range m.colOwner {
		sort.Strings(owners)
		m.colOwner[col] = owners
	}
	return m
}

func (m *Meta) lookup(table string) (*tableMeta, bool) {
	if m == nil {
		return nil, false
	}
	t, ok := m.tables[bare(table)]
	return t, ok
}

// Snapshot returns the snapshot the index was built from.
func (m *Meta) Snapshot() Snapshot { return m.snap }

func (m *Meta) Checksum() string { return m.snap.Checksum }

// Tables returns the sorted bare table names.
func (m *Meta) Tables() []string { return append([]string(nil), m.names...) }

func (m *Meta) HasTable(table string) bool {
	_, ok := m.lookup(table)
	return ok
}

// Table returns the rich table model.
func (m *Meta) Table(table string) (Table, bool) {
	t, ok := m.lookup(table)
	if !ok {
		return Table{}, false
	}
	return t.table, true
}

// Columns returns the table's columns in ordinal order.
func (m *Meta) Columns(table string) ([]string, bool) {
	t, ok := m.lookup(table)
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.cols...), true
}

func (m *Meta) PrimaryKeys(table string) ([]string, bool) {
	t, ok := m.lookup(table)
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.pk...), true
}

func (m *Meta) HasColumn(table, col string) bool {
	t, ok := m.lookup(table)
	if !ok {
		return false
	}
	_, ok = t.colSet[strings.ToLower(col)]
	return ok
}

// IsNotNull reports whether col is declared NOT NULL. Unknown tables and
// columns are nullable.
func (m *Meta) IsNotNull(table, col string) bool {
	t, ok := m.lookup(table)
	if !ok {
		return false
	}
	_, ok = t.notNull[strings.ToLower(col)]
	return ok
}

// Role returns "fact", "dimension", or "".
func (m *Meta) Role(table string) string {
	t, ok := m.lookup(table)
	if !ok {
		return ""
	}
	return t.role
}

// ForeignKeys returns every key in which table is the child or the parent.
func (m *Meta) ForeignKeys(table string) []ForeignKey {
	if m == nil {
		return nil
	}
	return append([]ForeignKey(nil), m.fkTouch[bare(table)]...)
}

// FKsFrom returns the keys declared on table.
func (m *Meta) FKsFrom(table string) []ForeignKey {
	if m == nil {
		return nil
	}
	return append([]ForeignKey(nil), m.fkFrom[bare(table)]...)
}

// AllForeignKeys returns every key, ordered by child table.
func (m *Meta) AllForeignKeys() []ForeignKey { return append([]ForeignKey(nil), m.fks...) }

// ResolveColumn returns the only table among candidates that has col, or ""
// when none or several do. A nil candidates slice searches every table.
func (m *Meta) ResolveColumn(col string, candidates []string) string {
	if m == nil {
		return ""
	}
	owners := m.colOwner[strings.ToLower(col)]
	if candidates == nil {
		if len(owners) == 1 {
			return owners[0]
		}
		return ""
	}
	found := ""
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		c = bare(c)
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		i := sort.SearchStrings(owners, c)
		if i < len(owners) && owners[i] == c {
			if found != "" {
				return ""
			}
			found = c
		}
	}
	return found
}

// Summary is the payload served by the catalog endpoint.
func (m *Meta) Summary() Summary {
	s := Summary{Checksum: m.snap.Checksum, Tables: m.Tables()}
	for _, sc := range m.snap.Schemas {
		s.Schemas = append(s.Schemas, sc.Name)
	}
	for _, n := range m.names {
		if m.tables[n].role == RoleFact {
			s.Facts = append(s.Facts, n)
		}
	}
	return s
}

func bare(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
