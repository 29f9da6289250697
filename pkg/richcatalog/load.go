package richcatalog

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// schemaMetaFile is the flat schema_meta.json layout:
//
//	{"tables": {"store_sales": {"columns": {"ss_item_sk": {"nullable": false}}, "primary_key": [...], "role": "fact"}},
//	 "foreign_keys": [{"from_table": ..., "from_column": ..., "to_table": ..., "to_column": ...}]}
//
// columns may also be a plain list of names (all nullable). Composite keys use
// from_columns / to_columns.
type schemaMetaFile struct {
	Tables      orderedTables  `json:"tables"`
	ForeignKeys []schemaMetaFK `json:"foreign_keys"`
}

type schemaMetaTable struct {
	Columns    columnList `json:"columns"`
	PrimaryKey []string   `json:"primary_key"`
	Role       string     `json:"role"`
}

type schemaMetaFK struct {
	FromTable   string   `json:"from_table"`
	FromColumn  string   `json:"from_column"`
	FromColumns []string `json:"from_columns"`
	ToTable     string   `json:"to_table"`
	ToColumn    string   `json:"to_column"`
	ToColumns   []string `json:"to_columns"`
	Enforced    *bool    `json:"enforced"`
	Recommended bool     `json:"recommended"`
}

type namedTable struct {
	name string
	schemaMetaTable
}

// orderedTables keeps the file's table order.
type orderedTables []namedTable

func (o *orderedTables) UnmarshalJSON(b []byte) error {
	return decodeOrdered(b, func(key string, raw json.RawMessage) error {
		var t schemaMetaTable
		if err := json.Unmarshal(raw, &t); err != nil {
			return errors.Wrapf(err, "table %q", key)
		}
		*o = append(*o, namedTable{name: key, schemaMetaTable: t})
		return nil
	})
}

// columnList accepts either {"col": {"nullable": bool, "type": str}} or ["col", ...].
type columnList []Column

func (c *columnList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var names []string
		if err := json.Unmarshal(b, &names); err != nil {
			return err
		}
		for i, n := range names {
			*c = append(*c, Column{Name: n, Ordinal: i + 1})
		}
		return nil
	}
	return decodeOrdered(b, func(key string, raw json.RawMessage) error {
		info := struct {
			Nullable *bool  `json:"nullable"`
			Type     string `json:"type"`
		}{}
		// Non-object values mean "nullable, untyped".
		_ = json.Unmarshal(raw, &info)
		*c = append(*c, Column{
			Name:    key,
			Ordinal: len(*c) + 1,
			Type:    info.Type,
			NotNull: info.Nullable != nil && !*info.Nullable,
		})
		return nil
	})
}

// decodeOrdered walks a JSON object calling fn for each member in file order.
func decodeOrdered(b []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// ParseSchemaMeta reads the schema_meta.json layout into a Snapshot with a
// single "public" schema.
func ParseSchemaMeta(r io.Reader) (Snapshot, error) {
	var f schemaMetaFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode schema meta")
	}

	byName := make(map[string]*Table, len(f.Tables))
	list := make([]*Table, 0, len(f.Tables))
	for _, nt := range f.Tables {
		t := &Table{
			Schema:  "public",
			Name:    strings.ToLower(nt.name),
			Columns: []Column(nt.Columns),
			PK:      nt.PrimaryKey,
			Role:    strings.ToLower(nt.Role),
		}
		for i := range t.Columns {
			t.Columns[i].Name = strings.ToLower(t.Columns[i].Name)
		}
		byName[t.Name] = t
		list = append(list, t)
	}

	for i, raw := range f.ForeignKeys {
		from := raw.FromColumns
		if len(from) == 0 && raw.FromColumn != "" {
			from = []string{raw.FromColumn}
		}
		to := raw.ToColumns
		if len(to) == 0 && raw.ToColumn != "" {
			to = []string{raw.ToColumn}
		}
		if len(from) == 0 || len(from) != len(to) {
			return Snapshot{}, errors.Errorf("foreign_keys[%d]: %d child columns vs %d parent columns", i, len(from), len(to))
		}
		child, ok := byName[bare(raw.FromTable)]
		if !ok {
			return Snapshot{}, errors.Wrapf(ErrUnknownTable, "foreign_keys[%d]: from_table %q", i, raw.FromTable)
		}
		if _, ok := byName[bare(raw.ToTable)]; !ok {
			return Snapshot{}, errors.Wrapf(ErrUnknownTable, "foreign_keys[%d]: to_table %q", i, raw.ToTable)
		}
		enforced := true
		if raw.Enforced != nil {
			enforced = *raw.Enforced
		}
		child.FKs = append(child.FKs, FK{
			Columns:     lowerAll(from),
			RefSchema:   "public",
			RefTable:    bare(raw.ToTable),
			RefColumns:  lowerAll(to),
			Enforced:    enforced,
			Recommended: raw.Recommended,
		})
	}
	return buildSnapshot(list, time.Time{}), nil
}

// LoadMetaJSON reads schema_meta.json and indexes it.
func LoadMetaJSON(r io.Reader) (*Meta, error) {
	snap, err := ParseSchemaMeta(r)
	if err != nil {
		return nil, err
	}
	return NewMeta(snap), nil
}

// LoadFile reads either schema_meta.json or an exported Snapshot, telling them
// apart by their top-level keys.
func LoadFile(path string) (*Meta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read schema file")
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if _, ok := top["schemas"]; ok {
		var snap Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, errors.Wrapf(err, "decode snapshot %s", path)
		}
		if snap.Checksum == "" {
			snap.Checksum = Checksum(snap.Schemas)
		}
		return NewMeta(snap), nil
	}
	m, err := LoadMetaJSON(bytes.NewReader(b))
	return m, errors.Wrapf(err, "load %s", path)
}
