package richcatalog_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

func TestTPCDSMeta(t *testing.T) {
	m := tpcds.MustMeta()

	require.True(t, m.HasTable("store_sales"))
	require.True(t, m.HasTable("public.STORE_SALES"))
	require.False(t, m.HasTable("no_such_table"))

	assert.True(t, m.IsNotNull("store_sales", "ss_sold_date_sk"))
	assert.True(t, m.IsNotNull("store_sales", "SS_ITEM_SK"))
	assert.False(t, m.IsNotNull("store_sales", "ss_customer_sk"))
	assert.False(t, m.IsNotNull("nope", "ss_item_sk"))

	pk, ok := m.PrimaryKeys("store_sales")
	require.True(t, ok)
	assert.Equal(t, []string{"ss_item_sk", "ss_ticket_number"}, pk)

	cols, ok := m.Columns("time_dim")
	require.True(t, ok)
	assert.Equal(t, []string{"t_time_sk", "t_hour", "t_minute"}, cols, "file order is kept")

	assert.Equal(t, richcatalog.RoleFact, m.Role("store_sales"))
	assert.Equal(t, richcatalog.RoleDimension, m.Role("item"))
	assert.Equal(t, "", m.Role("nope"))
}

func TestForeignKeys(t *testing.T) {
	m := tpcds.MustMeta()

	from := m.FKsFrom("inventory")
	require.Len(t, from, 3)
	for _, fk := range from {
		assert.Equal(t, "inventory", fk.FromTable)
		assert.True(t, fk.IsSimple())
	}

	touching := m.ForeignKeys("warehouse")
	var children []string
	for _, fk := range touching {
		children = append(children, fk.FromTable)
	}
	assert.ElementsMatch(t, []string{"catalog_sales", "inventory"}, children)

	var composite []richcatalog.ForeignKey
	for _, fk := range m.FKsFrom("store_returns") {
		if !fk.IsSimple() {
			composite = append(composite, fk)
		}
	}
	require.Len(t, composite, 1)
	assert.Equal(t, "store_sales", composite[0].ToTable)
	assert.False(t, composite[0].Enforced)
	assert.True(t, composite[0].Recommended)
}

func TestResolveColumn(t *testing.T) {
	m := tpcds.MustMeta()

	tests := []struct {
		name       string
		col        string
		candidates []string
		want       string
	}{
		{"unique globally", "ss_ticket_number", nil, "store_sales"},
		{"unique among candidates", "d_year", []string{"store_sales", "date_dim"}, "date_dim"},
		{"not among candidates", "d_year", []string{"store_sales", "item"}, ""},
		{"unknown column", "zz_top", nil, ""},
		{"case insensitive", "I_BRAND", []string{"ITEM"}, "item"},
		{"duplicate candidates collapse", "i_brand", []string{"item", "public.item"}, "item"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ResolveColumn(tt.col, tt.candidates))
		})
	}
}

func TestResolveColumnAmbiguous(t *testing.T) {
	m, err := richcatalog.LoadMetaJSON(strings.NewReader(`{
		"tables": {
			"a": {"columns": ["id", "x"]},
			"b": {"columns": ["id", "y"]}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "", m.ResolveColumn("id", nil))
	assert.Equal(t, "", m.ResolveColumn("id", []string{"a", "b"}))
	assert.Equal(t, "b", m.ResolveColumn("id", []string{"b"}))
	assert.False(t, m.IsNotNull("a", "id"), "list-form columns are nullable")
}

func TestLoadMetaJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		is   error
	}{
		{
			name: "unknown child table",
			in:   `{"tables": {"a": {"columns": ["id"]}}, "foreign_keys": [{"from_table": "b", "from_column": "id", "to_table": "a", "to_column": "id"}]}`,
			is:   richcatalog.ErrUnknownTable,
		},
		{
			name: "unknown parent table",
			in:   `{"tables": {"a": {"columns": ["id"]}}, "foreign_keys": [{"from_table": "a", "from_column": "id", "to_table": "z", "to_column": "id"}]}`,
			is:   richcatalog.ErrUnknownTable,
		},
		{
			name: "column count mismatch",
			in:   `{"tables": {"a": {"columns": ["id"]}}, "foreign_keys": [{"from_table": "a", "from_columns": ["id", "x"], "to_table": "a", "to_columns": ["id"]}]}`,
		},
		{name: "not json", in: `{"tables": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := richcatalog.LoadMetaJSON(strings.NewReader(tt.in))
			require.Error(t, err)
			if tt.is != nil {
				require.True(t, errors.Is(err, tt.is), "got %v", err)
			}
		})
	}
}

func TestLoadFileSniffsFormat(t *testing.T) {
	m := tpcds.MustMeta()
	dir := t.TempDir()

	var buf bytes.Buffer
	require.NoError(t, m.Snapshot().ExportJSON(&buf))
	snapPath := filepath.Join(dir, "snapshot.json")
	require.NoError(t, os.WriteFile(snapPath, buf.Bytes(), 0o644))

	fromSnap, err := richcatalog.LoadFile(snapPath)
	require.NoError(t, err)
	assert.Equal(t, m.Tables(), fromSnap.Tables())
	assert.Equal(t, m.Checksum(), fromSnap.Checksum())
	assert.Equal(t, m.AllForeignKeys(), fromSnap.AllForeignKeys())
	assert.True(t, fromSnap.IsNotNull("store_sales", "ss_sold_date_sk"))

	_, err = richcatalog.LoadFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestChecksumStable(t *testing.T) {
	a, err := tpcds.Meta()
	require.NoError(t, err)
	b, err := richcatalog.LoadMetaJSON(bytes.NewReader(mustRead(t, "../../internal/tpcds/schema_meta.json")))
	require.NoError(t, err)
	require.NotEmpty(t, a.Checksum())
	require.Equal(t, a.Checksum(), b.Checksum())
}

func TestSummary(t *testing.T) {
	s := tpcds.MustMeta().Summary()
	assert.Equal(t, []string{"public"}, s.Schemas)
	assert.Contains(t, s.Tables, "date_dim")
	assert.ElementsMatch(t, []string{"catalog_sales", "inventory", "store_returns", "store_sales", "web_sales"}, s.Facts)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}
