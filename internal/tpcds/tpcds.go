// Package tpcds bundles a TPC-DS subset schema: the schema_meta.json used as
// the built-in catalog and the goose migration creating the same tables.
package tpcds

import (
	"bytes"
	"embed"
	"io/fs"
	"sync"

	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// Name selects the built-in schema where a schema file path is expected.
const Name = "builtin:tpcds"

//go:embed schema_meta.json
var schemaMeta []byte

//go:embed migrations/*.sql
var migrations embed.FS

var (
	once sync.Once
	meta *richcatalog.Meta
	err  error
)

// Meta returns the shared, immutable index over the bundled schema.
func Meta() (*richcatalog.Meta, error) {
	once.Do(func() {
		meta, err = richcatalog.LoadMetaJSON(bytes.NewReader(schemaMeta))
	})
	return meta, err
}

// MustMeta is Meta for tests and static wiring.
func MustMeta() *richcatalog.Meta {
	m, err := Meta()
	if err != nil {
		panic(err)
	}
	return m
}

// Migrations returns the goose migrations directory.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrations, "migrations")
	return sub
}

// Load resolves a schema source: Name selects the bundled schema, anything
// else is read with richcatalog.LoadFile.
func Load(path string) (*richcatalog.Meta, error) {
	if path == Name || path == "" {
		return Meta()
	}
	return richcatalog.LoadFile(path)
}
