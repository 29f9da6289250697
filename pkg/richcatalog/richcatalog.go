// Package richcatalog loads relational schema metadata (columns, NOT NULL
// flags, primary keys, foreign keys, table roles) either from a JSON file or by
// introspecting a live PostgreSQL database, and exposes it as an immutable,
// indexed Meta shared by the rest of the generator.
//
// Usage
//
//	rc, _ := richcatalog.Open(dsn, richcatalog.Options{Schemas: []string{"public"}})
//	if err := rc.Refresh(ctx); err != nil { ... }
//	meta := rc.Meta()
//	meta.IsNotNull("store_sales", "ss_sold_date_sk")
//
//	meta, _ := richcatalog.LoadFile("schema_meta.json")
package richcatalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

// ErrUnknownTable is returned when metadata references a table it does not define.
var ErrUnknownTable = errors.New("unknown table")

// Table roles.
const (
	RoleFact      = "fact"
	RoleDimension = "dimension"
)

// Options scope introspection.
type Options struct {
	// Schemas to include. If empty, all non-system schemas are included.
	Schemas []string
}

// AutoRefresh configures StartAutoRefresh.
type AutoRefresh struct {
	Interval time.Duration // polling period, 0 disables polling
	// OnChange is called with the new Meta after a refresh changed the checksum.
	OnChange func(*Meta)
	// OnError receives refresh failures; nil drops them.
	OnError func(error)
}

type Snapshot struct {
	Schemas     []Schema  `json:"schemas"`
	Checksum    string    `json:"checksum"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type Schema struct {
	Name   string  `json:"name"`
	Tables []Table `json:"tables"`
}

type Table struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	OID     int64    `json:"oid,omitempty"`
	Columns []Column `json:"columns"`
	PK      []string `json:"primaryKey,omitempty"`
	Indexes []Index  `json:"indexes,omitempty"`
	FKs     []FK     `json:"foreignKeys,omitempty"`
	Role    string   `json:"role,omitempty"`
}

type Column struct {
	Name       string  `json:"name"`
	Ordinal    int     `json:"ordinal"`
	Type       string  `json:"type,omitempty"`
	NotNull    bool    `json:"notNull"`
	DefaultSQL *string `json:"defaultSql,omitempty"`
}

type Index struct {
	Name      string   `json:"name"`
	IsUnique  bool     `json:"unique"`
	IsPrimary bool     `json:"primary"`
	Columns   []string `json:"columns"`
}

// FK is a foreign key declared on the owning Table. Recommended keys are
// logical relationships the database does not enforce.
type FK struct {
	Name        string   `json:"name,omitempty"`
	Columns     []string `json:"columns"`
	RefSchema   string   `json:"refSchema,omitempty"`
	RefTable    string   `json:"refTable"`
	RefColumns  []string `json:"refColumns"`
	Enforced    bool     `json:"enforced"`
	Recommended bool     `json:"recommended,omitempty"`
}

// Checksum returns a stable digest of the schema list.
func Checksum(schemas []Schema) string {
	b, _ := json.Marshal(schemas) // deterministic after sorting
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// ExportJSON writes the snapshot as indented JSON.
func (s Snapshot) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(s), "encode snapshot")
}

// DBCatalog introspects pg_catalog and keeps the latest snapshot.
type DBCatalog struct {
	opt Options
	db  *sql.DB

	mu      sync.RWMutex
	snap    Snapshot
	meta    *Meta
	changed chan struct{} // closed and replaced on every checksum change
}

func New(db *sql.DB, opt Options) (*DBCatalog, error) {
	if db == nil {
		return nil, errors.New("richcatalog: nil db")
	}
	return &DBCatalog{db: db, opt: opt, meta: NewMeta(Snapshot{}), changed: make(chan struct{})}, nil
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, opt Options) (*DBCatalog, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return New(db, opt)
}

// Close releases the underlying pool.
func (c *DBCatalog) Close() error { return c.db.Close() }

// Snapshot returns a deep copy of the latest snapshot for safe external use.
func (c *DBCatalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, _ := json.Marshal(c.snap)
	var out Snapshot
	_ = json.Unmarshal(b, &out)
	return out
}

// Meta returns the index built from the latest snapshot. It is never nil.
func (c *DBCatalog) Meta() *Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// Refresh introspects the database and swaps in a new Meta when the checksum
// moved.
func (c *DBCatalog) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

func (c *DBCatalog) refresh(ctx context.Context) (bool, error) {
	snap, err := c.introspect(ctx)
	if err != nil {
		return false, err
	}
	meta := NewMeta(snap)

	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.Checksum == c.snap.Checksum {
		return false, nil
	}
	c.snap, c.meta = snap, meta
	close(c.changed)
	c.changed = make(chan struct{})
	return true, nil
}

// StartAutoRefresh polls every ar.Interval until ctx ends or the returned stop
// func is called. A zero interval starts nothing.
func (c *DBCatalog) StartAutoRefresh(ctx context.Context, ar AutoRefresh) (stop func()) {
	if ar.Interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ar.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			changed, err := c.refresh(ctx)
			switch {
			case err != nil && ctx.Err() == nil && ar.OnError != nil:
				ar.OnError(err)
			case changed && ar.OnChange != nil:
				ar.OnChange(c.Meta())
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// WaitForChange blocks until the checksum differs from prev or ctx ends.
func (c *DBCatalog) WaitForChange(ctx context.Context, prev string) (*Meta, error) {
	for {
		c.mu.RLock()
		meta, ch := c.meta, c.changed
		c.mu.RUnlock()
		if meta.Checksum() != prev {
			return meta, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// buildSnapshot groups tables by schema, sorts everything for stability, and
// computes the checksum.
func buildSnapshot(tables []*Table, at time.Time) Snapshot {
	bySchema := make(map[string]*Schema)
	for _, t := range tables {
		sort.Slice(t.Columns, func(i, j int) bool { return t.Columns[i].Ordinal < t.Columns[j].Ordinal })
		sort.Slice(t.FKs, func(i, j int) bool {
			if t.FKs[i].RefTable != t.FKs[j].RefTable {
				return t.FKs[i].RefTable < t.FKs[j].RefTable
			}
			return strings.Join(t.FKs[i].Columns, ",") < strings.Join(t.FKs[j].Columns, ",")
		})
		sc, ok := bySchema[t.Schema]
		if !ok {
			sc = &Schema{Name: t.Schema}
			bySchema[t.Schema] = sc
		}
		sc.Tables = append(sc.Tables, *t)
	}
	schemas := make([]Schema, 0, len(bySchema))
	for _, sc := range bySchema {
		sort.Slice(sc.Tables, func(i, j int) bool { return sc.Tables[i].Name < sc.Tables[j].Name })
		schemas = append(schemas, *sc)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return Snapshot{Schemas: schemas, Checksum: Checksum(schemas), GeneratedAt: at}
}

// Summary is the compact catalog view served by the API.
type Summary struct {
	Checksum string   `json:"checksum"`
	Schemas  []string `json:"schemas"`
	Tables   []string `json:"tables"`
	Facts    []string `json:"facts,omitempty"`
}

func (c *DBCatalog) Summary() Summary { return c.Meta().Summary() }
