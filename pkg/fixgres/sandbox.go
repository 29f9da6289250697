package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Sandbox is a schema owned by one test. Unqualified names on DB resolve
// inside Schema before public.
type Sandbox struct {
	DB     *sql.DB
	DSN    string
	Schema string
}

// Boot starts the shared container on first use. Under -short, or when
// Docker is unreachable and RequireEnv is unset, the test is skipped.
func Boot(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("fixgres: postgres tests skipped in -short mode")
	}
	bootOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
		defer cancel()
		shared, bootErr = startCluster(ctx, imageName())
	})
	if bootErr == nil {
		return
	}
	if os.Getenv(RequireEnv) != "" {
		t.Fatalf("fixgres: %v", bootErr)
	}
	t.Skipf("fixgres: postgres unavailable: %v", bootErr)
}

// NewSandbox boots the container if needed, creates a schema for t, applies
// migFS inside it when non-nil and drops the schema when t finishes.
func NewSandbox(t testing.TB, migFS fs.FS) *Sandbox {
	t.Helper()
	Boot(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	sbx, err := openSandbox(ctx, shared.dsn, schema)
	if err != nil {
		t.Fatalf("fixgres: %v", err)
	}
	t.Cleanup(func() {
		if err := sbx.drop(); err != nil {
			t.Logf("fixgres: drop %s: %v", schema, err)
		}
	})
	if migFS != nil {
		if _, err := Migrate(ctx, sbx.DB, migFS); err != nil {
			t.Fatalf("fixgres: migrate %s: %v", schema, err)
		}
	}
	return sbx
}

func openSandbox(ctx context.Context, adminDSN, schema string) (*Sandbox, error) {
	admin, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open admin")
	}
	defer admin.Close()
	if _, err := admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %q", schema)); err != nil {
		return nil, errors.Wrapf(err, "create schema %s", schema)
	}

	dsn, err := scopedDSN(adminDSN, schema)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sandbox")
	}
	return &Sandbox{DB: db, DSN: dsn, Schema: schema}, nil
}

func (s *Sandbox) drop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %q CASCADE", s.Schema))
	if cerr := s.DB.Close(); err == nil {
		err = cerr
	}
	return err
}

// scopedDSN pins search_path on every pooled connection.
func scopedDSN(base, schema string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parse dsn")
	}
	q := u.Query()
	q.Set("options", "-csearch_path="+schema+",public")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
