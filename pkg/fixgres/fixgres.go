// Package fixgres runs one disposable PostgreSQL container per test binary and
// hands each test its own schema, migrated with goose.
package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	// RequireEnv turns an unavailable container into a test failure.
	RequireEnv = "FIXGRES_REQUIRE"
	// ImageEnv overrides the container image.
	ImageEnv = "FIXGRES_IMAGE"

	defaultImage = "docker.io/postgres:16-alpine"
	database     = "ecse"
	user         = "postgres"
	password     = "pass"
	bootTimeout  = 90 * time.Second
)

// cluster is the container shared by every test in the binary.
type cluster struct {
	container *postgres.PostgresContainer
	dsn       string
}

var (
	bootOnce sync.Once
	shared   *cluster
	bootErr  error
)

func startCluster(ctx context.Context, image string) (*cluster, error) {
	c, err := postgres.Run(ctx, image,
		postgres.WithDatabase(database),
		postgres.WithUsername(user),
		postgres.WithPassword(password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "start postgres container")
	}
	host, err := c.Host(ctx)
	if err != nil {
		return nil, terminateOnErr(c, errors.Wrap(err, "container host"))
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, terminateOnErr(c, errors.Wrap(err, "container port"))
	}
	return &cluster{
		container: c,
		dsn:       fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), database),
	}, nil
}

func terminateOnErr(c *postgres.PostgresContainer, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.Terminate(ctx)
	return cause
}

// Migrate applies every pending goose migration in migFS to db.
func Migrate(ctx context.Context, db *sql.DB, migFS fs.FS) ([]*goose.MigrationResult, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migFS)
	if err != nil {
		return nil, errors.Wrap(err, "goose provider")
	}
	results, err := provider.Up(ctx)
	return results, errors.Wrap(err, "goose up")
}

// Shutdown terminates the shared container. Call it from TestMain after m.Run.
func Shutdown() error {
	if shared == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return shared.container.Terminate(ctx)
}

func imageName() string {
	if img := os.Getenv(ImageEnv); img != "" {
		return img
	}
	return defaultImage
}
