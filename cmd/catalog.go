package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

func newCatalogCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect or create schema metadata",
	}
	cmd.AddCommand(newCatalogDumpCommand(opts), newCatalogInitCommand(opts))
	return cmd
}

func newCatalogDumpCommand(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write the resolved schema snapshot as JSON",
		Long: `dump resolves the schema the same way generate does (--dsn first, then
--schema-meta) and prints it as a snapshot that --schema-meta accepts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, _, flush, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer flush()

			meta, err := loadMeta(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, ferr := os.Create(out)
				if ferr != nil {
					return errors.Wrap(ferr, "create output")
				}
				defer func() { err = multierr.Append(err, f.Close()) }()
				w = f
			}
			return meta.Snapshot().ExportJSON(w)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newCatalogInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the bundled TPC-DS tables in the --dsn database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, log, flush, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer flush()
			if cfg.Catalog.DSN == "" {
				return errors.New("--dsn is required")
			}

			db, err := sql.Open("pgx", cfg.Catalog.DSN)
			if err != nil {
				return errors.Wrap(err, "open postgres")
			}
			defer func() { err = multierr.Append(err, db.Close()) }()

			provider, err := goose.NewProvider(goose.DialectPostgres, db, tpcds.Migrations())
			if err != nil {
				return errors.Wrap(err, "goose provider")
			}
			results, err := provider.Up(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "goose up")
			}
			for _, r := range results {
				log.Info("migration applied", zap.String("source", r.Source.Path), zap.Duration("took", r.Duration))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d migrations applied\n", len(results))
			return nil
		},
	}
}

// loadMeta resolves schema metadata: a live database when a DSN is set,
// otherwise the schema file (or the bundled schema).
func loadMeta(ctx context.Context, cfg config.Config) (*richcatalog.Meta, error) {
	if cfg.Catalog.DSN == "" {
		meta, err := tpcds.Load(cfg.Catalog.SchemaMeta)
		return meta, errors.Wrap(err, "load schema")
	}
	rc, err := richcatalog.Open(cfg.Catalog.DSN, richcatalog.Options{Schemas: cfg.Catalog.Schemas})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if err := rc.Refresh(ctx); err != nil {
		return nil, errors.Wrap(err, "introspect catalog")
	}
	return rc.Meta(), nil
}
