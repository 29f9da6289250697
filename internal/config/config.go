// Package config holds the generator and service settings. Values come from
// defaults, then an optional YAML file, then command-line flags.
package config

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/ecse"
	"github.com/Lianghan-Zhang/ecse-test/pkg/prune"
)

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Catalog says where schema metadata comes from: a schema_meta.json or
// snapshot file, or a live database when DSN is set.
type Catalog struct {
	SchemaMeta string   `yaml:"schema_meta"`
	DSN        string   `yaml:"dsn"`
	Schemas    []string `yaml:"schemas"`

	// Refresh polls a live catalog in serve mode; 0 disables polling.
	Refresh time.Duration `yaml:"refresh_interval"`
}

type Config struct {
	ECSE         ecse.Options  `yaml:"ecse"`
	Prune        prune.Options `yaml:"prune"`
	Parallelism  int           `yaml:"parallelism"`
	GroupTimeout time.Duration `yaml:"group_timeout"`

	WorkloadDir string `yaml:"workload_dir"`
	OutDir      string `yaml:"out_dir"`
	// SplitViews also writes each view to its own file under OutDir.
	SplitViews bool `yaml:"split_views"`

	Catalog Catalog `yaml:"catalog"`
	Log     Log     `yaml:"log"`
	HTTP    HTTP    `yaml:"http"`
}

func Default() Config {
	return Config{
		ECSE:        ecse.DefaultOptions(),
		Prune:       prune.DefaultOptions(),
		Parallelism: runtime.GOMAXPROCS(0),
		OutDir:      "out",
		Catalog:     Catalog{SchemaMeta: tpcds.Name, Schemas: []string{"public"}},
		Log:         Log{Level: "info", Format: "console"},
		HTTP:        HTTP{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// BindFlags registers flags that write straight into cfg, so values already
// loaded from a file act as flag defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.Prune.Alpha, "alpha", cfg.Prune.Alpha, "minimum tables per candidate (rule B)")
	fs.IntVar(&cfg.Prune.Beta, "beta", cfg.Prune.Beta, "minimum query blocks per candidate (rule C)")
	fs.BoolVar(&cfg.ECSE.EnableUnion, "enable-union", cfg.ECSE.EnableUnion, "run the union stage")
	fs.BoolVar(&cfg.ECSE.EnableSuperset, "enable-superset", cfg.ECSE.EnableSuperset, "propagate query blocks to supersets")
	fs.IntVar(&cfg.ECSE.MinIntersectionEdges, "min-intersection-edges", cfg.ECSE.MinIntersectionEdges, "minimum edges kept by an intersection")
	fs.IntVar(&cfg.Parallelism, "parallelism", cfg.Parallelism, "fact groups processed at once")
	fs.DurationVar(&cfg.GroupTimeout, "group-timeout", cfg.GroupTimeout, "per fact group time limit (0 = none)")
	fs.StringVar(&cfg.Catalog.SchemaMeta, "schema-meta", cfg.Catalog.SchemaMeta, "schema_meta.json or snapshot file ("+tpcds.Name+" for the bundled TPC-DS subset)")
	fs.StringVar(&cfg.Catalog.DSN, "dsn", cfg.Catalog.DSN, "Postgres DSN to introspect instead of a schema file")
	fs.StringSliceVar(&cfg.Catalog.Schemas, "schemas", cfg.Catalog.Schemas, "schemas to introspect")
	fs.DurationVar(&cfg.Catalog.Refresh, "catalog-refresh", cfg.Catalog.Refresh, "poll interval for a live catalog (0 = never)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn, or error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "console or json")
}

// BindRunFlags registers the flags that only a batch run uses.
func BindRunFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.WorkloadDir, "workload-dir", cfg.WorkloadDir, "directory of *.sql workload files")
	fs.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "directory the output files are written to")
	fs.BoolVar(&cfg.SplitViews, "split", cfg.SplitViews, "also write one <mv>.sql per view under <out-dir>/split_mv")
}

func BindServeFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.HTTP.Addr, "addr", cfg.HTTP.Addr, "HTTP listen address")
	fs.DurationVar(&cfg.HTTP.ShutdownTimeout, "shutdown-timeout", cfg.HTTP.ShutdownTimeout, "grace period for in-flight requests")
}

// LoadWithFlags loads path and then applies every flag in set that was
// changed on the command line, so explicit flags win over the file.
func LoadWithFlags(path string, set *pflag.FlagSet) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	target := pflag.NewFlagSet("config", pflag.ContinueOnError)
	BindFlags(target, &cfg)
	BindRunFlags(target, &cfg)
	BindServeFlags(target, &cfg)

	set.Visit(func(f *pflag.Flag) {
		dst := target.Lookup(f.Name)
		if dst == nil || err != nil {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if dv, ok := dst.Value.(pflag.SliceValue); ok {
				err = dv.Replace(sv.GetSlice())
				return
			}
		}
		err = dst.Value.Set(f.Value.String())
	})
	if err != nil {
		return cfg, errors.Wrap(err, "apply flags")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Prune.Alpha < 1:
		return errors.Errorf("alpha must be >= 1, got %d", c.Prune.Alpha)
	case c.Prune.Beta < 1:
		return errors.Errorf("beta must be >= 1, got %d", c.Prune.Beta)
	case c.ECSE.MinIntersectionEdges < 1:
		return errors.Errorf("min_intersection_edges must be >= 1, got %d", c.ECSE.MinIntersectionEdges)
	case c.Parallelism < 1:
		return errors.Errorf("parallelism must be >= 1, got %d", c.Parallelism)
	case c.GroupTimeout < 0:
		return errors.Errorf("group_timeout must not be negative, got %s", c.GroupTimeout)
	case c.Catalog.Refresh < 0:
		return errors.Errorf("catalog refresh_interval must not be negative, got %s", c.Catalog.Refresh)
	}
	return nil
}
