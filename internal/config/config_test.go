package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ecse.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Prune.Alpha)
	assert.Equal(t, 2, cfg.Prune.Beta)
	assert.True(t, cfg.ECSE.EnableUnion)
	assert.True(t, cfg.ECSE.EnableSuperset)
	assert.Equal(t, 1, cfg.ECSE.MinIntersectionEdges)
	assert.Zero(t, cfg.GroupTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{"public"}, cfg.Catalog.Schemas)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeFile(t, `
ecse:
  enable_union: false
  enable_superset: true
  min_intersection_edges: 2
prune:
  alpha: 3
  beta: 2
  enable_b: true
  enable_c: true
  enable_d: false
group_timeout: 30s
log:
  level: debug
  format: json
`))
	require.NoError(t, err)
	assert.False(t, cfg.ECSE.EnableUnion)
	assert.Equal(t, 2, cfg.ECSE.MinIntersectionEdges)
	assert.Equal(t, 3, cfg.Prune.Alpha)
	assert.False(t, cfg.Prune.EnableD)
	assert.Equal(t, 30*time.Second, cfg.GroupTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.HTTP.Addr, "unset keys keep their defaults")

	_, err = Load(writeFile(t, ""))
	assert.NoError(t, err)

	_, err = Load(writeFile(t, "alhpa: 3\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeFile(t, "prune:\n  alpha: 0\n"))
	assert.ErrorContains(t, err, "alpha must be >= 1")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestFlagsOverrideFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "prune:\n  alpha: 3\n  beta: 3\n  enable_b: true\n  enable_c: true\n  enable_d: true\n"))
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{"--beta=4", "--enable-union=false", "--schemas=public,tpcds", "--group-timeout=1m"}))

	assert.Equal(t, 3, cfg.Prune.Alpha, "file value survives when the flag is unset")
	assert.Equal(t, 4, cfg.Prune.Beta)
	assert.False(t, cfg.ECSE.EnableUnion)
	assert.Equal(t, []string{"public", "tpcds"}, cfg.Catalog.Schemas)
	assert.Equal(t, time.Minute, cfg.GroupTimeout)
}

func TestLoadWithFlags(t *testing.T) {
	path := writeFile(t, "prune:\n  alpha: 3\n  beta: 3\n  enable_b: true\n  enable_c: true\n  enable_d: true\nout_dir: file-out\n")

	// The command line is parsed against defaults before the file is known.
	scratch := Default()
	fs := pflag.NewFlagSet("cmd", pflag.ContinueOnError)
	fs.String("config", "", "")
	BindFlags(fs, &scratch)
	BindRunFlags(fs, &scratch)
	require.NoError(t, fs.Parse([]string{"--config=" + path, "--beta=5", "--schemas=tpcds", "--workload-dir=queries"}))

	cfg, err := LoadWithFlags(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Prune.Alpha)
	assert.Equal(t, 5, cfg.Prune.Beta)
	assert.Equal(t, []string{"tpcds"}, cfg.Catalog.Schemas)
	assert.Equal(t, "queries", cfg.WorkloadDir)
	assert.Equal(t, "file-out", cfg.OutDir)

	require.NoError(t, fs.Set("alpha", "0"))
	_, err = LoadWithFlags(path, fs)
	assert.ErrorContains(t, err, "alpha must be >= 1")
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"alpha":       func(c *Config) { c.Prune.Alpha = 0 },
		"beta":        func(c *Config) { c.Prune.Beta = -1 },
		"min edges":   func(c *Config) { c.ECSE.MinIntersectionEdges = 0 },
		"parallelism": func(c *Config) { c.Parallelism = 0 },
		"timeout":     func(c *Config) { c.GroupTimeout = -time.Second },
		"refresh":     func(c *Config) { c.Catalog.Refresh = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
