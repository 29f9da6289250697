package advisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/internal/metrics"
	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/ecse"
	"github.com/Lianghan-Zhang/ecse-test/pkg/mvemit"
	"github.com/Lianghan-Zhang/ecse-test/pkg/qbextract"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var workload = map[string]string{
	"q1.sql": `SELECT d.d_year, i.i_brand, SUM(ss.ss_ext_sales_price) AS revenue
FROM store_sales ss
JOIN date_dim d ON ss.ss_sold_date_sk = d.d_date_sk
JOIN item i ON ss.ss_item_sk = i.i_item_sk
GROUP BY d.d_year, i.i_brand`,
	"q2.sql": `SELECT d.d_year, SUM(ss.ss_net_profit)
FROM store_sales ss JOIN date_dim d ON ss.ss_sold_date_sk = d.d_date_sk
GROUP BY d.d_year`,
	"q3.sql": `SELECT i.i_category, d.d_moy, ss.ss_quantity
FROM store_sales ss, date_dim d, item i
WHERE ss.ss_sold_date_sk = d.d_date_sk AND ss.ss_item_sk = i.i_item_sk AND d.d_year = 2001`,
	"q4.sql":  `SELECT ws.ws_quantity FROM web_sales ws JOIN date_dim d ON ws.ws_sold_date_sk = d.d_date_sk`,
	"q5.sql":  `SELECT i_brand FROM item`,
	"bad.sql": `SELECT FROM WHERE ORDER`,
}

func newAdvisor(t *testing.T, reg prometheus.Registerer) *Advisor {
	return &Advisor{
		Meta:    tpcds.MustMeta(),
		Config:  config.Default(),
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics.New(reg),
	}
}

func TestRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newAdvisor(t, reg)

	var (
		mu   sync.Mutex
		seen []string
	)
	rep, err := a.RunStream(context.Background(), qbextract.FromMap(workload), func(g ecse.GroupResult) {
		mu.Lock()
		seen = append(seen, g.FactTable)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 6, rep.Stats.Files)
	assert.Equal(t, 5, rep.Stats.QueryBlocks)
	assert.Equal(t, 4, rep.Stats.Eligible)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "parse bad.sql")

	assert.ElementsMatch(t, []string{"store_sales", "web_sales"}, seen)
	require.Len(t, rep.Groups, 2)
	assert.Equal(t, "store_sales", rep.Groups[0].FactTable)

	require.NotEmpty(t, rep.Candidates)
	top := rep.Candidates[0]
	assert.Equal(t, "mv_001", top.Name)
	assert.Equal(t, mvemit.StatusOK, top.Status)
	assert.Equal(t, "store_sales", top.FactTable)
	assert.Equal(t, []string{"date_dim", "item", "store_sales"}, top.Tables)
	assert.GreaterOrEqual(t, len(top.QBIDs), 2)
	for _, c := range rep.Candidates {
		assert.NotEqual(t, "web_sales", c.FactTable, "a single-query group is pruned")
	}

	assert.Equal(t, float64(len(rep.Candidates)), testutil.ToFloat64(a.Metrics.Candidates.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(a.Metrics.RunsInFlight))
}

func TestRunIsDeterministic(t *testing.T) {
	a := newAdvisor(t, prometheus.NewRegistry())
	first, err := a.Run(context.Background(), qbextract.FromMap(workload))
	require.NoError(t, err)
	second, err := a.Run(context.Background(), qbextract.FromMap(workload))
	require.NoError(t, err)

	require.Equal(t, len(first.Candidates), len(second.Candidates))
	for i := range first.Candidates {
		assert.Equal(t, first.Candidates[i].SQL, second.Candidates[i].SQL)
		assert.Equal(t, first.Candidates[i].QBIDs, second.Candidates[i].QBIDs)
	}
}

func TestRunCancelled(t *testing.T) {
	a := newAdvisor(t, prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := a.Run(ctx, qbextract.FromMap(workload))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.Len(t, rep.QueryBlocks, 5, "extraction does not depend on the context")
}

func TestRunWithoutSchema(t *testing.T) {
	_, err := (&Advisor{Config: config.Default()}).Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSchema)
}

func TestWriteFiles(t *testing.T) {
	a := newAdvisor(t, prometheus.NewRegistry())
	rep, err := a.Run(context.Background(), qbextract.FromMap(workload))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, rep.WriteFiles(dir, a.Meta, a.Config))
	for _, name := range []string{mvemit.SQLFile, mvemit.QBJoinsFile, mvemit.ColumnMapFile} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.NotEmpty(t, b, name)
	}
	sql, err := os.ReadFile(filepath.Join(dir, mvemit.SQLFile))
	require.NoError(t, err)
	assert.Contains(t, string(sql), "CREATE VIEW mv_001 AS")
}

func TestWriteFilesSplitViews(t *testing.T) {
	a := newAdvisor(t, prometheus.NewRegistry())
	rep, err := a.Run(context.Background(), qbextract.FromMap(workload))
	require.NoError(t, err)
	require.NotEmpty(t, rep.Candidates)

	dir := t.TempDir()
	cfg := a.Config
	require.NoError(t, rep.WriteFiles(dir, a.Meta, cfg))
	_, err = os.Stat(filepath.Join(dir, mvemit.SplitDir))
	assert.True(t, os.IsNotExist(err), "split output is opt-in")

	cfg.SplitViews = true
	require.NoError(t, rep.WriteFiles(dir, a.Meta, cfg))
	entries, err := os.ReadDir(filepath.Join(dir, mvemit.SplitDir))
	require.NoError(t, err)
	var want []string
	for _, c := range rep.Candidates {
		if c.Status != mvemit.StatusDegraded {
			want = append(want, c.Name+".sql")
		}
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	assert.Equal(t, want, got)

	b, err := os.ReadFile(filepath.Join(dir, mvemit.SplitDir, want[0]))
	require.NoError(t, err)
	assert.Contains(t, string(b), "CREATE VIEW "+strings.TrimSuffix(want[0], ".sql")+" AS")
}
