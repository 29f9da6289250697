package ecse

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/joinset"
	"github.com/Lianghan-Zhang/ecse-test/pkg/prune"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// boomSchema panics on lookups of one table.
type boomSchema struct {
	*richcatalog.Meta
	table string
}

func (b boomSchema) HasTable(t string) bool {
	if t == b.table {
		panic("lookup of " + t)
	}
	return b.Meta.HasTable(t)
}

func webSales(id string) joinset.JoinSet {
	ws, dd := inst("ws", "web_sales"), inst("d", "date_dim")
	return joinset.FromEdges([]joinset.Edge{eq(ws, "ws_sold_date_sk", dd, "d_date_sk")}, id)
}

func TestRunGroups(t *testing.T) {
	coll := NewCollection(tpcds.MustMeta())
	for _, js := range workload() {
		coll.Add(js)
	}
	coll.Add(webSales("w1"))
	coll.Add(webSales("w2"))

	var calls atomic.Int32
	res, err := RunGroups(context.Background(), coll, tpcds.MustMeta(), DefaultOptions(), prune.DefaultOptions(), 2,
		WithLogger(zaptest.NewLogger(t)),
		WithCallback(func(GroupResult) { calls.Add(1) }),
	)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "store_sales", res[0].FactTable)
	assert.Equal(t, "web_sales", res[1].FactTable)
	assert.EqualValues(t, 2, calls.Load())

	// w1 and w2 were merged when added, so the group has one JoinSet with two qbs.
	require.Len(t, res[1].Survivors(), 1)
	assert.Equal(t, []string{"w1", "w2"}, res[1].Survivors()[0].QBIDs())
	assert.NotEmpty(t, res[0].Survivors())
}

func TestRunGroupsIsolatesPanics(t *testing.T) {
	coll := NewCollection(tpcds.MustMeta())
	coll.Add(webSales("w1"))
	stray := joinset.New(
		[]joinset.Edge{eq(ss, "ss_sold_date_sk", inst("x", "boom"), "id")},
		[]joinset.TableInstance{ss}, "qb",
	).WithFact("store_sales")
	coll.Add(stray)

	s := boomSchema{Meta: tpcds.MustMeta(), table: "boom"}
	res, err := RunGroups(context.Background(), coll, s, DefaultOptions(), prune.DefaultOptions(), 0)
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), "fact group store_sales")
	assert.Contains(t, err.Error(), "panic")

	require.Len(t, res, 2)
	assert.Error(t, res[0].Err)
	assert.NoError(t, res[1].Err)
	assert.Equal(t, 1, res[1].Result.Stats.AfterEquiv1)
}

func TestRunGroupsCancelled(t *testing.T) {
	coll := NewCollection(tpcds.MustMeta())
	for _, js := range workload() {
		coll.Add(js)
	}
	coll.Add(webSales("w1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := RunGroups(ctx, coll, tpcds.MustMeta(), DefaultOptions(), prune.DefaultOptions(), 1, WithTimeout(time.Minute))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	for _, r := range res {
		assert.ErrorIs(t, r.Err, context.Canceled)
		assert.Empty(t, r.Survivors())
	}
}

func TestRunGroupsEmpty(t *testing.T) {
	res, err := RunGroups(context.Background(), NewCollection(nil), nil, DefaultOptions(), prune.DefaultOptions(), 4)
	require.NoError(t, err)
	require.Empty(t, res)
}
