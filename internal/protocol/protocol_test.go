package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Lianghan-Zhang/ecse-test/internal/advisor"
	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var queries = map[string]string{
	"q1.sql": `SELECT d.d_year, SUM(ss.ss_ext_sales_price) FROM store_sales ss
JOIN date_dim d ON ss.ss_sold_date_sk = d.d_date_sk JOIN item i ON ss.ss_item_sk = i.i_item_sk GROUP BY d.d_year`,
	"q2.sql": `SELECT i.i_brand, COUNT(*) FROM store_sales ss
JOIN date_dim d ON ss.ss_sold_date_sk = d.d_date_sk JOIN item i ON ss.ss_item_sk = i.i_item_sk GROUP BY i.i_brand`,
}

// recorder is a Sender that keeps every message as decoded JSON.
type recorder struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (r *recorder) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i], _ = m["type"].(string)
	}
	return out
}

func (r *recorder) last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func newDispatcher(t *testing.T) (*Dispatcher, *recorder) {
	rec := &recorder{}
	return &Dispatcher{
		Advisor:  &advisor.Advisor{Meta: tpcds.MustMeta(), Config: config.Default(), Logger: zaptest.NewLogger(t)},
		Registry: NewRegistry(),
		Send:     rec.send,
		Logger:   zaptest.NewLogger(t),
	}, rec
}

func mustJSON(t *testing.T, v any) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPing(t *testing.T) {
	d, rec := newDispatcher(t)
	d.HandleMessage(context.Background(), []byte(`{"type":"PING","id":"p1"}`))
	assert.Equal(t, []string{TypePong}, rec.types())
	assert.Equal(t, "p1", rec.last()["id"])
}

func TestAdviseStreamsGroupsThenDone(t *testing.T) {
	d, rec := newDispatcher(t)
	req := Advise{Message: Message{Type: TypeAdvise, ID: "r1"}, AdviseRequest: AdviseRequest{Queries: queries}}
	d.HandleMessage(context.Background(), mustJSON(t, req))
	d.Wait()

	assert.Equal(t, []string{TypeAccepted, TypeGroupResult, TypeDone}, rec.types())
	assert.Equal(t, 0, d.Registry.Len())

	rec.mu.Lock()
	group := rec.msgs[1]
	rec.mu.Unlock()
	assert.Equal(t, "store_sales", group["fact_table"])
	assert.Equal(t, "r1", group["id"])

	done := rec.last()
	cands, ok := done["candidates"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, cands)
	assert.Equal(t, "mv_001", cands[0].(map[string]any)["name"])
}

func TestAdviseResolvesCatalogPerRun(t *testing.T) {
	d, rec := newDispatcher(t)
	var calls atomic.Int32
	d.Meta = func() *richcatalog.Meta {
		calls.Add(1)
		return tpcds.MustMeta()
	}
	for _, id := range []string{"r1", "r2"} {
		req := Advise{Message: Message{Type: TypeAdvise, ID: id}, AdviseRequest: AdviseRequest{Queries: queries}}
		d.HandleMessage(context.Background(), mustJSON(t, req))
		d.Wait()
	}
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, TypeDone, rec.last()["type"])
}

func TestAdviseOptions(t *testing.T) {
	d, rec := newDispatcher(t)
	beta := 0
	req := Advise{
		Message:       Message{Type: TypeAdvise, ID: "r1"},
		AdviseRequest: AdviseRequest{Queries: queries, Options: &Options{Beta: &beta}},
	}
	d.HandleMessage(context.Background(), mustJSON(t, req))
	d.Wait()

	assert.Equal(t, []string{TypeError}, rec.types())
	assert.Contains(t, rec.last()["error"], "beta")
}

func TestAdviseRejected(t *testing.T) {
	d, rec := newDispatcher(t)
	d.HandleMessage(context.Background(), []byte(`{"type":"ADVISE","id":"r1","queries":{}}`))
	d.HandleMessage(context.Background(), []byte(`{"type":"ADVISE","id":"r2","queries":"nope"}`))
	d.HandleMessage(context.Background(), []byte(`not json`))
	d.HandleMessage(context.Background(), []byte(`{"type":"SUBSCRIBE"}`))
	d.Wait()
	assert.Equal(t, []string{TypeError, TypeError, TypeError, TypeError}, rec.types())
	assert.Contains(t, rec.last()["error"], "unknown message type SUBSCRIBE")
}

func TestAdviseCancelledByContext(t *testing.T) {
	d, rec := newDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := Advise{Message: Message{Type: TypeAdvise, ID: "r1"}, AdviseRequest: AdviseRequest{Queries: queries}}
	d.HandleMessage(ctx, mustJSON(t, req))
	d.Wait()

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, TypeAccepted, types[0])
	assert.Equal(t, TypeCancelled, types[len(types)-1])
}

func TestCancelUnknownRun(t *testing.T) {
	d, rec := newDispatcher(t)
	other, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Registry.Add("theirs", 1, cancel))

	d.HandleMessage(context.Background(), []byte(`{"type":"CANCEL","id":"theirs"}`))
	assert.Equal(t, []string{TypeError}, rec.types())
	assert.NoError(t, other.Err(), "runs owned by another connection are left alone")
}

func TestOptionsApply(t *testing.T) {
	alpha, union := 4, false
	cfg, err := (&Options{Alpha: &alpha, EnableUnion: &union}).Apply(config.Default())
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Prune.Alpha)
	assert.False(t, cfg.ECSE.EnableUnion)
	assert.Equal(t, config.Default().Prune.Beta, cfg.Prune.Beta)

	var none *Options
	cfg, err = none.Apply(config.Default())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	var cancelled []string
	add := func(id string) {
		require.NoError(t, reg.Add(id, 2, func() { cancelled = append(cancelled, id) }))
	}
	add("a")
	time.Sleep(time.Millisecond)
	add("b")

	assert.ErrorIs(t, reg.Add("a", 1, func() {}), ErrDuplicateRun)
	assert.Equal(t, 2, reg.Len())

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, 2, snap[0].Files)

	assert.True(t, reg.Cancel("b"))
	assert.False(t, reg.Cancel("zzz"))
	assert.Equal(t, []string{"b"}, cancelled)

	assert.Equal(t, 2, reg.CancelAll())
	assert.ElementsMatch(t, []string{"a", "b", "b"}, cancelled)

	reg.Remove("a")
	reg.Remove("b")
	assert.Equal(t, 0, reg.Len())
}
