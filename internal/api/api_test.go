package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Lianghan-Zhang/ecse-test/internal/advisor"
	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/internal/metrics"
	"github.com/Lianghan-Zhang/ecse-test/internal/protocol"
	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var queries = map[string]string{
	"q1.sql": `SELECT d.d_year, SUM(ss.ss_ext_sales_price) AS revenue FROM store_sales ss
JOIN date_dim d ON ss.ss_sold_date_sk = d.d_date_sk JOIN item i ON ss.ss_item_sk = i.i_item_sk GROUP BY d.d_year`,
	"q2.sql": `SELECT i.i_brand, COUNT(*) FROM store_sales ss
JOIN date_dim d ON ss.ss_sold_date_sk = d.d_date_sk JOIN item i ON ss.ss_item_sk = i.i_item_sk GROUP BY i.i_brand`,
}

func newServer(t *testing.T) (*httptest.Server, *Handler) {
	reg := prometheus.NewRegistry()
	h := &Handler{
		Advisor:  &advisor.Advisor{Meta: tpcds.MustMeta(), Config: config.Default(), Metrics: metrics.New(reg)},
		Gatherer: reg,
	}
	srv := httptest.NewServer(SetupRoutes(h))
	t.Cleanup(srv.Close)
	return srv, h
}

func post(t *testing.T, url string, body any) *http.Response {
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) (*http.Response, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _ := newServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Request-ID"))
}

func TestAdvise(t *testing.T) {
	srv, h := newServer(t)
	resp := post(t, srv.URL+"/api/advise", protocol.AdviseRequest{Queries: queries})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep advisor.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, 2, rep.Stats.Files)
	assert.Len(t, rep.QueryBlocks, 2)
	require.NotEmpty(t, rep.Candidates)
	assert.Equal(t, "mv_001", rep.Candidates[0].Name)
	assert.Equal(t, []string{"date_dim", "item", "store_sales"}, rep.Candidates[0].Tables)
	assert.Equal(t, 0, h.Runs.Len())

	_, metricsBody := get(t, srv.URL+"/metrics")
	assert.Contains(t, metricsBody, `ecse_candidates_total{status="ok"}`)
}

func TestAdviseSQL(t *testing.T) {
	srv, _ := newServer(t)
	resp := post(t, srv.URL+"/api/advise?format=sql", protocol.AdviseRequest{Queries: queries})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "-- ECSE candidate materialized views\n"))
	assert.Contains(t, string(b), "CREATE VIEW mv_001 AS")
}

func TestAdviseBadRequests(t *testing.T) {
	srv, _ := newServer(t)
	zero := 0
	for name, body := range map[string]any{
		"not an object": "SELECT 1",
		"no queries":    protocol.AdviseRequest{},
		"bad options":   protocol.AdviseRequest{Queries: queries, Options: &protocol.Options{Alpha: &zero}},
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, srv.URL+"/api/advise", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var out map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestCatalog(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := get(t, srv.URL+"/api/catalog")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum richcatalog.Summary
	require.NoError(t, json.Unmarshal([]byte(body), &sum))
	assert.Contains(t, sum.Tables, "store_sales")
	assert.Contains(t, sum.Facts, "store_sales")
	assert.NotContains(t, sum.Facts, "date_dim")
	assert.Equal(t, tpcds.MustMeta().Checksum(), sum.Checksum)

	resp, body = get(t, srv.URL+"/api/catalog?full=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap richcatalog.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, tpcds.MustMeta().Checksum(), snap.Checksum)
}

func TestCatalogOverride(t *testing.T) {
	srv, h := newServer(t)
	h.Catalog = func() *richcatalog.Meta { return nil }
	resp, _ := get(t, srv.URL+"/api/catalog")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRuns(t *testing.T) {
	srv, h := newServer(t)
	resp, body := get(t, srv.URL+"/api/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, body)

	var cancelled atomic.Bool
	require.NoError(t, h.Runs.Add("r1", 3, func() { cancelled.Store(true) }))
	_, body = get(t, srv.URL+"/api/runs")
	assert.Contains(t, body, `"id":"r1"`)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/runs/r1", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusAccepted, del.StatusCode)
	assert.True(t, cancelled.Load())

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/runs/nope", nil)
	require.NoError(t, err)
	del, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNotFound, del.StatusCode)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWebSocketAdvise(t *testing.T) {
	srv, _ := newServer(t)
	conn := dialWS(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypePing, "id": "p"}))
	assert.Equal(t, protocol.TypePong, readMsg(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(protocol.Advise{
		Message:       protocol.Message{Type: protocol.TypeAdvise, ID: "run-1"},
		AdviseRequest: protocol.AdviseRequest{Queries: queries},
	}))

	var types []string
	for {
		m := readMsg(t, conn)
		assert.Equal(t, "run-1", m["id"])
		types = append(types, m["type"].(string))
		if m["type"] == protocol.TypeDone {
			cands := m["candidates"].([]any)
			require.NotEmpty(t, cands)
			assert.Equal(t, "mv_001", cands[0].(map[string]any)["name"])
			break
		}
		require.NotEqual(t, protocol.TypeError, m["type"], m)
	}
	assert.Equal(t, []string{protocol.TypeAccepted, protocol.TypeGroupResult, protocol.TypeDone}, types)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}

func TestWebSocketRejectsUnknownMessages(t *testing.T) {
	srv, _ := newServer(t)
	conn := dialWS(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SUBSCRIBE","id":"s"}`)))
	m := readMsg(t, conn)
	assert.Equal(t, protocol.TypeError, m["type"])
	assert.Equal(t, "s", m["id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypeCancel, "id": "missing"}))
	m = readMsg(t, conn)
	assert.Equal(t, protocol.TypeError, m["type"])
	assert.Equal(t, "unknown run", m["error"])
}

func TestWebSocketAdviseSeesCatalogRefresh(t *testing.T) {
	srv, h := newServer(t)
	var lookups atomic.Int32
	h.Catalog = func() *richcatalog.Meta {
		lookups.Add(1)
		return tpcds.MustMeta()
	}
	conn := dialWS(t, srv)
	defer conn.Close()

	advise := func(id string) {
		require.NoError(t, conn.WriteJSON(protocol.Advise{
			Message:       protocol.Message{Type: protocol.TypeAdvise, ID: id},
			AdviseRequest: protocol.AdviseRequest{Queries: queries},
		}))
		for {
			m := readMsg(t, conn)
			require.NotEqual(t, protocol.TypeError, m["type"], m)
			if m["type"] == protocol.TypeDone {
				return
			}
		}
	}
	advise("run-1")
	before := lookups.Load()
	advise("run-2")
	assert.Equal(t, before+1, lookups.Load(), "each ADVISE reads the current catalog")

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}
