package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/settleload/pkg/types"
)

type fakeAPI struct {
	status  types.RunStatus
	reports []types.ThroughputReport
	history *types.HistoryResponse
	details map[string]*types.RunDetail

	mu       sync.Mutex
	histErr  error
	gotLimit int
	gotOff   int
}

func (f *fakeAPI) Status() types.RunStatus { return f.status }

func (f *fakeAPI) Reports() []types.ThroughputReport { return f.reports }

func (f *fakeAPI) setHistErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histErr = err
}

func (f *fakeAPI) page() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotLimit, f.gotOff
}

func (f *fakeAPI) GetHistory(_ context.Context, limit, offset int) (*types.HistoryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotLimit, f.gotOff = limit, offset
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.history, nil
}

func (f *fakeAPI) GetRunDetail(_ context.Context, id string) (*types.RunDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.details[id], nil
}

type fakeHealth struct {
	mu  sync.Mutex
	err error
}

func (*fakeHealth) Backend() string { return "sim" }

func (h *fakeHealth) CheckBackend(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHealth) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, api RunAPI, health HealthChecker) (*Server, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "settleload_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := NewServer(api, health, reg, quietLogger(), "*")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusAndReports(t *testing.T) {
	api := &fakeAPI{
		status: types.RunStatus{
			RunID:    "r1",
			Phase:    types.PhaseRunning,
			Counters: types.Counters{Settled: 120},
		},
	}
	_, ts := newTestServer(t, api, nil)

	var status types.RunStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/status", &status))
	require.Equal(t, "r1", status.RunID)
	require.Equal(t, int64(120), status.Counters.Settled)

	var reports []types.ThroughputReport
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/reports", &reports))
	require.NotNil(t, reports)
	require.Empty(t, reports)

	resp, err := http.Post(ts.URL+"/v1/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHistoryPagination(t *testing.T) {
	api := &fakeAPI{history: &types.HistoryResponse{Runs: []types.RunSummary{{ID: "a"}}, Total: 1}}
	_, ts := newTestServer(t, api, nil)

	var page types.HistoryResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/history?limit=10&offset=5", &page))
	limit, offset := api.page()
	require.Equal(t, 10, limit)
	require.Equal(t, 5, offset)
	require.Len(t, page.Runs, 1)

	// Out-of-range values fall back to defaults.
	getJSON(t, ts.URL+"/v1/history?limit=1000&offset=-1", nil)
	limit, offset = api.page()
	require.Equal(t, 50, limit)
	require.Zero(t, offset)
}

func TestHistoryDetail(t *testing.T) {
	api := &fakeAPI{details: map[string]*types.RunDetail{
		"run-1": {Run: types.RunSummary{ID: "run-1"}, Reports: []types.ThroughputReport{{Seq: 1}}},
	}}
	_, ts := newTestServer(t, api, nil)

	var detail types.RunDetail
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/history/run-1", &detail))
	require.Equal(t, "run-1", detail.Run.ID)
	require.Len(t, detail.Reports, 1)

	require.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/history/missing", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/history/", nil))
}

func TestHistoryDisabled(t *testing.T) {
	api := &fakeAPI{}
	api.setHistErr(errors.Wrap(ErrHistoryDisabled, "no database"))
	_, ts := newTestServer(t, api, nil)

	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/v1/history", nil))
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/v1/history/x", nil))

	api.setHistErr(errors.New("disk on fire"))
	require.Equal(t, http.StatusInternalServerError, getJSON(t, ts.URL+"/v1/history", nil))
}

func TestHealthAndReady(t *testing.T) {
	api := &fakeAPI{status: types.RunStatus{Phase: types.PhaseRunning}}
	health := &fakeHealth{}
	_, ts := newTestServer(t, api, health)

	var resp types.HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &resp))
	require.Equal(t, "healthy", resp.Status)
	require.Equal(t, "running", resp.Phase)
	require.Equal(t, "sim", resp.Backend)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/ready", &resp))
	require.Equal(t, "ready", resp.Status)

	health.fail(errors.New("connection refused"))
	resp = types.HealthResponse{}
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/ready", &resp))
	require.Equal(t, "connection refused", resp.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeAPI{}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "settleload_test_total 1")
}

func TestCORS(t *testing.T) {
	srv := NewServer(&fakeAPI{}, nil, prometheus.NewRegistry(), quietLogger(), "http://a.example, http://b.example")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/status", nil)
	req.Header.Set("Origin", "http://b.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://b.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketBroadcastsReports(t *testing.T) {
	srv, ts := newTestServer(t, &fakeAPI{status: types.RunStatus{Phase: types.PhaseIdle}}, nil)
	ws := srv.WebSocket()
	ws.Start()
	defer ws.Stop()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ws.ClientCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	ws.OnReport(types.ThroughputReport{RunID: "r1", Seq: 3, WindowSuccesses: 50})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev types.StreamEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, types.EventReport, ev.Type)
	require.NotNil(t, ev.Report)
	require.Equal(t, 3, ev.Report.Seq)

	ws.Stop()
	require.Zero(t, ws.ClientCount())
}
