package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/settleload/internal/config"
	"github.com/gateway-fm/settleload/internal/storage"
	"github.com/gateway-fm/settleload/internal/transport"
	"github.com/gateway-fm/settleload/pkg/types"
)

func testConfig(t *testing.T, txCap int) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.New())
	require.NoError(t, err)
	cfg.ListenAddr = ""
	cfg.DatabasePath = filepath.Join(t.TempDir(), "runs.db")
	cfg.Workers = 3
	cfg.Accounts = cfgAccounts
	cfg.TransactionCap = txCap
	cfg.BaseDelay = time.Millisecond
	return cfg
}

const cfgAccounts = 4

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppRunPersistsCompletedRun(t *testing.T) {
	a := newApp(testConfig(t, 120), quietLogger())
	require.NoError(t, a.Run(context.Background()))

	status := a.Status()
	require.Equal(t, types.PhaseCompleted, status.Phase)
	require.Equal(t, int64(120), status.Counters.Generated)
	require.Equal(t, int64(120), status.Counters.Settled+status.Counters.Rejected)
	require.Equal(t, int64(3), status.Counters.WorkersFinished)
	require.Empty(t, status.Error)
	require.NotNil(t, status.Verification)
	require.True(t, status.Verification.AllChecksPass, "warnings: %v", status.Verification.Warnings)
	require.Equal(t, status.Counters.Settled, status.Verification.SettledTransfers)
	require.Equal(t, cfgAccounts, status.Verification.Accounts)

	// The store is released with the process.
	_, err := a.GetHistory(context.Background(), 10, 0)
	require.ErrorIs(t, err, transport.ErrHistoryDisabled)

	store, err := storage.NewSQLiteStorage(a.cfg.DatabasePath)
	require.NoError(t, err)
	defer store.Close()

	run, err := store.GetRun(context.Background(), a.runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, types.PhaseCompleted, run.Status)
	require.Equal(t, status.Counters, run.Counters)
	require.NotNil(t, run.CompletedAt)
	require.Equal(t, 120, run.Config.TransactionCap)
	require.Equal(t, status.Verification, run.Verification)

	reports, err := store.GetReports(context.Background(), a.runID)
	require.NoError(t, err)
	require.Len(t, reports, run.ReportCount)
	require.Equal(t, len(a.Reports()), run.ReportCount)
}

func TestAppServesHistoryDuringLinger(t *testing.T) {
	cfg := testConfig(t, 60)
	a := newApp(cfg, quietLogger())
	a.linger = true
	a.cfg.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Status().Phase == types.PhaseCompleted
	}, 30*time.Second, 10*time.Millisecond)

	srv := transport.NewServer(a, a, a.registry, quietLogger(), "*")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var page types.HistoryResponse
	resp, err := http.Get(ts.URL + "/v1/history")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	resp.Body.Close()
	require.Equal(t, 1, page.Total)
	run := page.Runs[0]
	require.Equal(t, a.runID, run.ID)
	require.Equal(t, types.PhaseCompleted, run.Status)
	require.Equal(t, int64(60), run.Counters.Generated)
	require.Equal(t, "sim", run.Backend)

	var detail types.RunDetail
	resp, err = http.Get(ts.URL + "/v1/history/" + run.ID)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	require.Equal(t, run.ReportCount, len(detail.Reports))

	// The backend stays open while lingering.
	require.NoError(t, a.CheckBackend(context.Background()))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "settleload_requests_total")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Error(t, a.CheckBackend(context.Background()))
}

func TestAppInterruptedRunIsCompleted(t *testing.T) {
	a := newApp(testConfig(t, 0), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Status().Counters.Settled > 0
	}, 30*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	status := a.Status()
	require.Equal(t, types.PhaseCompleted, status.Phase)
	require.Positive(t, status.Counters.Generated)
}

func TestAppBeforeRun(t *testing.T) {
	cfg := testConfig(t, 10)
	cfg.DatabasePath = ""
	a := newApp(cfg, quietLogger())

	status := a.Status()
	require.Equal(t, types.PhaseIdle, status.Phase)
	require.Equal(t, cfg.Workers, status.Config.Workers)
	require.Nil(t, a.Reports())
	require.ErrorContains(t, a.CheckBackend(context.Background()), "not connected")

	_, err := a.GetRunDetail(context.Background(), "x")
	require.ErrorIs(t, err, transport.ErrHistoryDisabled)
}

func TestBackendsCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"backends"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "sim")
	require.Contains(t, out.String(), "bitcoind")
	require.Contains(t, out.String(), "evm")
}
