package poller

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostlens/hostlens/internal/metrics"
	"github.com/hostlens/hostlens/internal/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource serves the minimal query API surface a local-only target needs
func fakeSource(t *testing.T, idle string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "vector",
				"result": [{"metric": {}, "value": [1700000000, "` + idle + `"]}]
			}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, targets ...*target.Target) (*Manager, *metrics.Store) {
	t.Helper()
	logger := discardLogger()

	registry := target.NewRegistry(logger)
	for _, tgt := range targets {
		require.NoError(t, registry.Add(tgt))
	}

	store := metrics.NewStore(time.Hour, 16, logger)
	m := NewManager(store, registry, time.Second, time.Second, logger)
	t.Cleanup(m.StopAll)
	return m, store
}

func TestStartUnknownTarget(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Error(t, m.Start("nobody@nowhere:22"))
}

func TestLocalOnlyTargetDerivesCPUFromSource(t *testing.T) {
	srv := fakeSource(t, "85")
	tgt := &target.Target{
		Label:     "localhost",
		LocalOnly: true,
		Source:    &target.TimeSeriesSource{URL: srv.URL},
	}
	m, store := newTestManager(t, tgt)

	require.NoError(t, m.Start("localhost"))

	require.Eventually(t, func() bool {
		_, ok := store.GetLatest("localhost")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := store.GetLatest("localhost")
	assert.InDelta(t, 15.0, rec.CPUPercent, 0.001)
	assert.InDelta(t, 85.0, rec.Secondary["cpu_idle_percent"], 0.001)

	// local-only targets never get a shell session
	_, hasSession := m.SessionState("localhost")
	assert.False(t, hasSession)
}

func TestLocalOnlyCPUClampedToRange(t *testing.T) {
	srv := fakeSource(t, "120")
	tgt := &target.Target{
		Label:     "localhost",
		LocalOnly: true,
		Source:    &target.TimeSeriesSource{URL: srv.URL},
	}
	m, store := newTestManager(t, tgt)

	require.NoError(t, m.Start("localhost"))

	require.Eventually(t, func() bool {
		_, ok := store.GetLatest("localhost")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := store.GetLatest("localhost")
	assert.Zero(t, rec.CPUPercent)
}

func TestStartRejectsBadTLSMaterialUpFront(t *testing.T) {
	tgt := &target.Target{
		Label:     "localhost",
		LocalOnly: true,
		Source: &target.TimeSeriesSource{
			URL:      "https://prometheus.internal:9090",
			CertFile: "/nonexistent/client.crt",
			KeyFile:  "/nonexistent/client.key",
		},
	}
	m, store := newTestManager(t, tgt)

	assert.Error(t, m.Start("localhost"))
	assert.False(t, store.IsMonitoring("localhost"))
}

func TestStopIsSafeWithoutStart(t *testing.T) {
	srv := fakeSource(t, "85")
	tgt := &target.Target{
		Label:     "localhost",
		LocalOnly: true,
		Source:    &target.TimeSeriesSource{URL: srv.URL},
	}
	m, _ := newTestManager(t, tgt)

	m.Stop("localhost")
}

func TestStopAfterStartHaltsPolling(t *testing.T) {
	srv := fakeSource(t, "85")
	tgt := &target.Target{
		Label:     "localhost",
		LocalOnly: true,
		Source:    &target.TimeSeriesSource{URL: srv.URL},
	}
	m, store := newTestManager(t, tgt)

	require.NoError(t, m.Start("localhost"))
	require.Eventually(t, func() bool {
		return store.IsMonitoring("localhost")
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop("localhost")
	assert.False(t, store.IsMonitoring("localhost"))
	_, ok := store.GetLatest("localhost")
	assert.False(t, ok)
}

func TestSourceOperationsRequireSource(t *testing.T) {
	tgt := &target.Target{
		Label: "web-01",
		Host:  "192.0.2.10",
		Auth:  &target.Auth{Username: "monitor", Password: "secret"},
	}
	m, _ := newTestManager(t, tgt)

	_, err := m.Alerts(t.Context(), tgt.Key())
	assert.Error(t, err)

	_, err = m.MetricNames(t.Context(), tgt.Key())
	assert.Error(t, err)
}
