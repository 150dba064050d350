// Package poller ties the acquisition pipeline together: it owns the remote
// sessions, builds the per-target collection functions, and drives the
// metrics store.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hostlens/hostlens/internal/metrics"
	"github.com/hostlens/hostlens/internal/probe"
	"github.com/hostlens/hostlens/internal/remote"
	"github.com/hostlens/hostlens/internal/target"
	"github.com/hostlens/hostlens/internal/tsdb"
)

// supplementaryQueries is the small fixed set of expressions layered onto a
// shell-probed record when the target has a time-series source.
var supplementaryQueries = map[string]string{
	"cpu_idle_percent":      `avg(rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100`,
	"net_rx_bytes_per_sec":  `sum(rate(node_network_receive_bytes_total[5m]))`,
	"net_tx_bytes_per_sec":  `sum(rate(node_network_transmit_bytes_total[5m]))`,
	"fs_read_bytes_per_sec": `sum(rate(node_disk_read_bytes_total[5m]))`,
}

// localCPUIdleQuery derives the CPU field for local-only targets. The
// expression yields an idle fraction in percent; usage is 100 minus that,
// clamped to [0,100].
const localCPUIdleQuery = `avg(rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100`

// Manager owns at most one live session per target key and registers the
// collection functions with the store.
type Manager struct {
	store          *metrics.Store
	registry       *target.Registry
	connectTimeout time.Duration
	queryTimeout   time.Duration
	logger         *slog.Logger

	sessMu   sync.Mutex
	sessions map[string]*remote.Session

	clientMu sync.Mutex
	clients  map[string]*tsdb.Client
}

// NewManager creates a poller manager
func NewManager(store *metrics.Store, registry *target.Registry, connectTimeout, queryTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:          store,
		registry:       registry,
		connectTimeout: connectTimeout,
		queryTimeout:   queryTimeout,
		logger:         logger.With("component", "poller"),
		sessions:       make(map[string]*remote.Session),
		clients:        make(map[string]*tsdb.Client),
	}
}

// Start begins monitoring a target by key. Idempotent while already polling.
func (m *Manager) Start(key string) error {
	t, ok := m.registry.Get(key)
	if !ok {
		return fmt.Errorf("unknown target: %s", key)
	}

	var secondary metrics.SecondaryFunc
	if t.Source != nil {
		client, err := m.clientFor(t)
		if err != nil {
			return err
		}
		if !t.LocalOnly {
			secondary = m.secondaryFunc(client)
		}
	}

	var primary metrics.PrimaryFunc
	if t.LocalOnly {
		client, err := m.clientFor(t)
		if err != nil {
			return err
		}
		primary = m.localPrimaryFunc(client)
	} else {
		primary = m.shellPrimaryFunc(t)
	}

	m.store.StartMonitoring(key, primary, secondary)
	return nil
}

// Stop halts monitoring and tears down the target's session if one is live
func (m *Manager) Stop(key string) {
	m.store.StopMonitoring(key)

	m.sessMu.Lock()
	sess, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.sessMu.Unlock()

	if ok {
		if err := sess.Close(); err != nil {
			m.logger.Warn("failed to close session", "target", key, "error", err)
		}
	}
}

// StopAll tears down every monitored target
func (m *Manager) StopAll() {
	for _, t := range m.registry.List() {
		m.Stop(t.Key())
	}
	m.store.Shutdown()
}

// SessionState reports the connectivity state for a target's session
func (m *Manager) SessionState(key string) (remote.State, bool) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		return remote.StateClosed, false
	}
	return sess.State(), true
}

// Alerts returns the firing alerts from the target's time-series source
func (m *Manager) Alerts(ctx context.Context, key string) ([]tsdb.Alert, error) {
	client, err := m.sourceClient(key)
	if err != nil {
		return nil, err
	}
	return client.ListAlerts(ctx)
}

// MetricNames enumerates the metric names known to the target's source
func (m *Manager) MetricNames(ctx context.Context, key string) ([]string, error) {
	client, err := m.sourceClient(key)
	if err != nil {
		return nil, err
	}
	return client.ListMetricNames(ctx)
}

// QueryRange evaluates a range query against the target's source
func (m *Manager) QueryRange(ctx context.Context, key, expr string, start, end time.Time, step time.Duration) ([]tsdb.RangeSeries, error) {
	client, err := m.sourceClient(key)
	if err != nil {
		return nil, err
	}
	return client.QueryRange(ctx, expr, start, end, step)
}

// sourceClient resolves the time-series client for a target that has one
func (m *Manager) sourceClient(key string) (*tsdb.Client, error) {
	t, ok := m.registry.Get(key)
	if !ok {
		return nil, fmt.Errorf("unknown target: %s", key)
	}
	if t.Source == nil {
		return nil, fmt.Errorf("target %s has no time-series source", key)
	}
	return m.clientFor(t)
}

// shellPrimaryFunc runs the probe battery over the target's session,
// reconnecting from scratch when the previous session failed.
func (m *Manager) shellPrimaryFunc(t *target.Target) metrics.PrimaryFunc {
	key := t.Key()
	return func(ctx context.Context) (*metrics.Record, error) {
		sess, err := m.ensureSession(ctx, t)
		if err != nil {
			return nil, err
		}
		rec, err := probe.Collect(ctx, sess, m.logger.With("target", key))
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

// ensureSession reuses the target's Ready session or replaces a dead one.
// Two sessions never run in parallel for the same key.
func (m *Manager) ensureSession(ctx context.Context, t *target.Target) (*remote.Session, error) {
	key := t.Key()

	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	if sess, ok := m.sessions[key]; ok {
		if sess.State() == remote.StateReady {
			return sess, nil
		}
		// Failed or closed sessions are never resumed
		sess.Close()
		delete(m.sessions, key)
		m.logger.Info("replacing dead session", "target", key, "state", sess.State())
	}

	sess, err := remote.Connect(ctx, t, m.connectTimeout, m.logger)
	if err != nil {
		return nil, err
	}
	m.sessions[key] = sess
	return sess, nil
}

// clientFor builds (once) the time-series client for a target's source.
// TLS material problems surface here, before any polling starts.
func (m *Manager) clientFor(t *target.Target) (*tsdb.Client, error) {
	key := t.Key()

	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	if c, ok := m.clients[key]; ok {
		return c, nil
	}

	c, err := tsdb.NewClient(t.Source.URL, tsdb.Options{
		CertFile: t.Source.CertFile,
		KeyFile:  t.Source.KeyFile,
		CAFile:   t.Source.CAFile,
		Timeout:  m.queryTimeout,
	}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("time-series client for %s: %w", key, err)
	}
	m.clients[key] = c
	return c, nil
}

// secondaryFunc fetches the supplementary query set. Queries run
// concurrently with each other, each under its own timeout, and are awaited
// together before the merge.
func (m *Manager) secondaryFunc(client *tsdb.Client) metrics.SecondaryFunc {
	return func(ctx context.Context) (map[string]float64, error) {
		type result struct {
			name  string
			value float64
			ok    bool
			err   error
		}

		results := make(chan result, len(supplementaryQueries))
		var wg sync.WaitGroup

		for name, expr := range supplementaryQueries {
			wg.Add(1)
			go func(name, expr string) {
				defer wg.Done()
				qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
				defer cancel()

				series, err := client.QueryInstant(qctx, expr)
				if err != nil {
					results <- result{name: name, err: err}
					return
				}
				if len(series) == 0 {
					results <- result{name: name}
					return
				}
				results <- result{name: name, value: series[0].Value.Value, ok: true}
			}(name, expr)
		}

		wg.Wait()
		close(results)

		values := make(map[string]float64)
		var firstErr error
		for r := range results {
			if r.err != nil {
				if firstErr == nil {
					firstErr = r.err
				}
				continue
			}
			if r.ok {
				values[r.name] = r.value
			}
		}

		if len(values) == 0 && firstErr != nil {
			return nil, firstErr
		}
		return values, nil
	}
}

// localPrimaryFunc drives a local-only target purely from the time-series
// source. CPU usage is 100 minus the idle percentage; until the source has
// data the field stays at the neutral 0, never fabricated.
func (m *Manager) localPrimaryFunc(client *tsdb.Client) metrics.PrimaryFunc {
	return func(ctx context.Context) (*metrics.Record, error) {
		qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
		defer cancel()

		series, err := client.QueryInstant(qctx, localCPUIdleQuery)
		if err != nil {
			return nil, err
		}

		rec := &metrics.Record{CollectedAt: time.Now()}
		if len(series) > 0 {
			usage := 100 - series[0].Value.Value
			if usage < 0 {
				usage = 0
			}
			if usage > 100 {
				usage = 100
			}
			rec.CPUPercent = usage
			rec.Secondary = map[string]float64{"cpu_idle_percent": series[0].Value.Value}
		}
		return rec, nil
	}
}
