package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticPrimary(counter *atomic.Int64, cpu float64) PrimaryFunc {
	return func(ctx context.Context) (*Record, error) {
		counter.Add(1)
		return &Record{CPUPercent: cpu, CollectedAt: time.Now()}, nil
	}
}

func waitForUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestStartMonitoringPollsImmediately(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	var count atomic.Int64
	s.StartMonitoring("web-01", staticPrimary(&count, 15), nil)

	require.Eventually(t, func() bool {
		_, ok := s.GetLatest("web-01")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	rec, ok := s.GetLatest("web-01")
	require.True(t, ok)
	assert.InDelta(t, 15.0, rec.CPUPercent, 0.001)
	assert.Equal(t, int64(1), count.Load())
}

func TestStartMonitoringIsIdempotent(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	var count atomic.Int64
	s.StartMonitoring("web-01", staticPrimary(&count, 10), nil)
	s.StartMonitoring("web-01", staticPrimary(&count, 10), nil)
	s.StartMonitoring("web-01", staticPrimary(&count, 10), nil)

	require.Eventually(t, func() bool {
		return count.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
	assert.True(t, s.IsMonitoring("web-01"))
}

func TestStopMonitoringDropsRecordAndNotifies(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	var count atomic.Int64
	s.StartMonitoring("web-01", staticPrimary(&count, 20), nil)

	first := waitForUpdate(t, updates)
	require.NotNil(t, first.Record)

	s.StopMonitoring("web-01")

	final := waitForUpdate(t, updates)
	assert.Equal(t, "web-01", final.TargetKey)
	assert.Nil(t, final.Record)

	_, ok := s.GetLatest("web-01")
	assert.False(t, ok)
	assert.False(t, s.IsMonitoring("web-01"))

	// stopping again is a no-op
	s.StopMonitoring("web-01")
}

func TestRestartAfterStopPollsImmediately(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	var count atomic.Int64
	s.StartMonitoring("web-01", staticPrimary(&count, 20), nil)
	require.Eventually(t, func() bool { return count.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.StopMonitoring("web-01")

	s.StartMonitoring("web-01", staticPrimary(&count, 30), nil)
	require.Eventually(t, func() bool {
		rec, ok := s.GetLatest("web-01")
		return ok && rec.CPUPercent == 30
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPrimaryFailureKeepsLastKnownGood(t *testing.T) {
	s := NewStore(50*time.Millisecond, 16, discardLogger())
	defer s.Shutdown()

	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	var calls atomic.Int64
	primary := func(ctx context.Context) (*Record, error) {
		if calls.Add(1) == 1 {
			return &Record{CPUPercent: 42, CollectedAt: time.Now()}, nil
		}
		return nil, errors.New("host unreachable")
	}
	s.StartMonitoring("web-01", primary, nil)

	first := waitForUpdate(t, updates)
	require.NotNil(t, first.Record)
	assert.False(t, first.Stale)

	var stale Update
	for {
		stale = waitForUpdate(t, updates)
		if stale.Stale {
			break
		}
	}
	assert.Equal(t, "web-01", stale.TargetKey)
	assert.Contains(t, stale.Err, "host unreachable")
	require.NotNil(t, stale.Record)
	assert.InDelta(t, 42.0, stale.Record.CPUPercent, 0.001)

	// the stored record survives the failed cycle
	rec, ok := s.GetLatest("web-01")
	require.True(t, ok)
	assert.InDelta(t, 42.0, rec.CPUPercent, 0.001)
}

func TestSecondaryFailureNeverCostsPrimary(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	var count atomic.Int64
	secondary := func(ctx context.Context) (map[string]float64, error) {
		return nil, errors.New("query service down")
	}
	s.StartMonitoring("web-01", staticPrimary(&count, 33), secondary)

	require.Eventually(t, func() bool {
		_, ok := s.GetLatest("web-01")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := s.GetLatest("web-01")
	assert.InDelta(t, 33.0, rec.CPUPercent, 0.001)
	assert.Nil(t, rec.Secondary)
}

func TestSecondaryValuesMergeIntoRecord(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	var count atomic.Int64
	secondary := func(ctx context.Context) (map[string]float64, error) {
		return map[string]float64{"net_rx_bytes_per_sec": 1024}, nil
	}
	s.StartMonitoring("web-01", staticPrimary(&count, 5), secondary)

	require.Eventually(t, func() bool {
		rec, ok := s.GetLatest("web-01")
		return ok && rec.Secondary != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := s.GetLatest("web-01")
	assert.InDelta(t, 1024.0, rec.Secondary["net_rx_bytes_per_sec"], 0.001)
}

func TestGetLatestReturnsCopy(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	var count atomic.Int64
	secondary := func(ctx context.Context) (map[string]float64, error) {
		return map[string]float64{"x": 1}, nil
	}
	s.StartMonitoring("web-01", staticPrimary(&count, 5), secondary)

	require.Eventually(t, func() bool {
		rec, ok := s.GetLatest("web-01")
		return ok && rec.Secondary != nil
	}, 2*time.Second, 10*time.Millisecond)

	first, _ := s.GetLatest("web-01")
	first.Secondary["x"] = 999

	second, _ := s.GetLatest("web-01")
	assert.InDelta(t, 1.0, second.Secondary["x"], 0.001)
}

func TestOutOfOrderResultNeverOverwritesNewer(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	e := &entry{cancel: func() {}, done: make(chan struct{})}
	close(e.done)
	s.mu.Lock()
	s.entries["web-01"] = e
	s.mu.Unlock()

	// cycle B (seq 2) lands before the slower cycle A (seq 1)
	s.publish("web-01", e, 0, 2, &Record{CPUPercent: 2}, s.logger)
	s.publish("web-01", e, 0, 1, &Record{CPUPercent: 1}, s.logger)

	rec, ok := s.GetLatest("web-01")
	require.True(t, ok)
	assert.InDelta(t, 2.0, rec.CPUPercent, 0.001)
}

func TestResultFromStoppedGenerationIsDiscarded(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	e := &entry{generation: 1, cancel: func() {}, done: make(chan struct{})}
	close(e.done)
	s.mu.Lock()
	s.entries["web-01"] = e
	s.mu.Unlock()

	// an in-flight cycle from before the restart completes late
	s.publish("web-01", e, 0, 1, &Record{CPUPercent: 7}, s.logger)

	_, ok := s.GetLatest("web-01")
	assert.False(t, ok)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())
	defer s.Shutdown()

	updates, unsubscribe := s.Subscribe()
	unsubscribe()

	_, open := <-updates
	assert.False(t, open)

	// cancelling twice is safe
	unsubscribe()
}

func TestShutdownStopsEverything(t *testing.T) {
	s := NewStore(time.Hour, 16, discardLogger())

	var a, b atomic.Int64
	s.StartMonitoring("web-01", staticPrimary(&a, 1), nil)
	s.StartMonitoring("db-01", staticPrimary(&b, 2), nil)

	require.Eventually(t, func() bool {
		return a.Load() >= 1 && b.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Shutdown()

	assert.False(t, s.IsMonitoring("web-01"))
	assert.False(t, s.IsMonitoring("db-01"))
}
