package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PrimaryFunc produces the primary record for one poll cycle. For
// shell-backed targets this is the probe battery; for local-only targets it
// is derived from the time-series source.
type PrimaryFunc func(ctx context.Context) (*Record, error)

// SecondaryFunc fetches the best-effort supplementary value map. It may be
// nil when the target has no time-series source.
type SecondaryFunc func(ctx context.Context) (map[string]float64, error)

// Update is the change notification delivered to subscribers. Record is nil
// after monitoring stops so consumers can clear their views. Err carries the
// last cycle error when the published record is stale.
type Update struct {
	TargetKey string
	Record    *Record
	Err       string
	Stale     bool
	Timestamp time.Time
}

// entry is the per-target monitoring state, owned exclusively by the store
type entry struct {
	latest       *Record
	lastErr      string
	publishedSeq uint64
	nextSeq      uint64
	generation   uint64
	cancel       context.CancelFunc
	done         chan struct{}
}

// Store keeps the latest merged record per target and owns the polling
// loops that refresh them. One independent timer-driven task runs per
// target; targets never block each other.
type Store struct {
	interval   time.Duration
	bufferSize int
	logger     *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	subMu       sync.Mutex
	subscribers map[int]chan Update
	nextSubID   int

	wg sync.WaitGroup
}

// NewStore creates a store polling at the given interval
func NewStore(interval time.Duration, bufferSize int, logger *slog.Logger) *Store {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Store{
		interval:    interval,
		bufferSize:  bufferSize,
		logger:      logger.With("component", "metrics-store"),
		entries:     make(map[string]*entry),
		subscribers: make(map[int]chan Update),
	}
}

// StartMonitoring begins the recurring poll for a target. It is idempotent:
// a second call for an already-polling key is a no-op. The first poll runs
// immediately rather than waiting a full interval.
func (s *Store) StartMonitoring(key string, primary PrimaryFunc, secondary SecondaryFunc) {
	s.mu.Lock()
	if _, exists := s.entries[key]; exists {
		s.mu.Unlock()
		s.logger.Debug("already monitoring", "target", key)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.entries[key] = e
	gen := e.generation
	s.mu.Unlock()

	s.logger.Info("monitoring started", "target", key, "interval", s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(e.done)
		s.pollLoop(ctx, key, e, gen, primary, secondary)
	}()
}

// StopMonitoring cancels the poll loop, drops the stored record, and fires a
// final notification so consumers can clear. Idempotent when not polling.
func (s *Store) StopMonitoring(key string) {
	s.mu.Lock()
	e, exists := s.entries[key]
	if !exists {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	e.generation++
	e.latest = nil
	s.mu.Unlock()

	e.cancel()
	<-e.done

	s.logger.Info("monitoring stopped", "target", key)
	s.notify(Update{TargetKey: key, Record: nil, Timestamp: time.Now()})
}

// GetLatest is a non-blocking snapshot read; it never triggers a fetch
func (s *Store) GetLatest(key string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[key]
	if !exists || e.latest == nil {
		return nil, false
	}
	return e.latest.Clone(), true
}

// IsMonitoring reports whether a poll loop is active for the key
func (s *Store) IsMonitoring(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entries[key]
	return exists
}

// Subscribe registers a change-notification channel. The returned cancel
// function removes the subscription and closes the channel.
func (s *Store) Subscribe() (<-chan Update, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Update, s.bufferSize)
	s.subscribers[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if ch, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
}

// Shutdown stops all poll loops and waits for them to finish
func (s *Store) Shutdown() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.StopMonitoring(k)
	}
	s.wg.Wait()
}

// pollLoop drives one target: an immediate poll, then one per interval tick
func (s *Store) pollLoop(ctx context.Context, key string, e *entry, gen uint64, primary PrimaryFunc, secondary SecondaryFunc) {
	s.poll(ctx, key, e, gen, primary, secondary)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, key, e, gen, primary, secondary)
		}
	}
}

// poll runs one cycle: primary collection, best-effort secondary merge,
// guarded publish, change notification.
func (s *Store) poll(ctx context.Context, key string, e *entry, gen uint64, primary PrimaryFunc, secondary SecondaryFunc) {
	s.mu.Lock()
	e.nextSeq++
	seq := e.nextSeq
	s.mu.Unlock()

	cycleID := uuid.New().String()
	logger := s.logger.With("target", key, "cycle", cycleID)

	// The whole cycle is bounded; probes piling up past the deadline are a
	// cycle failure, not a queue.
	cycleCtx, cancel := context.WithTimeout(ctx, 2*s.interval)
	defer cancel()

	rec, err := primary(cycleCtx)
	if err != nil {
		// Keep the last-known-good record; the error is surfaced on the
		// side channel only. Retry happens at the next scheduled tick.
		s.mu.Lock()
		e.lastErr = err.Error()
		stale := e.latest.Clone()
		s.mu.Unlock()

		logger.Warn("poll cycle failed", "error", err)
		s.notify(Update{
			TargetKey: key,
			Record:    stale,
			Err:       err.Error(),
			Stale:     true,
			Timestamp: time.Now(),
		})
		return
	}

	if secondary != nil {
		values, serr := secondary(cycleCtx)
		if serr != nil {
			// Absorbed here: the secondary source failing must never cost
			// us the primary record.
			logger.Warn("secondary source unavailable", "error", serr)
		} else if len(values) > 0 {
			rec.Secondary = values
		}
	}

	s.publish(key, e, gen, seq, rec, logger)
}

// publish stores the record unless a newer cycle already published or
// monitoring was stopped/restarted while this cycle was in flight.
func (s *Store) publish(key string, e *entry, gen, seq uint64, rec *Record, logger *slog.Logger) {
	s.mu.Lock()
	if e.generation != gen {
		s.mu.Unlock()
		logger.Debug("discarding result from stopped cycle")
		return
	}
	if seq <= e.publishedSeq {
		s.mu.Unlock()
		logger.Debug("discarding out-of-order result", "seq", seq, "published", e.publishedSeq)
		return
	}
	e.latest = rec
	e.publishedSeq = seq
	e.lastErr = ""
	s.mu.Unlock()

	logger.Debug("record published", "seq", seq)
	s.notify(Update{
		TargetKey: key,
		Record:    rec.Clone(),
		Timestamp: time.Now(),
	})
}

// notify fans an update out to all subscribers without blocking the poll
// loop; a full subscriber buffer drops the update with a warning.
func (s *Store) notify(u Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- u:
		default:
			s.logger.Warn("subscriber buffer full, dropping update",
				"subscriber", id,
				"target", u.TargetKey,
			)
		}
	}
}
