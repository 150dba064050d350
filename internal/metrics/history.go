package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HistoryRow is one published record ready for database insertion
type HistoryRow struct {
	ID          uuid.UUID
	TargetKey   string
	CollectedAt time.Time
	Record      *Record
}

// HistoryConfig tunes the batch writer
type HistoryConfig struct {
	BatchSize              int
	FlushInterval          time.Duration
	MaxConsecutiveFailures int
}

// HistoryWriter persists published records in bulk using the pgx COPY
// protocol. Failed batches are requeued until a consecutive-failure cap is
// reached, after which they are dropped rather than growing without bound.
type HistoryWriter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	cfg    HistoryConfig

	submitCh chan HistoryRow

	currentBatch []HistoryRow
	batchMu      sync.Mutex

	requeueBuffer []HistoryRow
	bufferMu      sync.Mutex

	consecutiveFailures int
}

// NewHistoryWriter creates a history writer
func NewHistoryWriter(pool *pgxpool.Pool, cfg HistoryConfig, logger *slog.Logger) *HistoryWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}

	return &HistoryWriter{
		pool:         pool,
		logger:       logger.With("component", "history-writer"),
		cfg:          cfg,
		submitCh:     make(chan HistoryRow, cfg.BatchSize*2),
		currentBatch: make([]HistoryRow, 0, cfg.BatchSize),
	}
}

// Submit queues one record for persistence with backpressure: it blocks
// when the submit channel is full.
func (hw *HistoryWriter) Submit(ctx context.Context, key string, rec *Record) error {
	row := HistoryRow{
		ID:          uuid.New(),
		TargetKey:   key,
		CollectedAt: rec.CollectedAt,
		Record:      rec,
	}
	select {
	case hw.submitCh <- row:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit cancelled: %w", ctx.Err())
	}
}

// Run starts the writer's main processing loop and blocks until the
// context is cancelled, flushing remaining rows on the way out.
func (hw *HistoryWriter) Run(ctx context.Context) error {
	hw.logger.Info("history writer starting",
		"batch_size", hw.cfg.BatchSize,
		"flush_interval", hw.cfg.FlushInterval,
	)

	flushTicker := time.NewTicker(hw.cfg.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			hw.logger.Info("history writer shutting down, flushing remaining rows")
			if err := hw.flush(context.Background()); err != nil {
				hw.logger.Error("final flush failed", "error", err)
			}
			return ctx.Err()

		case row := <-hw.submitCh:
			hw.batchMu.Lock()
			hw.currentBatch = append(hw.currentBatch, row)
			currentSize := len(hw.currentBatch)
			hw.batchMu.Unlock()

			if currentSize >= hw.cfg.BatchSize {
				if err := hw.flush(ctx); err != nil {
					hw.logger.Error("flush on batch size failed", "error", err)
				}
			}

		case <-flushTicker.C:
			hw.batchMu.Lock()
			hasData := len(hw.currentBatch) > 0
			hw.batchMu.Unlock()

			if hasData {
				if err := hw.flush(ctx); err != nil {
					hw.logger.Error("periodic flush failed", "error", err)
				}
			}
		}
	}
}

// flush writes the current batch plus any requeued rows
func (hw *HistoryWriter) flush(ctx context.Context) error {
	hw.batchMu.Lock()
	if len(hw.currentBatch) == 0 {
		hw.batchMu.Unlock()
		return nil
	}
	batch := hw.currentBatch
	hw.currentBatch = make([]HistoryRow, 0, hw.cfg.BatchSize)
	hw.batchMu.Unlock()

	hw.bufferMu.Lock()
	if len(hw.requeueBuffer) > 0 {
		requeued := len(hw.requeueBuffer)
		batch = append(hw.requeueBuffer, batch...)
		hw.requeueBuffer = nil
		hw.logger.Info("including requeued rows in flush", "requeued_count", requeued)
	}
	hw.bufferMu.Unlock()

	start := time.Now()
	err := hw.writeBatch(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		hw.logger.Error("batch write failed",
			"error", err,
			"batch_size", len(batch),
			"duration_ms", duration.Milliseconds(),
		)

		hw.consecutiveFailures++
		if hw.consecutiveFailures < hw.cfg.MaxConsecutiveFailures {
			hw.requeue(batch)
		} else {
			hw.logger.Error("max consecutive failures reached, dropping batch",
				"consecutive_failures", hw.consecutiveFailures,
				"dropped_count", len(batch),
			)
		}
		return err
	}

	hw.consecutiveFailures = 0
	hw.logger.Debug("batch written",
		"batch_size", len(batch),
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// writeBatch performs the actual database write using COPY
func (hw *HistoryWriter) writeBatch(ctx context.Context, batch []HistoryRow) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := hw.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			hw.logger.Warn("failed to rollback transaction", "error", err)
		}
	}()

	copyCount, err := tx.Conn().CopyFrom(
		ctx,
		pgx.Identifier{"metrics_history"},
		[]string{
			"id", "target_key", "collected_at",
			"cpu_percent", "memory_used_mib", "memory_total_mib",
			"disk_used_gib", "disk_total_gib", "uptime_seconds",
			"load1", "load5", "load15", "secondary",
		},
		pgx.CopyFromSlice(len(batch), func(i int) ([]interface{}, error) {
			row := batch[i]
			rec := row.Record

			var secondaryJSON []byte
			if rec.Secondary != nil {
				secondaryJSON, err = json.Marshal(rec.Secondary)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal secondary map: %w", err)
				}
			}

			return []interface{}{
				row.ID,
				row.TargetKey,
				row.CollectedAt,
				rec.CPUPercent,
				rec.Memory.UsedMiB,
				rec.Memory.TotalMiB,
				rec.Disk.UsedGiB,
				rec.Disk.TotalGiB,
				rec.UptimeSeconds,
				rec.Load1,
				rec.Load5,
				rec.Load15,
				secondaryJSON,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("COPY operation failed: %w", err)
	}
	if copyCount != int64(len(batch)) {
		return fmt.Errorf("COPY count mismatch: expected %d, got %d", len(batch), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// requeue holds failed rows for the next flush, capped at ten batches
func (hw *HistoryWriter) requeue(batch []HistoryRow) {
	hw.bufferMu.Lock()
	defer hw.bufferMu.Unlock()

	maxBufferSize := hw.cfg.BatchSize * 10
	availableSpace := maxBufferSize - len(hw.requeueBuffer)
	if availableSpace <= 0 {
		hw.logger.Warn("requeue buffer full, dropping batch",
			"buffer_size", len(hw.requeueBuffer),
			"dropped_count", len(batch),
		)
		return
	}

	toRequeue := batch
	if len(batch) > availableSpace {
		toRequeue = batch[:availableSpace]
		hw.logger.Warn("partial requeue due to buffer limit",
			"requested", len(batch),
			"requeued", len(toRequeue),
		)
	}
	hw.requeueBuffer = append(hw.requeueBuffer, toRequeue...)
}

// History reads recent rows back for the API's history endpoint
func (hw *HistoryWriter) History(ctx context.Context, key string, limit int) ([]HistoryRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := hw.pool.Query(ctx, `
		SELECT id, target_key, collected_at,
		       cpu_percent, memory_used_mib, memory_total_mib,
		       disk_used_gib, disk_total_gib, uptime_seconds,
		       load1, load5, load15, secondary
		FROM metrics_history
		WHERE target_key = $1
		ORDER BY collected_at DESC
		LIMIT $2`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var result []HistoryRow
	for rows.Next() {
		var row HistoryRow
		var rec Record
		var secondaryJSON []byte
		if err := rows.Scan(
			&row.ID, &row.TargetKey, &row.CollectedAt,
			&rec.CPUPercent, &rec.Memory.UsedMiB, &rec.Memory.TotalMiB,
			&rec.Disk.UsedGiB, &rec.Disk.TotalGiB, &rec.UptimeSeconds,
			&rec.Load1, &rec.Load5, &rec.Load15, &secondaryJSON,
		); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		if len(secondaryJSON) > 0 {
			if err := json.Unmarshal(secondaryJSON, &rec.Secondary); err != nil {
				return nil, fmt.Errorf("failed to parse secondary map: %w", err)
			}
		}
		rec.CollectedAt = row.CollectedAt
		row.Record = &rec
		result = append(result, row)
	}
	return result, rows.Err()
}
