package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mcpgate/internal/model"
	"github.com/ashita-ai/mcpgate/internal/telemetry"
)

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("audit: store closed")

// Store persists batches of audit events.
type Store interface {
	InsertEvents(ctx context.Context, events []model.AuditEvent) (int64, error)
	RecentEvents(ctx context.Context, limit int) ([]model.AuditEvent, error)
	Close() error
}

// Buffer accumulates events in memory and writes them to a Store when either
// the batch size or the flush interval is reached. Append never blocks the
// request path; events that do not fit are written to the error log instead.
type Buffer struct {
	store         Store
	logger        *slog.Logger
	batchSize     int
	capacity      int
	flushInterval time.Duration

	mu     sync.Mutex
	events []model.AuditEvent

	overflow atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
	started    bool
}

// NewBuffer creates a buffer that flushes batches of batchSize. It holds at
// most 20 batches before overflowing.
func NewBuffer(store Store, logger *slog.Logger, batchSize int, flushInterval time.Duration) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		store:         store,
		logger:        logger,
		batchSize:     batchSize,
		capacity:      batchSize * 20,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers metrics. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	b.started = true
	go b.flushLoop(loopCtx)
}

// Append queues an event for the store.
func (b *Buffer) Append(e model.AuditEvent) {
	b.mu.Lock()
	if len(b.events) >= b.capacity {
		b.mu.Unlock()
		b.spill("audit: buffer full, event not persisted to store", []model.AuditEvent{e})
		return
	}
	b.events = append(b.events, e)
	full := len(b.events) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// spill writes events that could not be queued to the error log so they are
// still durable through the log file.
func (b *Buffer) spill(msg string, events []model.AuditEvent) {
	b.overflow.Add(int64(len(events)))
	for _, e := range events {
		attrs := append(eventAttrs(e), slog.Bool("audit_overflow", true))
		b.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx := b.drainCtx
			if flushCtx == nil {
				var cancel context.CancelFunc
				flushCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			b.finalFlush(flushCtx)
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.store.InsertEvents(ctx, batch)
	if err != nil {
		b.logger.Error("audit: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.events)+len(batch) <= b.capacity {
			b.events = append(batch, b.events...)
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		b.spill("audit: buffer full after flush failure, event not persisted to store", batch)
		return
	}

	b.logger.Debug("audit: batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// finalFlush writes what is queued and spills anything the store refused.
func (b *Buffer) finalFlush(ctx context.Context) {
	b.flush(ctx)
	b.mu.Lock()
	leftover := b.events
	b.events = nil
	b.mu.Unlock()
	if len(leftover) > 0 {
		b.spill("audit: final flush failed, event not persisted to store", leftover)
	}
}

// Drain stops the flush loop after a final flush. ctx bounds both the wait
// and the final write. A buffer that was never started is flushed inline.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started {
		b.finalFlush(ctx)
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("audit: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("mcpgate/audit")

	_, _ = meter.Int64ObservableGauge("mcpgate.audit.buffer.depth",
		metric.WithDescription("Audit events waiting to be written to the store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mcpgate.audit.overflow_total",
		metric.WithDescription("Audit events written only to the log because the store buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Overflow())
			return nil
		}),
	)
}

// Len returns the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Overflow returns how many events bypassed the store.
func (b *Buffer) Overflow() int64 {
	return b.overflow.Load()
}
