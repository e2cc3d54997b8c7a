// Package consumer drains the shared ring and feeds the aggregation
// engine. It is the single logical consumer thread: no other party may
// advance the ring's tail.
package consumer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/khires/pkg/aggregate"
	"github.com/yairfalse/khires/pkg/cycles"
	"github.com/yairfalse/khires/pkg/domain"
)

// Buffer is the drained side of the shared ring.
type Buffer interface {
	Pop() (domain.LogEntry, bool)
	DroppedCount() uint64
}

// Consumer runs the drain loop and owns the aggregation engine.
type Consumer struct {
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	config *Config
	buf    Buffer
	stats  *aggregate.Stats

	entriesProcessed atomic.Uint64
	lastDropped      uint64

	eventsProcessed metric.Int64Counter
	droppedEvents   metric.Int64Counter
	errorsTotal     metric.Int64Counter
	processingTime  metric.Float64Histogram
}

// New creates a consumer over buf. cfg may be nil for defaults.
func New(cfg *Config, buf Buffer, logger *zap.Logger) (*Consumer, error) {
	if buf == nil {
		return nil, fmt.Errorf("buffer cannot be nil")
	}
	if cfg == nil {
		cfg = NewDefaultConfig("khires")
	}
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	tracer := otel.Tracer("khires-consumer")
	meter := otel.Meter("khires-consumer")

	eventsProcessed, err := meter.Int64Counter(
		fmt.Sprintf("%s_entries_processed_total", cfg.Name),
		metric.WithDescription(fmt.Sprintf("Total ring entries processed by %s", cfg.Name)),
	)
	if err != nil {
		logger.Warn("Failed to create entries processed counter", zap.Error(err))
	}

	droppedEvents, err := meter.Int64Counter(
		fmt.Sprintf("%s_dropped_entries_total", cfg.Name),
		metric.WithDescription(fmt.Sprintf("Total producer-side drops observed by %s", cfg.Name)),
	)
	if err != nil {
		logger.Warn("Failed to create dropped entries counter", zap.Error(err))
	}

	errorsTotal, err := meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", cfg.Name),
		metric.WithDescription(fmt.Sprintf("Total protocol anomalies seen by %s", cfg.Name)),
	)
	if err != nil {
		logger.Warn("Failed to create errors counter", zap.Error(err))
	}

	processingTime, err := meter.Float64Histogram(
		fmt.Sprintf("%s_processing_duration_us", cfg.Name),
		metric.WithDescription(fmt.Sprintf("Per-entry processing duration for %s in microseconds", cfg.Name)),
	)
	if err != nil {
		logger.Warn("Failed to create processing time histogram", zap.Error(err))
	}

	return &Consumer{
		name:            cfg.Name,
		logger:          logger.Named(cfg.Name),
		tracer:          tracer,
		config:          cfg,
		buf:             buf,
		stats:           aggregate.New(cfg.SampleCap, logger),
		eventsProcessed: eventsProcessed,
		droppedEvents:   droppedEvents,
		errorsTotal:     errorsTotal,
		processingTime:  processingTime,
	}, nil
}

// Name returns the consumer name.
func (c *Consumer) Name() string { return c.name }

// EntriesProcessed returns how many entries the loop has aggregated.
func (c *Consumer) EntriesProcessed() uint64 { return c.entriesProcessed.Load() }

// Run drains the ring until ctx is cancelled. Shutdown latency is bounded
// by one poll interval; the final drop delta is always flushed before
// returning so cancellation never loses accounting.
func (c *Consumer) Run(ctx context.Context) error {
	_, span := c.tracer.Start(ctx, "consumer.run")
	defer span.End()

	c.logger.Info("consumer loop starting",
		zap.Duration("poll_interval", c.config.PollInterval),
		zap.Bool("busy_poll", c.config.PollInterval == 0),
	)

	var nextDropCheck time.Time
	if c.config.DropCheckInterval > 0 {
		nextDropCheck = time.Now().Add(c.config.DropCheckInterval)
	}

	for ctx.Err() == nil {
		entry, ok := c.buf.Pop()
		switch {
		case ok:
			start := time.Now()
			c.process(ctx, &entry)
			if c.processingTime != nil {
				c.processingTime.Record(ctx, float64(time.Since(start).Nanoseconds())/1e3)
			}
		case c.config.PollInterval > 0:
			select {
			case <-ctx.Done():
			case <-time.After(c.config.PollInterval):
			}
		default:
			// Busy poll. The caller asked for minimum latency and pays
			// with a full core.
		}

		if !nextDropCheck.IsZero() && time.Now().After(nextDropCheck) {
			c.checkDrops(ctx)
			nextDropCheck = time.Now().Add(c.config.DropCheckInterval)
		}
	}

	c.checkDrops(ctx)
	c.logger.Info("consumer loop stopped",
		zap.Uint64("entries_processed", c.entriesProcessed.Load()),
	)
	return nil
}

func (c *Consumer) process(ctx context.Context, entry *domain.LogEntry) {
	// Pop already enforced the handshake; a clear VALID here means the
	// slot was torn. Surface it, don't aggregate it.
	if !entry.Valid() {
		if c.errorsTotal != nil {
			c.errorsTotal.Add(ctx, 1)
		}
		c.logger.Warn("entry without VALID flag, discarding",
			zap.Uint32("event_id", entry.EventID),
			zap.Uint32("cpu_id", entry.CPUID),
		)
		return
	}

	c.stats.Record(entry.EventID, entry.Data1)
	c.entriesProcessed.Add(1)
	if c.eventsProcessed != nil {
		c.eventsProcessed.Add(ctx, 1)
	}
}

// checkDrops reports growth in the producer drop counter since the last
// check. Only the delta is warned about, so repeated polls never re-report
// the same loss.
func (c *Consumer) checkDrops(ctx context.Context) {
	dropped := c.buf.DroppedCount()
	if dropped <= c.lastDropped {
		return
	}
	delta := dropped - c.lastDropped
	c.lastDropped = dropped
	c.logger.Warn("producer dropped entries",
		zap.Uint64("delta", delta),
		zap.Uint64("total_dropped", dropped),
	)
	if c.droppedEvents != nil {
		c.droppedEvents.Add(ctx, int64(delta))
	}
}

// Report logs the final per-event summary, converting cycle averages to
// microseconds with the connection's calibration constant, and returns the
// summaries for programmatic use.
func (c *Consumer) Report(perUS cycles.PerUS) []aggregate.Summary {
	summaries := c.stats.Summarize()
	for _, s := range summaries {
		c.logger.Info("event summary",
			zap.Uint32("event_id", s.EventID),
			zap.Uint64("count", s.Count),
			zap.Float64("avg_cycles", s.Average),
			zap.Float64("avg_us", perUS.ToMicros(s.Average)),
		)
	}
	c.logger.Info("consumer totals",
		zap.Uint64("entries_processed", c.entriesProcessed.Load()),
		zap.Uint64("entries_dropped", c.buf.DroppedCount()),
	)
	return summaries
}
