package storage

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// CreateTableSQL is the decision_events table used by the writer and by
// the forensics reader.
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS decision_events (
	decision_id      String,
	kind             LowCardinality(String),
	timestamp        DateTime64(3, 'UTC'),
	sender           String,
	recipient        String,
	action           LowCardinality(String),
	rule             LowCardinality(String),
	reason           String,
	score            Float32,
	tags             Array(String),
	signal_names     Array(String),
	signal_scores    Array(Float32),
	signal_details   Array(String),
	isolated_now     UInt8,
	unavailable      UInt8,
	failure_kind     LowCardinality(String),
	failure_policy   LowCardinality(String),
	content_preview  String,
	content_hash     String,
	content_size     UInt32,
	latency_ms       Float32,
	operator         String
) ENGINE = MergeTree
ORDER BY (sender, timestamp)
TTL toDateTime(timestamp) + INTERVAL 90 DAY`

// batcher buffers events and hands them to flush in batches from a single
// background goroutine.
type batcher struct {
	buffer  chan *DecisionEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	flush   func([]*DecisionEvent)
	dropped atomic.Int64
	onDrop  func()
	logger  *zap.Logger
}

func newBatcher(flush func([]*DecisionEvent), size int, logger *zap.Logger) *batcher {
	b := &batcher{
		buffer:  make(chan *DecisionEvent, size),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		flush:   flush,
		logger:  logger,
	}
	go b.flushLoop()
	return b
}

// Write queues an event. Non-blocking: drops the event if the buffer is full.
func (b *batcher) Write(event *DecisionEvent) {
	select {
	case b.buffer <- event:
	default:
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
		b.logger.Warn("audit buffer full, dropping event",
			zap.String("decision_id", event.DecisionID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (b *batcher) Close() {
	close(b.done)
	<-b.flushed
}

// Dropped returns the number of events dropped because the buffer was full.
func (b *batcher) Dropped() int64 {
	return b.dropped.Load()
}

func (b *batcher) flushLoop() {
	defer close(b.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionEvent, 0, flushBatch)
	send := func() {
		if len(batch) == 0 {
			return
		}
		out := make([]*DecisionEvent, len(batch))
		copy(out, batch)
		b.flush(out)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-b.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				send()
			}
		case <-ticker.C:
			send()
		case <-b.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-b.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			send()
			return
		}
	}
}

// ClickHouseWriter writes decision events to ClickHouse asynchronously.
// Write() is non-blocking; events are buffered and batch-inserted in a
// background goroutine.
type ClickHouseWriter struct {
	*batcher
	conn   driver.Conn
	logger *zap.Logger
}

// ClickHouseConfig configures the writer.
type ClickHouseConfig struct {
	DSN         string
	CreateTable bool   // run CreateTableSQL on startup
	OnDrop      func() // called for every event dropped on a full buffer
	Logger      *zap.Logger
}

// OpenClickHouse parses the DSN, connects and pings. Shared by the writer
// and the forensics reader.
func OpenClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// ParseDSN only sets TLS for ?secure=true; port 9440 always needs it.
	if opts.TLS == nil && hasSecurePort(opts.Addr) {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func hasSecurePort(addrs []string) bool {
	for _, a := range addrs {
		if len(a) > 5 && a[len(a)-5:] == ":9440" {
			return true
		}
	}
	return false
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := OpenClickHouse(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.CreateTable {
		if err := conn.Exec(ctx, CreateTableSQL); err != nil {
			conn.Close()
			return nil, err
		}
	}

	w := &ClickHouseWriter{conn: conn, logger: cfg.Logger}
	w.batcher = newBatcher(w.insert, bufferSize, cfg.Logger)
	w.batcher.onDrop = cfg.OnDrop
	return w, nil
}

// Close drains buffered events and closes the connection.
func (w *ClickHouseWriter) Close() {
	w.batcher.Close()
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) insert(events []*DecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO decision_events (
			decision_id, kind, timestamp, sender, recipient,
			action, rule, reason, score, tags,
			signal_names, signal_scores, signal_details,
			isolated_now, unavailable, failure_kind, failure_policy,
			content_preview, content_hash, content_size,
			latency_ms, operator
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.DecisionID,
			e.Kind,
			e.Timestamp,
			e.Sender,
			e.Recipient,
			e.Action,
			e.Rule,
			e.Reason,
			e.Score,
			nonNil(e.Tags),
			nonNil(e.SignalNames),
			e.SignalScores,
			nonNil(e.SignalDetails),
			boolUint8(e.IsolatedNow),
			boolUint8(e.Unavailable),
			e.FailureKind,
			e.FailurePolicy,
			e.ContentPreview,
			e.ContentHash,
			e.ContentSize,
			e.LatencyMs,
			e.Operator,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("decision_id", e.DecisionID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	w.logger.Info("decision_event",
		zap.String("decision_id", event.DecisionID),
		zap.String("kind", event.Kind),
		zap.String("sender", event.Sender),
		zap.String("recipient", event.Recipient),
		zap.String("action", event.Action),
		zap.String("rule", event.Rule),
		zap.Float32("score", event.Score),
		zap.Strings("tags", event.Tags),
		zap.Bool("isolated_now", event.IsolatedNow),
		zap.Bool("unavailable", event.Unavailable),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
