package chread

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/storage"
)

// Reader provides read access to the ClickHouse decision_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(ctx context.Context, dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := storage.OpenClickHouse(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// Ping checks the connection.
func (r *Reader) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// EventRow represents a single row from the decision_events table.
type EventRow struct {
	DecisionID     string    `json:"decision_id"`
	Kind           string    `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Action         string    `json:"action"`
	Rule           string    `json:"rule"`
	Reason         string    `json:"reason"`
	Score          float32   `json:"score"`
	Tags           []string  `json:"tags"`
	SignalNames    []string  `json:"signal_names"`
	SignalScores   []float32 `json:"signal_scores"`
	IsolatedNow    bool      `json:"isolated_now"`
	Unavailable    bool      `json:"unavailable"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	ContentPreview string    `json:"content_preview"`
	ContentHash    string    `json:"content_hash"`
	LatencyMs      float32   `json:"latency_ms"`
}

const eventColumns = "decision_id, kind, timestamp, sender, recipient, action, rule, reason, " +
	"score, tags, signal_names, signal_scores, isolated_now, unavailable, failure_kind, " +
	"content_preview, content_hash, latency_ms"

func scanEvent(scan func(dest ...any) error) (EventRow, error) {
	var (
		e                     EventRow
		isolated, unavailable uint8
	)
	err := scan(
		&e.DecisionID, &e.Kind, &e.Timestamp, &e.Sender, &e.Recipient, &e.Action, &e.Rule, &e.Reason,
		&e.Score, &e.Tags, &e.SignalNames, &e.SignalScores, &isolated, &unavailable, &e.FailureKind,
		&e.ContentPreview, &e.ContentHash, &e.LatencyMs,
	)
	e.IsolatedNow = isolated == 1
	e.Unavailable = unavailable == 1
	return e, err
}

// ForensicsParams filters a sender's decision history.
type ForensicsParams struct {
	Sender       string
	Action       *string // exact action; nil means every non-ALLOW decision
	IncludeAllow bool
	Since        *time.Time
	Limit        int
}

func buildForensicsQuery(p ForensicsParams) (string, []any) {
	conditions := []string{"sender = @sender"}
	args := []any{clickhouse.Named("sender", p.Sender)}

	switch {
	case p.Action != nil:
		conditions = append(conditions, "action = @action")
		args = append(args, clickhouse.Named("action", *p.Action))
	case !p.IncludeAllow:
		conditions = append(conditions, "action != 'ALLOW'")
	}
	if p.Since != nil {
		conditions = append(conditions, "timestamp >= @since")
		args = append(args, clickhouse.Named("since", *p.Since))
	}

	limit := p.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, clickhouse.Named("limit", uint32(limit)))

	query := fmt.Sprintf(
		"SELECT %s FROM decision_events WHERE %s ORDER BY timestamp DESC LIMIT @limit",
		eventColumns, strings.Join(conditions, " AND "),
	)
	return query, args
}

// Forensics returns the sender's most recent decisions, newest first. By
// default only FLAG and ESCALATE decisions and control actions are returned.
func (r *Reader) Forensics(ctx context.Context, p ForensicsParams) ([]EventRow, error) {
	query, args := buildForensicsQuery(p)
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Forensics query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []EventRow{}
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("Forensics scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetDecision returns a single decision by id, or nil if not found.
func (r *Reader) GetDecision(ctx context.Context, decisionID string) (*EventRow, error) {
	row := r.conn.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM decision_events WHERE decision_id = @decision_id LIMIT 1",
		clickhouse.Named("decision_id", decisionID),
	)
	e, err := scanEvent(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("GetDecision: %w", err)
	}
	// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
	if e.DecisionID == "" {
		return nil, nil
	}
	return &e, nil
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	Decisions        int `json:"decisions"`
	Allows           int `json:"allows"`
	Flags            int `json:"flags"`
	Escalations      int `json:"escalations"`
	Unavailable      int `json:"unavailable"`
	FailOpen         int `json:"fail_open"`
	AutoIsolations   int `json:"auto_isolations"`
	EscalatedSenders int `json:"escalated_senders"`
	ManualIsolations int `json:"manual_isolations"`
	ManualReleases   int `json:"manual_releases"`
}

// TagCount holds a rationale tag and its count.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// SenderCount holds a sender and its count.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// StatsResult holds all aggregations over a window.
type StatsResult struct {
	Since              time.Time     `json:"since"`
	Summary            SummaryStats  `json:"summary"`
	TopTags            []TagCount    `json:"top_tags"`
	TopEscalated       []SenderCount `json:"top_escalated_senders"`
	LatencyPercentiles LatencyStats  `json:"latency_percentiles"`
}

// Stats returns aggregated decision statistics since the given time.
func (r *Reader) Stats(ctx context.Context, since time.Time) (*StatsResult, error) {
	args := []any{clickhouse.Named("since", since)}
	result := &StatsResult{Since: since}

	var decisions, allows, flags, escalations, unavailable, failOpen, autoIso, escSenders, manualIso, manualRel uint64
	err := r.conn.QueryRow(ctx,
		"SELECT countIf(kind = 'decision') AS decisions, "+
			"countIf(kind = 'decision' AND action = 'ALLOW') AS allows, "+
			"countIf(kind = 'decision' AND action = 'FLAG') AS flags, "+
			"countIf(kind = 'decision' AND action = 'ESCALATE') AS escalations, "+
			"countIf(unavailable = 1) AS unavailable, "+
			"countIf(unavailable = 1 AND action = 'ALLOW') AS fail_open, "+
			"countIf(isolated_now = 1 AND kind = 'decision') AS auto_isolations, "+
			"uniqExactIf(sender, action = 'ESCALATE') AS escalated_senders, "+
			"countIf(kind = 'isolate') AS manual_isolations, "+
			"countIf(kind = 'release') AS manual_releases "+
			"FROM decision_events WHERE timestamp >= @since",
		args...,
	).Scan(&decisions, &allows, &flags, &escalations, &unavailable, &failOpen, &autoIso, &escSenders, &manualIso, &manualRel)
	if err != nil {
		return nil, fmt.Errorf("Stats summary: %w", err)
	}
	result.Summary = SummaryStats{
		Decisions:        int(decisions),
		Allows:           int(allows),
		Flags:            int(flags),
		Escalations:      int(escalations),
		Unavailable:      int(unavailable),
		FailOpen:         int(failOpen),
		AutoIsolations:   int(autoIso),
		EscalatedSenders: int(escSenders),
		ManualIsolations: int(manualIso),
		ManualReleases:   int(manualRel),
	}

	tagRows, err := r.conn.Query(ctx,
		"SELECT arrayJoin(tags) AS tag, count() AS count "+
			"FROM decision_events "+
			"WHERE kind = 'decision' AND action IN ('FLAG', 'ESCALATE') AND timestamp >= @since "+
			"GROUP BY tag ORDER BY count DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Stats top_tags: %w", err)
	}
	defer func() { _ = tagRows.Close() }()
	for tagRows.Next() {
		var tag string
		var count uint64
		if err := tagRows.Scan(&tag, &count); err != nil {
			return nil, fmt.Errorf("Stats top_tags scan: %w", err)
		}
		result.TopTags = append(result.TopTags, TagCount{Tag: tag, Count: int(count)})
	}

	senderRows, err := r.conn.Query(ctx,
		"SELECT sender, count() AS count "+
			"FROM decision_events "+
			"WHERE kind = 'decision' AND action = 'ESCALATE' AND timestamp >= @since "+
			"GROUP BY sender ORDER BY count DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Stats top_escalated: %w", err)
	}
	defer func() { _ = senderRows.Close() }()
	for senderRows.Next() {
		var sender string
		var count uint64
		if err := senderRows.Scan(&sender, &count); err != nil {
			return nil, fmt.Errorf("Stats top_escalated scan: %w", err)
		}
		result.TopEscalated = append(result.TopEscalated, SenderCount{Sender: sender, Count: int(count)})
	}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms) AS p50, "+
			"quantile(0.95)(latency_ms) AS p95, "+
			"quantile(0.99)(latency_ms) AS p99 "+
			"FROM decision_events WHERE kind = 'decision' AND timestamp >= @since",
		args...,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("Stats latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Ensure slices are non-nil for JSON serialization
	if result.TopTags == nil {
		result.TopTags = []TagCount{}
	}
	if result.TopEscalated == nil {
		result.TopEscalated = []SenderCount{}
	}
	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
