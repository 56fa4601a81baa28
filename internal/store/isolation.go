package store

import (
	"context"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// Isolation log event names.
const (
	EventIsolated = "ISOLATED"
	EventReleased = "RELEASED"
)

// IsolationEvent is one row of the isolation log.
type IsolationEvent struct {
	ID        int64
	AgentID   engine.AgentID
	Event     string
	Reason    string
	Source    engine.IsolationSource
	CreatedAt time.Time
}

// SaveState upserts the agent's current state and appends the transition to
// the isolation log in one transaction.
func (s *Store) SaveState(ctx context.Context, st engine.AgentState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveState: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO agent_isolation (agent_id, isolated, reason, source, isolated_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			isolated = excluded.isolated,
			reason = excluded.reason,
			source = excluded.source,
			isolated_at = excluded.isolated_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`),
		string(st.AgentID), st.Isolated, st.Reason, string(st.Source),
		millis(st.IsolatedAt), millis(st.ExpiresAt), millis(updated),
	)
	if err != nil {
		return fmt.Errorf("SaveState: %w", err)
	}

	event := EventReleased
	if st.Isolated {
		event = EventIsolated
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO isolation_log (agent_id, event, reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5)`),
		string(st.AgentID), event, st.Reason, string(st.Source), millis(updated),
	)
	if err != nil {
		return fmt.Errorf("SaveState: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveState: %w", err)
	}
	return nil
}

// LoadIsolated returns every agent whose persisted state is isolated.
func (s *Store) LoadIsolated(ctx context.Context) ([]engine.AgentState, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT agent_id, isolated, reason, source, isolated_at, expires_at, updated_at
		FROM agent_isolation
		WHERE isolated = $1
		ORDER BY agent_id`), true)
	if err != nil {
		return nil, fmt.Errorf("LoadIsolated: %w", err)
	}
	defer rows.Close()

	var out []engine.AgentState
	for rows.Next() {
		var (
			st                            engine.AgentState
			id, source                    string
			isolatedAt, expiresAt, update int64
		)
		if err := rows.Scan(&id, &st.Isolated, &st.Reason, &source, &isolatedAt, &expiresAt, &update); err != nil {
			return nil, fmt.Errorf("LoadIsolated: %w", err)
		}
		st.AgentID = engine.AgentID(id)
		st.Source = engine.IsolationSource(source)
		st.IsolatedAt = fromMillis(isolatedAt)
		st.ExpiresAt = fromMillis(expiresAt)
		st.UpdatedAt = fromMillis(update)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadIsolated: %w", err)
	}
	return out, nil
}

// IsolationHistory returns the agent's most recent isolation log entries,
// newest first.
func (s *Store) IsolationHistory(ctx context.Context, id engine.AgentID, limit int) ([]IsolationEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, agent_id, event, reason, source, created_at
		FROM isolation_log
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`), string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("IsolationHistory: %w", err)
	}
	defer rows.Close()

	var out []IsolationEvent
	for rows.Next() {
		var (
			ev         IsolationEvent
			agent, src string
			created    int64
		)
		if err := rows.Scan(&ev.ID, &agent, &ev.Event, &ev.Reason, &src, &created); err != nil {
			return nil, fmt.Errorf("IsolationHistory: %w", err)
		}
		ev.AgentID = engine.AgentID(agent)
		ev.Source = engine.IsolationSource(src)
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("IsolationHistory: %w", err)
	}
	return out, nil
}
