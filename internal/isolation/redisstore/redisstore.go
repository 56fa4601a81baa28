// Package redisstore persists isolation state in Redis so several
// decision service replicas share one view of isolated agents.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "agent_guard"

// Store implements isolation.Persister on Redis hashes. Each agent lives in
// <prefix>:isolation:<agent_id>; isolated agent ids are also kept in the
// set <prefix>:isolated.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an existing client. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open connects using a redis:// URL and verifies the connection.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore.Open: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore.Open: %w", err)
	}
	return New(client, prefix), nil
}

func (s *Store) stateKey(id engine.AgentID) string {
	return s.prefix + ":isolation:" + string(id)
}

func (s *Store) isolatedKey() string {
	return s.prefix + ":isolated"
}

// SaveState writes the agent hash and set membership in one MULTI/EXEC.
func (s *Store) SaveState(ctx context.Context, st engine.AgentState) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.stateKey(st.AgentID), encode(st))
		if st.Isolated {
			pipe.SAdd(ctx, s.isolatedKey(), string(st.AgentID))
		} else {
			pipe.SRem(ctx, s.isolatedKey(), string(st.AgentID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("SaveState: %w", err)
	}
	return nil
}

// LoadIsolated reads every agent in the isolated set.
func (s *Store) LoadIsolated(ctx context.Context) ([]engine.AgentState, error) {
	ids, err := s.client.SMembers(ctx, s.isolatedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("LoadIsolated: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.stateKey(engine.AgentID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("LoadIsolated: %w", err)
	}

	out := make([]engine.AgentState, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		st, err := decode(engine.AgentID(ids[i]), fields)
		if err != nil {
			return nil, fmt.Errorf("LoadIsolated: %s: %w", ids[i], err)
		}
		if st.Isolated {
			out = append(out, st)
		}
	}
	return out, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func encode(st engine.AgentState) map[string]any {
	return map[string]any{
		"isolated":    strconv.FormatBool(st.Isolated),
		"reason":      st.Reason,
		"source":      string(st.Source),
		"isolated_at": millis(st.IsolatedAt),
		"expires_at":  millis(st.ExpiresAt),
		"updated_at":  millis(st.UpdatedAt),
	}
}

func decode(id engine.AgentID, f map[string]string) (engine.AgentState, error) {
	isolated, err := strconv.ParseBool(f["isolated"])
	if err != nil {
		return engine.AgentState{}, fmt.Errorf("isolated: %w", err)
	}
	st := engine.AgentState{
		AgentID:  id,
		Isolated: isolated,
		Reason:   f["reason"],
		Source:   engine.IsolationSource(f["source"]),
	}
	for _, ts := range []struct {
		field string
		dst   *time.Time
	}{
		{"isolated_at", &st.IsolatedAt},
		{"expires_at", &st.ExpiresAt},
		{"updated_at", &st.UpdatedAt},
	} {
		t, err := fromMillis(f[ts.field])
		if err != nil {
			return engine.AgentState{}, fmt.Errorf("%s: %w", ts.field, err)
		}
		*ts.dst = t
	}
	return st, nil
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
