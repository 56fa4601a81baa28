package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/triage-ai/palisade/services/agent_guard/internal/baseline"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// SaveBaseline upserts an agent's centroid. The vector is stored as a JSON
// array so both backends share one column type.
func (s *Store) SaveBaseline(ctx context.Context, b baseline.Baseline) error {
	centroid, err := json.Marshal(b.Centroid)
	if err != nil {
		return fmt.Errorf("SaveBaseline: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO agent_baselines (agent_id, centroid, samples, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			centroid = excluded.centroid,
			samples = excluded.samples,
			updated_at = excluded.updated_at`),
		string(b.AgentID), string(centroid), b.Samples, millis(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("SaveBaseline: %w", err)
	}
	return nil
}

// LoadBaselines returns every stored baseline.
func (s *Store) LoadBaselines(ctx context.Context) ([]baseline.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, centroid, samples, updated_at
		FROM agent_baselines
		ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("LoadBaselines: %w", err)
	}
	defer rows.Close()

	var out []baseline.Baseline
	for rows.Next() {
		var (
			id, raw string
			samples int
			updated int64
		)
		if err := rows.Scan(&id, &raw, &samples, &updated); err != nil {
			return nil, fmt.Errorf("LoadBaselines: %w", err)
		}
		var centroid engine.Vector
		if err := json.Unmarshal([]byte(raw), &centroid); err != nil {
			return nil, fmt.Errorf("LoadBaselines: agent %s: %w", id, err)
		}
		out = append(out, baseline.Baseline{
			AgentID:   engine.AgentID(id),
			Centroid:  centroid,
			Samples:   samples,
			UpdatedAt: fromMillis(updated),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadBaselines: %w", err)
	}
	return out, nil
}
