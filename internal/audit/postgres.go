package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresSink mirrors the journal into an append-only table. The
// in-process Log already serializes appends, so each Persist is a single
// insert; the primary key on idx rejects any divergent replay.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSink creates a sink backed by the given connection pool.
func NewPostgresSink(pool *pgxpool.Pool, logger *zap.Logger) *PostgresSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSink{pool: pool, logger: logger}
}

// Persist implements Sink.
func (s *PostgresSink) Persist(ctx context.Context, seq int, e *Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.EntryID, err)
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (idx, entry_id, agent_did, event_type, outcome, entry)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		seq, e.EntryID, string(e.AgentDID), e.EventType, string(e.Outcome), payload,
	); err != nil {
		return fmt.Errorf("insert audit entry %d: %w", seq, err)
	}

	s.logger.Debug("audit entry persisted",
		zap.Int("idx", seq),
		zap.String("event_type", e.EventType),
		zap.String("agent_did", string(e.AgentDID)),
	)
	return nil
}

// Replay streams the mirrored entries back in journal order, for offline
// verification against a claimed root.
func (s *PostgresSink) Replay(ctx context.Context) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT entry FROM audit_log ORDER BY idx ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e := &Entry{}
		if err := json.Unmarshal(payload, e); err != nil {
			return nil, fmt.Errorf("decode audit row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream audit log: %w", err)
	}
	return entries, nil
}

// Len counts the mirrored entries.
func (s *PostgresSink) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}
