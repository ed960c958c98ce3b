// Package telemetry keeps a local SQLite record of bus events and fan-out
// interactions.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"agentbridge/internal/domain"
)

// Store implements discovery.InteractionLogger and records every event it
// receives from the bus.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	unsubs []func()
}

// Open opens (or creates) the database at path and runs the migration.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeError("Telemetry.Open", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, storeError("Telemetry.Open", fmt.Errorf("set WAL mode: %w", err))
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, storeError("Telemetry.Open", fmt.Errorf("migrate: %w", err))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			type            TEXT NOT NULL,
			agent_id        TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			payload         TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
		CREATE TABLE IF NOT EXISTS interactions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id         TEXT NOT NULL,
			strategy         TEXT NOT NULL,
			score            REAL NOT NULL,
			question         TEXT NOT NULL,
			answer           TEXT NOT NULL,
			response_time_ms INTEGER NOT NULL,
			success          INTEGER NOT NULL,
			created_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
	`)
	return err
}

// Attach subscribes the store to every event on bus. Close detaches it.
func (s *Store) Attach(bus domain.EventBus) {
	unsub := bus.SubscribeAll(func(ctx context.Context, evt domain.Event) {
		if err := s.Record(ctx, evt); err != nil {
			s.logger.Warn("telemetry record failed",
				"event", string(evt.Type),
				"error", err,
				"error_code", domain.ErrorCodeOf(err),
			)
		}
	})
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
}

// Record stores one event.
func (s *Store) Record(ctx context.Context, evt domain.Event) error {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (type, agent_id, conversation_id, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		string(evt.Type), evt.AgentID, evt.ConversationID, string(evt.Payload), ts.UnixMilli(),
	)
	if err != nil {
		return storeError("Telemetry.Record", err)
	}
	return nil
}

// LogInteraction stores one fan-out exchange.
func (s *Store) LogInteraction(ctx context.Context, in domain.Interaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (agent_id, strategy, score, question, answer, response_time_ms, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.AgentID, string(in.Strategy), in.Score, in.Question, in.Answer,
		in.ResponseTime.Milliseconds(), in.Success, time.Now().UnixMilli(),
	)
	if err != nil {
		return storeError("Telemetry.LogInteraction", err)
	}
	return nil
}

// Counts returns the number of events per type recorded at or after since.
func (s *Store) Counts(ctx context.Context, since time.Time) (map[domain.EventType]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT type, COUNT(*) FROM events WHERE created_at >= ? GROUP BY type", since.UnixMilli())
	if err != nil {
		return nil, storeError("Telemetry.Counts", err)
	}
	defer rows.Close()

	out := make(map[domain.EventType]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, storeError("Telemetry.Counts", err)
		}
		out[domain.EventType(typ)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("Telemetry.Counts", err)
	}
	return out, nil
}

// AgentStats summarizes recorded interactions with one peer.
type AgentStats struct {
	AgentID         string
	Interactions    int
	SuccessRate     float64
	AvgResponseTime time.Duration
}

// InteractionStats aggregates interactions per peer, busiest first.
func (s *Store) InteractionStats(ctx context.Context, limit int) ([]AgentStats, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*), AVG(success), AVG(response_time_ms)
		FROM interactions
		GROUP BY agent_id
		ORDER BY COUNT(*) DESC, agent_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, storeError("Telemetry.InteractionStats", err)
	}
	defer rows.Close()

	var out []AgentStats
	for rows.Next() {
		var (
			st    AgentStats
			avgMs float64
		)
		if err := rows.Scan(&st.AgentID, &st.Interactions, &st.SuccessRate, &avgMs); err != nil {
			return nil, storeError("Telemetry.InteractionStats", err)
		}
		st.AvgResponseTime = time.Duration(avgMs * float64(time.Millisecond))
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("Telemetry.InteractionStats", err)
	}
	return out, nil
}

// Prune deletes rows older than retention and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	var total int64
	for _, table := range []string{"events", "interactions"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff)
		if err != nil {
			return total, storeError("Telemetry.Prune", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info("telemetry pruned", "rows", total, "retention", retention)
	}
	return total, nil
}

// Close detaches from the bus and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.mu.Unlock()
	return s.db.Close()
}

func storeError(op string, err error) error {
	return domain.NewSubSystemError("telemetry", op, domain.ErrTelemetryStore, err.Error())
}
