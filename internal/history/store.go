// Package history persists a metadata row per finished execution in
// postgres. Interpreter state is never persisted; the store only answers
// "what ran, where, and how it ended".
package history

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS kengine_executions (
	id           BIGSERIAL PRIMARY KEY,
	execution_id TEXT NOT NULL,
	kernel_id    TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	ename        TEXT,
	evalue       TEXT
);
CREATE INDEX IF NOT EXISTS kengine_executions_kernel_idx
	ON kengine_executions (kernel_id, finished_at DESC);
`

// Entry is one recorded execution.
type Entry struct {
	ExecutionID string    `json:"execution_id"`
	KernelID    string    `json:"kernel_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      string    `json:"status"`
	Ename       string    `json:"ename,omitempty"`
	Evalue      string    `json:"evalue,omitempty"`
}

// Store writes execution history rows. It watches the bus for terminal
// events and keeps per-execution start times from execute_input.
type Store struct {
	pool *pgxpool.Pool
	bus  *event.Bus
	subs []event.Subscription

	mu     sync.Mutex
	starts map[string]time.Time // execution id -> started

	queue chan Entry
	done  chan struct{}
}

// Open connects, ensures the schema, and attaches to the bus.
func Open(ctx context.Context, dsn string, bus *event.Bus) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{
		pool:   pool,
		bus:    bus,
		starts: make(map[string]time.Time),
		queue:  make(chan Entry, 256),
		done:   make(chan struct{}),
	}
	s.subs = bus.SubscribeTypes(event.WildcardKernel, []event.Type{
		event.TypeExecuteInput,
		event.TypeExecuteResult,
		event.TypeExecuteError,
	}, s.observe)
	go s.pump()

	logging.Op().Info("execution history store attached")
	return s, nil
}

// observe runs on the bus publishing goroutine: record start times and
// queue terminal entries, nothing slower.
func (s *Store) observe(rec event.Record) {
	now := time.Now()
	switch rec.Type {
	case event.TypeExecuteInput:
		s.mu.Lock()
		s.starts[rec.Parent] = now
		s.mu.Unlock()
	case event.TypeExecuteResult, event.TypeExecuteError:
		s.mu.Lock()
		started, ok := s.starts[rec.Parent]
		if !ok {
			started = now
		}
		delete(s.starts, rec.Parent)
		s.mu.Unlock()

		entry := Entry{
			ExecutionID: rec.Parent,
			KernelID:    rec.KernelID,
			StartedAt:   started,
			FinishedAt:  now,
			Status:      "ok",
		}
		if rec.Type == event.TypeExecuteError {
			entry.Status = "error"
			entry.Ename = rec.Ename
			entry.Evalue = rec.Evalue
		}
		select {
		case s.queue <- entry:
		default:
			logging.Op().Warn("history queue full, dropping entry",
				"execution_id", entry.ExecutionID)
		}
	}
}

func (s *Store) pump() {
	for {
		select {
		case entry := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := s.pool.Exec(ctx,
				`INSERT INTO kengine_executions
					(execution_id, kernel_id, started_at, finished_at, status, ename, evalue)
				 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))`,
				entry.ExecutionID, entry.KernelID, entry.StartedAt,
				entry.FinishedAt, entry.Status, entry.Ename, entry.Evalue)
			cancel()
			if err != nil {
				logging.Op().Warn("history insert failed",
					"execution_id", entry.ExecutionID, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// Recent returns the latest entries for a kernel, newest first.
func (s *Store) Recent(ctx context.Context, kernelID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT execution_id, kernel_id, started_at, finished_at, status,
				COALESCE(ename, ''), COALESCE(evalue, '')
		 FROM kengine_executions
		 WHERE kernel_id = $1
		 ORDER BY finished_at DESC
		 LIMIT $2`, kernelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ExecutionID, &e.KernelID, &e.StartedAt,
			&e.FinishedAt, &e.Status, &e.Ename, &e.Evalue); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close detaches from the bus and closes the connection pool.
func (s *Store) Close() {
	s.bus.UnsubscribeAll(s.subs)
	close(s.done)
	s.pool.Close()
}
