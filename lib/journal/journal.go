// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/qaeye/fleetrelay/lib/clock"
)

const (
	defaultBufferSize = 1024
	maxBatchSize      = 256
	pruneInterval     = time.Hour
	poolSize          = 4

	// MaxRecentLimit caps how many rows Recent returns.
	MaxRecentLimit = 1000
)

// Config configures a Journal. Path, Clock, and Logger are required.
type Config struct {
	Path string

	// Retention is how long rows are kept. Zero keeps them forever.
	Retention time.Duration

	// BufferSize bounds events waiting for the writer. Zero means
	// 1024.
	BufferSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Journal is the session event log. Record is safe for concurrent use
// from any goroutine; exactly one goroutine should call Run.
type Journal struct {
	pool      *sqlitex.Pool
	pending   chan Event
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	dropped   atomic.Uint64
}

// Open opens (creating if needed) the journal database.
func Open(config Config) (*Journal, error) {
	if config.Path == "" {
		return nil, errors.New("journal: path is required")
	}
	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	pool, err := openPool(config.Path, poolSize)
	if err != nil {
		return nil, err
	}
	// Take one connection now so schema errors surface at startup.
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: preparing %s: %w", config.Path, err)
	}
	pool.Put(conn)

	config.Logger.Info("session journal opened",
		"path", config.Path,
		"retention", config.Retention.String(),
	)
	return &Journal{
		pool:      pool,
		pending:   make(chan Event, bufferSize),
		retention: config.Retention,
		clock:     config.Clock,
		logger:    config.Logger,
	}, nil
}

// Record queues event for writing. It never blocks; when the buffer is
// full the event is dropped and counted.
func (j *Journal) Record(event Event) {
	select {
	case j.pending <- event:
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Warn("session journal buffer full; dropping events")
		}
	}
}

// Dropped returns how many events Record has discarded.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Run writes queued events until ctx is cancelled, then flushes what
// is still buffered and returns.
func (j *Journal) Run(ctx context.Context) {
	var prune <-chan time.Time
	if j.retention > 0 {
		ticker := j.clock.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			j.flush(j.drain(nil, len(j.pending)))
			return
		case event := <-j.pending:
			j.flush(j.drain([]Event{event}, maxBatchSize-1))
		case <-prune:
			cutoff := j.clock.Now().Add(-j.retention)
			removed, err := j.Prune(context.Background(), cutoff)
			if err != nil {
				j.logger.Error("pruning session journal", "error", err)
			} else if removed > 0 {
				j.logger.Info("session journal pruned", "rows", removed)
			}
		}
	}
}

// drain appends up to limit already-queued events to batch without
// waiting.
func (j *Journal) drain(batch []Event, limit int) []Event {
	for range limit {
		select {
		case event := <-j.pending:
			batch = append(batch, event)
		default:
			return batch
		}
	}
	return batch
}

func (j *Journal) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	if err := j.Write(context.Background(), batch); err != nil {
		j.logger.Error("writing session journal", "events", len(batch), "error", err)
	}
}

// Write inserts events synchronously in one transaction.
func (j *Journal) Write(ctx context.Context, events []Event) (err error) {
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	defer j.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("journal: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, event := range events {
		err = sqlitex.Execute(conn,
			`INSERT INTO session_events (at, kind, device_id, session_id, detail)
			 VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					event.At.UnixNano(),
					string(event.Kind),
					event.DeviceID,
					event.SessionID,
					event.Detail,
				},
			})
		if err != nil {
			return fmt.Errorf("journal: inserting %s event for %s: %w", event.Kind, event.DeviceID, err)
		}
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty deviceID
// matches every device. limit is clamped to [1, MaxRecentLimit].
func (j *Journal) Recent(ctx context.Context, deviceID string, limit int) ([]Event, error) {
	limit = max(1, min(limit, MaxRecentLimit))

	conn, err := j.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer j.pool.Put(conn)

	events := []Event{}
	err = sqlitex.Execute(conn,
		`SELECT id, at, kind, device_id, session_id, detail
		 FROM session_events
		 WHERE ?1 = '' OR device_id = ?1
		 ORDER BY id DESC
		 LIMIT ?2`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, Event{
					ID:        stmt.ColumnInt64(0),
					At:        time.Unix(0, stmt.ColumnInt64(1)).UTC(),
					Kind:      Kind(stmt.ColumnText(2)),
					DeviceID:  stmt.ColumnText(3),
					SessionID: stmt.ColumnText(4),
					Detail:    stmt.ColumnText(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("journal: querying recent events: %w", err)
	}
	return events, nil
}

// Prune deletes rows recorded before cutoff and returns how many were
// removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	defer j.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM session_events WHERE at < ?", &sqlitex.ExecOptions{
		Args: []any{cutoff.UnixNano()},
	})
	if err != nil {
		return 0, fmt.Errorf("journal: pruning: %w", err)
	}
	return conn.Changes(), nil
}

// Close closes the database. Call after Run has returned.
func (j *Journal) Close() error {
	if err := j.pool.Close(); err != nil {
		return fmt.Errorf("journal: closing: %w", err)
	}
	return nil
}
