package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgecrew/forgecrew/internal/domain/event"
)

// appendRetries bounds how often Append re-runs after losing a version race.
const appendRetries = 5

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append assigns the next version for the task inside a transaction and
// inserts the event. The UNIQUE (task_id, version) constraint makes version
// assignment safe across concurrent writers: a loser of the race gets a
// unique violation and retries with a fresh version.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	for attempt := 0; attempt < appendRetries; attempt++ {
		err := s.tryAppend(ctx, ev)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			continue
		}
		return err
	}
	return fmt.Errorf("append event for task %s: version contention persisted", ev.TaskID)
}

func (s *EventStore) tryAppend(ctx context.Context, ev *event.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM task_events WHERE task_id = $1`,
		ev.TaskID).Scan(&next); err != nil {
		return fmt.Errorf("next version for task %s: %w", ev.TaskID, err)
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO task_events (task_id, event_type, agent_name, payload, metadata, version)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		ev.TaskID, string(ev.Type), ev.AgentName, ev.Payload, ev.Metadata, next).
		Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	ev.Version = next
	return nil
}

const eventColumns = `id, task_id, event_type, agent_name, COALESCE(payload, 'null'::jsonb), metadata, version, created_at`

// LoadByTask returns all events for the given task, ordered by version
// ascending.
func (s *EventStore) LoadByTask(ctx context.Context, taskID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM task_events WHERE task_id = $1 ORDER BY version ASC`, eventColumns), taskID)
	if err != nil {
		return nil, fmt.Errorf("load events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Type, &ev.AgentName,
			&ev.Payload, &ev.Metadata, &ev.Version, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestVersion returns the highest event version for the task, 0 if none.
func (s *EventStore) LatestVersion(ctx context.Context, taskID string) (int, error) {
	var v int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM task_events WHERE task_id = $1`, taskID).Scan(&v)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("latest version for task %s: %w", taskID, err)
	}
	return v, nil
}
