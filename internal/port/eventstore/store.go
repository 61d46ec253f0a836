// Package eventstore defines the port interface for the append-only task
// event log.
package eventstore

import (
	"context"

	"github.com/forgecrew/forgecrew/internal/domain/event"
)

// Store is the port interface for appending and loading task events.
type Store interface {
	// Append assigns the next per-task version (strictly increasing, unique)
	// and persists the event durably before returning. The assigned version
	// is written back into ev.
	Append(ctx context.Context, ev *event.Event) error

	// LoadByTask returns all events for the given task, ordered by version.
	LoadByTask(ctx context.Context, taskID string) ([]event.Event, error)

	// LatestVersion returns the highest version for the task, 0 if none.
	LatestVersion(ctx context.Context, taskID string) (int, error)
}
