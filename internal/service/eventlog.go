package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/event"
	"github.com/forgecrew/forgecrew/internal/port/broadcast"
	"github.com/forgecrew/forgecrew/internal/port/cache"
	"github.com/forgecrew/forgecrew/internal/port/eventstore"
)

// EventLog records orchestration facts and reconstructs task state from
// them. The event log is the source of truth; the projection cache is a
// convenience layer that is backfilled whenever it disagrees.
type EventLog struct {
	store eventstore.Store
	cache cache.Cache
	bcast broadcast.Broadcaster
	red   *SecretsDetectionService
	cfg   config.Cache
	log   *slog.Logger
}

// NewEventLog creates the event log service.
func NewEventLog(store eventstore.Store, c cache.Cache, b broadcast.Broadcaster, red *SecretsDetectionService, cfg config.Cache, log *slog.Logger) *EventLog {
	return &EventLog{store: store, cache: c, bcast: b, red: red, cfg: cfg, log: log}
}

// Emit redacts, persists, and broadcasts one event. The append is durable
// before Emit returns; broadcast and cache invalidation are best effort.
func (l *EventLog) Emit(ctx context.Context, taskID string, typ event.Type, agentName string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("emit %s: encode payload: %w", typ, err)
		}
		if l.red != nil {
			clean, n := l.red.Redact(string(data))
			if n > 0 {
				l.log.Warn("event payload redacted", "task_id", taskID, "type", typ, "secrets", n)
			}
			data = []byte(clean)
		}
		raw = data
	}

	ev := &event.Event{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Type:      typ,
		AgentName: agentName,
		Payload:   raw,
	}
	if err := l.store.Append(ctx, ev); err != nil {
		return fmt.Errorf("emit %s: %w", typ, err)
	}

	_ = l.cache.Delete(ctx, projectionKey(taskID))
	if l.bcast != nil {
		l.bcast.BroadcastEvent(ctx, taskID, string(typ), ev)
	}
	return nil
}

// CurrentState folds the task's full event sequence into a projection.
// A cached projection is only trusted when its version matches the log's
// latest; otherwise the fold wins and the cache is backfilled from it.
func (l *EventLog) CurrentState(ctx context.Context, taskID string) (*event.Projection, error) {
	latest, err := l.store.LatestVersion(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if data, ok, _ := l.cache.Get(ctx, projectionKey(taskID)); ok {
		var cached event.Projection
		if err := json.Unmarshal(data, &cached); err == nil && cached.LastVersion == latest {
			return &cached, nil
		}
		l.log.Debug("projection cache stale, refolding", "task_id", taskID)
	}

	events, err := l.store.LoadByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	proj, err := event.Fold(taskID, events)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(proj); err == nil {
		_ = l.cache.Set(ctx, projectionKey(taskID), data, l.ttl())
	}
	return proj, nil
}

func (l *EventLog) ttl() time.Duration {
	if l.cfg.TTL > 0 {
		return l.cfg.TTL
	}
	return 10 * time.Minute
}

func projectionKey(taskID string) string {
	return "projection:" + taskID
}
