// Package broadcast defines the port for streaming live task progress to
// connected clients.
package broadcast

import "context"

// Broadcaster pushes real-time events to every client subscribed to a task.
// Delivery is best effort and must never block the caller.
type Broadcaster interface {
	BroadcastLog(ctx context.Context, taskID, line string)
	BroadcastEvent(ctx context.Context, taskID, eventType string, payload any)
}
