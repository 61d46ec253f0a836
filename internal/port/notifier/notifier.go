// Package notifier defines the notification port (interface) and
// capabilities. Delivery is fire-and-forget: orchestration never blocks on a
// notifier failure.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notification is the payload sent through a Notifier.
type Notification struct {
	TaskID  string `json:"task_id"`
	Phase   string `json:"phase,omitempty"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`  // "info", "success", "warning", "error"
	Source  string `json:"source"` // e.g. "phase.completed", "approval.required"
}

// Capabilities declares which features a notifier supports.
type Capabilities struct {
	Durable bool `json:"durable"`
	Fanout  bool `json:"fanout"`
}

// Notifier is the port interface for emitting task progress notifications.
type Notifier interface {
	Name() string
	Capabilities() Capabilities
	Send(ctx context.Context, n Notification) error
}
