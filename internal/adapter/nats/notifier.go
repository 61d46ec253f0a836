// Package nats implements the notifier port using NATS core publish.
// Progress notifications are fire-and-forget: a failed publish is logged and
// dropped, never surfaced to orchestration.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/forgecrew/forgecrew/internal/port/notifier"
)

const notifierName = "nats"

// subjectPrefix groups all task progress subjects under one namespace.
const subjectPrefix = "forgecrew.tasks"

// Notifier publishes task progress notifications to NATS subjects of the
// form forgecrew.tasks.<task_id>.<source>.
type Notifier struct {
	nc  *nats.Conn
	log *slog.Logger
}

// Connect establishes a NATS connection for notification publishing.
func Connect(url string, log *slog.Logger) (*Notifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("forgecrew-notifier"),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("nats connected", "url", url)
	return &Notifier{nc: nc, log: log}, nil
}

// Name returns "nats".
func (n *Notifier) Name() string { return notifierName }

// Capabilities returns what this notifier supports.
func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{Fanout: true}
}

// Send publishes the notification. Errors are logged and swallowed so a dead
// broker cannot stall a running task.
func (n *Notifier) Send(_ context.Context, msg notifier.Notification) error {
	if n.nc == nil {
		return notifier.ErrNotConfigured
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nats notifier: marshal: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, msg.TaskID, msg.Source)
	if err := n.nc.Publish(subject, data); err != nil {
		n.log.Warn("notification publish failed", "subject", subject, "error", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (n *Notifier) Close() error {
	n.nc.Close()
	return nil
}
