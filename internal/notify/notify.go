// Package notify delivers cycle summaries to the operator's channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

// Notifier sends one message. Delivery is best-effort; callers log the
// returned error and carry on.
type Notifier interface {
	Deliver(ctx context.Context, title, body string) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Deliver(context.Context, string, string) error { return nil }

// Named pairs a notifier with the label used in logs.
type Named struct {
	Name     string
	Notifier Notifier
}

// Multi fans a message out to every channel. One channel failing does not
// stop the others.
type Multi struct {
	channels []Named
	logger   *log.Logger
}

func NewMulti(logger *log.Logger, channels ...Named) *Multi {
	return &Multi{channels: channels, logger: logger}
}

// Len reports how many channels are configured.
func (m *Multi) Len() int { return len(m.channels) }

func (m *Multi) Deliver(ctx context.Context, title, body string) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Notifier.Deliver(ctx, title, body); err != nil {
			m.logger.Warn("⚠️ Notification failed", "channel", ch.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
			continue
		}
		m.logger.Info("📨 Notification sent", "channel", ch.Name)
	}
	return errors.Join(errs...)
}
