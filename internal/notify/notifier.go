// Package notify delivers operator alerts.
package notify

import (
	"context"
	"log/slog"
)

// Notifier sends a message to the operator. The recipient is implicit.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, subject, body string) error {
	slog.Warn("Operator alert", "subject", subject, "body", body)
	return nil
}

// Multi fans out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil && first == nil {
			first = err
		}
	}
	return first
}
