// Package notify defines the fire-and-forget user notification surface.
// Delivery (push, email) is owned by an external service; the default
// implementation only logs.
package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers one-shot user notifications. Implementations must not
// block the session on delivery problems; errors are advisory.
type Notifier interface {
	// CreditLimit tells the user their transcription credits ran out.
	CreditLimit(ctx context.Context, uid string) error

	// SilentUser nudges a user whose device streams audio without speech.
	SilentUser(ctx context.Context, uid string) error
}

// LogNotifier logs every notification instead of delivering it.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) CreditLimit(_ context.Context, uid string) error {
	slog.Info("notification: credit limit reached", "uid", uid)
	return nil
}

func (LogNotifier) SilentUser(_ context.Context, uid string) error {
	slog.Info("notification: prolonged silence", "uid", uid)
	return nil
}
