// Package transport defines the outbound delivery boundary and its error taxonomy.
package transport

import "context"

// Sender delivers one text message to one recipient.
//
// A nil error means Delivered. Failures are classified with Classify:
// Permanent, RetryAfter or (anything else) transient.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, text string) error

func (f SenderFunc) Send(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// Registration is an inbound request from a person to join the audience.
type Registration struct {
	ChatID   int64
	Username string
	// Group is empty for a plain /start.
	Group string
}

// Registrar persists registrations coming from the messaging platform.
type Registrar interface {
	Register(ctx context.Context, r Registration) (reply string, err error)
	GroupNames(ctx context.Context) ([]string, error)
}
