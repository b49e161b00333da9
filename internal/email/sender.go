// Package email delivers sponsor notifications for agent lifecycle events.
package email

import "context"

// Sender is the outbound mail transport. Implementations must be safe for
// concurrent use; the notifier delivers from event callbacks.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
