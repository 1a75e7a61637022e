// Package relay delivers selected hook output to a private channel per
// stash. Delivery failures are always RelayError: logged by callers, never
// fatal, and never affecting hook success.
package relay

import (
	"context"
	"fmt"
)

// Relay delivers one message to the private channel of one stash.
type Relay interface {
	Notify(ctx context.Context, stash string, message string) error
}

// RelayError wraps a failed notification delivery.
type RelayError struct {
	Stash string
	Err   error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay to %s: %v", e.Stash, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Noop discards all notifications. Used when the relay is disabled.
type Noop struct{}

// Notify implements Relay by doing nothing.
func (Noop) Notify(context.Context, string, string) error { return nil }
