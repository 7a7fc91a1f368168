// Package realtime implements the connection registry and fan-out delivery
// that sit between the message router and the open duplex sessions: the
// server's Broadcaster (spec component C5).
package realtime

import "context"

// Session represents one open duplex connection, addressed by clientId.
type Session interface {
	// ClientID returns the session's stable client identifier.
	ClientID() string

	// Send writes a pre-encoded frame to the session.
	// Returns an error if the session is closed or the write fails.
	Send(data []byte) error

	// Close closes the session.
	Close() error

	// Context is cancelled when the session is torn down.
	Context() context.Context
}
