package realtime

import "errors"

// ErrSessionClosed is returned by a Session's Send when the underlying
// connection is no longer open.
var ErrSessionClosed = errors.New("realtime: session closed")
