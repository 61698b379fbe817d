package transport

import "context"

// Request identifies the client asking for its configuration.
type Request struct {
	APIKey        string
	Version       string
	Platform      string
	DevModeSecret string
	DistinctID    string
}

// Transport retrieves a raw configuration payload. Implementations must honor ctx
// cancellation so that fetch timeouts are enforced.
type Transport interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// Watcher is implemented by transports that can signal configuration changes. Watch
// blocks until ctx is done, calling onChange for every change observed.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
