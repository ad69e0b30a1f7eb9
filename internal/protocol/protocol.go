// Package protocol declares the narrow capability interfaces the core
// routing/retry/coordinator machinery is built against: a client that can
// execute one command against a backend, and a factory that can produce
// such clients for a given address.
//
// These are interfaces only, by design: the concrete wire
// client and connection pool used to reach backend shards are external
// collaborators. internal/backend provides one concrete implementation
// (backed by radix/v3) so the rest of the repository is runnable, but
// nothing in internal/retry, internal/coordfail, internal/migration, or
// internal/replication imports internal/backend directly — they only ever
// see these interfaces.
package protocol

import (
	"context"
	"errors"

	"github.com/dreamware/shardkv/internal/respwire"
)

// ErrClosed is returned by Client.Execute when the underlying connection has
// been closed and the caller should discard the client and reconnect.
var ErrClosed = errors.New("protocol: client closed")

// ErrDone is the distinguished outcome used throughout the retry machinery
// to signal cooperative cancellation rather than a
// genuine failure. It is never logged as an error.
var ErrDone = errors.New("protocol: done")

// Client executes commands against one backend connection. A Client is not
// safe for concurrent use; callers that need concurrent access should pool
// clients behind a factory instead.
type Client interface {
	// Execute sends cmd (already split into its string arguments, e.g.
	// []string{"PING"} or []string{"SET", "k", "v"}) and returns the single
	// parsed reply. A transport-level error (including ErrClosed) means the
	// client is no longer usable and must be discarded.
	Execute(ctx context.Context, cmd []string) (respwire.Resp, error)

	// Close releases the underlying connection. Close is idempotent.
	Close() error
}

// ClientFactory creates Clients for a given "host:port" address. Factories
// are expected to be cheap to hold onto (e.g. wrapping a *radix.Pool or a
// dial function) and safe for concurrent use.
type ClientFactory interface {
	CreateClient(ctx context.Context, address string) (Client, error)
}

// ClientFactoryFunc adapts a plain function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context, address string) (Client, error)

// CreateClient implements ClientFactory.
func (f ClientFactoryFunc) CreateClient(ctx context.Context, address string) (Client, error) {
	return f(ctx, address)
}
