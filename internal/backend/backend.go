// Package backend provides the one concrete protocol.Client/
// protocol.ClientFactory implementation in this repository, backed by
// github.com/mediocregopher/radix/v3, plus PooledDispatcher, the
// routing/migration Dispatcher implementation built on top of it. Nothing in
// internal/retry, internal/coordfail, internal/migration, internal/routing,
// or internal/replication imports this package directly — they only depend
// on internal/protocol's interfaces, wired together in cmd/proxy and
// cmd/coordinator.
package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"

	"github.com/dreamware/shardkv/internal/cmdctx"
	"github.com/dreamware/shardkv/internal/protocol"
	"github.com/dreamware/shardkv/internal/respwire"
)

// RadixClientFactory dials a fresh radix connection per CreateClient call,
// matching the retry primitive's "next client instance is obtained from the
// factory, not reused" reconnection policy and the
// ping checker's "fresh client per probe" requirement.
type RadixClientFactory struct{}

// NewRadixClientFactory returns a factory suitable for wiring into
// internal/retry, internal/coordfail, and internal/migration.
func NewRadixClientFactory() *RadixClientFactory {
	return &RadixClientFactory{}
}

// CreateClient dials address and wraps the connection as a protocol.Client.
func (f *RadixClientFactory) CreateClient(ctx context.Context, address string) (protocol.Client, error) {
	conn, err := radix.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	return &RadixClient{conn: conn}, nil
}

// RadixClient adapts a single radix.Conn to protocol.Client. It is not safe
// for concurrent use, matching protocol.Client's documented contract.
type RadixClient struct {
	conn radix.Conn
}

// Execute sends cmd as a radix.FlatCmd and decodes the reply into a
// respwire.Resp. A RESP-level error reply (e.g. "WRONGTYPE ...") is decoded
// as a normal respwire.Error value with a nil error, since the connection
// remains perfectly usable; only a genuine transport failure is returned as
// a Go error, which is the signal callers use to discard the client and
// reconnect.
func (c *RadixClient) Execute(ctx context.Context, cmd []string) (respwire.Resp, error) {
	if len(cmd) == 0 {
		return respwire.Resp{}, protocol.ErrClosed
	}

	var dst interface{}
	action := radix.FlatCmd(&dst, cmd[0], cmd[1:])
	if err := c.conn.Do(action); err != nil {
		var respErr resp2.Error
		if errors.As(err, &respErr) {
			return respwire.Error(respErr.Error()), nil
		}
		return respwire.Resp{}, err
	}
	return toResp(dst), nil
}

// Close releases the underlying connection.
func (c *RadixClient) Close() error {
	return c.conn.Close()
}

// PooledDispatcher is the routing.Dispatcher/migration.Dispatcher
// implementation the proxy process wires in: one client per backend address,
// created lazily via factory and discarded on transport error so the next
// Dispatch call reconnects.
type PooledDispatcher struct {
	factory protocol.ClientFactory

	mu      sync.Mutex
	clients map[string]protocol.Client
}

// NewPooledDispatcher builds a dispatcher around factory.
func NewPooledDispatcher(factory protocol.ClientFactory) *PooledDispatcher {
	return &PooledDispatcher{factory: factory, clients: map[string]protocol.Client{}}
}

// Dispatch sends cmd to address, reusing a pooled client when one exists,
// dialing a fresh one otherwise. A transport error discards the client and
// retries exactly once against a newly dialed one, so a single stale pooled
// connection never fails a request outright; a second failure propagates.
func (d *PooledDispatcher) Dispatch(ctx context.Context, address string, cmd cmdctx.Command) (respwire.Resp, error) {
	args := cmd.Args()
	strArgs := make([]string, len(args))
	for i, a := range args {
		strArgs[i] = string(a)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		client, err := d.clientFor(ctx, address)
		if err != nil {
			return respwire.Resp{}, err
		}

		resp, err := client.Execute(ctx, strArgs)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		d.discard(address, client)
	}
	return respwire.Resp{}, lastErr
}

func (d *PooledDispatcher) clientFor(ctx context.Context, address string) (protocol.Client, error) {
	d.mu.Lock()
	if c, ok := d.clients[address]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	c, err := d.factory.CreateClient(ctx, address)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.clients[address] = c
	d.mu.Unlock()
	return c, nil
}

func (d *PooledDispatcher) discard(address string, client protocol.Client) {
	d.mu.Lock()
	if d.clients[address] == client {
		delete(d.clients, address)
	}
	d.mu.Unlock()
	client.Close()
}

// toResp converts a dynamically-decoded radix reply (string, []byte,
// int64, []interface{}, or nil) into this proxy's own Resp sum type.
func toResp(v interface{}) respwire.Resp {
	switch val := v.(type) {
	case nil:
		return respwire.NilBulk()
	case int64:
		return respwire.Integer(val)
	case string:
		return respwire.BulkString([]byte(val))
	case []byte:
		return respwire.BulkString(val)
	case []interface{}:
		items := make([]respwire.Resp, 0, len(val))
		for _, item := range val {
			items = append(items, toResp(item))
		}
		return respwire.Array(items)
	default:
		return respwire.BulkString([]byte(""))
	}
}
