package main

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/forward"
	"github.com/dreamware/shardkv/internal/migration"
	"github.com/dreamware/shardkv/internal/replication"
	"github.com/dreamware/shardkv/internal/respwire"
	"github.com/dreamware/shardkv/internal/routing"
)

// TestServeConn_PingRoundTrip drives serveConn over a net.Pipe with a
// real forward.Handler and verifies a PING gets a +OK reply on the wire.
func TestServeConn_PingRoundTrip(t *testing.T) {
	handler := forward.NewHandler("self:6380", routing.New(), migration.NewManager("self:6380", alwaysUpProber{}, noopBroker{}, time.Millisecond, zap.NewNop()), replication.NewManager(), nil, zap.NewNop())

	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveConn(ctx, server, handler, zap.NewNop())

	req := respwire.Array([]respwire.Resp{respwire.BulkString([]byte("PING"))})
	w := bufio.NewWriter(client)
	require.NoError(t, respwire.Encode(w, req))
	require.NoError(t, w.Flush())

	r := bufio.NewReader(client)
	resp, err := respwire.Decode(r)
	require.NoError(t, err)
	require.Equal(t, respwire.TypeSimple, resp.Type)
	require.Equal(t, "OK", resp.AsString())
}

type alwaysUpProber struct{}

func (alwaysUpProber) Ping(ctx context.Context, address string) error { return nil }
