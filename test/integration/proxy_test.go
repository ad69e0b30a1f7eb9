package integration

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/backend"
	"github.com/dreamware/shardkv/internal/cmdctx"
	"github.com/dreamware/shardkv/internal/forward"
	"github.com/dreamware/shardkv/internal/memstore"
	"github.com/dreamware/shardkv/internal/migration"
	"github.com/dreamware/shardkv/internal/replication"
	"github.com/dreamware/shardkv/internal/respwire"
	"github.com/dreamware/shardkv/internal/routing"
	"github.com/dreamware/shardkv/internal/slot"
)

// wireClient is a tiny synchronous RESP client for driving the proxy end to
// end over a real TCP connection.
type wireClient struct {
	r *bufio.Reader
	w *bufio.Writer
}

func dialProxy(t *testing.T, addr string) *wireClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wireClient{r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

func (c *wireClient) send(t *testing.T, args ...string) respwire.Resp {
	t.Helper()
	items := make([]respwire.Resp, len(args))
	for i, a := range args {
		items[i] = respwire.BulkString([]byte(a))
	}
	require.NoError(t, respwire.Encode(c.w, respwire.Array(items)))
	require.NoError(t, c.w.Flush())
	resp, err := respwire.Decode(c.r)
	require.NoError(t, err)
	return resp
}

// TestProxy_RoutesDataCommandsToOwningBackend stands up one memstore backend
// and one proxy instance, installs a single-range routing table covering the
// whole slot space, and verifies SET/GET round-trip through the proxy to the
// backend.
func TestProxy_RoutesDataCommandsToOwningBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backendSrv, err := memstore.NewServer("127.0.0.1:0", memstore.NewStore())
	require.NoError(t, err)
	go backendSrv.Serve(ctx)
	t.Cleanup(func() { backendSrv.Close() })

	selfAddr := "proxy:0"
	routingStore := routing.New()
	require.NoError(t, routingStore.SetDBs(slot.DatabaseMap{
		Epoch: 1,
		DBs: map[string]map[string][]slot.Range{
			"db0": {backendSrv.Addr(): {{Start: 0, End: 16384}}},
		},
	}))

	migrationMgr := migration.NewManager(selfAddr, alwaysUpProber{}, noopBroker{}, time.Millisecond, zap.NewNop())
	replicatorMgr := replication.NewManager()
	dispatcher := backend.NewPooledDispatcher(backend.NewRadixClientFactory())
	handler := forward.NewHandler(selfAddr, routingStore, migrationMgr, replicatorMgr, dispatcher, zap.NewNop())

	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { proxyListener.Close() })

	go func() {
		for {
			conn, err := proxyListener.Accept()
			if err != nil {
				return
			}
			go serveTestConn(ctx, conn, handler)
		}
	}()

	client := dialProxy(t, proxyListener.Addr().String())
	require.Equal(t, "OK", client.send(t, "SET", "greeting", "hello").AsString())
	require.Equal(t, "hello", client.send(t, "GET", "greeting").AsString())
}

func serveTestConn(ctx context.Context, conn net.Conn, handler *forward.Handler) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		raw, err := respwire.Decode(r)
		if err != nil {
			return
		}
		cmd := cmdctx.NewCommand(raw)
		cc := cmdctx.New(cmd, func(resp respwire.Resp) {
			if respwire.Encode(w, resp) == nil {
				w.Flush()
			}
		})
		handler.Handle(ctx, cc)
	}
}

type alwaysUpProber struct{}

func (alwaysUpProber) Ping(ctx context.Context, address string) error { return nil }

type noopBroker struct{}

func (noopBroker) CommitMigration(ctx context.Context, meta migration.Task) error { return nil }
