package memstore

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/respwire"
)

func TestStore_PutGetDelete(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("k")
	require.False(t, ok)

	s.Put("k", []byte("v"))
	v, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	s.Delete("k")
	_, ok = s.Get("k")
	require.False(t, ok)
}

func TestServer_SetGetOverWire(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", NewStore())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	send := func(args ...string) respwire.Resp {
		items := make([]respwire.Resp, len(args))
		for i, a := range args {
			items[i] = respwire.BulkString([]byte(a))
		}
		require.NoError(t, respwire.Encode(w, respwire.Array(items)))
		require.NoError(t, w.Flush())
		resp, err := respwire.Decode(r)
		require.NoError(t, err)
		return resp
	}

	require.Equal(t, "PONG", send("PING").AsString())
	require.Equal(t, "OK", send("SET", "k", "v").AsString())
	require.Equal(t, "v", send("GET", "k").AsString())
	require.Equal(t, int64(1), send("DEL", "k").Integer)
	require.True(t, send("GET", "k").IsNil())
}
