package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/protocol"
	"github.com/dreamware/shardkv/internal/respwire"
)

// countingClient succeeds on its first n executes, then fails forever with
// protocol.ErrClosed.
type countingClient struct {
	succeedFor int
	calls      int
}

func (c *countingClient) Execute(ctx context.Context, cmd []string) (respwire.Resp, error) {
	c.calls++
	if c.calls > c.succeedFor {
		return respwire.Resp{}, protocol.ErrClosed
	}
	return respwire.Simple("OK"), nil
}

func (c *countingClient) Close() error { return nil }

func newCountingFactory(succeedFor int) protocol.ClientFactoryFunc {
	return func(ctx context.Context, address string) (protocol.Client, error) {
		return &countingClient{succeedFor: succeedFor}, nil
	}
}

// TestSend_CountsAttemptsThenStopsOnReconnectLoop uses a client that
// succeeds 3 times then fails forever, interval 0, an always-continue
// predicate. The loop never reaches a terminal verdict on its own, so it is
// stopped externally once the 3rd success is observed.
func TestSend_CountsAttemptsThenStopsOnReconnectLoop(t *testing.T) {
	factory := newCountingFactory(3)
	stop := NewStopSignal()
	logger := zap.NewNop()

	seen := 0
	predicate := func(resp respwire.Resp, sendErr error) Verdict {
		if sendErr == nil {
			seen++
			if seen == 3 {
				stop.Stop()
			}
		}
		return Continue
	}

	result := Send(context.Background(), factory, "addr:1", []string{"PING"}, 0, predicate, stop, logger)

	require.Equal(t, OutcomeDone, result.Outcome)
	require.Equal(t, 3, result.Attempts)
}

func TestSend_TerminalOK(t *testing.T) {
	factory := newCountingFactory(100)
	stop := NewStopSignal()
	logger := zap.NewNop()

	predicate := func(resp respwire.Resp, sendErr error) Verdict {
		return TerminalOK
	}

	result := Send(context.Background(), factory, "addr:1", []string{"PING"}, 0, predicate, stop, logger)

	require.Equal(t, OutcomeOK, result.Outcome)
	require.Equal(t, 1, result.Attempts)
}

func TestSend_StopFiresImmediately(t *testing.T) {
	factory := newCountingFactory(100)
	stop := NewStopSignal()
	stop.Stop()
	logger := zap.NewNop()

	result := Send(context.Background(), factory, "addr:1", []string{"PING"}, time.Hour, LogAndContinue(logger), stop, logger)

	require.Equal(t, OutcomeDone, result.Outcome)
}

func TestStopSignal_Idempotent(t *testing.T) {
	stop := NewStopSignal()
	require.True(t, stop.Stop())
	require.False(t, stop.Stop())
	require.False(t, stop.Stop())
}

func TestI64Retriever_ObservesAndStops(t *testing.T) {
	factory := protocol.ClientFactoryFunc(func(ctx context.Context, address string) (protocol.Client, error) {
		return &fixedIntClient{value: 42}, nil
	})
	logger := zap.NewNop()

	observe := func(resp respwire.Resp) (int64, bool) {
		return resp.Integer, true
	}

	r := NewI64Retriever(context.Background(), factory, "addr:1", []string{"GETCOUNT"}, time.Millisecond, observe, logger)
	defer r.Close()

	require.Eventually(t, func() bool { return r.Get() == 42 }, time.Second, time.Millisecond)

	require.True(t, r.Stop())
	require.False(t, r.Stop())

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("retriever did not stop")
	}
}

type fixedIntClient struct{ value int64 }

func (c *fixedIntClient) Execute(ctx context.Context, cmd []string) (respwire.Resp, error) {
	return respwire.Integer(c.value), nil
}

func (c *fixedIntClient) Close() error { return nil }
