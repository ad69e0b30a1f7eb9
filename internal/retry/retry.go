// Package retry implements the retry-send primitive and the I64 retriever
// built on top of it, plus the StopSignal that the migration manager also
// uses to cancel its own task loops.
//
// Each call is modeled as a task: a goroutine that owns a client handle and
// a stop channel, reconnecting on transport error, exiting only when the
// predicate or the stop channel says so.
package retry

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/metrics"
	"github.com/dreamware/shardkv/internal/protocol"
	"github.com/dreamware/shardkv/internal/respwire"
)

// Verdict is the result of applying a predicate to a response.
type Verdict int

const (
	// Continue means: wait the interval, then send cmd again.
	Continue Verdict = iota
	// TerminalOK ends the task successfully.
	TerminalOK
	// TerminalErr ends the task with an error outcome.
	TerminalErr
)

// Predicate inspects a response and decides whether the retry loop should
// continue. Send calls it only after a response was received, always with a
// nil sendErr; a failed send makes Send reconnect without consulting the
// predicate.
type Predicate func(resp respwire.Resp, sendErr error) Verdict

// LogAndContinue is the default predicate: it logs an error-typed reply and
// otherwise always continues. It never terminates the loop on its own; it
// exists for retry loops whose termination is driven entirely by the stop
// signal.
func LogAndContinue(logger *zap.Logger) Predicate {
	return func(resp respwire.Resp, sendErr error) Verdict {
		if sendErr != nil {
			return Continue
		}
		if resp.IsError() {
			logger.Warn("retry: command replied with error", zap.String("reply", resp.AsString()))
		}
		return Continue
	}
}

// Outcome is what a retry task finishes with.
type Outcome int

const (
	// OutcomeDone means the stop signal fired; this is not an error.
	OutcomeDone Outcome = iota
	OutcomeOK
	OutcomeErr
)

// Result is the terminal state of a Send call.
type Result struct {
	Outcome Outcome
	// LastResp is the last response received before termination, valid when
	// Outcome is OutcomeOK or OutcomeErr.
	LastResp respwire.Resp
	// Attempts counts every successful send.
	Attempts int
}

// StopSignal is a single-use, idempotent stop handle:
// Stop returns true the first time it is called and false on every
// subsequent call.
type StopSignal struct {
	ch     chan struct{}
	closed atomic.Bool
}

// NewStopSignal creates a stop signal in the not-yet-stopped state.
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Stop fires the signal. It is idempotent: the first call returns true, and
// every later call returns false without error.
func (s *StopSignal) Stop() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	close(s.ch)
	return true
}

// Fired returns a channel that is closed once Stop has been called.
func (s *StopSignal) Fired() <-chan struct{} { return s.ch }

// Send drives the low-level retry-send primitive: acquire a client,
// repeatedly send cmd and apply predicate, reconnect on transport error,
// stop on stop.Fired() or a terminal verdict.
//
// This is the low-level tier of the retry API, where the predicate is
// caller-supplied. SendWithDefaultPredicate is the high-level tier that
// always retries until stopped.
func Send(ctx context.Context, factory protocol.ClientFactory, address string, cmd []string, interval time.Duration, predicate Predicate, stop *StopSignal, logger *zap.Logger) Result {
	attempts := 0
	var client protocol.Client

	closeClient := func() {
		if client != nil {
			client.Close()
			client = nil
		}
	}
	defer closeClient()

	for {
		select {
		case <-stop.Fired():
			return Result{Outcome: OutcomeDone, Attempts: attempts}
		case <-ctx.Done():
			return Result{Outcome: OutcomeDone, Attempts: attempts}
		default:
		}

		if client == nil {
			c, err := factory.CreateClient(ctx, address)
			if err != nil {
				logger.Warn("retry: failed to create client, retrying", zap.String("address", address), zap.Error(err))
				if waitOrStop(ctx, stop, interval) {
					return Result{Outcome: OutcomeDone, Attempts: attempts}
				}
				continue
			}
			client = c
		}

		resp, err := client.Execute(ctx, cmd)
		if err != nil {
			logger.Warn("retry: send failed, reconnecting", zap.String("address", address), zap.Error(err))
			metrics.RecordRetryReconnect(address)
			closeClient()
			continue
		}
		attempts++

		switch predicate(resp, nil) {
		case TerminalOK:
			return Result{Outcome: OutcomeOK, LastResp: resp, Attempts: attempts}
		case TerminalErr:
			return Result{Outcome: OutcomeErr, LastResp: resp, Attempts: attempts}
		case Continue:
			if waitOrStop(ctx, stop, interval) {
				return Result{Outcome: OutcomeDone, Attempts: attempts}
			}
		}
	}
}

// SendWithDefaultPredicate is the high-level retry-send entrypoint: it uses
// LogAndContinue as its predicate, so the loop only ever terminates via the
// stop signal or context cancellation.
func SendWithDefaultPredicate(ctx context.Context, factory protocol.ClientFactory, address string, cmd []string, interval time.Duration, stop *StopSignal, logger *zap.Logger) Result {
	return Send(ctx, factory, address, cmd, interval, LogAndContinue(logger), stop, logger)
}

// waitOrStop sleeps for interval, or returns true early if stop fires or ctx
// is cancelled first.
func waitOrStop(ctx context.Context, stop *StopSignal, interval time.Duration) bool {
	if interval <= 0 {
		select {
		case <-stop.Fired():
			return true
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-stop.Fired():
		return true
	case <-ctx.Done():
		return true
	}
}

// I64Retriever wraps the retry-send primitive so the predicate publishes a
// numeric observation into a shared atomic cell. Get returns the last
// observed value under sequentially-consistent ordering; Stop/Close consume
// the single-use stop signal.
//
// Go has no destructors, so nothing calls Stop automatically: callers must
// arrange a `defer retriever.Close()` at construction time, which is the
// convention every constructor of an I64Retriever in this codebase follows.
type I64Retriever struct {
	value atomic.Int64
	stop  *StopSignal
	done  chan struct{}
}

// Observe extracts the int64 observation from a response, or leaves the
// prior value untouched and continues when extraction fails.
type Observe func(resp respwire.Resp) (int64, bool)

// NewI64Retriever starts the retry loop in a new goroutine and returns the
// retriever handle immediately. The loop never reaches a terminal verdict on
// its own (Observe always implies Continue); it stops only via Stop/Close or
// cancellation of ctx.
func NewI64Retriever(ctx context.Context, factory protocol.ClientFactory, address string, cmd []string, interval time.Duration, observe Observe, logger *zap.Logger) *I64Retriever {
	r := &I64Retriever{stop: NewStopSignal(), done: make(chan struct{})}
	predicate := func(resp respwire.Resp, sendErr error) Verdict {
		if sendErr == nil {
			if v, ok := observe(resp); ok {
				r.value.Store(v)
			}
		}
		return Continue
	}
	go func() {
		defer close(r.done)
		Send(ctx, factory, address, cmd, interval, predicate, r.stop, logger)
	}()
	return r
}

// Get returns the last observed value (0 if no observation has landed yet).
func (r *I64Retriever) Get() int64 { return r.value.Load() }

// Stop fires the retriever's stop signal. It returns true the first time
// and false on every later call.
func (r *I64Retriever) Stop() bool { return r.stop.Stop() }

// Close is an alias for Stop, named for the `defer retriever.Close()`
// convention callers use in place of automatic cleanup.
func (r *I64Retriever) Close() error {
	r.Stop()
	return nil
}

// Done returns a channel that is closed once the underlying retry loop has
// actually exited (as opposed to Fired(), which closes the instant Stop is
// called).
func (r *I64Retriever) Done() <-chan struct{} { return r.done }
