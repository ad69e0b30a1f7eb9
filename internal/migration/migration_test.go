package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/cmdctx"
	"github.com/dreamware/shardkv/internal/respwire"
	"github.com/dreamware/shardkv/internal/slot"
)

type alwaysUpProber struct{}

func (alwaysUpProber) Ping(ctx context.Context, address string) error { return nil }

type neverCommittingBroker struct{ calls int }

func (b *neverCommittingBroker) CommitMigration(ctx context.Context, meta Task) error {
	b.calls++
	return nil
}

func mapWithImportingRange(epoch uint64, selfAddr, peerAddr, taskID string, r slot.Range) slot.DatabaseMap {
	r.Tag = slot.TagImporting
	r.PeerAddr = peerAddr
	r.TaskID = taskID
	r.Epoch = epoch
	return slot.DatabaseMap{
		Epoch: epoch,
		DBs: map[string]map[string][]slot.Range{
			"db0": {selfAddr: {r}},
		},
	}
}

// TestUpdate_MigrationOverlayWinsBeforeRoutingInstalled installs an
// Importing range for slot 7000 at this proxy, then immediately issues a
// data command hashing to slot 7000. The command must be handled by the
// migration overlay, not rejected as unrouted.
func TestUpdate_MigrationOverlayWinsBeforeRoutingInstalled(t *testing.T) {
	selfAddr := "self:7000"
	broker := &neverCommittingBroker{}
	m := NewManager(selfAddr, alwaysUpProber{}, broker, time.Millisecond, zap.NewNop())

	dbMap := mapWithImportingRange(1, selfAddr, "src:7000", "task-1", slot.Range{Start: 7000, End: 7001})
	require.NoError(t, m.Update(context.Background(), dbMap))

	require.Eventually(t, func() bool {
		tasks := m.snapshotStates()
		return tasks["task-1"] == StateImporting
	}, time.Second, time.Millisecond)

	// Find a key that hashes into slot 7000.
	key := findKeyForSlot(t, 7000)
	raw := respwire.Array([]respwire.Resp{respwire.BulkString([]byte("GET")), respwire.BulkString(key)})
	cmd := cmdctx.NewCommand(raw)
	var replied respwire.Resp
	cc := cmdctx.New(cmd, func(r respwire.Resp) { replied = r })
	cc.SetDBName("db0")

	dispatcher := &captureDispatcher{resp: respwire.Simple("OK")}
	err := m.Send(context.Background(), cc, dispatcher)
	require.NoError(t, err)
	require.Equal(t, "src:7000", dispatcher.addr) // Importing/not-yet-Committing redirects to source
	require.True(t, cc.Replied())
	_ = replied
}

func TestUpdate_OldEpochRejected(t *testing.T) {
	m := NewManager("self:7000", alwaysUpProber{}, &neverCommittingBroker{}, time.Millisecond, zap.NewNop())
	dbMap := mapWithImportingRange(5, "self:7000", "src:7000", "task-1", slot.Range{Start: 0, End: 100})
	require.NoError(t, m.Update(context.Background(), dbMap))

	dbMap2 := mapWithImportingRange(5, "self:7000", "src:7000", "task-2", slot.Range{Start: 100, End: 200})
	err := m.Update(context.Background(), dbMap2)
	require.ErrorIs(t, err, ErrOldEpoch)
}

func TestSend_SlotNotFoundFallsThrough(t *testing.T) {
	m := NewManager("self:7000", alwaysUpProber{}, &neverCommittingBroker{}, time.Millisecond, zap.NewNop())
	raw := respwire.Array([]respwire.Resp{respwire.BulkString([]byte("GET")), respwire.BulkString([]byte("anykey"))})
	cmd := cmdctx.NewCommand(raw)
	cc := cmdctx.New(cmd, func(r respwire.Resp) {})

	err := m.Send(context.Background(), cc, &captureDispatcher{})
	require.ErrorIs(t, err, ErrSlotNotFound)
}

func TestCommitImporting_NoMatchingTask(t *testing.T) {
	m := NewManager("self:7000", alwaysUpProber{}, &neverCommittingBroker{}, time.Millisecond, zap.NewNop())
	var replied respwire.Resp
	raw := respwire.Array([]respwire.Resp{respwire.BulkString([]byte("UMCTL")), respwire.BulkString([]byte("TMPSWITCH"))})
	cc := cmdctx.New(cmdctx.NewCommand(raw), func(r respwire.Resp) { replied = r })

	m.CommitImporting(context.Background(), "missing-task", cc)
	require.True(t, replied.IsError())
}

// snapshotStates is a test helper exposing each task's current state.
func (m *Manager) snapshotStates() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]State{}
	for id, entry := range m.tasks {
		out[id] = entry.task.State
	}
	return out
}

type captureDispatcher struct {
	addr string
	resp respwire.Resp
	err  error
}

func (c *captureDispatcher) Dispatch(ctx context.Context, address string, cmd cmdctx.Command) (respwire.Resp, error) {
	c.addr = address
	return c.resp, c.err
}

func findKeyForSlot(t *testing.T, target int) []byte {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		key := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		if slot.KeyToSlot(key) == target {
			return key
		}
	}
	t.Fatalf("no key found hashing to slot %d", target)
	return nil
}
