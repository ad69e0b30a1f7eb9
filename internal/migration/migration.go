// Package migration implements the migration manager:
// the owner of active import/export slot-migration tasks, their state
// machines, and the data-path overlay that intercepts commands for slots
// mid-migration before the routing store ever sees them.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/cmdctx"
	"github.com/dreamware/shardkv/internal/metrics"
	"github.com/dreamware/shardkv/internal/respwire"
	"github.com/dreamware/shardkv/internal/retry"
	"github.com/dreamware/shardkv/internal/slot"
)

// State is a migration task's position in its state machine:
//
//	PreCheck   -> Importing  (src reachable & dst reachable)
//	PreCheck   -> Failed     (pre-check timeout)
//	Importing  -> Committing (TMPSWITCH received)
//	Committing -> Done       (commit_migration 2xx/404)
//	Committing -> Committing (commit error, epoch still live: retry)
//
// The Importing -> Committing step is taken on TMPSWITCH alone; it does not
// check that the destination has caught up. No code path moves a task from
// Importing to Failed.
type State int

const (
	StatePreCheck State = iota
	StateImporting
	StateCommitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePreCheck:
		return "PreCheck"
	case StateImporting:
		return "Importing"
	case StateCommitting:
		return "Committing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Task is one (task_id, src_addr, dst_addr, slot_range, epoch, state) tuple.
// Kind records whether this proxy is the importing (destination) or
// migrating (source) side.
type Task struct {
	TaskID  string
	DB      string
	SrcAddr string
	DstAddr string
	Range   slot.Range
	Epoch   uint64
	State   State
	Kind    slot.Tag // TagImporting or TagMigrating
}

// String renders the task's fields joined by single spaces, the exact
// format INFOMGR reports.
func (t Task) String() string {
	return fmt.Sprintf("%s %s %s %s %d-%d %d %s", t.TaskID, t.DB, t.SrcAddr, t.DstAddr, t.Range.Start, t.Range.End, t.Epoch, t.State)
}

// ErrOldEpoch is returned by Update when the supplied map's epoch is not
// strictly greater than the manager's currently installed epoch.
var ErrOldEpoch = errors.New("migration: old epoch")

// ErrSlotNotFound is returned by Send when no local task covers the
// command's slot; the forward handler falls through to the routing store.
var ErrSlotNotFound = errors.New("migration: slot not covered by any task")

// ErrNoMatchingTask is returned by CommitImporting when no Importing task
// matches the TMPSWITCH request.
var ErrNoMatchingTask = errors.New("migration: no matching importing task")

// Dispatcher sends a parsed command to a concrete address and returns its
// reply. Structurally identical to routing.Dispatcher so the same backend
// adapter satisfies both without migration importing routing.
type Dispatcher interface {
	Dispatch(ctx context.Context, address string, cmd cmdctx.Command) (respwire.Resp, error)
}

// Prober checks whether a proxy address is currently reachable, used to
// drive a task's PreCheck phase.
type Prober interface {
	Ping(ctx context.Context, address string) error
}

// Broker commits a finished import to the meta-broker so it can reconcile
// its global task bookkeeping. 404 is treated as success by the concrete
// HTTP implementation in internal/broker.
type Broker interface {
	CommitMigration(ctx context.Context, meta Task) error
}

// Manager owns all active migration tasks for this proxy.
type Manager struct {
	selfAddr string
	prober   Prober
	broker   Broker
	logger   *zap.Logger
	interval time.Duration

	mu    sync.RWMutex
	epoch uint64
	tasks map[string]*taskEntry
}

type taskEntry struct {
	task Task
	stop *retry.StopSignal
}

// NewManager constructs a migration manager for the proxy listening at
// selfAddr. interval paces the PreCheck and Committing retry loops.
func NewManager(selfAddr string, prober Prober, broker Broker, interval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		selfAddr: selfAddr,
		prober:   prober,
		broker:   broker,
		interval: interval,
		logger:   logger,
		tasks:    map[string]*taskEntry{},
	}
}

// Update installs migration metadata derived from a new routing map. This
// must be called, and must succeed, before the
// routing store's SetDBs is called with the same map: migration metadata
// is installed before routing metadata so that a slot tagged Importing at
// this proxy is recognized by the overlay before it appears in the routing
// table. A command arriving immediately after SetDBs must never be
// dispatched as if the slot were Stable and served from an empty
// destination.
//
// On OldEpoch, the caller must not proceed to SetDBs (see forward.Handler's
// handleSetDB, which enforces this ordering). If SetDBs is then rejected,
// the migration metadata installed here is not rolled back.
func (m *Manager) Update(ctx context.Context, dbMap slot.DatabaseMap) error {
	m.mu.Lock()
	if dbMap.Epoch <= m.epoch {
		m.mu.Unlock()
		metrics.RecordEpochRejection("migration")
		return ErrOldEpoch
	}
	m.epoch = dbMap.Epoch

	wanted := map[string]Task{}
	for db, byAddr := range dbMap.DBs {
		for _, r := range byAddr[m.selfAddr] {
			if r.Tag != slot.TagImporting && r.Tag != slot.TagMigrating {
				continue
			}
			wanted[r.TaskID] = Task{
				TaskID:  r.TaskID,
				DB:      db,
				SrcAddr: srcAddrFor(r, m.selfAddr),
				DstAddr: dstAddrFor(r, m.selfAddr),
				Range:   r,
				Epoch:   r.Epoch,
				State:   StatePreCheck,
				Kind:    r.Tag,
			}
		}
	}

	var toStart []*taskEntry
	for id, entry := range m.tasks {
		if _, ok := wanted[id]; !ok {
			entry.stop.Stop()
			delete(m.tasks, id)
		}
	}
	for id, wantedTask := range wanted {
		if _, ok := m.tasks[id]; ok {
			continue // unchanged range, preserved in place
		}
		entry := &taskEntry{task: wantedTask, stop: retry.NewStopSignal()}
		m.tasks[id] = entry
		toStart = append(toStart, entry)
	}
	m.mu.Unlock()

	for _, entry := range toStart {
		m.runPreCheck(ctx, entry)
	}
	return nil
}

// srcAddrFor reports the source address for an Importing range (selfAddr is
// the destination) or selfAddr itself for a Migrating range (selfAddr is
// the source).
func srcAddrFor(r slot.Range, selfAddr string) string {
	if r.Tag == slot.TagImporting {
		return r.PeerAddr
	}
	return selfAddr
}

// dstAddrFor reports the destination address for a Migrating range
// (selfAddr is the source) or selfAddr itself for an Importing range
// (selfAddr is the destination, already caught up and able to serve
// locally once Committing/Done).
func dstAddrFor(r slot.Range, selfAddr string) string {
	if r.Tag == slot.TagMigrating {
		return r.PeerAddr
	}
	return selfAddr
}

// runPreCheck drives a freshly spawned task's PreCheck -> Importing/Failed
// transition by probing both endpoints' reachability.
func (m *Manager) runPreCheck(ctx context.Context, entry *taskEntry) {
	go func() {
		const maxAttempts = 3
		ok := false
		for attempt := 0; attempt < maxAttempts; attempt++ {
			select {
			case <-entry.stop.Fired():
				return
			case <-ctx.Done():
				return
			default:
			}
			srcErr := m.prober.Ping(ctx, entry.task.SrcAddr)
			dstErr := m.prober.Ping(ctx, entry.task.DstAddr)
			if srcErr == nil && dstErr == nil {
				ok = true
				break
			}
			m.logger.Warn("migration: precheck probe failed, retrying",
				zap.String("task_id", entry.task.TaskID), zap.Error(errors.Join(srcErr, dstErr)))
			if waited := waitInterval(ctx, entry.stop, m.interval); waited {
				return
			}
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if _, present := m.tasks[entry.task.TaskID]; !present {
			return // retired while we were probing
		}
		if ok {
			entry.task.State = StateImporting
			metrics.RecordMigrationTransition(StateImporting.String())
		} else {
			entry.task.State = StateFailed
			metrics.RecordMigrationTransition(StateFailed.String())
			m.logger.Warn("migration: precheck exhausted, task failed", zap.String("task_id", entry.task.TaskID))
		}
	}()
}

func waitInterval(ctx context.Context, stop *retry.StopSignal, interval time.Duration) bool {
	if interval <= 0 {
		return false
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

// CommitImporting is the proxy-local handler for UMCTL TMPSWITCH: the
// source proxy tells this proxy "stop accepting new writes for this slot;
// you are authoritative now". It transitions a matching Importing task to
// Committing, starts the Committing retry loop against the broker, and
// replies OK through cc. It replies with an error if no matching task is
// found.
func (m *Manager) CommitImporting(ctx context.Context, taskID string, cc *cmdctx.CmdCtx) {
	m.mu.Lock()
	entry, ok := m.tasks[taskID]
	if !ok || entry.task.State != StateImporting {
		m.mu.Unlock()
		cc.SetRespResult(respwire.Error(ErrNoMatchingTask.Error()))
		return
	}
	entry.task.State = StateCommitting
	m.mu.Unlock()
	metrics.RecordMigrationTransition(StateCommitting.String())

	m.runCommitting(ctx, entry)
	cc.SetRespResult(respwire.Simple("OK"))
}

// runCommitting drives a task's Committing -> Done transition, retrying
// the broker commit until it succeeds (2xx or 404) or the task is stopped.
func (m *Manager) runCommitting(ctx context.Context, entry *taskEntry) {
	go func() {
		for {
			select {
			case <-entry.stop.Fired():
				return
			case <-ctx.Done():
				return
			default:
			}

			m.mu.RLock()
			snapshot := entry.task
			m.mu.RUnlock()

			if err := m.broker.CommitMigration(ctx, snapshot); err == nil {
				m.mu.Lock()
				entry.task.State = StateDone
				m.mu.Unlock()
				metrics.RecordMigrationTransition(StateDone.String())
				return
			}

			m.logger.Warn("migration: commit_migration failed, retrying",
				zap.String("task_id", snapshot.TaskID))
			if waited := waitInterval(ctx, entry.stop, m.interval); waited {
				return
			}
		}
	}()
}

// Send is the migration overlay for the data path:
//   - a slot covered by an Importing task in Committing/Done is served
//     locally (the destination now owns it);
//   - a slot covered by an Importing task in PreCheck/Importing is forwarded
//     to the source as is (no redirection marker is attached);
//   - a slot covered by a Migrating task in Importing (this proxy still owns
//     it but the destination is actively catching up) is forwarded to the
//     destination;
//   - otherwise ErrSlotNotFound is returned so the forward handler falls
//     through to the routing store.
func (m *Manager) Send(ctx context.Context, cc *cmdctx.CmdCtx, dispatcher Dispatcher) error {
	key := cc.GetCmd().GetKey()
	if key == nil {
		return ErrSlotNotFound
	}
	slotID := slot.KeyToSlot(key)
	db := cc.GetDBName()

	m.mu.RLock()
	var match *Task
	for _, entry := range m.tasks {
		if entry.task.DB != db || !entry.task.Range.Contains(slotID) {
			continue
		}
		t := entry.task
		match = &t
		break
	}
	m.mu.RUnlock()

	if match == nil {
		return ErrSlotNotFound
	}

	var target string
	switch {
	case match.Kind == slot.TagImporting && (match.State == StateCommitting || match.State == StateDone):
		target = match.DstAddr // this proxy, serve locally
	case match.Kind == slot.TagImporting && (match.State == StatePreCheck || match.State == StateImporting):
		target = match.SrcAddr // not caught up yet, redirect to source
	case match.Kind == slot.TagMigrating && match.State == StateImporting:
		target = match.DstAddr // destination is actively importing, forward there
	default:
		return ErrSlotNotFound
	}

	resp, err := dispatcher.Dispatch(ctx, target, cc.GetCmd())
	if err != nil {
		return err
	}
	cc.SetRespResult(resp)
	return nil
}

// GetFinishedTasks returns a snapshot of tasks currently in Done, for
// UMCTL INFOMGR.
func (m *Manager) GetFinishedTasks() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, entry := range m.tasks {
		if entry.task.State == StateDone {
			out = append(out, entry.task)
		}
	}
	return out
}

// Clear stops and drops every active task unconditionally (used by UMCTL
// CLEARDB) and resets the installed epoch to zero.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.tasks {
		entry.stop.Stop()
	}
	m.tasks = map[string]*taskEntry{}
	m.epoch = 0
}

// CurrentEpoch returns the installed migration-map epoch.
func (m *Manager) CurrentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}
