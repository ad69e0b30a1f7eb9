// Package routing implements the epoch-guarded routing store: the
// database→slot map and peer map consulted on the fast data path and
// reconfigured by UMCTL SETDB/SETPEER/CLEARDB.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/cmdctx"
	"github.com/dreamware/shardkv/internal/metrics"
	"github.com/dreamware/shardkv/internal/respwire"
	"github.com/dreamware/shardkv/internal/slot"
)

// OldEpochReply is the exact error string clients receive when an update
// carries an epoch that is not strictly newer than what is installed. Every
// package that can surface an epoch-stale rejection imports this constant
// rather than redeclaring it.
const OldEpochReply = "ERR invalid epoch"

// ErrOldEpoch is returned by SetDBs/SetPeers when the supplied epoch is not
// strictly greater than the currently installed one.
var ErrOldEpoch = errors.New("routing: old epoch")

// ErrNoSlot is returned by Send when the command's key has no owning
// address in the current database map.
var ErrNoSlot = errors.New("routing: key has no slot in current map")

// ErrNoSuchDatabase is returned by GenClusterSlots when the requested
// database is absent from the routing table.
var ErrNoSuchDatabase = errors.New("routing: no such database")

// Dispatcher sends a parsed command to a concrete backend address and
// returns its reply. internal/backend provides the concrete implementation;
// routing only depends on this narrow capability.
type Dispatcher interface {
	Dispatch(ctx context.Context, address string, cmd cmdctx.Command) (respwire.Resp, error)
}

// Store is the epoch-guarded routing store. The zero value is not usable;
// use New.
type Store struct {
	mu    sync.RWMutex
	dbs   slot.DatabaseMap
	peers slot.PeerMap
}

// New returns an empty routing store at epoch 0.
func New() *Store {
	return &Store{
		dbs:   slot.DatabaseMap{DBs: map[string]map[string][]slot.Range{}},
		peers: slot.PeerMap{Peers: map[string][]string{}},
	}
}

// SetDBs replaces the routing table, admitting the update iff m.Epoch is
// strictly greater than the currently installed database-map epoch.
//
// Callers that also drive the migration manager (forward.Handler.handleSetDB)
// must call migration.Manager.Update with this same map *before* calling
// SetDBs, so that no command can observe routing state whose migration
// state has not yet been installed.
func (s *Store) SetDBs(m slot.DatabaseMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Epoch <= s.dbs.Epoch {
		metrics.RecordEpochRejection("routing")
		return ErrOldEpoch
	}
	s.dbs = m
	return nil
}

// SetPeers replaces the peer map under the same epoch discipline as SetDBs,
// independently of it.
func (s *Store) SetPeers(m slot.PeerMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Epoch <= s.peers.Epoch {
		metrics.RecordEpochRejection("routing")
		return ErrOldEpoch
	}
	s.peers = m
	return nil
}

// Clear drops all databases and peers unconditionally, resetting epochs to
// zero so that a subsequent SetDBs/SetPeers with any epoch > 0 is admitted.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs = slot.DatabaseMap{DBs: map[string]map[string][]slot.Range{}}
	s.peers = slot.PeerMap{Peers: map[string][]string{}}
}

// GetDBs lists the currently installed database names; order is
// unspecified.
func (s *Store) GetDBs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbs.Databases()
}

// CurrentEpoch returns the installed database-map epoch, for tests and
// diagnostics.
func (s *Store) CurrentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbs.Epoch
}

// Send routes cmd's command to the backend address owning its key's slot
// in the current database map, via dispatcher, and delivers the reply
// through cc. Returns ErrNoSlot when the key has no owning address.
func (s *Store) Send(ctx context.Context, cc *cmdctx.CmdCtx, dispatcher Dispatcher) error {
	db := cc.GetDBName()
	key := cc.GetCmd().GetKey()
	if key == nil {
		return fmt.Errorf("%w: command carries no key", ErrNoSlot)
	}
	slotID := slot.KeyToSlot(key)

	s.mu.RLock()
	addr, ok := addressForSlot(s.dbs, db, slotID)
	s.mu.RUnlock()
	if !ok {
		return ErrNoSlot
	}

	resp, err := dispatcher.Dispatch(ctx, addr, cc.GetCmd())
	if err != nil {
		return err
	}
	cc.SetRespResult(resp)
	return nil
}

func addressForSlot(m slot.DatabaseMap, db string, slotID int) (string, bool) {
	byAddr, ok := m.DBs[db]
	if !ok {
		return "", false
	}
	for addr, ranges := range byAddr {
		for _, r := range ranges {
			if r.Contains(slotID) {
				return addr, true
			}
		}
	}
	return "", false
}

// GenClusterNodes renders the CLUSTER NODES view this proxy advertises for
// db, identifying itself as selfAddr.
func (s *Store) GenClusterNodes(db, selfAddr string) respwire.Resp {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lines []string
	byAddr := s.dbs.DBs[db]
	addrs := make([]string, 0, len(byAddr))
	for addr := range byAddr {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	for _, addr := range addrs {
		role := "master"
		if addr == selfAddr {
			role += ",myself"
		}
		slots := make([]string, 0, len(byAddr[addr]))
		for _, r := range byAddr[addr] {
			slots = append(slots, fmt.Sprintf("%d-%d", r.Start, r.End-1))
		}
		lines = append(lines, fmt.Sprintf("%s %s %s - 0 0 connected %s", addr, addr, role, strings.Join(slots, " ")))
	}
	return respwire.BulkString([]byte(strings.Join(lines, "\n") + "\n"))
}

// GenClusterSlots renders the CLUSTER SLOTS view for db. It fails with
// ErrNoSuchDatabase if db is absent from the routing table.
func (s *Store) GenClusterSlots(db, selfAddr string) (respwire.Resp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byAddr, ok := s.dbs.DBs[db]
	if !ok {
		return respwire.Resp{}, fmt.Errorf("%w: %s", ErrNoSuchDatabase, db)
	}

	var entries []respwire.Resp
	for addr, ranges := range byAddr {
		host, port := splitHostPort(addr)
		for _, r := range ranges {
			entries = append(entries, respwire.Array([]respwire.Resp{
				respwire.Integer(int64(r.Start)),
				respwire.Integer(int64(r.End - 1)),
				respwire.Array([]respwire.Resp{
					respwire.BulkString([]byte(host)),
					respwire.Integer(int64(port)),
				}),
			}))
		}
	}
	return respwire.Array(entries), nil
}

func splitHostPort(addr string) (string, int) {
	parts := strings.SplitN(addr, ":", 2)
	if len(parts) != 2 {
		return addr, 0
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return parts[0], 0
	}
	return parts[0], port
}
