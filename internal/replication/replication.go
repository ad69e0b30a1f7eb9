// Package replication implements the replicator manager: the epoch-guarded
// control-plane state describing which backend is master and which are
// replicas for each database. It does not ship replication data itself;
// that data path is handled elsewhere.
package replication

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dreamware/shardkv/internal/metrics"
)

// ErrOldEpoch is returned by UpdateReplicators when the supplied epoch is
// not strictly greater than the currently installed one.
var ErrOldEpoch = errors.New("replication: old epoch")

// Assignment is one (master_addr, replica_addrs, epoch) entry for a
// database.
type Assignment struct {
	MasterAddr   string
	ReplicaAddrs []string
	Epoch        uint64
}

// Meta is the full replication topology across all databases.
type Meta struct {
	Epoch     uint64
	Databases map[string][]Assignment
}

// Manager holds the current replication topology under epoch discipline,
// mirroring the admission rule of internal/routing.Store.SetDBs.
type Manager struct {
	mu    sync.RWMutex
	epoch uint64
	meta  Meta
}

// NewManager returns an empty replicator manager at epoch 0.
func NewManager() *Manager {
	return &Manager{meta: Meta{Databases: map[string][]Assignment{}}}
}

// UpdateReplicators installs a new replication topology, admitting the
// update iff meta.Epoch is strictly greater than the installed epoch (the
// same OldEpoch semantics as routing.Store.SetDBs).
func (m *Manager) UpdateReplicators(meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta.Epoch <= m.epoch {
		metrics.RecordEpochRejection("replication")
		return ErrOldEpoch
	}
	m.meta = meta
	m.epoch = meta.Epoch
	return nil
}

// Clear drops all replication state unconditionally and resets the epoch.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = Meta{Databases: map[string][]Assignment{}}
	m.epoch = 0
}

// CurrentEpoch returns the installed replication-meta epoch.
func (m *Manager) CurrentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// GetMetadataReport renders a human-readable textual report used by UMCTL
// INFOREPL: an "epoch:N" line, then one line per assignment (databases in
// sorted order), listing its database, master, replicas, and epoch.
func (m *Manager) GetMetadataReport() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dbNames := make([]string, 0, len(m.meta.Databases))
	for db := range m.meta.Databases {
		dbNames = append(dbNames, db)
	}
	sort.Strings(dbNames)

	var b strings.Builder
	fmt.Fprintf(&b, "epoch:%d\n", m.meta.Epoch)
	for _, db := range dbNames {
		for _, a := range m.meta.Databases[db] {
			fmt.Fprintf(&b, "db:%s master:%s replicas:%s epoch:%d\n", db, a.MasterAddr, strings.Join(a.ReplicaAddrs, ","), a.Epoch)
		}
	}
	return b.String()
}
