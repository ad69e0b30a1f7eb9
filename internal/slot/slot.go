// Package slot defines the unit of sharding and the SlotRange/DatabaseMap/PeerMap value types that the
// routing, migration, and replication managers are built around.
package slot

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// NumSlots is the size of the slot space [0, NumSlots).
const NumSlots = 16384

// KeyToSlot hashes a key to a slot using FNV-1a, the same consistent-hashing
// technique used elsewhere in this codebase's ancestry for key→shard
// lookups, generalized here to the CRC16-free slot space.
func KeyToSlot(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32()) % NumSlots
}

// Tag distinguishes a stable slot range from one that is mid-migration.
type Tag int

const (
	TagStable Tag = iota
	TagImporting
	TagMigrating
)

func (t Tag) String() string {
	switch t {
	case TagStable:
		return "stable"
	case TagImporting:
		return "importing"
	case TagMigrating:
		return "migrating"
	default:
		return "unknown"
	}
}

// Range is a half-open slot interval [Start, End) over [0, NumSlots),
// tagged Stable, Importing{PeerAddr, TaskID, Epoch}, or Migrating{PeerAddr,
// TaskID, Epoch}.
type Range struct {
	Start int
	End   int
	Tag   Tag
	// PeerAddr is the source address for an Importing range, or the
	// destination address for a Migrating range. Unused when Tag is
	// TagStable.
	PeerAddr string
	TaskID   string
	Epoch    uint64
}

// Contains reports whether slot s falls within [Start, End).
func (r Range) Contains(s int) bool { return s >= r.Start && s < r.End }

// String renders the range for log messages.
func (r Range) String() string {
	switch r.Tag {
	case TagStable:
		return fmt.Sprintf("%d-%d", r.Start, r.End)
	case TagImporting:
		return fmt.Sprintf("%d-%d importing from %s (task=%s epoch=%d)", r.Start, r.End, r.PeerAddr, r.TaskID, r.Epoch)
	case TagMigrating:
		return fmt.Sprintf("%d-%d migrating to %s (task=%s epoch=%d)", r.Start, r.End, r.PeerAddr, r.TaskID, r.Epoch)
	default:
		return fmt.Sprintf("%d-%d unknown", r.Start, r.End)
	}
}

// DatabaseMap is the routing table's payload: for each database, the
// mapping from backend address to the ordered slot ranges it owns, plus the
// epoch this snapshot was minted under.
type DatabaseMap struct {
	Epoch uint64
	// DBs maps database name -> backend address -> slot ranges owned there.
	DBs map[string]map[string][]Range
}

// Databases returns the sorted database names present in the map, for
// stable LISTDB output.
func (m DatabaseMap) Databases() []string {
	names := make([]string, 0, len(m.DBs))
	for name := range m.DBs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PeerMap is the independent, epoch-gated mapping from database to the set
// of peer proxy addresses serving it. routing.Store keeps it under its own
// epoch, but its CLUSTER NODES/CLUSTER SLOTS renderers read only the
// DatabaseMap; the peer addresses do not appear in either view.
type PeerMap struct {
	Epoch uint64
	Peers map[string][]string
}
