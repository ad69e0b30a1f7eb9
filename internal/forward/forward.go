// Package forward implements the top-level forward handler: the
// per-connection dispatcher that classifies each client command and routes
// it to the migration overlay, the routing store, or one of the UMCTL
// control-plane operations.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/cmdctx"
	"github.com/dreamware/shardkv/internal/migration"
	"github.com/dreamware/shardkv/internal/replication"
	"github.com/dreamware/shardkv/internal/respwire"
	"github.com/dreamware/shardkv/internal/routing"
	"github.com/dreamware/shardkv/internal/slot"
)

// Client-facing error strings: byte-exact.
const (
	errMissingDatabaseName = "Missing database name"
	errInvalidDatabaseName = "Invalid database name"
	errMissingSubCommand   = "Missing sub command"
	errInvalidSubCommand   = "Invalid sub command"
	errUnsupportedSubCmd   = "Unsupported sub command"
	errInvalidArguments    = "Invalid arguments"
	errInvalidCommand      = "Invalid command"
)

// infoVersionReply is the static INFO bulk reply.
const infoVersionReply = "version:dev\r\n"

// Dispatcher is the routing/migration Dispatch capability;
// backend.PooledDispatcher satisfies it, along with internal/routing.Dispatcher
// and internal/migration.Dispatcher, which are structurally identical to this.
type Dispatcher interface {
	routing.Dispatcher
}

// Handler is the per-connection forward handler. One Handler instance is
// shared by every session on a proxy process; CmdCtx values flow through it
// one at a time, each owned by exactly one caller.
type Handler struct {
	selfAddr   string
	routing    *routing.Store
	migration  *migration.Manager
	replicator *replication.Manager
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewHandler wires the routing store, migration manager, and replicator
// manager behind a single dispatch surface.
func NewHandler(selfAddr string, routingStore *routing.Store, migrationMgr *migration.Manager, replicatorMgr *replication.Manager, dispatcher Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{
		selfAddr:   selfAddr,
		routing:    routingStore,
		migration:  migrationMgr,
		replicator: replicatorMgr,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle classifies cc's command and dispatches it to the matching handler.
// It always eventually calls cc.SetRespResult, except in the Others branch
// when the migration overlay fails with an error other than
// ErrSlotNotFound: that command is logged and dropped without a reply.
func (h *Handler) Handle(ctx context.Context, cc *cmdctx.CmdCtx) {
	cmd := cc.GetCmd()
	switch cmd.GetType() {
	case cmdctx.TypePing, cmdctx.TypeQuit, cmdctx.TypeSelect:
		cc.SetRespResult(respwire.Simple("OK"))
	case cmdctx.TypeInfo:
		cc.SetRespResult(respwire.BulkString([]byte(infoVersionReply)))
	case cmdctx.TypeEcho:
		cc.SetRespResult(cmd.GetResp())
	case cmdctx.TypeAuth:
		h.handleAuth(cc)
	case cmdctx.TypeCluster:
		h.handleCluster(cc)
	case cmdctx.TypeUmCtl:
		h.handleUmctl(ctx, cc)
	case cmdctx.TypeOthers:
		h.handleOthers(ctx, cc)
	default:
		cc.SetRespResult(respwire.Error(errInvalidCommand))
	}
}

func (h *Handler) handleAuth(cc *cmdctx.CmdCtx) {
	key := cc.GetCmd().GetKey()
	if key == nil {
		cc.SetRespResult(respwire.Error(errMissingDatabaseName))
		return
	}
	if !utf8.Valid(key) {
		cc.SetRespResult(respwire.Error(errInvalidDatabaseName))
		return
	}
	cc.SetDBName(string(key))
	cc.SetRespResult(respwire.Simple("OK"))
}

func (h *Handler) handleCluster(cc *cmdctx.CmdCtx) {
	args := cc.GetCmd().Args()
	if len(args) < 2 {
		cc.SetRespResult(respwire.Error(errMissingSubCommand))
		return
	}
	sub := upperString(args[1])
	db := cc.GetDBName()
	switch sub {
	case "NODES":
		cc.SetRespResult(h.routing.GenClusterNodes(db, h.selfAddr))
	case "SLOTS":
		resp, err := h.routing.GenClusterSlots(db, h.selfAddr)
		if err != nil {
			cc.SetRespResult(respwire.Error(err.Error()))
			return
		}
		cc.SetRespResult(resp)
	default:
		cc.SetRespResult(respwire.Error(errUnsupportedSubCmd))
	}
}

func (h *Handler) handleUmctl(ctx context.Context, cc *cmdctx.CmdCtx) {
	args := cc.GetCmd().Args()
	if len(args) < 2 {
		cc.SetRespResult(respwire.Error(errMissingSubCommand))
		return
	}
	sub := upperString(args[1])
	switch sub {
	case "LISTDB":
		h.handleListDB(cc)
	case "CLEARDB":
		h.handleClearDB(cc)
	case "SETDB":
		h.handleSetDB(cc)
	case "SETPEER":
		h.handleSetPeer(cc)
	case "SETREPL":
		h.handleSetRepl(cc)
	case "INFOREPL":
		cc.SetRespResult(respwire.BulkString([]byte(h.replicator.GetMetadataReport())))
	case "INFOMGR":
		h.handleInfoMgr(cc)
	case "TMPSWITCH":
		h.handleTmpSwitch(ctx, cc)
	default:
		cc.SetRespResult(respwire.Error(errInvalidSubCommand))
	}
}

func (h *Handler) handleListDB(cc *cmdctx.CmdCtx) {
	names := h.routing.GetDBs()
	items := make([]respwire.Resp, 0, len(names))
	for _, name := range names {
		items = append(items, respwire.BulkString([]byte(name)))
	}
	cc.SetRespResult(respwire.Array(items))
}

// handleClearDB resets routing, peer, migration, and replicator state —
// the "safer policy" decided for CLEARDB's scope, since leaving any of the
// three control-plane stores behind a cleared routing table risks serving
// commands against metadata the operator believed was wiped.
func (h *Handler) handleClearDB(cc *cmdctx.CmdCtx) {
	h.routing.Clear()
	h.migration.Clear()
	h.replicator.Clear()
	cc.SetRespResult(respwire.Simple("OK"))
}

// handleSetDB parses a HostDBMap from the command and installs it. Migration
// metadata is installed before routing metadata: a slot tagged Importing at
// this proxy must be visible to the overlay before the routing table can
// ever point a command at it, or a command arriving between the two
// installs could be served from an empty destination as if the slot were
// still Stable elsewhere.
func (h *Handler) handleSetDB(cc *cmdctx.CmdCtx) {
	dbMap, err := ParseHostDBMap(cc.GetCmd())
	if err != nil {
		cc.SetRespResult(respwire.Error(errInvalidArguments))
		return
	}

	if err := h.migration.Update(context.Background(), dbMap); err != nil {
		cc.SetRespResult(respwire.Error(routing.OldEpochReply))
		return
	}
	if err := h.routing.SetDBs(dbMap); err != nil {
		cc.SetRespResult(respwire.Error(routing.OldEpochReply))
		return
	}
	cc.SetRespResult(respwire.Simple("OK"))
}

func (h *Handler) handleSetPeer(cc *cmdctx.CmdCtx) {
	peerMap, err := ParsePeerMap(cc.GetCmd())
	if err != nil {
		cc.SetRespResult(respwire.Error(errInvalidArguments))
		return
	}
	if err := h.routing.SetPeers(peerMap); err != nil {
		cc.SetRespResult(respwire.Error(routing.OldEpochReply))
		return
	}
	cc.SetRespResult(respwire.Simple("OK"))
}

func (h *Handler) handleSetRepl(cc *cmdctx.CmdCtx) {
	meta, err := ParseReplicatorMeta(cc.GetCmd())
	if err != nil {
		cc.SetRespResult(respwire.Error(errInvalidArguments))
		return
	}
	if err := h.replicator.UpdateReplicators(meta); err != nil {
		cc.SetRespResult(respwire.Error(routing.OldEpochReply))
		return
	}
	cc.SetRespResult(respwire.Simple("OK"))
}

func (h *Handler) handleInfoMgr(cc *cmdctx.CmdCtx) {
	tasks := h.migration.GetFinishedTasks()
	items := make([]respwire.Resp, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, respwire.BulkString([]byte(t.String())))
	}
	cc.SetRespResult(respwire.Array(items))
}

func (h *Handler) handleTmpSwitch(ctx context.Context, cc *cmdctx.CmdCtx) {
	args := cc.GetCmd().Args()
	if len(args) < 3 {
		cc.SetRespResult(respwire.Error(errInvalidArguments))
		return
	}
	taskID := string(args[2])
	h.migration.CommitImporting(ctx, taskID, cc)
}

// handleOthers is the data-command fast path: try the migration overlay
// first, falling through to the routing store only on ErrSlotNotFound. A
// routing store error is replied to the client as an error.
func (h *Handler) handleOthers(ctx context.Context, cc *cmdctx.CmdCtx) {
	err := h.migration.Send(ctx, cc, h.dispatcher)
	if err == nil {
		return
	}
	if errors.Is(err, migration.ErrSlotNotFound) {
		if err := h.routing.Send(ctx, cc, h.dispatcher); err != nil {
			h.logger.Warn("forward: routing store could not send command", zap.Error(err))
			cc.SetRespResult(respwire.Error(err.Error()))
		}
		return
	}
	h.logger.Warn("forward: dropping command after migration overlay error", zap.Error(err))
}

func upperString(b []byte) string {
	return string(toUpperBytes(b))
}

func toUpperBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

// SETDB/SETPEER/SETREPL carry their structured payload as the bulk-string
// argument right after the sub-command (args[2]), JSON-encoded:
// slot.DatabaseMap, slot.PeerMap, and replication.Meta respectively. JSON
// keeps the control path readable without requiring a second wire format.

// ParseHostDBMap parses a HostDBMap/DatabaseMap from a SETDB command's
// payload argument.
func ParseHostDBMap(cmd cmdctx.Command) (slot.DatabaseMap, error) {
	args := cmd.Args()
	if len(args) < 3 {
		return slot.DatabaseMap{}, errNotEnoughArgs
	}
	var m slot.DatabaseMap
	if err := json.Unmarshal(args[2], &m); err != nil {
		return slot.DatabaseMap{}, err
	}
	return m, nil
}

// ParsePeerMap parses a PeerMap from a SETPEER command's payload argument.
func ParsePeerMap(cmd cmdctx.Command) (slot.PeerMap, error) {
	args := cmd.Args()
	if len(args) < 3 {
		return slot.PeerMap{}, errNotEnoughArgs
	}
	var m slot.PeerMap
	if err := json.Unmarshal(args[2], &m); err != nil {
		return slot.PeerMap{}, err
	}
	return m, nil
}

// ParseReplicatorMeta parses a ReplicatorMeta from a SETREPL command's
// payload argument.
func ParseReplicatorMeta(cmd cmdctx.Command) (replication.Meta, error) {
	args := cmd.Args()
	if len(args) < 3 {
		return replication.Meta{}, errNotEnoughArgs
	}
	var m replication.Meta
	if err := json.Unmarshal(args[2], &m); err != nil {
		return replication.Meta{}, err
	}
	return m, nil
}

var errNotEnoughArgs = &parseError{"not enough arguments"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }
