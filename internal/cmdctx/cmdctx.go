// Package cmdctx defines the per-request context that flows from a client
// session down through the forward handler, the migration overlay, and the
// routing store to a backend sender, and the classification of commands
// used to route that context.
package cmdctx

import (
	"strings"
	"sync/atomic"

	"github.com/dreamware/shardkv/internal/respwire"
)

// Type classifies a parsed client command into the dispatch categories the
// forward handler switches on.
type Type int

const (
	TypePing Type = iota
	TypeInfo
	TypeAuth
	TypeQuit
	TypeEcho
	TypeSelect
	TypeCluster
	TypeUmCtl
	TypeOthers
	TypeInvalid
)

// Command is the parsed client request: the command name plus its
// arguments, and the original RESP array it was parsed from (which ECHO
// replies with unchanged).
type Command struct {
	resp Resp
	args [][]byte
}

// Resp is a narrow alias to avoid a cyclic dependency on respwire.Resp in
// doc comments; it is in fact respwire.Resp.
type Resp = respwire.Resp

// NewCommand builds a Command from an already-parsed RESP array of bulk
// strings, the shape every inline client command takes on the wire.
func NewCommand(raw Resp) Command {
	args := make([][]byte, 0, len(raw.Arr))
	for _, item := range raw.Arr {
		args = append(args, item.Str)
	}
	return Command{resp: raw, args: args}
}

// GetResp returns the original RESP array the command was parsed from.
func (c Command) GetResp() Resp { return c.resp }

// Args returns the raw argument list, args[0] being the command name.
func (c Command) Args() [][]byte { return c.args }

// Name returns the uppercased command name, or "" if the command is empty.
func (c Command) Name() string {
	if len(c.args) == 0 {
		return ""
	}
	return strings.ToUpper(string(c.args[0]))
}

// GetKey returns the command's first positional argument (args[1]) — the
// database name for AUTH/SELECT, the sub-command for CLUSTER/UMCTL, or the
// routing key for data commands — or nil if there isn't one.
func (c Command) GetKey() []byte {
	if len(c.args) < 2 {
		return nil
	}
	return c.args[1]
}

// GetType classifies the command per the forward handler's dispatch table.
func (c Command) GetType() Type {
	switch c.Name() {
	case "":
		return TypeInvalid
	case "PING":
		return TypePing
	case "INFO":
		return TypeInfo
	case "AUTH":
		return TypeAuth
	case "QUIT":
		return TypeQuit
	case "ECHO":
		return TypeEcho
	case "SELECT":
		return TypeSelect
	case "CLUSTER":
		return TypeCluster
	case "UMCTL":
		return TypeUmCtl
	default:
		return TypeOthers
	}
}

// CmdCtx is the owned, single-use command context that flows through the
// proxy. It is produced once by the session layer and consumed exactly once by
// a forwarder or sender, which calls SetRespResult to deliver the reply.
//
// CmdCtx is not safe for concurrent use by multiple goroutines acting as
// "the owner" at once — at any moment exactly one goroutine holds it, by
// convention. The resultSet flag exists purely to make a double-reply bug
// detectable in tests rather than to arbitrate concurrent access.
type CmdCtx struct {
	reply      func(Resp)
	cmd        Command
	dbName     atomic.Value // string
	resultSet  atomic.Bool
}

// New creates a CmdCtx for cmd. reply is invoked exactly once, when
// SetRespResult is first called.
func New(cmd Command, reply func(Resp)) *CmdCtx {
	ctx := &CmdCtx{cmd: cmd, reply: reply}
	ctx.dbName.Store("")
	return ctx
}

// GetCmd returns the parsed command.
func (c *CmdCtx) GetCmd() Command { return c.cmd }

// GetDBName returns the currently selected database name (set by AUTH, or
// "" if none has been selected on this session yet).
func (c *CmdCtx) GetDBName() string {
	v, _ := c.dbName.Load().(string)
	return v
}

// SetDBName updates the session's selected database tag.
func (c *CmdCtx) SetDBName(name string) { c.dbName.Store(name) }

// SetRespResult delivers the final reply for this context. It is a bug to
// call this more than once; the second and later calls are dropped and
// SetRespResult reports false so tests can assert on the double-reply
// condition.
func (c *CmdCtx) SetRespResult(r Resp) bool {
	if !c.resultSet.CompareAndSwap(false, true) {
		return false
	}
	c.reply(r)
	return true
}

// Replied reports whether SetRespResult has already been called.
func (c *CmdCtx) Replied() bool { return c.resultSet.Load() }
