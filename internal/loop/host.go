package loop

import (
	"github.com/dendisuhubdy/ijson/internal/conn"
	"github.com/dendisuhubdy/ijson/internal/interfaces"
	"github.com/dendisuhubdy/ijson/internal/queue"
)

// Host is what a Loop needs from the process-wide Dispatcher: capability
// lookup, the pending-response table, cross-loop handoff, and the
// ambient logging/metrics surface. Kept as an interface so loop doesn't
// import the root dispatch package.
type Host interface {
	Threads() int
	GetLine(name string, create bool) (*queue.Line, error)

	// PendingPut registers id -> c, linking c once. Returns false
	// without modifying anything if id is already present (collision).
	PendingPut(id string, c *conn.Conn) bool
	// PendingDelete removes and unlinks id's entry, if present.
	PendingDelete(id string) (*conn.Conn, bool)

	// LoopAt returns the Loop at index; a migration sweep uses it to
	// hand a Conn to its target Loop.
	LoopAt(index int) *Loop

	// Connections returns a snapshot of every live Conn the Dispatcher
	// knows about, for a migration sweep to scan for conns pinned to
	// this Loop that need to move.
	Connections() []*conn.Conn

	// Autolock acquires every Loop's del_lock other than the one at
	// index except, returning a closure that releases them. A Loop's
	// migration sweep holds this for the duration of the handoff so it
	// never races another Loop's own sweep or dead-connection drain.
	Autolock(except int) func()

	// DrainRetiredNames releases name-trie node slabs superseded since
	// the last drain. Called from within a migration sweep, which
	// already holds Autolock.
	DrainRetiredNames()

	Logger() interfaces.Logger
	Observer() interfaces.Observer
}
