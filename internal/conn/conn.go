// Package conn implements the per-socket connection state machine
// (Conn): status, refcount, request descriptor, and the cross-reference
// to a paired peer used for fail_on_disconnect propagation.
package conn

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Status is one state in the Conn lifecycle.
type Status int32

const (
	StatusNet Status = iota
	StatusBusy
	StatusClientWaitResult
	StatusWorkerWaitJob
	StatusWorkerWaitResult
	StatusMigration
)

func (s Status) String() string {
	switch s {
	case StatusNet:
		return "net"
	case StatusBusy:
		return "busy"
	case StatusClientWaitResult:
		return "client_wait_result"
	case StatusWorkerWaitJob:
		return "worker_wait_job"
	case StatusWorkerWaitResult:
		return "worker_wait_result"
	case StatusMigration:
		return "migration"
	default:
		return "unknown"
	}
}

// Request is the parsed descriptor carried by a Conn: a client's method
// call, or a worker's capability-registration request.
type Request struct {
	Method           string
	ID               string
	Name             string
	Body             []byte
	Priority         int
	FailOnDisconnect bool
	NoID             bool
	WorkerMode       bool
	Info             string
}

// Conn is one socket's dispatch state. Status, link count, loop
// assignment, and the migration flag are atomics so the matching
// algorithms can read-then-confirm without a held lock (Loop.Loop's
// "pop from queue, then confirm under Conn" pattern becomes a single
// CompareAndSwap via TryClaim). Req and Peer are touched only by the
// owning Loop plus the migration handoff, so a plain mutex guards them.
type Conn struct {
	FD int

	status   atomic.Int32
	link     atomic.Int32
	NLoop    atomic.Int32
	NeedLoop atomic.Int32
	GoLoop   atomic.Bool
	Closed   atomic.Bool

	mu      sync.Mutex
	Req     Request
	Peer    *Conn
	RecvBuf []byte
	SendBuf []byte
}

// New creates a Conn for fd with freshly pooled buffers and refcount 0.
func New(fd int) *Conn {
	return &Conn{
		FD:      fd,
		RecvBuf: getBuffer(),
		SendBuf: getBuffer()[:0],
	}
}

// Release returns the Conn's buffers to the pool. Called once a Conn's
// refcount has reached zero and it is being destroyed.
func (c *Conn) Release() {
	if c.RecvBuf != nil {
		putBuffer(c.RecvBuf)
		c.RecvBuf = nil
	}
	if c.SendBuf != nil {
		putBuffer(c.SendBuf[:cap(c.SendBuf)])
		c.SendBuf = nil
	}
}

// Status returns the current status.
func (c *Conn) Status() Status {
	return Status(c.status.Load())
}

// SetStatus unconditionally sets the status.
func (c *Conn) SetStatus(s Status) {
	c.status.Store(int32(s))
}

// TryClaim transitions status from 'from' to 'to' only if the current
// status is still 'from'. Returns whether the transition happened. This
// is the "confirm under lock before acting" check every matching path
// must perform on a Conn popped from a queue.
func (c *Conn) TryClaim(from, to Status) bool {
	return c.status.CompareAndSwap(int32(from), int32(to))
}

// Link increments the refcount and returns the new value.
func (c *Conn) Link() int32 {
	return c.link.Add(1)
}

// Unlink decrements the refcount and reports whether it reached zero,
// meaning the caller now owns destroying this Conn.
func (c *Conn) Unlink() bool {
	return c.link.Add(-1) == 0
}

// RefCount returns the current refcount, for diagnostics and tests.
func (c *Conn) RefCount() int32 {
	return c.link.Load()
}

// SetRequest stores the parsed request descriptor.
func (c *Conn) SetRequest(r Request) {
	c.mu.Lock()
	c.Req = r
	c.mu.Unlock()
}

// GetRequest returns a copy of the parsed request descriptor.
func (c *Conn) GetRequest() Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Req
}

// SetPeer sets the cross-referenced peer (worker.client or client's
// implicit worker back-reference), linking it once.
func (c *Conn) SetPeer(peer *Conn) {
	c.mu.Lock()
	c.Peer = peer
	c.mu.Unlock()
	if peer != nil {
		peer.Link()
	}
}

// ClearPeer clears and unlinks the current peer, returning it (nil if
// none was set).
func (c *Conn) ClearPeer() *Conn {
	c.mu.Lock()
	peer := c.Peer
	c.Peer = nil
	c.mu.Unlock()
	if peer != nil {
		peer.Unlink()
	}
	return peer
}

// GetPeer returns the current peer without clearing it.
func (c *Conn) GetPeer() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Peer
}

// GenerateID mints a correlation id for a client request that arrived
// without one and whose body had no top-level "id" field.
func (c *Conn) GenerateID() string {
	return uuid.NewString()
}

// Migrate marks this Conn for cross-loop handoff to targetLoop. Its
// paired peer, if any, is not touched; a caller moving both marks each.
func (c *Conn) Migrate(targetLoop int32) {
	c.NeedLoop.Store(targetLoop)
	c.GoLoop.Store(true)
}
