// Package ijson implements a socket RPC dispatcher: capability-named
// workers register to serve requests, clients call capabilities by
// name, and the Dispatcher matches one to the other across a fixed
// pool of event-driven Loops. See internal/trie, internal/queue,
// internal/conn, internal/loop for the matching engine itself; this
// file wires them into the process-wide registry.
package ijson

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dendisuhubdy/ijson/internal/conn"
	"github.com/dendisuhubdy/ijson/internal/constants"
	"github.com/dendisuhubdy/ijson/internal/interfaces"
	"github.com/dendisuhubdy/ijson/internal/logging"
	"github.com/dendisuhubdy/ijson/internal/loop"
	"github.com/dendisuhubdy/ijson/internal/notifier"
	"github.com/dendisuhubdy/ijson/internal/queue"
	"github.com/dendisuhubdy/ijson/internal/trie"
)

// Config configures a Dispatcher.
type Config struct {
	// Addr is the TCP address the daemon listens on (ambient stack;
	// unused by the Dispatcher itself, read by cmd/ijsond).
	Addr string

	// Threads is the number of Loops. Zero or negative selects
	// constants.DefaultThreads; values above constants.MaxThreads are
	// clamped to it.
	Threads int

	// MaxConns bounds the number of live connections, defaulting to
	// constants.MaxEvents.
	MaxConns int

	// JSONRPC2 is the ambient-stack jsonrpc2 compatibility flag, set by
	// cmd/ijsond's -jsonrpc2 option. It is stored only: neither the
	// Dispatcher nor cmd/ijsond reads it, and wire responses carry the
	// same error codes whatever its value.
	JSONRPC2 bool

	// CPUAffinity pins Loop i's OS thread to CPUAffinity[i%len(CPUAffinity)].
	// Nil leaves the scheduler free to place every Loop.
	CPUAffinity []int

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// DefaultConfig returns a Config with the engine's default thread count
// and connection ceiling.
func DefaultConfig() Config {
	return Config{
		Addr:     ":7777",
		Threads:  constants.DefaultThreads,
		MaxConns: constants.MaxEvents,
	}
}

// Dispatcher is the process-wide registry: the connection table, every
// capability's Line, the name trie backing capability lookup, the
// pending-response table correlating worker replies to waiting clients,
// and the Loop pool itself.
type Dispatcher struct {
	maxConns int

	connMu      sync.RWMutex
	connections map[int]*conn.Conn

	linesMu sync.Mutex // GlobalMu: guards Lines + Trie together
	lines   map[string]*queue.Line
	names   *trie.Trie

	pendingMu sync.Mutex
	pending   map[string]*conn.Conn

	loops      []*loop.Loop
	nextAccept atomic.Int64
	stopCh     chan struct{}

	metrics *Metrics
	logger  interfaces.Logger
	obs     interfaces.Observer
}

// NewDispatcher allocates a Dispatcher and creates one Loop per
// configured thread, each driven by its own readiness Notifier; the
// Loops do not run until Start. A failure partway through closes the
// Loops already created, the same create-then-roll-back shape as a
// per-queue-runner startup sequence.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = constants.DefaultThreads
	}
	if threads > constants.MaxThreads {
		threads = constants.MaxThreads
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = constants.MaxEvents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	obs := cfg.Observer
	if obs == nil {
		obs = NewMetricsObserver(metrics)
	}

	d := &Dispatcher{
		maxConns:    maxConns,
		connections: make(map[int]*conn.Conn),
		lines:       make(map[string]*queue.Line),
		names:       trie.New(),
		pending:     make(map[string]*conn.Conn),
		metrics:     metrics,
		logger:      logger,
		obs:         obs,
	}

	d.loops = make([]*loop.Loop, threads)
	for i := 0; i < threads; i++ {
		nf, err := notifier.New(constants.MaxEvents)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = d.loops[j].Close()
			}
			return nil, fmt.Errorf("create notifier for loop %d: %w", i, err)
		}
		l := loop.New(i, d, nf)
		l.WithConnLookup(d.connAt)
		if len(cfg.CPUAffinity) > 0 {
			l.WithCPUAffinity(cfg.CPUAffinity[i%len(cfg.CPUAffinity)])
		}
		d.loops[i] = l
	}

	return d, nil
}

// Threads implements loop.Host.
func (d *Dispatcher) Threads() int { return len(d.loops) }

// Logger implements loop.Host.
func (d *Dispatcher) Logger() interfaces.Logger { return d.logger }

// Observer implements loop.Host.
func (d *Dispatcher) Observer() interfaces.Observer { return d.obs }

// LoopAt implements loop.Host.
func (d *Dispatcher) LoopAt(index int) *loop.Loop { return d.loops[index] }

// Metrics returns the Dispatcher's metrics collector.
func (d *Dispatcher) Metrics() *Metrics { return d.metrics }

func (d *Dispatcher) connAt(fd int) *conn.Conn {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	return d.connections[fd]
}

// Connections implements loop.Host: a snapshot of every live Conn,
// independent of which Loop currently owns it.
func (d *Dispatcher) Connections() []*conn.Conn {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	out := make([]*conn.Conn, 0, len(d.connections))
	for _, c := range d.connections {
		out = append(out, c)
	}
	return out
}

// GetLine implements loop.Host: look up name's capability Line via the
// name trie, optionally allocating (and interning) one under GlobalMu
// if create is true and none exists yet. Double-checks under the lock
// so two Loops racing to register the same never-seen capability don't
// allocate two Lines.
func (d *Dispatcher) GetLine(name string, create bool) (*queue.Line, error) {
	if id := d.names.Find(name); id != 0 {
		d.linesMu.Lock()
		line := d.lines[name]
		d.linesMu.Unlock()
		if line != nil {
			return line, nil
		}
	}
	if !create {
		return nil, nil
	}

	d.linesMu.Lock()
	defer d.linesMu.Unlock()

	if line, ok := d.lines[name]; ok {
		return line, nil
	}

	line := queue.NewLine(name, len(d.loops))
	d.lines[name] = line
	id := uint16(len(d.lines))
	if err := d.names.Add(name, id); err != nil {
		delete(d.lines, name)
		return nil, err
	}
	return line, nil
}

// PendingPut implements loop.Host.
func (d *Dispatcher) PendingPut(id string, c *conn.Conn) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, exists := d.pending[id]; exists {
		return false
	}
	d.pending[id] = c
	c.Link()
	return true
}

// PendingDelete implements loop.Host.
func (d *Dispatcher) PendingDelete(id string) (*conn.Conn, bool) {
	d.pendingMu.Lock()
	c, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()
	if ok {
		c.Unlink()
	}
	return c, ok
}

// Autolock acquires every Loop's delLock other than the one at index
// except, in ascending index order (lowest lock-ordering tier below
// GlobalMu/PendingMu), and returns a closure that releases them in
// reverse. Used by the migration sweep and by any retired trie-buffer
// drain that must see a quiescent set of Loops.
func (d *Dispatcher) Autolock(except int) func() {
	locked := make([]*loop.Loop, 0, len(d.loops))
	for i, l := range d.loops {
		if i == except {
			continue
		}
		l.Lock()
		locked = append(locked, l)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// DrainRetiredNames implements loop.Host: releases name-trie node slabs
// superseded by Add calls since the last drain. Called from within a
// migration sweep, which already holds Autolock.
func (d *Dispatcher) DrainRetiredNames() {
	d.names.DrainRetired()
}

// Accept registers netConn as a new Conn and hands it to a Loop chosen
// by round-robin, returning the Conn (so a caller driving real socket
// I/O can pair it with netConn) or an error if netConn's fd is
// >= constants.MaxEvents or the connection ceiling (constants.MaxEvents
// by default) has been reached.
func (d *Dispatcher) Accept(netConn net.Conn) (*conn.Conn, error) {
	fd, err := connFD(netConn)
	if err != nil {
		return nil, err
	}
	if fd >= constants.MaxEvents {
		return nil, NewError("Accept", ErrCodeTooManyConns, "fd beyond connection table size")
	}

	d.connMu.Lock()
	if len(d.connections) >= d.maxConns {
		d.connMu.Unlock()
		return nil, NewError("Accept", ErrCodeTooManyConns, "connection limit reached")
	}
	c := conn.New(fd)
	c.Link()
	d.connections[fd] = c
	d.connMu.Unlock()

	target := int(d.nextAccept.Add(1)-1) % len(d.loops)
	d.loops[target].Accept(c)
	return c, nil
}

// Loops returns the Dispatcher's Loop pool, for a caller (typically
// cmd/ijsond) that drives the actual socket recv/send loop itself.
func (d *Dispatcher) Loops() []*loop.Loop { return d.loops }

// Start launches every Loop's Run in its own goroutine, dispatching
// readable events through handler. Each Loop's dead-connection drain
// removes the closed Conn from the Dispatcher's connection table and
// then invokes onClose, if given, so a caller can release its own
// per-socket state (the real net.Conn, read buffers, ...).
func (d *Dispatcher) Start(handler loop.ReadHandler, onClose func(*conn.Conn)) {
	d.stopCh = make(chan struct{})
	for _, l := range d.loops {
		l := l
		go func() {
			cleanup := func(c *conn.Conn) {
				d.Remove(c.FD)
				if onClose != nil {
					onClose(c)
				}
			}
			if err := l.Run(d.stopCh, handler, cleanup); err != nil {
				d.logger.Printf("loop %d stopped: %v", l.Index(), err)
			}
		}()
	}
}

// Stop signals every Loop to exit its Run loop and wakes each one so
// the exit is observed promptly rather than on the next natural event.
func (d *Dispatcher) Stop() {
	if d.stopCh == nil {
		return
	}
	close(d.stopCh)
	for _, l := range d.loops {
		_ = l.Wake()
	}
	for _, l := range d.loops {
		_ = l.Close()
	}
}

// Remove drops fd from the connection table. It does not release the
// Conn's buffers; the Loop's dead-connection drain does that once the
// Conn's refcount reaches zero. Called from that drain once
// on_disconnect policy has run.
func (d *Dispatcher) Remove(fd int) {
	d.connMu.Lock()
	delete(d.connections, fd)
	d.connMu.Unlock()
}
