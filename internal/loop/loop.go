// Package loop implements Loop: one event-driven worker thread's
// connection table, its capability matching algorithms (AddWorker,
// ClientRequest, WorkerResult), and disconnect/migration handling.
package loop

import (
	"encoding/json"
	"errors"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dendisuhubdy/ijson/internal/conn"
	"github.com/dendisuhubdy/ijson/internal/interfaces"
	"github.com/dendisuhubdy/ijson/internal/wire"
)

// Sentinel errors returned by the matching algorithms. Callers that need
// a wire-level response have usually already had one sent to the Conn
// before these are returned; they exist for logging and control flow.
var (
	ErrNoCapability  = errors.New("loop: no such capability")
	ErrCollisionID   = errors.New("loop: id already pending")
	ErrUnknownID     = errors.New("loop: id not in pending table")
	ErrClientGone    = errors.New("loop: client already disconnected")
	ErrPeerInvariant = errors.New("loop: worker_result_noid with no paired client")
)

// Loop owns one shard of connections and drives one Notifier. Its
// matching algorithms (AddWorker, ClientRequest) take the target Line's
// lock themselves; callers must not hold it.
type Loop struct {
	index int
	host  Host
	nf    interfaces.Notifier

	delLock sync.Mutex
	dead    []*conn.Conn

	acceptMu    sync.Mutex
	acceptQueue []*conn.Conn

	migrateMu    sync.Mutex
	migrateQueue []*conn.Conn

	lookup func(fd int) *conn.Conn
	cpu    int
}

// WithConnLookup installs the fd->Conn resolver Run uses to turn a raw
// notifier Event back into the Conn it belongs to. The Dispatcher wires
// this to its connection table.
func (l *Loop) WithConnLookup(lookup func(fd int) *conn.Conn) {
	l.lookup = lookup
}

// WithCPUAffinity pins the OS thread Run executes on to cpuIdx. A
// negative index leaves affinity unset (the default).
func (l *Loop) WithCPUAffinity(cpuIdx int) {
	l.cpu = cpuIdx
}

// New creates a Loop at the given index within its Dispatcher's Loop
// list, driven by nf.
func New(index int, host Host, nf interfaces.Notifier) *Loop {
	return &Loop{index: index, host: host, nf: nf, cpu: -1}
}

// Index returns this Loop's position in the Dispatcher's Loop list.
func (l *Loop) Index() int { return l.index }

// Close releases this Loop's Notifier. Used to roll back a partially
// started pool if a later Loop fails to start.
func (l *Loop) Close() error {
	if l.nf == nil {
		return nil
	}
	return l.nf.Close()
}

// Lock acquires the del_lock: both this Loop's dead-connection list and
// the handle Autolock uses to freeze every Loop but one during a
// migration sweep.
func (l *Loop) Lock() { l.delLock.Lock() }

// Unlock releases the del_lock.
func (l *Loop) Unlock() { l.delLock.Unlock() }

// TryLock attempts to acquire the del_lock without blocking.
func (l *Loop) TryLock() bool { return l.delLock.TryLock() }

// Accept hands a freshly opened Conn to this Loop, pinning it here.
func (l *Loop) Accept(c *conn.Conn) {
	c.NLoop.Store(int32(l.index))
	c.NeedLoop.Store(int32(l.index))
	c.SetStatus(conn.StatusNet)

	l.acceptMu.Lock()
	l.acceptQueue = append(l.acceptQueue, c)
	l.acceptMu.Unlock()
	_ = l.Wake()
}

// Wake interrupts a blocked Wait so a just-queued accept or migration is
// picked up without waiting for the next naturally occurring event.
func (l *Loop) Wake() error {
	if l.nf == nil {
		return nil
	}
	return l.nf.Wake()
}

// drainAcceptQueue pops every Conn queued by Accept since the last call,
// returning them for Run to register with the Notifier.
func (l *Loop) drainAcceptQueue() []*conn.Conn {
	l.acceptMu.Lock()
	queued := l.acceptQueue
	l.acceptQueue = nil
	l.acceptMu.Unlock()
	return queued
}

// receiveMigrant hands c to this Loop as the target of another Loop's
// migration sweep. Pins c here and queues it for Notifier registration
// on this Loop's own next Run pass, so the handoff never touches this
// Loop's Notifier from the sweeping goroutine. Unlike Accept, it leaves
// c's status untouched: a migrating conn may still be StatusMigration,
// and the sweep has already confirmed it isn't a fresh connection.
func (l *Loop) receiveMigrant(c *conn.Conn) {
	c.NLoop.Store(int32(l.index))
	c.NeedLoop.Store(int32(l.index))

	l.migrateMu.Lock()
	l.migrateQueue = append(l.migrateQueue, c)
	l.migrateMu.Unlock()
	_ = l.Wake()
}

// drainMigrateQueue pops every Conn queued by receiveMigrant since the
// last call.
func (l *Loop) drainMigrateQueue() []*conn.Conn {
	l.migrateMu.Lock()
	queued := l.migrateQueue
	l.migrateQueue = nil
	l.migrateMu.Unlock()
	return queued
}

// MarkDead appends c to this Loop's dead list, to be unlinked and
// released on the next Run pass. Used when a recv/send on c fails.
func (l *Loop) MarkDead(c *conn.Conn) {
	l.Lock()
	l.dead = append(l.dead, c)
	l.Unlock()
}

// drainDead pops and clears the dead list under del_lock.
func (l *Loop) drainDead() []*conn.Conn {
	l.Lock()
	dead := l.dead
	l.dead = nil
	l.Unlock()
	return dead
}

// respond encodes resp and appends it to c's send buffer. Actual framing
// (headers, content length) and the socket write itself live outside
// this package, wired in by the Dispatcher; encoding here just gives the
// matching algorithms and their tests something concrete to assert on.
func (l *Loop) respond(c *conn.Conn, resp wire.Response) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		if logger := l.host.Logger(); logger != nil {
			logger.Printf("loop %d: encode response for fd %d: %v", l.index, c.FD, err)
		}
		return
	}
	c.SendBuf = append(c.SendBuf, encoded...)
	c.SendBuf = append(c.SendBuf, '\n')
}

func splitNames(names string) []string {
	fields := strings.FieldsFunc(names, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimPrefix(f, "/")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func resolveRloop(pass, self int) (int, bool) {
	if pass < 0 {
		return self, true
	}
	if pass == self {
		return 0, false
	}
	return pass, true
}

// AddWorker registers worker against the first capability name in names
// (comma/space separated, leading '/' stripped) that yields a match,
// stopping at the first success. Every name tried before that success
// (or every name, if none match) parks the worker on that name's queue.
func (l *Loop) AddWorker(names string, worker *conn.Conn) error {
	list := splitNames(names)
	if len(list) == 0 {
		return ErrNoCapability
	}
	var lastErr error
	for _, name := range list {
		matched, err := l.addWorker(name, worker)
		if err != nil {
			lastErr = err
			continue
		}
		if matched {
			return nil
		}
		lastErr = nil
	}
	return lastErr
}

// addWorker implements the single-name worker registration scan:
// search every loop's waiting-client queue for this capability in
// [self, 0..threads) order, pairing with the first eligible client, or
// parking the worker on this Loop's queue if none is found.
func (l *Loop) addWorker(name string, worker *conn.Conn) (bool, error) {
	line, err := l.host.GetLine(name, true)
	if err != nil {
		return false, err
	}

	wreq := worker.GetRequest()
	threads := l.host.Threads()

	line.Lock()

	var matched *conn.Conn
scan:
	for pass := -1; pass < threads; pass++ {
		rloop, ok := resolveRloop(pass, l.index)
		if !ok {
			continue
		}
		slot := line.Slots[rloop]
		for {
			client, ok := slot.PopFrontClient()
			if !ok {
				break
			}
			client.Unlink()
			if client.Closed.Load() {
				continue
			}
			if !client.TryClaim(conn.StatusClientWaitResult, conn.StatusBusy) {
				continue
			}

			if wreq.NoID {
				matched = client
				break scan
			}

			creq := client.GetRequest()
			id := creq.ID
			if id == "" {
				if scanned, ok := wire.ScanID(creq.Body); ok {
					id = scanned
				} else {
					id = client.GenerateID()
				}
				creq.ID = id
				client.SetRequest(creq)
			}

			if !l.host.PendingPut(id, client) {
				if obs := l.host.Observer(); obs != nil {
					obs.ObserveCollision()
				}
				l.respond(client, wire.CollisionID(id))
				client.SetStatus(conn.StatusNet)
				continue
			}

			matched = client
			break scan
		}
	}

	line.TouchWorker(time.Now().UnixNano(), wreq.Info)

	if matched == nil {
		slot := line.Slots[l.index]
		slot.SweepWorkers(worker)
		slot.PushBackWorker(worker)
		worker.Link()
		worker.SetStatus(conn.StatusWorkerWaitJob)
		depth := slot.Workers.Len()
		line.Unlock()
		if obs := l.host.Observer(); obs != nil {
			obs.ObserveQueueDepth(uint32(depth))
		}
		return false, nil
	}
	line.Unlock()

	if wreq.FailOnDisconnect {
		worker.SetPeer(matched)
	}

	mreq := matched.GetRequest()
	if wreq.NoID {
		worker.SetStatus(conn.StatusWorkerWaitResult)
		l.respond(worker, wire.OK("", name, mreq.Body))
	} else {
		worker.SetStatus(conn.StatusNet)
		l.respond(worker, wire.OK(mreq.ID, name, mreq.Body))
	}
	if obs := l.host.Observer(); obs != nil {
		obs.ObserveWorkerMatched(0)
	}
	return true, nil
}

// ClientRequest dispatches client's request against name's capability
// Line: search every loop's waiting-worker queue in [self, 0..threads)
// order, pairing with the first eligible worker, or parking the client
// (priority-ordered) on this Loop's queue if none is found.
func (l *Loop) ClientRequest(name string, client *conn.Conn) error {
	line, err := l.host.GetLine(name, false)
	if err != nil || line == nil {
		l.respond(client, wire.NotFound())
		return ErrNoCapability
	}

	threads := l.host.Threads()
	line.Lock()

	var matched *conn.Conn
scan:
	for pass := -1; pass < threads; pass++ {
		rloop, ok := resolveRloop(pass, l.index)
		if !ok {
			continue
		}
		slot := line.Slots[rloop]
		for {
			worker, ok := slot.PopFrontWorker()
			if !ok {
				break
			}
			worker.Unlink()
			if worker.Closed.Load() {
				continue
			}
			if !worker.TryClaim(conn.StatusWorkerWaitJob, conn.StatusBusy) {
				continue
			}

			wreq := worker.GetRequest()
			if wreq.NoID {
				matched = worker
				break scan
			}

			creq := client.GetRequest()
			id := creq.ID
			if id == "" {
				if scanned, ok := wire.ScanID(creq.Body); ok {
					id = scanned
				} else {
					id = client.GenerateID()
				}
				creq.ID = id
				client.SetRequest(creq)
			}

			if !l.host.PendingPut(id, client) {
				own := worker.NLoop.Load()
				line.Slots[own].PushFrontWorker(worker)
				worker.Link()
				worker.SetStatus(conn.StatusWorkerWaitJob)
				line.Unlock()

				if obs := l.host.Observer(); obs != nil {
					obs.ObserveCollision()
				}
				l.respond(client, wire.CollisionID(id))
				return ErrCollisionID
			}

			matched = worker
			break scan
		}
	}

	if matched == nil {
		slot := line.Slots[l.index]
		slot.InsertClientByPriority(client)
		client.Link()
		client.SetStatus(conn.StatusClientWaitResult)
		depth := slot.Clients.Len()
		line.Unlock()
		if obs := l.host.Observer(); obs != nil {
			obs.ObserveQueueDepth(uint32(depth))
		}
		return nil
	}
	line.Unlock()

	wreq := matched.GetRequest()
	creq := client.GetRequest()
	if wreq.NoID {
		matched.SetPeer(client)
		matched.SetStatus(conn.StatusWorkerWaitResult)
		l.respond(matched, wire.OK("", name, creq.Body))
	} else {
		matched.SetStatus(conn.StatusNet)
		l.respond(matched, wire.OK(creq.ID, name, creq.Body))
	}
	if obs := l.host.Observer(); obs != nil {
		obs.ObserveClientMatched(0)
	}
	return nil
}

// WorkerResult delivers a worker's reply (or, if worker is nil, a 503)
// to the client registered under id in the PendingTable. If the worker's
// NeedLoop differs from its NLoop, worker and client are both marked to
// migrate to the worker's NeedLoop.
func (l *Loop) WorkerResult(id string, worker *conn.Conn) error {
	client, ok := l.host.PendingDelete(id)
	if !ok {
		return ErrUnknownID
	}
	if client.Closed.Load() {
		return ErrClientGone
	}

	creq := client.GetRequest()
	if worker != nil {
		l.respond(client, wire.OK(id, creq.Name, worker.GetRequest().Body))
	} else {
		l.respond(client, wire.ServiceUnavailable(id))
	}
	client.SetStatus(conn.StatusNet)

	if worker != nil && worker.NeedLoop.Load() != worker.NLoop.Load() {
		l.Migrate(worker, client)
	}
	return nil
}

// WorkerResultNoID delivers a noid worker's reply to its paired peer
// client (set via worker.Peer at matching time), clearing the pairing.
func (l *Loop) WorkerResultNoID(worker *conn.Conn) error {
	client := worker.GetPeer()
	if client == nil {
		return ErrPeerInvariant
	}

	wreq := worker.GetRequest()
	if !wreq.WorkerMode {
		wreq.NoID = false
		wreq.FailOnDisconnect = false
		worker.SetRequest(wreq)
	}
	worker.ClearPeer()

	if !client.Closed.Load() {
		creq := client.GetRequest()
		l.respond(client, wire.OK("", creq.Name, worker.GetRequest().Body))
		client.SetStatus(conn.StatusNet)
	}

	if worker.NeedLoop.Load() != worker.NLoop.Load() {
		l.Migrate(worker, client)
	}
	return nil
}

// OnDisconnect applies disconnect policy to c: releasing any pending
// registration it held as a waiting client, and if it was a
// fail_on_disconnect worker, notifying its paired client that the
// worker is gone.
func (l *Loop) OnDisconnect(c *conn.Conn) {
	if obs := l.host.Observer(); obs != nil {
		obs.ObserveDisconnect()
	}

	req := c.GetRequest()

	if c.Status() == conn.StatusClientWaitResult && req.ID != "" {
		l.host.PendingDelete(req.ID)
	}

	if !req.FailOnDisconnect {
		return
	}

	if req.NoID && c.Status() == conn.StatusWorkerWaitResult {
		if client := c.GetPeer(); client != nil && !client.Closed.Load() {
			l.respond(client, wire.ServiceUnavailable(""))
			client.SetStatus(conn.StatusNet)
		}
	} else if peer := c.GetPeer(); peer != nil {
		peerReq := peer.GetRequest()
		_ = l.WorkerResult(peerReq.ID, nil)
	}

	c.ClearPeer()
}

// Migrate marks worker and its paired client for handoff to worker's
// NeedLoop. The actual cross-loop move happens in Run's migration
// sweep, under the Dispatcher's Autolock.
func (l *Loop) Migrate(worker, client *conn.Conn) {
	target := worker.NeedLoop.Load()
	if target == worker.NLoop.Load() {
		return
	}
	worker.GoLoop.Store(true)
	if client != nil {
		client.NeedLoop.Store(target)
		client.GoLoop.Store(true)
	}
	if obs := l.host.Observer(); obs != nil {
		obs.ObserveMigration()
	}
	_ = l.Wake()
}

// ReadHandler parses and dispatches whatever arrived on c's socket. Run
// invokes it once per readable event and marks c dead on error. Framing
// and the socket recv itself live outside this package.
type ReadHandler func(c *conn.Conn) error

// Run is the Loop's event loop: wait for readiness, dispatch readable
// events through handler, drain and release dead connections, register
// newly accepted connections, sweep connections marked for migration,
// then register (and, if still mid-request, re-dispatch) conns migrated
// here — repeating until stopCh closes.
func (l *Loop) Run(stopCh <-chan struct{}, handler ReadHandler, onClose func(*conn.Conn)) error {
	if l.cpu >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		pinToCPU(l.cpu, l.host.Logger())
	}

	for {
		select {
		case <-stopCh:
			return nil
		default:
		}

		events, err := l.nf.Wait()
		if err != nil {
			return err
		}

		for _, ev := range events {
			c := l.connForEvent(ev)
			if c == nil {
				continue
			}
			if ev.Error {
				l.MarkDead(c)
				continue
			}
			if ev.Readable && handler != nil {
				if err := handler(c); err != nil {
					l.MarkDead(c)
				}
			}
		}

		for _, c := range l.drainDead() {
			l.OnDisconnect(c)
			c.Closed.Store(true)
			if onClose != nil {
				onClose(c)
			}
			if c.Unlink() {
				c.Release()
			}
		}

		for _, c := range l.drainAcceptQueue() {
			if l.nf != nil {
				_ = l.nf.Add(c.FD, true, false)
			}
		}

		l.sweepMigrations()
		l.acceptMigrants()
	}
}

// acceptMigrants registers every Conn queued by receiveMigrant with this
// Loop's own Notifier, and re-enters the matching algorithm for any
// whose status is still StatusMigration: a conn handed off mid-request,
// rather than one that had already been answered before moving.
func (l *Loop) acceptMigrants() {
	for _, c := range l.drainMigrateQueue() {
		if l.nf != nil {
			_ = l.nf.Add(c.FD, true, false)
		}
		if c.Status() == conn.StatusMigration {
			req := c.GetRequest()
			_ = l.ClientRequest(req.Name, c)
		}
	}
}

// sweepMigrations scans every live Conn for one pinned here (NLoop ==
// this Loop's index) but flagged GoLoop with a different NeedLoop, and
// hands each to its target Loop. Runs under the Dispatcher's Autolock
// so no other Loop's sweep or dead-drain can observe a conn mid-move,
// and piggybacks the name trie's retired-buffer drain onto the same
// quiescent window.
func (l *Loop) sweepMigrations() {
	conns := l.host.Connections()
	var moved bool
	unlock := l.host.Autolock(l.index)
	defer func() {
		if moved {
			l.host.DrainRetiredNames()
		}
		unlock()
	}()

	for _, c := range conns {
		if c.NLoop.Load() != int32(l.index) || !c.GoLoop.Load() {
			continue
		}
		target := c.NeedLoop.Load()
		if target == int32(l.index) {
			c.GoLoop.Store(false)
			continue
		}
		c.GoLoop.Store(false)
		if c.Closed.Load() {
			continue
		}
		if l.nf != nil {
			_ = l.nf.Remove(c.FD)
		}
		moved = true
		l.host.LoopAt(int(target)).receiveMigrant(c)
	}
}

// connForEvent resolves an event's fd back to its Conn via the
// WithConnLookup callback.
func (l *Loop) connForEvent(ev interfaces.Event) *conn.Conn {
	if l.lookup == nil {
		return nil
	}
	return l.lookup(ev.FD)
}
