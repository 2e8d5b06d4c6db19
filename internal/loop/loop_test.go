package loop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendisuhubdy/ijson/internal/conn"
	"github.com/dendisuhubdy/ijson/internal/interfaces"
	"github.com/dendisuhubdy/ijson/internal/notifier"
	"github.com/dendisuhubdy/ijson/internal/queue"
)

type nullLogger struct{}

func (nullLogger) Printf(string, ...interface{}) {}
func (nullLogger) Debugf(string, ...interface{}) {}

type testHost struct {
	mu      sync.Mutex
	threads int
	lines   map[string]*queue.Line
	pending map[string]*conn.Conn
	conns   map[int]*conn.Conn
	loops   []*Loop
}

func newTestHost(threads int) *testHost {
	return &testHost{
		threads: threads,
		lines:   make(map[string]*queue.Line),
		pending: make(map[string]*conn.Conn),
		conns:   make(map[int]*conn.Conn),
	}
}

// RegisterConn makes c visible to Connections(), so a migration-sweep
// test can exercise the scan.
func (h *testHost) RegisterConn(c *conn.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.FD] = c
}

func (h *testHost) Connections() []*conn.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*conn.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Autolock mirrors Dispatcher.Autolock: lock every Loop but except, in
// index order, returning a closure that unlocks in reverse.
func (h *testHost) Autolock(except int) func() {
	locked := make([]*Loop, 0, len(h.loops))
	for i, l := range h.loops {
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

func (h *testHost) DrainRetiredNames() {}

func (h *testHost) Threads() int { return h.threads }

func (h *testHost) GetLine(name string, create bool) (*queue.Line, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	line, ok := h.lines[name]
	if !ok {
		if !create {
			return nil, nil
		}
		line = queue.NewLine(name, h.threads)
		h.lines[name] = line
	}
	return line, nil
}

func (h *testHost) PendingPut(id string, c *conn.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.pending[id]; exists {
		return false
	}
	h.pending[id] = c
	c.Link()
	return true
}

func (h *testHost) PendingDelete(id string) (*conn.Conn, bool) {
	h.mu.Lock()
	c, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if ok {
		c.Unlink()
	}
	return c, ok
}

func (h *testHost) LoopAt(index int) *Loop { return h.loops[index] }

func (h *testHost) Logger() interfaces.Logger     { return nullLogger{} }
func (h *testHost) Observer() interfaces.Observer { return nil }

func newLoopForTest(t *testing.T, host *testHost, index int) *Loop {
	t.Helper()
	m := notifier.NewMock()
	l := New(index, host, m)
	host.loops = append(host.loops, l)
	return l
}

func newParkedClient(fd int, name, id string) *conn.Conn {
	c := conn.New(fd)
	c.SetRequest(conn.Request{Name: name, ID: id, Body: []byte(`{"id":"` + id + `"}`)})
	c.SetStatus(conn.StatusClientWaitResult)
	c.Link()
	return c
}

func TestClientRequestParksWhenNoWorker(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	// The capability is registered (its Line exists) but no worker waits
	// on it; an unregistered name would get a 404 instead.
	_, err := host.GetLine("add", true)
	require.NoError(t, err)

	client := conn.New(1)
	client.SetRequest(conn.Request{Name: "add", ID: "1", Body: []byte(`{"id":"1"}`)})

	err = l.ClientRequest("add", client)
	require.NoError(t, err)
	require.Equal(t, conn.StatusClientWaitResult, client.Status())
	require.Equal(t, int32(1), client.RefCount())
}

func TestClientRequestMatchesWaitingWorker(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	worker := conn.New(2)
	worker.SetRequest(conn.Request{WorkerMode: true})
	require.NoError(t, l.AddWorker("add", worker))
	require.Equal(t, conn.StatusWorkerWaitJob, worker.Status())

	client := conn.New(1)
	client.SetRequest(conn.Request{Name: "add", ID: "1", Body: []byte(`{"id":"1"}`)})
	require.NoError(t, l.ClientRequest("add", client))

	require.Equal(t, conn.StatusNet, worker.Status())
	require.Contains(t, string(worker.SendBuf), `"id":"1"`)
}

func TestClientRequestUnknownCapabilityReturns404(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	client := conn.New(1)
	client.SetRequest(conn.Request{Name: "missing", ID: "1"})
	err := l.ClientRequest("missing", client)
	require.ErrorIs(t, err, ErrNoCapability)
	require.Contains(t, string(client.SendBuf), `"status":404`)
}

func TestAddWorkerMatchesParkedClient(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	_, err := host.GetLine("add", true)
	require.NoError(t, err)

	client := conn.New(1)
	client.SetRequest(conn.Request{Name: "add", ID: "7", Body: []byte(`{"id":"7"}`)})
	require.NoError(t, l.ClientRequest("add", client))

	worker := conn.New(2)
	worker.SetRequest(conn.Request{WorkerMode: true})
	require.NoError(t, l.AddWorker("add", worker))

	require.Equal(t, conn.StatusNet, worker.Status())
	require.Contains(t, string(worker.SendBuf), `"id":"7"`)
}

func TestAddWorkerNoIDPairing(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	_, err := host.GetLine("add", true)
	require.NoError(t, err)

	client := conn.New(1)
	client.SetRequest(conn.Request{Name: "add", Body: []byte(`{"a":1}`)})
	require.NoError(t, l.ClientRequest("add", client))

	worker := conn.New(2)
	worker.SetRequest(conn.Request{WorkerMode: true, NoID: true, FailOnDisconnect: true})
	require.NoError(t, l.AddWorker("add", worker))

	require.Equal(t, conn.StatusWorkerWaitResult, worker.Status())
	require.Same(t, client, worker.GetPeer())
}

func TestAddWorkerFirstNameWins(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	_, err := host.GetLine("b", true)
	require.NoError(t, err)

	client := conn.New(1)
	client.SetRequest(conn.Request{Name: "b", ID: "1", Body: []byte(`{"id":"1"}`)})
	require.NoError(t, l.ClientRequest("b", client))

	worker := conn.New(2)
	worker.SetRequest(conn.Request{WorkerMode: true})
	require.NoError(t, l.AddWorker("/a, /b", worker))

	require.Equal(t, conn.StatusNet, worker.Status())
}

func TestWorkerResultDeliversToClient(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	client := newParkedClient(1, "add", "42")
	require.True(t, host.PendingPut("42", client))

	worker := conn.New(2)
	worker.SetRequest(conn.Request{WorkerMode: true, Body: []byte(`{"sum":3}`)})

	require.NoError(t, l.WorkerResult("42", worker))
	require.Equal(t, conn.StatusNet, client.Status())
	require.Contains(t, string(client.SendBuf), `"sum":3`)
}

func TestWorkerResultUnknownID(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)
	err := l.WorkerResult("nope", conn.New(2))
	require.ErrorIs(t, err, ErrUnknownID)
}

func TestWorkerResultNoIDRequiresPeer(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)
	worker := conn.New(2)
	worker.SetRequest(conn.Request{NoID: true})
	err := l.WorkerResultNoID(worker)
	require.ErrorIs(t, err, ErrPeerInvariant)
}

func TestWorkerResultNoIDDeliversAndClearsPeer(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	client := conn.New(1)
	client.SetRequest(conn.Request{Name: "add"})

	worker := conn.New(2)
	worker.SetRequest(conn.Request{NoID: true, Body: []byte(`{"ok":true}`)})
	worker.SetPeer(client)

	require.NoError(t, l.WorkerResultNoID(worker))
	require.Nil(t, worker.GetPeer())
	require.Equal(t, conn.StatusNet, client.Status())
	require.Contains(t, string(client.SendBuf), `"ok":true`)
}

func TestOnDisconnectReleasesPendingClient(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	client := newParkedClient(1, "add", "9")
	require.True(t, host.PendingPut("9", client))

	l.OnDisconnect(client)

	_, ok := host.pending["9"]
	require.False(t, ok)
}

func TestOnDisconnectFailOnDisconnectWorkerNotifiesPeer(t *testing.T) {
	host := newTestHost(1)
	l := newLoopForTest(t, host, 0)

	client := newParkedClient(1, "add", "5")
	require.True(t, host.PendingPut("5", client))

	worker := conn.New(2)
	worker.SetRequest(conn.Request{FailOnDisconnect: true})
	worker.SetPeer(client)
	worker.SetStatus(conn.StatusBusy)

	l.OnDisconnect(worker)

	require.Equal(t, conn.StatusNet, client.Status())
	require.Contains(t, string(client.SendBuf), `"status":503`)
	require.Nil(t, worker.GetPeer())
}

var errUnrecoverable = errors.New("test: unrecoverable")

func TestRunDeliversReadableEventAndDrainsDead(t *testing.T) {
	host := newTestHost(1)
	m := notifier.NewMock()
	l := New(0, host, m)
	host.loops = append(host.loops, l)

	c := conn.New(7)
	l.WithConnLookup(func(fd int) *conn.Conn {
		if fd == 7 {
			return c
		}
		return nil
	})

	var handled int
	var closed []*conn.Conn
	var mu sync.Mutex

	stopCh := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.Run(stopCh, func(c *conn.Conn) error {
			mu.Lock()
			handled++
			mu.Unlock()
			return errUnrecoverable
		}, func(c *conn.Conn) {
			mu.Lock()
			closed = append(closed, c)
			mu.Unlock()
		})
	}()

	m.Push(interfaces.Event{FD: 7, Readable: true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1 && len(closed) == 1
	}, time.Second, time.Millisecond)

	close(stopCh)
	_ = m.Wake()
	require.NoError(t, <-done)
}

func TestMigrateSetsHandoffFlags(t *testing.T) {
	host := newTestHost(2)
	l := newLoopForTest(t, host, 0)
	_ = newLoopForTest(t, host, 1)

	worker := conn.New(2)
	worker.NLoop.Store(0)
	worker.NeedLoop.Store(1)

	client := conn.New(1)
	client.NLoop.Store(0)

	l.Migrate(worker, client)

	require.True(t, worker.GoLoop.Load())
	require.True(t, client.GoLoop.Load())
	require.Equal(t, int32(1), client.NeedLoop.Load())
}

func TestSweepMigrationsMovesConnBetweenLoops(t *testing.T) {
	host := newTestHost(2)
	m0 := notifier.NewMock()
	m1 := notifier.NewMock()
	l0 := New(0, host, m0)
	l1 := New(1, host, m1)
	host.loops = append(host.loops, l0, l1)

	worker := conn.New(5)
	worker.Link()
	worker.NLoop.Store(0)
	worker.NeedLoop.Store(0)
	require.NoError(t, m0.Add(worker.FD, true, false))
	host.RegisterConn(worker)

	worker.NeedLoop.Store(1)
	worker.GoLoop.Store(true)

	l0.sweepMigrations()

	require.False(t, m0.Interested(worker.FD), "source loop must deregister a migrated fd")
	require.False(t, worker.GoLoop.Load())
	require.EqualValues(t, 1, worker.NLoop.Load())
	require.EqualValues(t, 1, worker.NeedLoop.Load())

	migrated := l1.drainMigrateQueue()
	require.Len(t, migrated, 1)
	require.Same(t, worker, migrated[0])
}

func TestSweepMigrationsSkipsClosedConn(t *testing.T) {
	host := newTestHost(2)
	m0 := notifier.NewMock()
	m1 := notifier.NewMock()
	l0 := New(0, host, m0)
	l1 := New(1, host, m1)
	host.loops = append(host.loops, l0, l1)

	client := conn.New(9)
	client.Link()
	client.NLoop.Store(0)
	client.NeedLoop.Store(1)
	client.GoLoop.Store(true)
	client.Closed.Store(true)
	host.RegisterConn(client)

	l0.sweepMigrations()

	require.False(t, client.GoLoop.Load())
	require.Empty(t, l1.drainMigrateQueue(), "a closed conn must not be handed to its target loop")
}

func TestAcceptMigrantsRedispatchesMidRequestConn(t *testing.T) {
	host := newTestHost(2)
	m1 := notifier.NewMock()
	l1 := newLoopForTest(t, host, 1)
	l1.nf = m1

	_, err := host.GetLine("add", true)
	require.NoError(t, err)

	client := conn.New(3)
	client.Link()
	client.SetRequest(conn.Request{Name: "add", ID: "7", Body: []byte(`{"id":"7"}`)})
	client.SetStatus(conn.StatusMigration)

	l1.migrateQueue = append(l1.migrateQueue, client)
	l1.acceptMigrants()

	require.True(t, m1.Interested(client.FD), "a migrated conn must be registered with its new loop's notifier")
	require.Equal(t, conn.StatusClientWaitResult, client.Status(), "redispatch through ClientRequest parks the conn, since no worker is waiting")
}

func TestAcceptMigrantsLeavesAlreadyAnsweredConnAlone(t *testing.T) {
	host := newTestHost(2)
	m1 := notifier.NewMock()
	l1 := newLoopForTest(t, host, 1)
	l1.nf = m1

	worker := conn.New(4)
	worker.Link()
	worker.SetStatus(conn.StatusWorkerWaitResult)

	l1.migrateQueue = append(l1.migrateQueue, worker)
	l1.acceptMigrants()

	require.True(t, m1.Interested(worker.FD))
	require.Equal(t, conn.StatusWorkerWaitResult, worker.Status(), "a conn that already has its response must not be replayed through the matching algorithm")
}
