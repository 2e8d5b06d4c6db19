package ijson

import (
	"sync"

	"github.com/dendisuhubdy/ijson/internal/conn"
)

// MockObserver is an in-memory Observer for tests, tracking call counts
// the same way notifier.Mock tracks its own.
type MockObserver struct {
	mu sync.Mutex

	clientMatchedCalls int
	workerMatchedCalls int
	collisionCalls     int
	disconnectCalls    int
	migrationCalls     int

	lastQueueDepth uint32
}

// NewMockObserver creates an empty MockObserver.
func NewMockObserver() *MockObserver {
	return &MockObserver{}
}

func (m *MockObserver) ObserveClientMatched(latencyNs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientMatchedCalls++
}

func (m *MockObserver) ObserveWorkerMatched(latencyNs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerMatchedCalls++
}

func (m *MockObserver) ObserveCollision() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collisionCalls++
}

func (m *MockObserver) ObserveDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
}

func (m *MockObserver) ObserveMigration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrationCalls++
}

func (m *MockObserver) ObserveQueueDepth(depth uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQueueDepth = depth
}

// CallCounts returns call counts for test assertions.
func (m *MockObserver) CallCounts() (clientMatched, workerMatched, collision, disconnect, migration int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientMatchedCalls, m.workerMatchedCalls, m.collisionCalls, m.disconnectCalls, m.migrationCalls
}

// NewTestConn builds a Conn on fd with no live socket behind it, for
// tests that drive the matching engine directly instead of through a
// real listener.
func NewTestConn(fd int) *conn.Conn {
	return conn.New(fd)
}

// NewTestWorker builds a Conn already carrying a worker-mode Request,
// ready to hand to Dispatcher.LoopAt(i).AddWorker.
func NewTestWorker(fd int, noID, failOnDisconnect bool) *conn.Conn {
	c := conn.New(fd)
	c.SetRequest(conn.Request{WorkerMode: true, NoID: noID, FailOnDisconnect: failOnDisconnect})
	return c
}

// NewTestClient builds a Conn already carrying a client Request for
// capability name, ready to hand to Dispatcher.LoopAt(i).ClientRequest.
func NewTestClient(fd int, name, id string, body []byte) *conn.Conn {
	c := conn.New(fd)
	c.SetRequest(conn.Request{Name: name, ID: id, Body: body})
	return c
}
