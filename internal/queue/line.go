// Package queue implements QueueLine: per-capability queueing state, one
// FIFO of waiting workers and one priority-ordered deque of waiting
// clients per Loop thread. Grounded on original_source/src/server.h's
// Queue/QueueLine classes; the FIFO/priority deques use
// github.com/gammazero/deque's ring-buffer deque in place of
// std::deque.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"

	"github.com/dendisuhubdy/ijson/internal/conn"
)

// Slot holds the waiting workers and clients pinned to one Loop, for one
// capability Line.
type Slot struct {
	Workers deque.Deque[*conn.Conn]
	Clients deque.Deque[*conn.Conn]
}

// PopFrontWorker pops the oldest waiting worker, or (nil, false) if empty.
func (s *Slot) PopFrontWorker() (*conn.Conn, bool) {
	if s.Workers.Len() == 0 {
		return nil, false
	}
	return s.Workers.PopFront(), true
}

// PopFrontClient pops the highest-priority (oldest among equals) waiting
// client, or (nil, false) if empty.
func (s *Slot) PopFrontClient() (*conn.Conn, bool) {
	if s.Clients.Len() == 0 {
		return nil, false
	}
	return s.Clients.PopFront(), true
}

// PushBackWorker parks a worker at the back of the FIFO.
func (s *Slot) PushBackWorker(w *conn.Conn) {
	s.Workers.PushBack(w)
}

// PushFrontWorker re-parks a worker at the front of the FIFO, used when
// client_request discovers an id collision after having already
// claimed the worker.
func (s *Slot) PushFrontWorker(w *conn.Conn) {
	s.Workers.PushFront(w)
}

// SweepWorkers removes every closed worker and any existing occurrence
// of worker from the FIFO, unlinking each one removed. Called before
// parking worker so a stale or duplicate registration doesn't linger.
func (s *Slot) SweepWorkers(worker *conn.Conn) {
	n := s.Workers.Len()
	kept := make([]*conn.Conn, 0, n)
	for i := 0; i < n; i++ {
		w := s.Workers.PopFront()
		if w.Closed.Load() || w == worker {
			w.Unlink()
			continue
		}
		kept = append(kept, w)
	}
	for _, w := range kept {
		s.Workers.PushBack(w)
	}
}

// InsertClientByPriority inserts c into Clients so that higher-priority
// clients sort toward the front and arrival order (FIFO) is preserved
// among equal priorities. Grounded on original_source/src/server.cpp's
// client_request reverse-iteration insert: walk from the back past every
// lower-priority client, and the newcomer settles in just after the
// first client whose priority is greater than or equal to its own (or at
// the front if there is none).
func (s *Slot) InsertClientByPriority(c *conn.Conn) {
	priority := c.GetRequest().Priority

	var displaced []*conn.Conn
	for s.Clients.Len() > 0 {
		back := s.Clients.Back()
		if back.GetRequest().Priority >= priority {
			break
		}
		displaced = append(displaced, s.Clients.PopBack())
	}
	s.Clients.PushBack(c)
	for i := len(displaced) - 1; i >= 0; i-- {
		s.Clients.PushBack(displaced[i])
	}
}

// RemoveClient removes the first occurrence of c from Clients, if
// present, unlinking it. The matching and disconnect paths in
// internal/loop do not call it: a client that disconnects while parked
// stays in its Slot until a later scan pops and discards it as closed.
func (s *Slot) RemoveClient(c *conn.Conn) bool {
	n := s.Clients.Len()
	found := false
	kept := make([]*conn.Conn, 0, n)
	for i := 0; i < n; i++ {
		cand := s.Clients.PopFront()
		if cand == c && !found {
			found = true
			c.Unlink()
			continue
		}
		kept = append(kept, cand)
	}
	for _, cand := range kept {
		s.Clients.PushBack(cand)
	}
	return found
}

// Line is QueueLine: one Slot per Loop thread, plus diagnostic fields
// set by the most recently arrived worker.
type Line struct {
	Name       string
	LastWorker atomic.Int64 // UnixNano of the most recent worker arrival
	Info       atomic.Value // string, set by the last worker's registration

	mu    sync.Mutex
	Slots []*Slot
}

// NewLine allocates a Line with one Slot per thread.
func NewLine(name string, threads int) *Line {
	slots := make([]*Slot, threads)
	for i := range slots {
		slots[i] = &Slot{}
	}
	return &Line{Name: name, Slots: slots}
}

// Lock acquires the Line's mutex, covering a full matching scan across
// its Slots.
func (l *Line) Lock() { l.mu.Lock() }

// Unlock releases the Line's mutex.
func (l *Line) Unlock() { l.mu.Unlock() }

// TouchWorker records diagnostic state from a worker's arrival.
func (l *Line) TouchWorker(nowUnixNano int64, info string) {
	l.LastWorker.Store(nowUnixNano)
	if info != "" {
		l.Info.Store(info)
	}
}
