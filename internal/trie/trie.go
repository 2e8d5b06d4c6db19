// Package trie implements the capability-name trie (NameTrie): a
// single-writer, many-reader prefix trie mapping capability names to
// dense queue-line ids, with '*' acting as a wildcard suffix capture.
//
// Grounded on the Mapper/Step classes this was distilled from
// (original_source/src/mapper.h, mapper.cpp): copy-on-write growth of a
// flat node slab, atomically published so readers never see a
// partially-built trie.
package trie

import (
	"sync"
	"sync/atomic"

	"github.com/dendisuhubdy/ijson/internal/constants"
)

// numChildren is the size of a Step's child table: printable ASCII
// 32..127 inclusive.
const numChildren = 96

// Step is one trie node. End holds the value registered for the exact
// name ending at this node; Std holds the value registered for this
// node's prefix followed by '*'. Find carries the deepest non-zero Std
// it passes, so descendants inherit it without storing it themselves.
type Step struct {
	End      uint16
	Std      uint16
	Children [numChildren]uint16
}

// Trie is a copy-on-write prefix trie. Add takes an exclusive lock and
// mutates a private shadow copy of the node slab before publishing it;
// Find reads the published slab without any lock.
type Trie struct {
	mu  sync.Mutex // serializes Add calls only
	buf atomic.Pointer[[]Step]

	size int // next free node index, guarded by mu
	cap  int // capacity of the shadow slab, guarded by mu

	retiredMu sync.Mutex
	retired   [][]Step // buffers superseded by a publish, freed under Dispatcher.Autolock
}

// New creates an empty trie with node 0 reserved as the root.
func New() *Trie {
	t := &Trie{
		size: 1,
		cap:  constants.TrieInitialCapacity,
	}
	shadow := make([]Step, t.cap)
	t.buf.Store(&shadow)
	return t
}

// grow doubles the shadow slab until it passes TrieGrowthThreshold, then
// grows by a fixed TrieGrowthStep, matching mapper.cpp's _next().
func (t *Trie) grow(shadow []Step) []Step {
	if t.cap < constants.TrieGrowthThreshold {
		t.cap *= 2
	} else {
		t.cap += constants.TrieGrowthStep
	}
	grown := make([]Step, t.cap)
	copy(grown, shadow)
	return grown
}

func (t *Trie) allocNode(shadow []Step) (uint16, []Step) {
	if t.size >= t.cap {
		shadow = t.grow(shadow)
	}
	idx := uint16(t.size)
	t.size++
	return idx, shadow
}

// Add registers value for name. A '*' in name marks the preceding
// prefix as a wildcard: any longer name sharing that prefix resolves to
// value unless a more specific registration exists. Characters outside
// [32,128) are rejected.
func (t *Trie) Add(name string, value uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := *t.buf.Load()
	shadow := make([]Step, len(current))
	copy(shadow, current)

	node := uint16(0)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 32 || c >= 128 {
			return &InvalidCharError{Name: name, Pos: i, Char: c}
		}
		if c == '*' {
			shadow[node].Std = value
			t.publish(shadow)
			return nil
		}

		idx := c - 32
		child := shadow[node].Children[idx]
		if child == 0 {
			child, shadow = t.allocNode(shadow)
			shadow[node].Children[idx] = child
		}
		node = child
	}
	shadow[node].End = value
	t.publish(shadow)
	return nil
}

func (t *Trie) publish(shadow []Step) {
	old := t.buf.Swap(&shadow)
	if old == nil {
		return
	}
	t.retiredMu.Lock()
	t.retired = append(t.retired, *old)
	t.retiredMu.Unlock()
}

// Find walks name against the published trie and returns the most
// specific registered value: an exact End match if the whole name was
// consumed and terminates at a node with End set, otherwise the Std
// value of the deepest wildcard ancestor reached, otherwise 0.
func (t *Trie) Find(name string) uint16 {
	buf := *t.buf.Load()
	node := uint16(0)
	var std uint16

	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 32 || c >= 128 {
			return std
		}
		if buf[node].Std != 0 {
			std = buf[node].Std
		}
		child := buf[node].Children[c-32]
		if child == 0 {
			return std
		}
		node = child
	}

	if buf[node].Std != 0 {
		std = buf[node].Std
	}
	if buf[node].End != 0 {
		return buf[node].End
	}
	return std
}

// DrainRetired returns and clears the list of node slabs superseded by
// Add calls since the last drain. Called under Dispatcher.Autolock.
func (t *Trie) DrainRetired() [][]Step {
	t.retiredMu.Lock()
	defer t.retiredMu.Unlock()
	old := t.retired
	t.retired = nil
	return old
}

// InvalidCharError reports a name containing a byte outside the
// printable-ASCII range the trie can encode.
type InvalidCharError struct {
	Name string
	Pos  int
	Char byte
}

func (e *InvalidCharError) Error() string {
	return "trie: invalid character in capability name"
}
