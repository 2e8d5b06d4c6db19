// Package constants holds default tunables for the dispatch engine.
package constants

import "time"

// Core sizing constants, grounded on original_source/src/server.h's
// #define MAX_EVENTS 16384 and #define BUF_SIZE 16384.
const (
	// MaxEvents is the default connection ceiling (Config.MaxConns) and
	// the fd range of the connection table. A connection whose fd is
	// >= MaxEvents is rejected at accept time.
	MaxEvents = 16384

	// BufSize is the default per-connection recv/send buffer size.
	BufSize = 16384

	// DefaultThreads is the default number of Loop worker threads when
	// none is configured.
	DefaultThreads = 4

	// MaxThreads bounds the Loop count; NewDispatcher clamps larger
	// thread counts down to it.
	MaxThreads = 62

	// TrieInitialCapacity is the Trie's starting node-slab size before
	// the first growth (original_source/src/mapper.cpp: cap = 4).
	TrieInitialCapacity = 4

	// TrieGrowthThreshold is the capacity above which growth switches
	// from doubling to a fixed +256 step (mapper.cpp).
	TrieGrowthThreshold = 512

	// TrieGrowthStep is the fixed growth increment once past the
	// doubling threshold.
	TrieGrowthStep = 256
)

// AcceptRetryDelay is a back-off duration for retrying a transient
// accept failure. Nothing in this module uses it: cmd/ijsond's accept
// loop stops at the first accept error.
const AcceptRetryDelay = 10 * time.Millisecond
