package ijson

import "github.com/dendisuhubdy/ijson/internal/constants"

// Re-exported tunables, for callers that want the defaults without
// importing internal/constants directly.
const (
	MaxEvents      = constants.MaxEvents
	BufSize        = constants.BufSize
	DefaultThreads = constants.DefaultThreads
	MaxThreads     = constants.MaxThreads
)
