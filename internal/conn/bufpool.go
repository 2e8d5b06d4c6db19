package conn

import (
	"sync"

	"github.com/dendisuhubdy/ijson/internal/constants"
)

// bufPool pools recv/send buffers sized constants.BufSize, avoiding a
// per-connection allocation on every Loop.Accept. Grounded on the
// teacher's internal/queue/pool.go size-bucketed *[]byte sync.Pool
// idiom; a single bucket suffices since every Conn buffer is the same
// fixed size.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, constants.BufSize)
		return &b
	},
}

// getBuffer returns a pooled buffer of exactly constants.BufSize bytes.
func getBuffer() []byte {
	return (*bufPool.Get().(*[]byte))[:constants.BufSize]
}

// putBuffer returns buf to the pool. Buffers with non-standard capacity
// are dropped rather than pooled.
func putBuffer(buf []byte) {
	if cap(buf) != constants.BufSize {
		return
	}
	buf = buf[:constants.BufSize]
	bufPool.Put(&buf)
}
