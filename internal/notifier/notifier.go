// Package notifier implements the readiness multiplexer a Loop drives:
// registration of fds for read/write interest and a batched Wait call
// returning the ready set.
//
// The interface shape (Add/Wait returning batched events) is modeled on
// a submit/wait interface over a kernel queue; the concrete backend
// uses golang.org/x/sys/unix epoll calls. See SPEC_FULL.md for why
// io_uring (github.com/pawelgaczynski/giouring) isn't used here: it's
// bound to the ublk char-device command ABI, not generic socket
// readiness.
package notifier

import "github.com/dendisuhubdy/ijson/internal/interfaces"

// Event reports one fd's readiness state from a Wait call.
type Event = interfaces.Event

// Notifier is the readiness-multiplexer interface a Loop drives.
type Notifier = interfaces.Notifier
