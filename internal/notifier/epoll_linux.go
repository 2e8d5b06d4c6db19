//go:build linux

package notifier

import (
	"golang.org/x/sys/unix"

	"github.com/dendisuhubdy/ijson/internal/interfaces"
)

// epollNotifier is the default Notifier backend: one epoll instance
// plus a pipe(2) pair used to implement Wake(), in place of registering
// a closed "fake fd" socket purely to kick epoll_wait.
type epollNotifier struct {
	epfd int

	wakeR   int
	wakeW   int
	wakeBuf [64]byte
	batch   []unix.EpollEvent
}

// New creates an epoll-backed Notifier with maxEvents as the batch size
// passed to each epoll_wait call.
func New(maxEvents int) (interfaces.Notifier, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}

	n := &epollNotifier{epfd: epfd, wakeR: fds[0], wakeW: fds[1]}
	if err := n.add(n.wakeR, true, false); err != nil {
		unix.Close(n.wakeR)
		unix.Close(n.wakeW)
		unix.Close(epfd)
		return nil, err
	}
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	n.batch = make([]unix.EpollEvent, maxEvents)
	return n, nil
}

func eventsFor(readable, writable bool) uint32 {
	var events uint32
	if readable {
		events |= unix.EPOLLIN
	}
	if writable {
		events |= unix.EPOLLOUT
	}
	return events
}

func (n *epollNotifier) add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: eventsFor(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (n *epollNotifier) Add(fd int, readable, writable bool) error {
	return n.add(fd, readable, writable)
}

func (n *epollNotifier) Modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: eventsFor(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(n.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (n *epollNotifier) Remove(fd int) error {
	return unix.EpollCtl(n.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (n *epollNotifier) Wait() ([]interfaces.Event, error) {
	count, err := unix.EpollWait(n.epfd, n.batch, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	events := make([]interfaces.Event, 0, count)
	for i := 0; i < count; i++ {
		raw := n.batch[i]
		fd := int(raw.Fd)

		if fd == n.wakeR {
			for {
				_, err := unix.Read(n.wakeR, n.wakeBuf[:])
				if err != nil {
					break
				}
			}
			continue
		}

		events = append(events, interfaces.Event{
			FD:       fd,
			Readable: raw.Events&unix.EPOLLIN != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Error:    raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return events, nil
}

func (n *epollNotifier) Wake() error {
	_, err := unix.Write(n.wakeW, []byte{0})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (n *epollNotifier) Close() error {
	unix.Close(n.wakeR)
	unix.Close(n.wakeW)
	return unix.Close(n.epfd)
}
