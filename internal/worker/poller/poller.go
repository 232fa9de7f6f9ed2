// Package poller implements the worker's single-threaded I/O readiness
// multiplexer: register/unregister descriptors with readiness callbacks,
// and a single blocking poll. It is a simplified descendant of an epoll
// wrapper built for a JS-style event loop, stripped of the concurrency
// support that design needed and this one does not: the supervisor loop is
// the only goroutine that ever touches a Poller.
package poller

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	ierrors "github.com/tjper/workercore/internal/errors"
)

// Events represents the readiness conditions a descriptor may be polled
// for, or reported as having become ready.
type Events uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead Events = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end.
	EventHangup
)

// Callback is invoked at most once per ready descriptor per Wait call.
type Callback func(fd int, events Events)

// ErrNotRegistered indicates the fd passed to Unregister was never
// registered, or was already unregistered.
var ErrNotRegistered = errors.New("poller: fd not registered")

// ErrAlreadyRegistered indicates the fd passed to Register already has a
// callback registered.
var ErrAlreadyRegistered = errors.New("poller: fd already registered")

// New creates a Poller backed by a fresh epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, ierrors.Wrapf(err, "poller: epoll_create1")
	}
	return &Poller{
		epfd:     epfd,
		callback: make(map[int]Callback),
	}, nil
}

// Poller is a single-threaded epoll-backed readiness multiplexer.
type Poller struct {
	epfd     int
	callback map[int]Callback
}

// Register starts monitoring fd for the given events, invoking cb when it
// becomes ready.
func (p *Poller) Register(fd int, events Events, cb Callback) error {
	if _, ok := p.callback[fd]; ok {
		return fmt.Errorf("%w: fd %d", ErrAlreadyRegistered, fd)
	}

	ev := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return ierrors.Wrapf(err, "poller: epoll_ctl add fd %d", fd)
	}
	p.callback[fd] = cb
	return nil
}

// Unregister stops monitoring fd. It is safe to call after fd has already
// been closed: the kernel drops a closed fd from any epoll set on its own,
// so an EBADF/ENOENT from epoll_ctl here is not an error, just confirmation
// that there was nothing left to remove.
func (p *Poller) Unregister(fd int) error {
	if _, ok := p.callback[fd]; !ok {
		return fmt.Errorf("%w: fd %d", ErrNotRegistered, fd)
	}
	delete(p.callback, fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("poller: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// NumFDs returns the number of descriptors currently registered.
func (p *Poller) NumFDs() int {
	return len(p.callback)
}

// Close releases the underlying epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Wait blocks until at least one registered descriptor is ready, or
// timeoutMS elapses. timeoutMS == -1 blocks indefinitely; timeoutMS == 0
// returns immediately. Each ready descriptor's callback is invoked at most
// once, with the events actually reported by epoll (level-triggered).
func (p *Poller) Wait(timeoutMS int) error {
	var events [128]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeoutMS)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poller: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		cb, ok := p.callback[fd]
		if !ok {
			// Unregistered by an earlier callback in this same batch.
			continue
		}
		cb(fd, fromEpoll(events[i].Events))
	}
	return nil
}

func toEpoll(events Events) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}
