// Package output implements the worker's non-blocking output collection
// discipline: draining a child's stdout or stderr pipe into a growable
// in-memory buffer without ever blocking the supervisor loop.
package output

import (
	"bytes"
	"errors"

	"golang.org/x/sys/unix"
)

// readChunk is the maximum number of bytes read from fd per non-blocking
// read(2) call.
const readChunk = 4096

// initialCap is the Buffer's starting capacity. Growth beyond this is
// geometric (doubling) up to growThreshold, then fixed-size chunks
// thereafter, amortizing reallocation cost without changing what the
// buffer observably holds.
const (
	initialCap    = readChunk
	growThreshold = 64 << 10
	growChunk     = 64 << 10
)

// Buffer captures a single child stream (stdout or stderr) into memory.
// Fd is -1 once the stream has been closed (EOF or an unexpected read
// error), matching the job model's "−1 when closed" convention.
type Buffer struct {
	Fd   int
	data []byte
}

// New creates a Buffer reading from fd, which must already be set
// non-blocking by the caller (the spawn primitive is responsible for that).
func New(fd int) *Buffer {
	return &Buffer{Fd: fd, data: make([]byte, 0, initialCap)}
}

// Drain repeatedly reads from the Buffer's fd until it would block, EOFs,
// or errors. closed reports whether the fd was closed as a result (EOF or
// unexpected error); the caller must then unregister it from the poller.
// final suppresses nothing here; it exists so callers can distinguish a
// readiness-triggered drain from the last-chance drain before a record
// goes out (e.g. whether to run a completion check afterward).
func (b *Buffer) Drain(final bool) (closed bool, err error) {
	if b.Fd < 0 {
		return true, nil
	}

	tmp := make([]byte, readChunk)
	for {
		n, readErr := unix.Read(b.Fd, tmp)
		if readErr != nil {
			if errors.Is(readErr, unix.EINTR) {
				continue
			}
			if errors.Is(readErr, unix.EAGAIN) {
				return false, nil
			}
			b.close()
			return true, nil
		}
		if n == 0 {
			b.close()
			return true, nil
		}
		b.grow(n)
		b.data = append(b.data, tmp[:n]...)
	}
}

// grow ensures capacity for n additional bytes using the amortized growth
// policy: double while small, then grow by fixed-size chunks.
func (b *Buffer) grow(n int) {
	need := len(b.data) + n
	if cap(b.data) >= need {
		return
	}
	newCap := cap(b.data)
	if newCap == 0 {
		newCap = initialCap
	}
	for newCap < need {
		if newCap < growThreshold {
			newCap *= 2
		} else {
			newCap += growChunk
		}
	}
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
}

func (b *Buffer) close() {
	if b.Fd < 0 {
		return
	}
	unix.Close(b.Fd)
	b.Fd = -1
}

// Close force-closes the Buffer's fd if still open. It is a no-op if the
// fd was already closed by Drain reaching EOF. Job teardown uses it to
// guarantee no descriptor outlives the Job.
func (b *Buffer) Close() {
	b.close()
}

// Bytes returns the captured output, truncated at the first embedded NUL
// byte: the wire frame format is NUL-sensitive, so a captured stream
// containing a NUL cannot be carried verbatim.
func (b *Buffer) Bytes() []byte {
	if i := bytes.IndexByte(b.data, 0); i >= 0 {
		return b.data[:i]
	}
	return b.data
}
