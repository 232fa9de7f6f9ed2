package output

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBufferDrainCapturesBytes(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("unexpected error creating pipe: %v", err)
	}
	defer w.Close()

	rfd := int(r.Fd())
	if err := unix.SetNonblock(rfd, true); err != nil {
		t.Fatalf("unexpected error setting nonblock: %v", err)
	}

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	w.Close()

	b := New(rfd)
	closed, err := b.Drain(false)
	if err != nil {
		t.Fatalf("unexpected error draining: %v", err)
	}
	if !closed {
		t.Fatalf("expected buffer to report closed on EOF")
	}
	if b.Fd != -1 {
		t.Fatalf("expected fd to be -1 after close, got %d", b.Fd)
	}
	if string(b.Bytes()) != "hello" {
		t.Fatalf("unexpected captured bytes: %q", b.Bytes())
	}
}

func TestBufferDrainEAGAINReturnsWithoutClosing(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("unexpected error creating pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	rfd := int(r.Fd())
	if err := unix.SetNonblock(rfd, true); err != nil {
		t.Fatalf("unexpected error setting nonblock: %v", err)
	}

	b := New(rfd)
	closed, err := b.Drain(false)
	if err != nil {
		t.Fatalf("unexpected error draining: %v", err)
	}
	if closed {
		t.Fatalf("expected buffer to remain open on EAGAIN")
	}
	if b.Fd == -1 {
		t.Fatalf("expected fd to remain registered")
	}
}

func TestBufferBytesTruncatesAtNUL(t *testing.T) {
	b := &Buffer{Fd: -1, data: []byte("hello\x00world")}
	if string(b.Bytes()) != "hello" {
		t.Fatalf("unexpected truncated bytes: %q", b.Bytes())
	}
}

func TestBufferGrowthAmortizes(t *testing.T) {
	b := New(-1)
	b.data = b.data[:0]
	for i := 0; i < 20; i++ {
		b.grow(readChunk)
		b.data = append(b.data, make([]byte, readChunk)...)
	}
	if len(b.data) != 20*readChunk {
		t.Fatalf("unexpected length: %d", len(b.data))
	}
}
