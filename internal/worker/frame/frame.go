// Package frame implements the delimited key/value message framing used on
// the worker's master link. A message is a sequence of key=value pairs
// separated by a single NUL byte, terminated by the three-byte delimiter
// {0x01, 0x00, 0x00}.
package frame

import (
	"bytes"
	"errors"
	"fmt"
)

// delim is the three-byte sequence that terminates every message.
var delim = []byte{0x01, 0x00, 0x00}

const (
	pairSep = 0x00
	kvSep   = '='
)

// minDecoderCap is the Decoder's initial internal cache size. The cache is
// allowed to grow without bound thereafter: the master is trusted, so
// there is no cap on message size.
const minDecoderCap = 512 << 10

var (
	// ErrIncompleteFrame indicates the stream ended mid-message: bytes have
	// been fed to the Decoder that do not yet contain a complete delimiter.
	ErrIncompleteFrame = errors.New("frame: incomplete frame")
	// ErrMalformedPair indicates a NUL-delimited segment lacked the '='
	// key/value separator.
	ErrMalformedPair = errors.New("frame: malformed pair")
)

// Pair is a single key/value entry in a message.
type Pair struct {
	Key   string
	Value string
}

// Encode serializes pairs into a single delimiter-terminated buffer,
// suitable for one write to the master link.
func Encode(pairs []Pair) []byte {
	var buf bytes.Buffer
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(pairSep)
		}
		buf.WriteString(p.Key)
		buf.WriteByte(kvSep)
		buf.WriteString(p.Value)
	}
	buf.Write(delim)
	return buf.Bytes()
}

// NewDecoder creates a Decoder with the minimum internal cache size.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, minDecoderCap)}
}

// Decoder is an incremental reader over an input byte stream. Bytes arrive
// via Feed; complete messages are extracted via Next. Decoder owns its
// internal cache and grows it on demand; it never shrinks.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes read off the master link to the Decoder's internal
// cache.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Pending reports the number of unconsumed, buffered bytes. A non-zero
// value when the stream has ended indicates ErrIncompleteFrame.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Next extracts and returns the next complete message from the Decoder's
// cache, consuming the delimiter. ok is false if the cache does not yet
// contain a complete message (the caller should Feed more bytes and retry).
// err is non-nil only for a malformed pair within an otherwise complete
// message.
func (d *Decoder) Next() (pairs []Pair, ok bool, err error) {
	idx := bytes.Index(d.buf, delim)
	if idx < 0 {
		return nil, false, nil
	}

	msg := d.buf[:idx]
	pairs, err = parsePairs(msg)

	rest := len(d.buf) - (idx + len(delim))
	copy(d.buf, d.buf[idx+len(delim):])
	d.buf = d.buf[:rest]

	if err != nil {
		return nil, true, err
	}
	return pairs, true, nil
}

func parsePairs(msg []byte) ([]Pair, error) {
	if len(msg) == 0 {
		return nil, nil
	}
	segments := bytes.Split(msg, []byte{pairSep})
	pairs := make([]Pair, 0, len(segments))
	for _, seg := range segments {
		sepIdx := bytes.IndexByte(seg, kvSep)
		if sepIdx < 0 {
			return nil, fmt.Errorf("%w: segment %q", ErrMalformedPair, seg)
		}
		pairs = append(pairs, Pair{
			Key:   string(seg[:sepIdx]),
			Value: string(seg[sepIdx+1:]),
		})
	}
	return pairs, nil
}

// Get returns the value of the first pair with the given key.
func Get(pairs []Pair, key string) (string, bool) {
	for _, p := range pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}
