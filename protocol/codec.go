// Package protocol implements the framed wire format spoken between the
// coordinator and workers. A frame is a 10 byte ASCII decimal header holding
// the zero-padded body length, followed by exactly that many bytes of a
// single JSON object.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// HeaderLength is the fixed byte count of the length prefix
	HeaderLength = 10
	// DefaultMaxFrame bounds incoming bodies to protect the peer
	DefaultMaxFrame = 16 << 20
)

var (
	// ErrFrameTooLarge is returned when a header announces a body over the cap
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrMalformedHeader is returned when the length prefix is not decimal
	ErrMalformedHeader = errors.New("malformed frame header")
	errEmptyFrame      = errors.New("empty frame")
)

// Codec reads and writes frames on a stream. It is symmetric; both the
// coordinator session and the worker client wrap their conn in one. Writes
// are serialised so heartbeat and result senders cannot interleave frames.
type Codec struct {
	rw       io.ReadWriter
	maxFrame int
	wmu      sync.Mutex
}

// NewCodec wraps a stream. maxFrame <= 0 applies DefaultMaxFrame.
func NewCodec(rw io.ReadWriter, maxFrame int) *Codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Codec{rw: rw, maxFrame: maxFrame}
}

// ReadFrame returns the next complete JSON body. It consumes exactly the
// announced byte count before returning; short reads are retried by
// io.ReadFull until the peer closes.
func (c *Codec) ReadFrame() (json.RawMessage, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return nil, err
	}
	size := 0
	for _, b := range header {
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, header)
		}
		size = size*10 + int(b-'0')
	}
	if size == 0 {
		return nil, errEmptyFrame
	}
	if size > c.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.maxFrame)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteMessage marshals v and emits header plus body as one write so the
// frame cannot be torn by a concurrent sender.
func (c *Codec) WriteMessage(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > c.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), c.maxFrame)
	}
	frame := make([]byte, 0, HeaderLength+len(body))
	frame = append(frame, []byte(fmt.Sprintf("%010d", len(body)))...)
	frame = append(frame, body...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.rw.Write(frame)
	return err
}
