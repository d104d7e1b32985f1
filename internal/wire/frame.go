// Package wire implements the length-prefixed msgpack framing protocol
// used between the daemon and each child process, and the tagged-sum
// message envelopes carried inside each frame.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxFrameSize is the default cap on a single frame's payload.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// FramingError is returned for truncated streams or oversized frames.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "framing error: " + e.Reason }

// Codec reads and writes length-prefixed msgpack frames over a
// bidirectional byte stream. A Codec is not safe for concurrent use on
// the same direction (read or write) but a reader and a writer on the
// same underlying stream may run concurrently.
type Codec struct {
	MaxFrameSize uint32
}

// NewCodec returns a Codec with the default max frame size.
func NewCodec() *Codec {
	return &Codec{MaxFrameSize: DefaultMaxFrameSize}
}

func (c *Codec) maxSize() uint32 {
	if c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// WriteFrame writes one length-prefixed frame containing payload.
func (c *Codec) WriteFrame(w io.Writer, payload []byte) error {
	if uint32(len(payload)) > c.maxSize() {
		return &FramingError{Reason: fmt.Sprintf("payload exceeds max frame size: %d > %d", len(payload), c.maxSize())}
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its raw payload.
func (c *Codec) ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FramingError{Reason: fmt.Sprintf("truncated header: %v", err)}
	}

	size := binary.BigEndian.Uint32(header)
	if size > c.maxSize() {
		return nil, &FramingError{Reason: fmt.Sprintf("frame exceeds max size: %d > %d", size, c.maxSize())}
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &FramingError{Reason: fmt.Sprintf("truncated payload: %v", err)}
		}
	}
	return payload, nil
}

// WriteMessage marshals msg to msgpack and writes it as one frame.
func (c *Codec) WriteMessage(w io.Writer, msg *Envelope) error {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.WriteFrame(w, payload)
}

// ReadMessage reads one frame and unmarshals it into an Envelope.
func (c *Codec) ReadMessage(r io.Reader) (*Envelope, error) {
	payload, err := c.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, &FramingError{Reason: fmt.Sprintf("bad envelope: %v", err)}
	}
	return &env, nil
}
