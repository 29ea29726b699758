package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fleetsim/fleetsim/pkg/errdefs"
)

// Encoder writes protocol frames to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes one message as a newline-terminated JSON frame and
// flushes it. Callers serialize access; the encoder itself is not
// safe for concurrent use.
func (e *Encoder) Encode(msg Message) error {
	if err := msg.From.Validate(); err != nil {
		return errdefs.NewInvariantError("invalid sender", err)
	}
	if err := msg.To.Validate(); err != nil {
		return errdefs.NewInvariantError("invalid receiver", err)
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Decoder reads protocol frames from an io.Reader.
//
// A read that fails mid-frame (for example a socket read deadline firing
// while waiting for a decision) leaves the partial frame buffered, so the
// decoder stays usable after transient read errors.
type Decoder struct {
	r       *bufio.Reader
	pending []byte
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r: bufio.NewReader(r),
	}
}

// Decode reads the next frame. It returns io.EOF on clean end of stream
// and a protocol-class error for malformed frames; callers skip the
// latter and keep reading.
func (d *Decoder) Decode() (Message, error) {
	chunk, err := d.r.ReadBytes('\n')
	if err != nil {
		d.pending = append(d.pending, chunk...)
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read frame: %w", err)
	}

	line := chunk
	if len(d.pending) > 0 {
		line = append(d.pending, chunk...)
		d.pending = nil
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	if len(line) == 0 {
		return Message{}, errdefs.NewProtocolError("empty frame", nil)
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, errdefs.NewProtocolError("malformed frame", err)
	}

	// Identities must be known for routing; the kind is deliberately left
	// unvalidated so unknown kinds from newer peers pass through.
	if err := msg.From.Validate(); err != nil {
		return Message{}, errdefs.NewProtocolError("malformed frame", err)
	}
	if err := msg.To.Validate(); err != nil {
		return Message{}, errdefs.NewProtocolError("malformed frame", err)
	}

	return msg, nil
}
