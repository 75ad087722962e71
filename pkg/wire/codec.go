package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameBuffer caps the rolling line buffer. A peer that streams more than
// this without a newline is misbehaving; the endpoint must tear down rather
// than buffer unboundedly.
const MaxFrameBuffer = 10 * 1024 * 1024

// initialScanBuffer is the pre-allocated scan buffer; it grows on demand up
// to MaxFrameBuffer.
const initialScanBuffer = 64 * 1024

// ErrFrameTooLarge is the fatal codec error raised when a single line exceeds
// MaxFrameBuffer. The owning endpoint must close the connection.
var ErrFrameTooLarge = errors.New("wire: frame exceeds max buffer")

// DecodeError wraps a non-fatal per-line failure (invalid JSON, unknown type,
// missing fields). The decoder stays usable; callers log and continue.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: dropping line (%d bytes): %v", len(e.Line), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder reads newline-delimited messages from a byte stream. Empty lines
// are skipped. A trailing line without a newline is parsed at EOF, so closing
// the stream doubles as flush.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r with a line decoder capped at MaxFrameBuffer.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, initialScanBuffer), MaxFrameBuffer)
	return &Decoder{scanner: s}
}

// Next returns the next decoded message.
//
// Errors:
//   - *DecodeError: one line was dropped; the decoder remains usable.
//   - ErrFrameTooLarge: fatal, the stream must be torn down.
//   - io.EOF: clean end of stream.
//   - anything else: the underlying read failed.
func (d *Decoder) Next() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			// Copy: scanner reuses its buffer on the next Scan.
			cp := make([]byte, len(line))
			copy(cp, line)
			return nil, &DecodeError{Line: cp, Err: err}
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// Encoder writes messages as single JSON lines. Writes are serialized so
// concurrent senders cannot interleave partial lines.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals msg and writes it followed by a newline.
func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal %T: %w", msg, err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("wire: write %T: %w", msg, err)
	}
	return nil
}
