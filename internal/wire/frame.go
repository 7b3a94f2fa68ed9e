// Package wire implements the length-delimited JSON frame protocol spoken
// over the broker's unix socket. Each frame is a 4-byte big-endian length
// prefix followed by exactly that many bytes of JSON. The decoder consumes
// an append-only byte buffer fed by the transport and yields complete
// frames; a truncated frame is not an error, it simply waits for more
// bytes. The enforcement of the partial-frame timeout lives in the server,
// which asks the decoder how long a partial frame has been pending.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// headerSize is the length of the frame length prefix in bytes.
	headerSize = 4

	// DefaultMaxFrameSize bounds a single frame payload. Oversized length
	// prefixes are treated as malformed input, not as an allocation request.
	DefaultMaxFrameSize = 1 << 20
)

// Request is a parsed inbound frame.
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is the outbound frame envelope. Code is set only on failures.
type Response struct {
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
	Data any    `json:"data,omitempty"`
}

// FrameError reports a frame that could not be decoded. ID carries the
// best-available request id recovered from the malformed payload so the
// error response can still be correlated by the caller.
type FrameError struct {
	ID  string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("wire: malformed frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Decoder assembles frames from a stream of byte chunks.
type Decoder struct {
	buf          bytes.Buffer
	maxFrameSize int
	partialSince time.Time
}

// NewDecoder creates a decoder with the given frame size bound. A bound of
// zero or less selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends raw bytes received from the transport.
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	if d.buf.Len() == 0 {
		d.partialSince = time.Now()
	}
	d.buf.Write(p)
}

// Next returns the next complete request frame, or (nil, nil) when the
// buffered bytes do not yet form one. Malformed payloads produce a
// *FrameError carrying whatever id was recoverable; the offending frame is
// discarded so the connection stays usable.
func (d *Decoder) Next() (*Request, error) {
	if d.buf.Len() < headerSize {
		return nil, nil
	}
	header := d.buf.Bytes()[:headerSize]
	size := int(binary.BigEndian.Uint32(header))
	if size <= 0 || size > d.maxFrameSize {
		payload := d.discard()
		return nil, &FrameError{ID: bestID(payload), Err: fmt.Errorf("frame length %d out of range", size)}
	}
	if d.buf.Len() < headerSize+size {
		return nil, nil
	}
	frame := make([]byte, headerSize+size)
	_, _ = d.buf.Read(frame)
	payload := frame[headerSize:]
	if d.buf.Len() == 0 {
		d.partialSince = time.Time{}
	} else {
		d.partialSince = time.Now()
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &FrameError{ID: bestID(payload), Err: fmt.Errorf("decode frame payload: %w", err)}
	}
	return &req, nil
}

// Pending reports whether a partial frame is buffered and, if so, since when.
func (d *Decoder) Pending() (time.Time, bool) {
	if d.buf.Len() == 0 {
		return time.Time{}, false
	}
	return d.partialSince, true
}

// Reset discards any buffered partial frame and returns the best-available
// request id recovered from it. The server calls this when the partial-frame
// timeout fires so the malformed remainder cannot poison the next frame.
func (d *Decoder) Reset() string {
	return bestID(d.discard())
}

func (d *Decoder) discard() []byte {
	payload := make([]byte, d.buf.Len())
	_, _ = d.buf.Read(payload)
	d.partialSince = time.Time{}
	if len(payload) > headerSize {
		return payload[headerSize:]
	}
	return nil
}

// bestID pulls an "id" field out of a possibly malformed JSON payload.
// gjson tolerates truncated documents, which is exactly what a partial or
// garbled frame looks like.
func bestID(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	id := gjson.GetBytes(payload, "id")
	switch id.Type {
	case gjson.String:
		return id.Str
	case gjson.Number:
		return id.Raw
	default:
		return ""
	}
}

// Encode serializes one response into exactly one frame. The caller is
// responsible for keeping concurrent writes to the same connection from
// interleaving; writing the returned slice with a single Write call keeps
// the frame atomic.
func Encode(resp *Response) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("wire: encode response: %w", err)
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// EncodeRequest serializes one request into exactly one frame. Clients and
// tests use this; the server only decodes requests.
func EncodeRequest(req *Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wire: encode request: %w", err)
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}
