package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Frames larger than this are protocol violations; a runaway worker must
// not be able to balloon the manager's memory.
const maxFrameBytes = 16 << 20

// Encoder writes length-prefixed msgpack frames. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals msg and writes one frame. The 4-byte big-endian length
// prefix and body go out in a single write to keep frames atomic on pipes.
func (e *Encoder) Encode(msg *Message) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	e.mu.Lock()
	defer e.mu.Unlock()
	return writeFull(e.w, buf)
}

// Decoder reads length-prefixed msgpack frames. Not safe for concurrent
// use; each pipe gets one reading goroutine.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads one frame. Returns io.EOF when the stream ends cleanly
// between frames.
func (d *Decoder) Decode() (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(d.r, lenBuf); err != nil {
		return nil, err
	}

	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen > maxFrameBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", frameLen)
	}
	data := make([]byte, frameLen)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, err
	}

	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &msg, nil
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
