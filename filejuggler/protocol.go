package filejuggler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// The FileJuggler wire protocol is binary-framed: a 4-byte big-endian
// length prefix followed by that many JSON-encoded control bytes. A "chunk"
// control frame is always immediately followed by exactly the frame's Size
// raw bytes with no frame of their own.
const maxFrameSize = 1 << 20

type frameKind string

const (
	kindHello  frameKind = "hello"
	kindSend   frameKind = "send"
	kindFetch  frameKind = "fetch"
	kindChunk  frameKind = "chunk"
	kindDone   frameKind = "done"
	kindResult frameKind = "result"
)

// frame is every control message the protocol exchanges in either
// direction; which fields are meaningful depends on Kind. One struct
// (rather than one type per kind) keeps reading a single readFrame call:
// the caller already knows which kind to expect at each protocol step, so
// there is no need to sniff Kind before decoding.
type frame struct {
	Kind     frameKind `json:"kind"`
	SlaveID  string    `json:"slave_id,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Index    int       `json:"index,omitempty"`
	Size     int       `json:"size,omitempty"`
	OK       bool      `json:"ok,omitempty"`
	Retry    bool      `json:"retry,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	return json.Unmarshal(body, v)
}
