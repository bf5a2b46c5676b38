package refslave

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// This file is the slave-side half of FileJuggler's binary frame protocol
// (filejuggler/protocol.go): a 4-byte big-endian length prefix followed by
// that many JSON-encoded control bytes, with a "chunk" frame always
// immediately followed by exactly Size raw bytes. filejuggler's frame type
// is unexported, so the two sides are kept honest by wire agreement, the
// same arrangement controlwire.go uses for the SlaveDriver protocol.
const jMaxFrameSize = 1 << 20
const jChunkSize = 1 << 20 // matches filejuggler's chunkSize

type jFrameKind string

const (
	jKindHello  jFrameKind = "hello"
	jKindSend   jFrameKind = "send"
	jKindFetch  jFrameKind = "fetch"
	jKindChunk  jFrameKind = "chunk"
	jKindDone   jFrameKind = "done"
	jKindResult jFrameKind = "result"
)

type jFrame struct {
	Kind     jFrameKind `json:"kind"`
	SlaveID  string     `json:"slave_id,omitempty"`
	Filename string     `json:"filename,omitempty"`
	Index    int        `json:"index,omitempty"`
	Size     int        `json:"size,omitempty"`
	OK       bool       `json:"ok,omitempty"`
	Retry    bool       `json:"retry,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func writeJFrame(w io.Writer, f jFrame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > jMaxFrameSize {
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

func readJFrame(r io.Reader, f *jFrame) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > jMaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	return json.Unmarshal(body, f)
}
