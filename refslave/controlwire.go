package refslave

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// This file is the slave-side half of SlaveDriver's JSON-line control
// protocol. The wire shapes must match slavedriver/protocol.go
// exactly, but that package's types are unexported, so the two sides are
// kept honest the same way any two independent binaries speaking a
// versioned line protocol would be: by agreement on the JSON field names,
// not a shared Go type.
type ctlMsgType string

const (
	ctlHello      ctlMsgType = "hello"
	ctlHelloReply ctlMsgType = "hello_reply"
	ctlIdle       ctlMsgType = "idle"
	ctlSleep      ctlMsgType = "sleep"
	ctlBuild      ctlMsgType = "build"
	ctlDie        ctlMsgType = "die"
	ctlCont       ctlMsgType = "cont"
	ctlBuilt      ctlMsgType = "built"
	ctlSend       ctlMsgType = "send"
	ctlDone       ctlMsgType = "done"
	ctlSent       ctlMsgType = "sent"
	ctlBye        ctlMsgType = "bye"
)

type ctlEnvelope struct {
	Type    ctlMsgType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ctlHelloPayload struct {
	Timestamp     time.Time `json:"timestamp"`
	Label         string    `json:"label"`
	ABITag        string    `json:"abi_tag"`
	PlatformTag   string    `json:"platform_tag"`
	PyTag         string    `json:"py_tag"`
	OSName        string    `json:"os_name"`
	OSVersion     string    `json:"os_version"`
	BoardRevision string    `json:"board_revision"`
	BoardSerial   string    `json:"board_serial"`
}

type ctlHelloReplyPayload struct {
	SlaveID         string    `json:"slave_id"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

type ctlSleepPayload struct {
	DurationMS int64 `json:"duration_ms"`
}

type ctlBuildPayload struct {
	Package string `json:"package"`
	Version string `json:"version"`
}

type ctlDependencyPayload struct {
	Tool string `json:"tool"`
	Name string `json:"name"`
}

type ctlFilePayload struct {
	Filename          string                 `json:"filename"`
	Filesize          int64                  `json:"filesize"`
	Filehash          string                 `json:"filehash"`
	PackageTag        string                 `json:"package_tag"`
	PackageVersionTag string                 `json:"package_version_tag"`
	PyVersionTag      string                 `json:"py_version_tag"`
	ABITag            string                 `json:"abi_tag"`
	PlatformTag       string                 `json:"platform_tag"`
	Dependencies      []ctlDependencyPayload `json:"dependencies,omitempty"`
}

type ctlBuiltPayload struct {
	Status     string           `json:"status"`
	DurationMS int64            `json:"duration_ms"`
	Output     string           `json:"output"`
	Files      []ctlFilePayload `json:"files,omitempty"`
}

type ctlSendPayload struct {
	Filename string `json:"filename"`
}

func writeCtlMsg(w *bufio.Writer, t ctlMsgType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = body
	}
	line, err := json.Marshal(ctlEnvelope{Type: t, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", t, err)
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func readCtlMsg(r *bufio.Reader) (ctlMsgType, json.RawMessage, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		if err == io.EOF {
			return "", nil, io.EOF
		}
		return "", nil, err
	}
	var env ctlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", nil, fmt.Errorf("decode control frame: %w", err)
	}
	return env.Type, env.Payload, nil
}
