package control

import (
	"encoding/gob"
	"fmt"
	"net"
	"time"
)

// Send dials addr, sends cmd, and returns the master's Response. This is
// the CLI-side half of the control protocol, used by the `wheelforge`
// admin subcommands.
func Send(addr string, cmd Command) (Response, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("control: dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if err := gob.NewEncoder(conn).Encode(cmd); err != nil {
		return Response{}, fmt.Errorf("control: send command: %w", err)
	}

	var resp Response
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("control: read response: %w", err)
	}
	return resp, nil
}
