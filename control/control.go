// Package control implements the Control actor: it accepts
// administrative commands — pause/resume dispatch, kill a slave, reload
// configuration, skip/unskip a package or version, delete a build so it
// gets rebuilt — over a private socket and forwards each as a typed call
// to the actor responsible. Responses are synchronous to the caller only;
// Control never broadcasts. The
// wire codec is encoding/gob: this is a private, same-binary-version
// protocol, unlike the cross-binary slave wire protocol in slavedriver,
// which has no business reaching for a schema'd codec either way.
package control

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
	"wheelforge/status"
)

// CommandKind names one administrative operation. execute switches on it;
// an unrecognized kind gets a failed Response.
type CommandKind string

const (
	KindPauseDispatch  CommandKind = "pause_dispatch"
	KindResumeDispatch CommandKind = "resume_dispatch"
	KindKillSlave      CommandKind = "kill_slave"
	KindReloadConfig   CommandKind = "reload_config"
	KindSkipPackage    CommandKind = "skip_package"
	KindSkipVersion    CommandKind = "skip_version"
	KindRebuild        CommandKind = "rebuild"
	KindStats          CommandKind = "stats"
)

// Command is one administrative request, gob-encoded over the control
// socket. Which fields are meaningful depends on Kind.
type Command struct {
	Kind      CommandKind
	SlaveID   string
	Package   string
	Version   string
	Reason    string
	ConfigPath string
	BuildID   int64
}

// Response answers exactly one Command. Stats is only populated when Kind
// was KindStats.
type Response struct {
	OK      bool
	Message string
	Stats   status.Update
}

// dispatcher is the subset of SlaveDriver's API Control drives.
type dispatcher interface {
	Pause()
	Resume()
	KillSlave(slaveID string) bool
	ReloadConfig(cfg *config.Config)
	AbortBuild(pkg, version, abi string)
}

// secretary is the subset of Secretary's API Control drives.
type secretary interface {
	SkipPackage(ctx context.Context, pkg, reason string) error
	SkipPackageVersion(ctx context.Context, pkg, version, reason string) error
	DeleteBuild(ctx context.Context, buildID int64) ([]string, error)
}

// statusSource is the subset of Status's API Control reads for the stats
// command; monitor polls this over the wire instead of subscribing
// in-process, since it runs as a separate binary.
type statusSource interface {
	Latest() status.Update
}

// Control is the administrative RPC endpoint.
type Control struct {
	cfg        *config.Config
	dispatcher dispatcher
	secretary  secretary
	status     statusSource
	logger     log.LibraryLogger
}

// New creates a Control actor.
func New(cfg *config.Config, dispatcher dispatcher, secretary secretary, status statusSource, logger log.LibraryLogger) *Control {
	return &Control{cfg: cfg, dispatcher: dispatcher, secretary: secretary, status: status, logger: logger}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed during shutdown). One command per connection: a
// client dials, sends one gob-encoded Command, reads one gob-encoded
// Response, and disconnects.
func (c *Control) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go c.handleConn(conn)
	}
}

func (c *Control) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var cmd Command
	if err := gob.NewDecoder(conn).Decode(&cmd); err != nil {
		c.logger.Warn("control: decode command from %s: %v", conn.RemoteAddr(), err)
		return
	}

	resp := c.execute(context.Background(), cmd)
	if err := gob.NewEncoder(conn).Encode(resp); err != nil {
		c.logger.Warn("control: encode response to %s: %v", conn.RemoteAddr(), err)
	}
}

func (c *Control) execute(ctx context.Context, cmd Command) Response {
	switch cmd.Kind {
	case KindPauseDispatch:
		c.dispatcher.Pause()
		return Response{OK: true, Message: "dispatch paused"}

	case KindResumeDispatch:
		c.dispatcher.Resume()
		return Response{OK: true, Message: "dispatch resumed"}

	case KindKillSlave:
		if c.dispatcher.KillSlave(cmd.SlaveID) {
			return Response{OK: true, Message: fmt.Sprintf("killed slave %s", cmd.SlaveID)}
		}
		return Response{OK: false, Message: fmt.Sprintf("slave %s not connected", cmd.SlaveID)}

	case KindReloadConfig:
		path := cmd.ConfigPath
		if path == "" {
			path = c.cfg.ConfigPath
		}
		newCfg, err := config.Load(path)
		if err != nil {
			return Response{OK: false, Message: fmt.Sprintf("reload failed: %v", err)}
		}
		c.cfg = newCfg
		c.dispatcher.ReloadConfig(newCfg)
		return Response{OK: true, Message: "configuration reloaded"}

	case KindSkipPackage:
		if err := c.secretary.SkipPackage(ctx, cmd.Package, cmd.Reason); err != nil {
			return Response{OK: false, Message: err.Error()}
		}
		return Response{OK: true, Message: fmt.Sprintf("%s: %s", cmd.Package, skippedOrCleared(cmd.Reason))}

	case KindSkipVersion:
		if err := c.secretary.SkipPackageVersion(ctx, cmd.Package, cmd.Version, cmd.Reason); err != nil {
			return Response{OK: false, Message: err.Error()}
		}
		if cmd.Reason != "" {
			// Control has no way to know which ABI a slave is mid-build on
			// for this version (the wire Command carries none, and more than
			// one ABI could legitimately have it in flight at once), so abort
			// every configured ABI's key; AbortBuild is a no-op for any ABI
			// that wasn't actually in flight.
			for _, abi := range c.cfg.ABIs {
				c.dispatcher.AbortBuild(cmd.Package, cmd.Version, abi)
			}
		}
		return Response{OK: true, Message: fmt.Sprintf("%s==%s: %s", cmd.Package, cmd.Version, skippedOrCleared(cmd.Reason))}

	case KindRebuild:
		filenames, err := c.secretary.DeleteBuild(ctx, cmd.BuildID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return Response{OK: false, Message: "build not found"}
			}
			return Response{OK: false, Message: err.Error()}
		}
		for _, f := range filenames {
			c.removeInstalledFile(f)
		}
		return Response{OK: true, Message: fmt.Sprintf("deleted build %d (%d files), will be redispatched", cmd.BuildID, len(filenames))}

	case KindStats:
		return Response{OK: true, Stats: c.status.Latest()}

	default:
		return Response{OK: false, Message: fmt.Sprintf("unknown command %q", cmd.Kind)}
	}
}

func skippedOrCleared(reason string) string {
	if reason == "" {
		return "skip cleared"
	}
	return "skipped: " + reason
}

// removeInstalledFile deletes a rebuilt artifact from the simple index tree.
// The package name is the filename's leading component, same convention
// ImportHandler's tag parser relies on; a removal failure is logged and
// swallowed since the DB record is already gone and the file may simply
// have been moved already.
func (c *Control) removeInstalledFile(filename string) {
	pkg := filename
	if i := strings.Index(filename, "-"); i > 0 {
		pkg = strings.ToLower(filename[:i])
	}
	path := filepath.Join(c.cfg.Paths.Simple, pkg, filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("control: remove %s: %v", path, err)
	}
}
