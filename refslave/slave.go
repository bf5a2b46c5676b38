// Package refslave implements a minimal builder slave: HELLO, an
// IDLE/BUILD/SLEEP dispatch loop, a pip-wheel build phase sequence, and a
// file upload to FileJuggler. It backs the `wheelforge slave` CLI binary
// and lets integration tests drive the real slavedriver/filejuggler
// actors end-to-end without a physical builder machine.
package refslave

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"wheelforge/actor"
	"wheelforge/config"
	"wheelforge/log"
	"wheelforge/refslave/environment"
	"wheelforge/util"
)

// Config describes one reference slave's identity and connection targets.
type Config struct {
	DriverAddr  string
	JugglerAddr string

	Label         string
	ABITag        string
	PlatformTag   string
	PyTag         string
	OSName        string
	OSVersion     string
	BoardRevision string
	BoardSerial   string

	Backend      string // "local" or "mock" (environment.New)
	BuildRoot    string
	BuildTimeout time.Duration

	ReconnectBackoff time.Duration // between a dropped session and the next HELLO
}

// errDie is returned internally when the master told this slave DIE; Run
// treats it as a clean, permanent stop rather than something to retry.
var errDie = fmt.Errorf("slave: told to die")

// Slave runs the client side of the protocol against one master.
type Slave struct {
	cfg    Config
	logger log.LibraryLogger

	slaveID string
}

// New creates a Slave. logger may be log.NoOpLogger{}.
func New(cfg Config, logger log.LibraryLogger) *Slave {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	return &Slave{cfg: cfg, logger: logger}
}

// Run dials the master repeatedly until shutdown fires or the master tells
// this slave DIE. Each dropped connection (timeout, protocol error, master
// restart) is followed by ReconnectBackoff before the next HELLO; the
// slave always reconnects on its own schedule, never the master's.
func (s *Slave) Run(ctx context.Context, shutdown *actor.Shutdown) error {
	for {
		select {
		case <-shutdown.Done():
			return nil
		default:
		}

		err := s.session(ctx, shutdown)
		if err == errDie {
			return nil
		}
		if err != nil {
			s.logger.Warn("refslave: session ended: %v", err)
		}

		select {
		case <-shutdown.Done():
			return nil
		case <-time.After(s.cfg.ReconnectBackoff):
		}
	}
}

// session performs one HELLO and runs the IDLE/BUILD/SLEEP loop until the
// connection drops, SLEEP is received (which ends the connection), or DIE
// is received.
func (s *Slave) session(ctx context.Context, shutdown *actor.Shutdown) error {
	conn, err := net.DialTimeout("tcp", s.cfg.DriverAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.DriverAddr, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	if err := writeCtlMsg(w, ctlHello, ctlHelloPayload{
		Timestamp:     time.Now(),
		Label:         s.cfg.Label,
		ABITag:        s.cfg.ABITag,
		PlatformTag:   s.cfg.PlatformTag,
		PyTag:         s.cfg.PyTag,
		OSName:        s.cfg.OSName,
		OSVersion:     s.cfg.OSVersion,
		BoardRevision: s.cfg.BoardRevision,
		BoardSerial:   s.cfg.BoardSerial,
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	t, payload, err := readCtlMsg(r)
	if err != nil {
		return fmt.Errorf("read hello reply: %w", err)
	}
	if t != ctlHelloReply {
		return fmt.Errorf("expected hello_reply, got %q", t)
	}
	var hr ctlHelloReplyPayload
	if err := json.Unmarshal(payload, &hr); err != nil {
		return fmt.Errorf("decode hello_reply: %w", err)
	}
	s.slaveID = hr.SlaveID
	s.logger.Info("refslave: connected as %s", s.slaveID)

	for {
		if shutdown.Signaled() {
			writeCtlMsg(w, ctlBye, nil)
			return nil
		}

		if err := writeCtlMsg(w, ctlIdle, nil); err != nil {
			return fmt.Errorf("send idle: %w", err)
		}
		t, payload, err := readCtlMsg(r)
		if err != nil {
			return fmt.Errorf("read idle reply: %w", err)
		}

		switch t {
		case ctlSleep:
			var sp ctlSleepPayload
			if err := json.Unmarshal(payload, &sp); err != nil {
				return fmt.Errorf("decode sleep: %w", err)
			}
			dur := time.Duration(sp.DurationMS) * time.Millisecond
			s.logger.Debug("refslave: sleeping %s", dur)
			select {
			case <-shutdown.Done():
				return nil
			case <-time.After(dur):
			}
			// SLEEP ends the connection; the caller re-dials.
			return nil

		case ctlDie:
			return errDie

		case ctlCont:
			continue

		case ctlBuild:
			var bp ctlBuildPayload
			if err := json.Unmarshal(payload, &bp); err != nil {
				return fmt.Errorf("decode build: %w", err)
			}
			if err := s.handleBuild(ctx, r, w, bp); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unexpected reply to idle: %q", t)
		}
	}
}

// handleBuild runs one build, reports BUILT, and — on success with files —
// uploads them to FileJuggler, confirming each with SENT until the driver
// replies DONE.
func (s *Slave) handleBuild(ctx context.Context, r *bufio.Reader, w *bufio.Writer, bp ctlBuildPayload) error {
	outcome, artifacts := s.buildOnce(ctx, bp.Package, bp.Version)

	if err := writeCtlMsg(w, ctlBuilt, outcome); err != nil {
		return fmt.Errorf("send built: %w", err)
	}

	t, payload, err := readCtlMsg(r)
	if err != nil {
		return fmt.Errorf("read built reply: %w", err)
	}

	switch t {
	case ctlDone:
		return nil
	case ctlSend:
		var sendP ctlSendPayload
		if err := json.Unmarshal(payload, &sendP); err != nil {
			return fmt.Errorf("decode send: %w", err)
		}
		return s.uploadFiles(r, w, artifacts, sendP.Filename)
	default:
		return fmt.Errorf("unexpected reply to built: %q", t)
	}
}

// uploadFiles dials FileJuggler once and streams every artifact it knows
// about, pacing each one against the driver's SEND/SENT exchange on the
// control connection (no file bytes cross that connection; the two wire
// protocols are independent).
func (s *Slave) uploadFiles(ctlR *bufio.Reader, ctlW *bufio.Writer, artifacts []artifact, firstFilename string) error {
	jconn, err := net.DialTimeout("tcp", s.cfg.JugglerAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial filejuggler %s: %w", s.cfg.JugglerAddr, err)
	}
	defer jconn.Close()

	if err := writeJFrame(jconn, jFrame{Kind: jKindHello, SlaveID: s.slaveID}); err != nil {
		return fmt.Errorf("filejuggler hello: %w", err)
	}

	filename := firstFilename
	for {
		a, ok := findArtifact(artifacts, filename)
		if !ok {
			return fmt.Errorf("driver asked for unknown file %q", filename)
		}
		if err := s.transferOne(jconn, a); err != nil {
			return fmt.Errorf("transfer %s: %w", filename, err)
		}

		if err := writeCtlMsg(ctlW, ctlSent, nil); err != nil {
			return fmt.Errorf("send sent: %w", err)
		}
		t, payload, err := readCtlMsg(ctlR)
		if err != nil {
			return fmt.Errorf("read sent reply: %w", err)
		}
		switch t {
		case ctlDone:
			return nil
		case ctlSend:
			var sp ctlSendPayload
			if err := json.Unmarshal(payload, &sp); err != nil {
				return fmt.Errorf("decode send: %w", err)
			}
			filename = sp.Filename
		default:
			return fmt.Errorf("unexpected reply to sent: %q", t)
		}
	}
}

// transferOne drives one file through FileJuggler's SEND → FETCH chunk →
// chunk bytes → DONE exchange, retrying from the top whenever the server
// reports a hash mismatch (Retry) — it keeps sending SEND frames itself up
// to its own retry cap, so the client just keeps answering them.
func (s *Slave) transferOne(conn net.Conn, a artifact) error {
	for {
		var sendFrame jFrame
		if err := readJFrame(conn, &sendFrame); err != nil {
			return fmt.Errorf("read send: %w", err)
		}
		if sendFrame.Kind != jKindSend {
			return fmt.Errorf("expected send frame, got %q", sendFrame.Kind)
		}

		f, err := os.Open(a.Path)
		if err != nil {
			return fmt.Errorf("open %s: %w", a.Path, err)
		}
		transferErr := s.streamChunks(conn, f, a.Filesize)
		f.Close()
		if transferErr != nil {
			return transferErr
		}

		if err := writeJFrame(conn, jFrame{Kind: jKindDone}); err != nil {
			return fmt.Errorf("send done: %w", err)
		}

		var result jFrame
		if err := readJFrame(conn, &result); err != nil {
			return fmt.Errorf("read result: %w", err)
		}
		if result.Kind != jKindResult {
			return fmt.Errorf("expected result frame, got %q", result.Kind)
		}
		if result.OK {
			return nil
		}
		if !result.Retry {
			return fmt.Errorf("upload failed: %s", result.Error)
		}
		// Retry: the server will send another SEND frame next.
	}
}

// streamChunks answers FETCH frames with a CHUNK frame plus that many raw
// bytes read from f until total bytes sent reach filesize — the server's
// own loop (transferOnce) stops issuing FETCH at the same point, then waits
// for the client's DONE frame, which transferOne sends once this returns.
func (s *Slave) streamChunks(conn net.Conn, f *os.File, filesize int64) error {
	buf := make([]byte, jChunkSize)
	var sent int64
	for sent < filesize {
		var fetch jFrame
		if err := readJFrame(conn, &fetch); err != nil {
			return fmt.Errorf("read fetch: %w", err)
		}
		if fetch.Kind != jKindFetch {
			return fmt.Errorf("expected fetch frame, got %q", fetch.Kind)
		}
		n, err := io.ReadFull(f, buf[:fetch.Size])
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", fetch.Index, err)
		}
		if err := writeJFrame(conn, jFrame{Kind: jKindChunk, Index: fetch.Index, Size: n}); err != nil {
			return fmt.Errorf("write chunk %d frame: %w", fetch.Index, err)
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return fmt.Errorf("write chunk %d bytes: %w", fetch.Index, err)
		}
		sent += int64(n)
	}
	return nil
}

// artifact is one local wheel file produced by buildOnce, ready to upload.
type artifact struct {
	Filename string
	Path     string
	Filesize int64
	Filehash string
	Tags     wheelTags
}

func findArtifact(artifacts []artifact, filename string) (artifact, bool) {
	for _, a := range artifacts {
		if a.Filename == filename {
			return a, true
		}
	}
	return artifact{}, false
}

// buildOnce runs one build through the configured Environment backend and
// returns the BUILT payload plus the local artifacts it produced (empty on
// failure). Phase sequence: Setup → "pip wheel" → collect wheelhouse.
func (s *Slave) buildOnce(ctx context.Context, pkg, version string) (ctlBuiltPayload, []artifact) {
	buildID := uuid.NewString()
	buildDir := environment.WorkDirFor(s.cfg.BuildRoot, buildID)

	env, err := environment.New(s.cfg.Backend)
	if err != nil {
		return ctlBuiltPayload{Status: "fail", Output: err.Error()}, nil
	}
	if err := env.Setup(buildDir); err != nil {
		return ctlBuiltPayload{Status: "fail", Output: err.Error()}, nil
	}
	defer env.Cleanup()

	outDir := filepath.Join(buildDir, "wheelhouse")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ctlBuiltPayload{Status: "fail", Output: err.Error()}, nil
	}

	start := time.Now()
	res, execErr := env.Execute(ctx, &environment.ExecCommand{
		Command: "pip",
		Args:    []string{"wheel", "--no-deps", "-w", outDir, fmt.Sprintf("%s==%s", pkg, version)},
		WorkDir: buildDir,
		// C-extension builds fan their compile jobs out over every core.
		Env:     map[string]string{"MAKEFLAGS": fmt.Sprintf("-j%d", config.NumCPU())},
		Timeout: s.cfg.BuildTimeout,
	})
	duration := time.Since(start)

	if execErr != nil {
		return ctlBuiltPayload{Status: "fail", DurationMS: duration.Milliseconds(), Output: execErr.Error()}, nil
	}
	if res.ExitCode != 0 {
		return ctlBuiltPayload{Status: "fail", DurationMS: duration.Milliseconds(), Output: fmt.Sprintf("pip wheel exited %d", res.ExitCode)}, nil
	}

	artifacts, err := s.collectWheelhouse(outDir, pkg, version)
	if err != nil {
		return ctlBuiltPayload{Status: "fail", DurationMS: duration.Milliseconds(), Output: err.Error()}, nil
	}

	files := make([]ctlFilePayload, 0, len(artifacts))
	for _, a := range artifacts {
		files = append(files, ctlFilePayload{
			Filename:          a.Filename,
			Filesize:          a.Filesize,
			Filehash:          a.Filehash,
			PackageTag:        a.Tags.Package,
			PackageVersionTag: a.Tags.Version,
			PyVersionTag:      a.Tags.PyTag,
			ABITag:            a.Tags.ABITag,
			PlatformTag:       a.Tags.PlatformTag,
		})
	}

	return ctlBuiltPayload{
		Status:     "success",
		DurationMS: duration.Milliseconds(),
		Output:     fmt.Sprintf("pip wheel completed in %s", util.FormatDuration(int64(res.Duration.Seconds()))),
		Files:      files,
	}, artifacts
}

// collectWheelhouse globs outDir for built wheels and relabels each with
// this slave's declared py/abi/platform tags. The mock backend runs no
// real pip, so it never produces a file here — collectWheelhouse
// synthesizes one minimal placeholder wheel in that case, just enough to
// exercise the upload protocol end-to-end in tests.
func (s *Slave) collectWheelhouse(outDir, pkg, version string) ([]artifact, error) {
	matches, err := filepath.Glob(filepath.Join(outDir, "*.whl"))
	if err != nil {
		return nil, fmt.Errorf("glob wheelhouse: %w", err)
	}
	if len(matches) == 0 {
		placeholder := filepath.Join(outDir, fmt.Sprintf("%s-%s.placeholder", pkg, version))
		content := []byte(fmt.Sprintf("synthetic wheel for %s==%s built by %s\n", pkg, version, s.slaveID))
		if err := os.WriteFile(placeholder, content, 0o644); err != nil {
			return nil, fmt.Errorf("synthesize placeholder: %w", err)
		}
		matches = []string{placeholder}
	}

	artifacts := make([]artifact, 0, len(matches))
	for _, src := range matches {
		tags := wheelTags{
			Package:     strings.ToLower(pkg),
			Version:     version,
			PyTag:       s.cfg.PyTag,
			ABITag:      s.cfg.ABITag,
			PlatformTag: s.cfg.PlatformTag,
		}
		filename := fmt.Sprintf("%s-%s-%s-%s-%s.whl", tags.Package, tags.Version, tags.PyTag, tags.ABITag, tags.PlatformTag)
		dest := filepath.Join(outDir, filename)
		if src != dest {
			if err := os.Rename(src, dest); err != nil {
				return nil, fmt.Errorf("relabel %s: %w", src, err)
			}
		}

		info, err := os.Stat(dest)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", dest, err)
		}
		hash, err := hashFile(dest)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", dest, err)
		}

		artifacts = append(artifacts, artifact{
			Filename: filename,
			Path:     dest,
			Filesize: info.Size(),
			Filehash: hash,
			Tags:     tags,
		})
	}
	return artifacts, nil
}

// wheelTags mirrors importhandler's wheelTags — kept as its own small type
// here since the wire protocol is deliberately storage- and
// handler-independent (see slavedriver/protocol.go's dependencyPayload
// comment).
type wheelTags struct {
	Package     string
	Version     string
	PyTag       string
	ABITag      string
	PlatformTag string
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
