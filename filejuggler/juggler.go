// Package filejuggler implements the FileJuggler actor: it receives build
// artifact uploads from slaves over a dedicated socket, verifies their
// SHA-256 against the hash the slave declared, and installs them under
// Paths.Simple with an atomic rename. ImportHandler also installs files
// there, Scribe writes the index pages there, and Control removes the
// files of a deleted build.
package filejuggler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"

	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
)

const chunkSize = 1 << 20 // 1 MiB, matches distr1-distri's squashfs streaming chunk size

// secretary is the subset of Secretary's API FileJuggler drives.
type secretary interface {
	LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error)
}

// UploadResult is delivered on the channel ExpectUpload returns once every
// file for a session has either installed successfully or the session has
// given up per the retry cap.
type UploadResult struct {
	BuildID int64
	Err     error
}

// session is the server-side bookkeeping for one slave's pending upload,
// registered by SlaveDriver before the slave dials in.
type session struct {
	attempt  db.BuildAttempt
	pending  []db.BuildFile // files not yet verified, in declared order
	result   chan UploadResult
}

// FileJuggler is the upload-receiving actor.
type FileJuggler struct {
	cfg       *config.Config
	secretary secretary
	logger    log.LibraryLogger

	mu       sync.Mutex
	sessions map[string]*session // keyed by slave id
}

// New creates a FileJuggler. Call SweepTempArea once at startup to clear
// half-uploaded leftovers, then Serve to start accepting connections.
func New(cfg *config.Config, secretary secretary, logger log.LibraryLogger) *FileJuggler {
	return &FileJuggler{
		cfg:       cfg,
		secretary: secretary,
		logger:    logger,
		sessions:  make(map[string]*session),
	}
}

// SweepTempArea deletes any leftover files under Paths.TempArea. Anything
// there at startup belongs to an upload that never completed before a
// previous crash or restart; atomic rename guarantees nothing under
// Paths.Simple was ever left half-written, so only the scratch area needs
// cleaning.
func (fj *FileJuggler) SweepTempArea() error {
	entries, err := os.ReadDir(fj.cfg.Paths.TempArea)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(fj.cfg.Paths.TempArea, 0o755)
		}
		return fmt.Errorf("read temp area: %w", err)
	}
	for _, e := range entries {
		path := filepath.Join(fj.cfg.Paths.TempArea, e.Name())
		if err := os.RemoveAll(path); err != nil {
			fj.logger.Warn("filejuggler: sweep %s: %v", path, err)
		}
	}
	return nil
}

// ExpectUpload registers a pending upload session for slaveID: the files
// SlaveDriver expects that slave to send for the given BuildAttempt. It
// returns a channel that receives exactly one UploadResult once the slave
// has either delivered every file or exhausted its retry cap.
func (fj *FileJuggler) ExpectUpload(slaveID string, attempt db.BuildAttempt, files []db.BuildFile) <-chan UploadResult {
	result := make(chan UploadResult, 1)
	fj.mu.Lock()
	fj.sessions[slaveID] = &session{attempt: attempt, pending: files, result: result}
	fj.mu.Unlock()
	return result
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed during shutdown). One goroutine per connection;
// FileJuggler permits one transfer per slave at a time, many slaves in
// parallel.
func (fj *FileJuggler) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go fj.handleConn(conn)
	}
}

func (fj *FileJuggler) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	var hello frame
	if err := readFrame(conn, &hello); err != nil || hello.Kind != kindHello {
		fj.logger.Warn("filejuggler: bad hello from %s: %v", conn.RemoteAddr(), err)
		return
	}

	fj.mu.Lock()
	sess, ok := fj.sessions[hello.SlaveID]
	if ok {
		delete(fj.sessions, hello.SlaveID)
	}
	fj.mu.Unlock()
	if !ok {
		writeFrame(conn, frame{Kind: kindResult, OK: false, Error: "no pending upload for slave"})
		return
	}

	verified := make([]db.BuildFile, 0, len(sess.pending))
	var failed error
	for _, bf := range sess.pending {
		if failed == nil {
			if err := fj.receiveFile(conn, bf); err != nil {
				failed = err
				continue
			}
			verified = append(verified, bf)
		}
	}

	if failed != nil {
		sess.result <- UploadResult{Err: failed}
		return
	}

	attempt := sess.attempt
	id, err := fj.secretary.LogBuild(context.Background(), attempt, verified)
	sess.result <- UploadResult{BuildID: id, Err: err}
}

// receiveFile drives the SEND → FETCH chunk → chunk bytes → DONE exchange
// for one file, retrying up to config.Dispatch.TransferRetryCap times on a
// hash mismatch before giving up.
func (fj *FileJuggler) receiveFile(conn net.Conn, bf db.BuildFile) error {
	retryCap := fj.cfg.Dispatch.TransferRetryCap
	if retryCap < 1 {
		retryCap = 1
	}

	var lastErr error
	for attempt := 0; attempt < retryCap; attempt++ {
		if err := writeFrame(conn, frame{Kind: kindSend, Filename: bf.Filename}); err != nil {
			return fmt.Errorf("send %s: %w", bf.Filename, err)
		}

		ok, err := fj.transferOnce(conn, bf)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		lastErr = fmt.Errorf("hash mismatch receiving %s", bf.Filename)
	}
	return fmt.Errorf("%s: retry cap (%d) exhausted: %w", bf.Filename, retryCap, lastErr)
}

// transferOnce runs one attempt at receiving bf.Filesize bytes of bf and
// reports whether the installed file's hash matched.
func (fj *FileJuggler) transferOnce(conn net.Conn, bf db.BuildFile) (bool, error) {
	dest := filepath.Join(fj.cfg.Paths.Simple, bf.PackageTag, bf.Filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", filepath.Dir(dest), err)
	}

	tmp, err := renameio.TempFile(fj.cfg.Paths.TempArea, dest)
	if err != nil {
		return false, fmt.Errorf("create temp file for %s: %w", bf.Filename, err)
	}
	defer tmp.Cleanup()

	hasher := sha256.New()
	written := int64(0)
	index := 0
	for written < bf.Filesize {
		remaining := bf.Filesize - written
		size := int64(chunkSize)
		if remaining < size {
			size = remaining
		}
		conn.SetDeadline(time.Now().Add(dialTimeout))
		if err := writeFrame(conn, frame{Kind: kindFetch, Index: index, Size: int(size)}); err != nil {
			return false, fmt.Errorf("fetch chunk %d of %s: %w", index, bf.Filename, err)
		}

		var ch frame
		if err := readFrame(conn, &ch); err != nil || ch.Kind != kindChunk || ch.Index != index {
			return false, fmt.Errorf("unexpected chunk frame for %s index %d: %v", bf.Filename, index, err)
		}

		buf := make([]byte, ch.Size)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return false, fmt.Errorf("read chunk %d of %s: %w", index, bf.Filename, err)
		}
		if _, err := tmp.Write(buf); err != nil {
			return false, fmt.Errorf("write chunk %d of %s: %w", index, bf.Filename, err)
		}
		hasher.Write(buf)

		written += int64(len(buf))
		index++
	}

	var done frame
	if err := readFrame(conn, &done); err != nil || done.Kind != kindDone {
		return false, fmt.Errorf("expected done frame for %s: %v", bf.Filename, err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(sum, bf.Filehash) {
		writeFrame(conn, frame{Kind: kindResult, OK: false, Retry: true})
		return false, nil
	}

	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return false, fmt.Errorf("install %s: %w", bf.Filename, err)
	}
	return true, writeFrame(conn, frame{Kind: kindResult, OK: true})
}

// dialTimeout bounds how long Serve's per-connection goroutines wait on a
// slow or wedged slave before giving up; a package-level var so tests can
// shrink it.
var dialTimeout = 30 * time.Second
