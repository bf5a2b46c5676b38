// Package slavedriver implements the SlaveDriver actor: a state machine
// per connected slave plus a dispatch loop that hands out pending builds,
// tracked so no two slaves are ever assigned the same (package, version,
// abi). One goroutine per slave connection; they share only the Registry
// and the SlaveDriver's mutex-guarded session and abort maps.
package slavedriver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/filejuggler"
	"wheelforge/log"
	"wheelforge/stats"
)

// dbClient is the subset of db.Broker SlaveDriver reads from.
type dbClient interface {
	GetPendingPackages(ctx context.Context, abi string, limit int) ([]db.PendingBuild, error)
}

// secretary is the subset of Secretary's API SlaveDriver drives directly
// (a failed build with no files to hand to FileJuggler is logged here;
// a successful one is logged by FileJuggler itself once every file
// verifies — see filejuggler.FileJuggler.handleConn).
type secretary interface {
	LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error)
}

// juggler is the subset of FileJuggler's API SlaveDriver drives.
type juggler interface {
	ExpectUpload(slaveID string, attempt db.BuildAttempt, files []db.BuildFile) <-chan filejuggler.UploadResult
}

const pendingBatchSize = 25

// abnormalJournal is the master Logger's abnormal-output stream; satisfied
// by the multi-stream Logger, absent under the plain loggers tests use.
type abnormalJournal interface {
	Abnormal(slaveID, output string)
}

// SlaveDriver dispatches builds to connected slaves and tracks in-flight
// assignments.
type SlaveDriver struct {
	cfg       atomic.Pointer[config.Config] // swapped by ReloadConfig, new dispatch decisions only
	broker    dbClient
	secretary secretary
	juggler   juggler
	registry  *Registry
	collector *stats.StatsCollector // optional; nil is fine, only skips live counts
	logger    log.LibraryLogger

	mu       sync.Mutex
	sessions map[string]*session
	aborted  map[BuildKey]bool // set by AbortBuild, consumed by the next BUILT for that key
	paused   atomic.Bool       // Control's pause/resume dispatch
}

// session is one connected slave's live state, owned by its handleConn
// goroutine; the mutex on SlaveDriver only guards the sessions map itself.
// currentKey is the one field read and written from a second goroutine
// (awaitUpload, started for a successful BUILT while handleConn keeps
// reading the next control-socket message) and so is the one field kept
// atomic rather than plain.
type session struct {
	abi          string
	missCount    int
	currentKey   atomic.Pointer[BuildKey]
	buildStarted time.Time
	pendingFiles []filePayload
	sentIndex    int
	kill         func() // closes the slave's connection; set once handleConn owns it
}

// New creates a SlaveDriver. collector may be nil if no live stats
// broadcast is wired up (e.g. in tests).
func New(cfg *config.Config, broker dbClient, secretary secretary, juggler juggler, registry *Registry, collector *stats.StatsCollector, logger log.LibraryLogger) *SlaveDriver {
	sd := &SlaveDriver{
		broker:    broker,
		secretary: secretary,
		juggler:   juggler,
		registry:  registry,
		collector: collector,
		logger:    logger,
		sessions:  make(map[string]*session),
		aborted:   make(map[BuildKey]bool),
	}
	sd.cfg.Store(cfg)
	return sd
}

// ReloadConfig swaps in a freshly loaded configuration (Control's "reload
// configuration" command). The old record is never mutated in place; this
// only changes which pointer future dispatch decisions read. An in-flight
// assignment keeps
// the deadline it started with, since readDeadlineFor is evaluated once
// per connection read and the deadline already set on the socket is not
// retroactively shortened or extended.
func (sd *SlaveDriver) ReloadConfig(cfg *config.Config) {
	sd.cfg.Store(cfg)
}

// config returns the currently active configuration.
func (sd *SlaveDriver) config() *config.Config {
	return sd.cfg.Load()
}

// Pause stops new dispatch: IDLE is answered with SLEEP regardless of
// pending work (Control's "pause dispatch").
func (sd *SlaveDriver) Pause() {
	sd.paused.Store(true)
}

// Resume re-enables dispatch after Pause.
func (sd *SlaveDriver) Resume() {
	sd.paused.Store(false)
}

// KillSlave disconnects a connected slave's socket, if it is still
// connected, causing its handleConn goroutine to release any in-flight
// assignment on the way out.
func (sd *SlaveDriver) KillSlave(slaveID string) bool {
	sd.mu.Lock()
	sess, ok := sd.sessions[slaveID]
	sd.mu.Unlock()
	if !ok {
		return false
	}
	if sess.kill != nil {
		sess.kill()
	}
	return true
}

// AbortBuild tags an in-flight (package, version, abi) so the next BUILT
// reporting it is discarded with no DB write (Control deprecating a
// package/version mid-build). The caller is expected
// to have already recorded the skip reason via Secretary; AbortBuild only
// handles the in-flight assignment already dispatched before that skip
// took effect.
func (sd *SlaveDriver) AbortBuild(pkg, version, abi string) {
	key := BuildKey{Package: pkg, Version: version, ABI: abi}
	sd.mu.Lock()
	sd.aborted[key] = true
	sd.mu.Unlock()
	if err := sd.registry.Release(key); err != nil {
		sd.logger.Warn("slavedriver: release aborted %+v: %v", key, err)
	}
}

// takeAborted reports and clears whether key was aborted, so at most one
// BUILT is discarded per AbortBuild call.
func (sd *SlaveDriver) takeAborted(key BuildKey) bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.aborted[key] {
		delete(sd.aborted, key)
		return true
	}
	return false
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed during shutdown).
func (sd *SlaveDriver) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go sd.handleConn(conn)
	}
}

// sleepDuration grows with consecutive dispatch misses to SleepCap,
// resetting to SleepBase on the next successful dispatch.
func sleepDuration(cfg *config.Config, missCount int) time.Duration {
	base := cfg.Dispatch.SleepBase
	sleepCap := cfg.Dispatch.SleepCap
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < missCount; i++ {
		d *= 2
		if sleepCap > 0 && d >= sleepCap {
			return sleepCap
		}
	}
	return d
}

func (sd *SlaveDriver) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	conn.SetReadDeadline(time.Now().Add(sd.config().Dispatch.IdleTimeout))
	t, payload, err := readMsg(reader)
	if err != nil || t != msgHello {
		sd.logger.Warn("slavedriver: bad hello from %s: %v", conn.RemoteAddr(), err)
		return
	}
	var hello helloPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		sd.logger.Warn("slavedriver: malformed hello payload: %v", err)
		return
	}

	slaveID := uuid.NewString()
	sess := &session{abi: hello.ABITag, kill: func() { conn.Close() }}
	sd.mu.Lock()
	sd.sessions[slaveID] = sess
	sd.mu.Unlock()
	sd.updateSlaveCounts()

	defer func() {
		sd.mu.Lock()
		delete(sd.sessions, slaveID)
		sd.mu.Unlock()
		for _, key := range sd.registry.AssignmentsBySlave(slaveID) {
			if err := sd.registry.Release(key); err != nil {
				sd.logger.Warn("slavedriver: release %+v on disconnect: %v", key, err)
			}
		}
		sd.updateSlaveCounts()
	}()

	if err := writeMsg(writer, msgHelloReply, helloReplyPayload{SlaveID: slaveID, ServerTimestamp: time.Now()}); err != nil {
		sd.logger.Warn("slavedriver: hello reply to %s: %v", slaveID, err)
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(sd.readDeadlineFor(sess)))
		t, payload, err := readMsg(reader)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				sd.logger.Warn("slavedriver: slave %s timed out", slaveID)
			}
			return
		}

		switch t {
		case msgIdle:
			if !sd.handleIdle(writer, slaveID, sess) {
				return
			}
		case msgBuilt:
			var bp builtPayload
			if err := json.Unmarshal(payload, &bp); err != nil {
				sd.logger.Warn("slavedriver: malformed built payload from %s: %v", slaveID, err)
				return
			}
			if !sd.handleBuilt(writer, slaveID, sess, bp) {
				return
			}
		case msgSent:
			if !sd.handleSent(writer, sess) {
				return
			}
		case msgBye:
			return
		default:
			sd.logger.Warn("slavedriver: unexpected message %q from %s", t, slaveID)
			if j, ok := sd.logger.(abnormalJournal); ok {
				j.Abnormal(slaveID, string(payload))
			}
			return
		}
	}
}

func (sd *SlaveDriver) readDeadlineFor(sess *session) time.Duration {
	if sess.currentKey.Load() != nil {
		return sd.config().Dispatch.BusyTimeout
	}
	return sd.config().Dispatch.IdleTimeout
}

// handleIdle responds to IDLE with BUILD or SLEEP. A SLEEP reply ends
// this connection; the slave is told not to reconnect before Duration
// elapses, and does so with a fresh HELLO.
func (sd *SlaveDriver) handleIdle(w *bufio.Writer, slaveID string, sess *session) bool {
	cfg := sd.config()
	if sd.paused.Load() {
		dur := sleepDuration(cfg, sess.missCount)
		sess.missCount++
		writeMsg(w, msgSleep, sleepPayload{DurationMS: dur.Milliseconds()})
		return false
	}

	ctx := context.Background()
	candidates, err := sd.broker.GetPendingPackages(ctx, sess.abi, pendingBatchSize)
	if err != nil {
		sd.logger.Warn("slavedriver: get_pending_packages(%s): %v", sess.abi, err)
		writeMsg(w, msgSleep, sleepPayload{DurationMS: cfg.Dispatch.SleepBase.Milliseconds()})
		return false
	}

	for _, c := range candidates {
		key := BuildKey{Package: c.Package, Version: c.Version, ABI: sess.abi}
		won, err := sd.registry.Assign(key, slaveID)
		if !won {
			// Another slave's handleConn claimed this candidate between our
			// GetPendingPackages read and now.
			continue
		}
		if err != nil {
			// The assignment holds in memory; only the crash-resume mirror
			// missed the write.
			sd.logger.Warn("slavedriver: persist assignment %+v: %v", key, err)
		}
		sess.currentKey.Store(&key)
		sess.missCount = 0
		sess.buildStarted = time.Now()
		sd.updateSlaveCounts()
		if err := writeMsg(w, msgBuild, buildPayload{Package: c.Package, Version: c.Version}); err != nil {
			sd.logger.Warn("slavedriver: dispatch to %s: %v", slaveID, err)
			return false
		}
		return true
	}

	dur := sleepDuration(cfg, sess.missCount)
	sess.missCount++
	if err := writeMsg(w, msgSleep, sleepPayload{DurationMS: dur.Milliseconds()}); err != nil {
		sd.logger.Warn("slavedriver: sleep reply to %s: %v", slaveID, err)
	}
	return false
}

// handleBuilt processes a BUILT report: a failed build (or one with no
// files) is logged directly; a successful one hands its files to
// FileJuggler and tells the slave which filename to send first.
func (sd *SlaveDriver) handleBuilt(w *bufio.Writer, slaveID string, sess *session, bp builtPayload) bool {
	keyPtr := sess.currentKey.Load()
	if keyPtr == nil {
		sd.logger.Warn("slavedriver: BUILT from %s with no assignment in flight", slaveID)
		return false
	}
	key := *keyPtr

	if sd.takeAborted(key) {
		sd.releaseAssignment(slaveID, sess)
		return writeMsg(w, msgDone, nil) == nil
	}

	attempt := db.BuildAttempt{
		Package:   key.Package,
		Version:   key.Version,
		ABITag:    key.ABI,
		BuiltBy:   "slave",
		Duration:  time.Duration(bp.DurationMS) * time.Millisecond,
		StartedAt: sess.buildStarted,
		Output:    bp.Output,
	}
	if bp.Status == string(db.BuildSuccess) {
		attempt.Status = db.BuildSuccess
	} else {
		attempt.Status = db.BuildFailure
	}

	if attempt.Status != db.BuildSuccess || len(bp.Files) == 0 {
		if _, err := sd.secretary.LogBuild(context.Background(), attempt, nil); err != nil {
			sd.logger.Warn("slavedriver: log_build (failed) for %s: %v", slaveID, err)
		}
		if sd.collector != nil {
			sd.collector.RecordCompletion(stats.BuildFailed)
		}
		sd.releaseAssignment(slaveID, sess)
		return writeMsg(w, msgDone, nil) == nil
	}

	files := filesFromPayload(bp.Files)
	// sess.currentKey already holds keyPtr from dispatch; it stays tracked
	// through SENDING so readDeadlineFor keeps applying BusyTimeout.
	result := sd.juggler.ExpectUpload(slaveID, attempt, files)
	go sd.awaitUpload(slaveID, sess, keyPtr, attempt, result)

	sess.pendingFiles = bp.Files
	sess.sentIndex = 0
	return writeMsg(w, msgSend, sendPayload{Filename: bp.Files[0].Filename}) == nil
}

// handleSent advances to the next filename or replies DONE once every
// file has been handed off.
func (sd *SlaveDriver) handleSent(w *bufio.Writer, sess *session) bool {
	sess.sentIndex++
	if sess.sentIndex < len(sess.pendingFiles) {
		return writeMsg(w, msgSend, sendPayload{Filename: sess.pendingFiles[sess.sentIndex].Filename}) == nil
	}
	return writeMsg(w, msgDone, nil) == nil
}

// awaitUpload waits for FileJuggler's verdict on a completed BUILT's files,
// releasing the in-flight assignment and recording stats regardless of
// outcome. On failure it logs the attempt itself (FileJuggler only logs on
// success, since it is the one persisting the verified files).
//
// The registry key is released unconditionally, but sess.currentKey is
// cleared only if it still points at keyPtr: handleSent can already have
// answered the slave's final SENT with DONE and moved it back to IDLE
// before this verdict arrives (the SENDING->IDLE edge fires on the
// control socket independently of FileJuggler's hash check completing),
// and by then a new build may already be dispatched into sess.currentKey.
// A blind clear here would wipe out that newer assignment's busy-timeout
// tracking; the CompareAndSwap makes the clear a no-op in that case.
func (sd *SlaveDriver) awaitUpload(slaveID string, sess *session, keyPtr *BuildKey, attempt db.BuildAttempt, result <-chan filejuggler.UploadResult) {
	res := <-result
	if res.Err != nil {
		attempt.Status = db.BuildFailure
		if _, err := sd.secretary.LogBuild(context.Background(), attempt, nil); err != nil {
			sd.logger.Warn("slavedriver: log_build (upload failed) for %s: %v", slaveID, err)
		}
		if sd.collector != nil {
			sd.collector.RecordCompletion(stats.BuildFailed)
		}
	} else if sd.collector != nil {
		sd.collector.RecordCompletion(stats.BuildSuccess)
	}

	if err := sd.registry.Release(*keyPtr); err != nil {
		sd.logger.Warn("slavedriver: release %+v after upload: %v", *keyPtr, err)
	}
	if sess.currentKey.CompareAndSwap(keyPtr, nil) {
		sd.updateSlaveCounts()
	}
}

func (sd *SlaveDriver) releaseAssignment(slaveID string, sess *session) {
	keyPtr := sess.currentKey.Swap(nil)
	if keyPtr == nil {
		return
	}
	if err := sd.registry.Release(*keyPtr); err != nil {
		sd.logger.Warn("slavedriver: release %+v: %v", *keyPtr, err)
	}
	sd.updateSlaveCounts()
}

func (sd *SlaveDriver) updateSlaveCounts() {
	if sd.collector == nil {
		return
	}
	sd.mu.Lock()
	connected := len(sd.sessions)
	active := 0
	for _, s := range sd.sessions {
		if s.currentKey.Load() != nil {
			active++
		}
	}
	sd.mu.Unlock()
	sd.collector.UpdateConnectedSlaves(connected)
	sd.collector.UpdateActiveSlaves(active)
}

func filesFromPayload(files []filePayload) []db.BuildFile {
	out := make([]db.BuildFile, 0, len(files))
	for _, fp := range files {
		deps := make([]db.Dependency, 0, len(fp.Dependencies))
		for _, d := range fp.Dependencies {
			deps = append(deps, db.Dependency{
				Filename: fp.Filename,
				Tool:     db.DependencyTool(d.Tool),
				Name:     d.Name,
			})
		}
		out = append(out, db.BuildFile{
			Filename:     fp.Filename,
			Filesize:     fp.Filesize,
			Filehash:     fp.Filehash,
			PackageTag:   fp.PackageTag,
			VersionTag:   fp.PackageVersionTag,
			PyVersionTag: fp.PyVersionTag,
			ABITag:       fp.ABITag,
			PlatformTag:  fp.PlatformTag,
			Dependencies: deps,
		})
	}
	return out
}
