package slavedriver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/filejuggler"
	"wheelforge/log"
)

type fakeBroker struct {
	pending []db.PendingBuild
	err     error
}

func (f *fakeBroker) GetPendingPackages(ctx context.Context, abi string, limit int) ([]db.PendingBuild, error) {
	return f.pending, f.err
}

type loggedBuild struct {
	attempt db.BuildAttempt
	files   []db.BuildFile
}

type fakeSecretary struct {
	mu    sync.Mutex
	calls []loggedBuild
	id    int64
}

func (f *fakeSecretary) LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, loggedBuild{attempt: attempt, files: files})
	return f.id, nil
}

func (f *fakeSecretary) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeJuggler struct {
	mu      sync.Mutex
	slaveID string
	attempt db.BuildAttempt
	files   []db.BuildFile
	result  chan filejuggler.UploadResult
}

func (f *fakeJuggler) ExpectUpload(slaveID string, attempt db.BuildAttempt, files []db.BuildFile) <-chan filejuggler.UploadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slaveID = slaveID
	f.attempt = attempt
	f.files = files
	f.result = make(chan filejuggler.UploadResult, 1)
	return f.result
}

func (f *fakeJuggler) resolve(res filejuggler.UploadResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result <- res
}

func testDriver(t *testing.T, broker *fakeBroker, secretary *fakeSecretary, juggler *fakeJuggler) *SlaveDriver {
	t.Helper()
	cfg := config.Default()
	cfg.Dispatch.IdleTimeout = time.Second
	cfg.Dispatch.BusyTimeout = time.Second
	cfg.Dispatch.SleepBase = 10 * time.Millisecond
	cfg.Dispatch.SleepCap = 100 * time.Millisecond

	registry, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	return New(cfg, broker, secretary, juggler, registry, nil, log.NewMemoryLogger())
}

// clientSide wraps the slave half of a net.Pipe connection with the same
// line-delimited JSON framing the driver speaks.
type clientSide struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newClient(t *testing.T, conn net.Conn) *clientSide {
	return &clientSide{t: t, conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

func (c *clientSide) send(mt msgType, payload any) {
	c.t.Helper()
	if err := writeMsg(c.w, mt, payload); err != nil {
		c.t.Fatalf("send %s: %v", mt, err)
	}
}

func (c *clientSide) recv() (msgType, json.RawMessage) {
	c.t.Helper()
	mt, payload, err := readMsg(c.r)
	if err != nil {
		c.t.Fatalf("recv: %v", err)
	}
	return mt, payload
}

func (c *clientSide) hello(abi string) string {
	c.t.Helper()
	c.send(msgHello, helloPayload{ABITag: abi, Timestamp: time.Now()})
	mt, payload := c.recv()
	if mt != msgHelloReply {
		c.t.Fatalf("expected hello_reply, got %s", mt)
	}
	var reply helloReplyPayload
	if err := json.Unmarshal(payload, &reply); err != nil {
		c.t.Fatalf("decode hello_reply: %v", err)
	}
	return reply.SlaveID
}

func TestSlaveDriver_DispatchesPendingBuildOnIdle(t *testing.T) {
	broker := &fakeBroker{pending: []db.PendingBuild{{Package: "numpy", Version: "1.26.0"}}}
	sd := testDriver(t, broker, &fakeSecretary{}, &fakeJuggler{})

	serverConn, clientConn := net.Pipe()
	go sd.handleConn(serverConn)
	defer clientConn.Close()

	c := newClient(t, clientConn)
	c.hello("cp311-cp311-linux_armv7l")

	c.send(msgIdle, nil)
	mt, payload := c.recv()
	if mt != msgBuild {
		t.Fatalf("expected build, got %s", mt)
	}
	var bp buildPayload
	if err := json.Unmarshal(payload, &bp); err != nil {
		t.Fatalf("decode build payload: %v", err)
	}
	if bp.Package != "numpy" || bp.Version != "1.26.0" {
		t.Errorf("build payload = %+v, want numpy 1.26.0", bp)
	}

	key := BuildKey{Package: "numpy", Version: "1.26.0", ABI: "cp311-cp311-linux_armv7l"}
	if !sd.registry.IsInFlight(key) {
		t.Error("expected key to be marked in flight after dispatch")
	}
}

func TestSlaveDriver_SleepsWhenNoPendingWork(t *testing.T) {
	sd := testDriver(t, &fakeBroker{}, &fakeSecretary{}, &fakeJuggler{})

	serverConn, clientConn := net.Pipe()
	go sd.handleConn(serverConn)
	defer clientConn.Close()

	c := newClient(t, clientConn)
	c.hello("cp311-cp311-linux_armv7l")

	c.send(msgIdle, nil)
	mt, payload := c.recv()
	if mt != msgSleep {
		t.Fatalf("expected sleep, got %s", mt)
	}
	var sp sleepPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		t.Fatalf("decode sleep payload: %v", err)
	}
	if sp.DurationMS <= 0 {
		t.Errorf("DurationMS = %d, want > 0", sp.DurationMS)
	}
}

func TestSlaveDriver_SkipsInFlightCandidateAndDispatchesNext(t *testing.T) {
	broker := &fakeBroker{pending: []db.PendingBuild{
		{Package: "numpy", Version: "1.26.0"},
		{Package: "scipy", Version: "1.11.0"},
	}}
	sd := testDriver(t, broker, &fakeSecretary{}, &fakeJuggler{})
	abi := "cp311-cp311-linux_armv7l"
	if won, err := sd.registry.Assign(BuildKey{Package: "numpy", Version: "1.26.0", ABI: abi}, "some-other-slave"); err != nil || !won {
		t.Fatalf("pre-assign: won=%v err=%v", won, err)
	}

	serverConn, clientConn := net.Pipe()
	go sd.handleConn(serverConn)
	defer clientConn.Close()

	c := newClient(t, clientConn)
	c.hello(abi)
	c.send(msgIdle, nil)

	mt, payload := c.recv()
	if mt != msgBuild {
		t.Fatalf("expected build, got %s", mt)
	}
	var bp buildPayload
	json.Unmarshal(payload, &bp)
	if bp.Package != "scipy" {
		t.Errorf("expected the already in-flight numpy to be skipped, got %+v", bp)
	}
}

func TestSlaveDriver_BuiltFailureLogsDirectlyAndReleasesAssignment(t *testing.T) {
	broker := &fakeBroker{pending: []db.PendingBuild{{Package: "numpy", Version: "1.26.0"}}}
	secretary := &fakeSecretary{}
	sd := testDriver(t, broker, secretary, &fakeJuggler{})

	serverConn, clientConn := net.Pipe()
	go sd.handleConn(serverConn)
	defer clientConn.Close()

	c := newClient(t, clientConn)
	c.hello("cp311-cp311-linux_armv7l")
	c.send(msgIdle, nil)
	c.recv() // build

	c.send(msgBuilt, builtPayload{Status: "failure", DurationMS: 500, Output: "compile error"})
	mt, _ := c.recv()
	if mt != msgDone {
		t.Fatalf("expected done, got %s", mt)
	}

	if secretary.callCount() != 1 {
		t.Fatalf("LogBuild calls = %d, want 1", secretary.callCount())
	}
	secretary.mu.Lock()
	got := secretary.calls[0].attempt
	secretary.mu.Unlock()
	if got.Status != db.BuildFailure || got.Package != "numpy" {
		t.Errorf("logged attempt = %+v", got)
	}

	key := BuildKey{Package: "numpy", Version: "1.26.0", ABI: "cp311-cp311-linux_armv7l"}
	if sd.registry.IsInFlight(key) {
		t.Error("expected assignment to be released after a failed build")
	}
}

func TestSlaveDriver_BuiltSuccessHandsFilesToJugglerAndSendsFirstFilename(t *testing.T) {
	broker := &fakeBroker{pending: []db.PendingBuild{{Package: "numpy", Version: "1.26.0"}}}
	juggler := &fakeJuggler{}
	sd := testDriver(t, broker, &fakeSecretary{}, juggler)

	serverConn, clientConn := net.Pipe()
	go sd.handleConn(serverConn)
	defer clientConn.Close()

	c := newClient(t, clientConn)
	c.hello("cp311-cp311-linux_armv7l")
	c.send(msgIdle, nil)
	c.recv() // build

	files := []filePayload{
		{Filename: "numpy-1.26.0-cp311-cp311-linux_armv7l.whl", Filesize: 10, Filehash: "abc"},
	}
	c.send(msgBuilt, builtPayload{Status: "success", DurationMS: 1200, Files: files})

	mt, payload := c.recv()
	if mt != msgSend {
		t.Fatalf("expected send, got %s", mt)
	}
	var sp sendPayload
	json.Unmarshal(payload, &sp)
	if sp.Filename != files[0].Filename {
		t.Errorf("Filename = %q, want %q", sp.Filename, files[0].Filename)
	}

	juggler.mu.Lock()
	gotSlaveID := juggler.slaveID
	gotFileCount := len(juggler.files)
	juggler.mu.Unlock()
	if gotSlaveID == "" || gotFileCount != 1 {
		t.Errorf("ExpectUpload not called as expected: slaveID=%q files=%d", gotSlaveID, gotFileCount)
	}

	c.send(msgSent, nil)
	mt, _ = c.recv()
	if mt != msgDone {
		t.Fatalf("expected done after last file sent, got %s", mt)
	}

	juggler.resolve(filejuggler.UploadResult{BuildID: 99})

	key := BuildKey{Package: "numpy", Version: "1.26.0", ABI: "cp311-cp311-linux_armv7l"}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !sd.registry.IsInFlight(key) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected assignment to be released once the upload result arrived")
}

func TestSlaveDriver_AbortBuildDiscardsSubsequentBuilt(t *testing.T) {
	broker := &fakeBroker{pending: []db.PendingBuild{{Package: "numpy", Version: "1.26.0"}}}
	secretary := &fakeSecretary{}
	sd := testDriver(t, broker, secretary, &fakeJuggler{})
	abi := "cp311-cp311-linux_armv7l"

	serverConn, clientConn := net.Pipe()
	go sd.handleConn(serverConn)
	defer clientConn.Close()

	c := newClient(t, clientConn)
	c.hello(abi)
	c.send(msgIdle, nil)
	c.recv() // build

	key := BuildKey{Package: "numpy", Version: "1.26.0", ABI: abi}
	if !sd.registry.IsInFlight(key) {
		t.Fatal("expected key to be in flight before abort")
	}

	sd.AbortBuild("numpy", "1.26.0", abi)
	if sd.registry.IsInFlight(key) {
		t.Error("expected abort to release the in-flight key immediately")
	}

	c.send(msgBuilt, builtPayload{Status: "success", DurationMS: 1200, Files: []filePayload{
		{Filename: "numpy-1.26.0-cp311-cp311-linux_armv7l.whl", Filesize: 10, Filehash: "abc"},
	}})
	mt, _ := c.recv()
	if mt != msgDone {
		t.Fatalf("expected done for an aborted build, got %s", mt)
	}

	if secretary.callCount() != 0 {
		t.Errorf("LogBuild calls = %d, want 0 for an aborted build", secretary.callCount())
	}
}

func TestSlaveDriver_DisconnectReleasesInFlightAssignment(t *testing.T) {
	broker := &fakeBroker{pending: []db.PendingBuild{{Package: "numpy", Version: "1.26.0"}}}
	sd := testDriver(t, broker, &fakeSecretary{}, &fakeJuggler{})

	serverConn, clientConn := net.Pipe()
	go sd.handleConn(serverConn)

	c := newClient(t, clientConn)
	c.hello("cp311-cp311-linux_armv7l")
	c.send(msgIdle, nil)
	c.recv() // build

	clientConn.Close()

	key := BuildKey{Package: "numpy", Version: "1.26.0", ABI: "cp311-cp311-linux_armv7l"}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !sd.registry.IsInFlight(key) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected assignment to be released after the slave disconnected")
}
