package filejuggler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
)

type fakeSecretary struct {
	mu       sync.Mutex
	attempts []db.BuildAttempt
	files    [][]db.BuildFile
	id       int64
	err      error
}

func (f *fakeSecretary) LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	f.files = append(f.files, files)
	return f.id, f.err
}

func testJuggler(t *testing.T, secretary *fakeSecretary) *FileJuggler {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Simple = filepath.Join(root, "simple")
	cfg.Paths.TempArea = filepath.Join(root, "incoming")
	cfg.Dispatch.TransferRetryCap = 2
	if err := os.MkdirAll(cfg.Paths.TempArea, 0o755); err != nil {
		t.Fatal(err)
	}
	return New(cfg, secretary, log.NewMemoryLogger())
}

// sendFile drives the slave half of the protocol for one file's worth of
// content over conn, matching what receiveFile expects to read.
func sendFile(t *testing.T, conn net.Conn, content []byte, corruptChunk int) {
	t.Helper()

	var send frame
	if err := readFrame(conn, &send); err != nil || send.Kind != kindSend {
		t.Fatalf("expected send frame: %v", err)
	}

	off := 0
	idx := 0
	for off < len(content) {
		var fetch frame
		if err := readFrame(conn, &fetch); err != nil || fetch.Kind != kindFetch {
			t.Fatalf("expected fetch frame: %v", err)
		}
		end := off + fetch.Size
		chunk := append([]byte(nil), content[off:end]...)
		if idx == corruptChunk {
			chunk[0] ^= 0xFF
		}
		if err := writeFrame(conn, frame{Kind: kindChunk, Index: fetch.Index, Size: len(chunk)}); err != nil {
			t.Fatalf("write chunk header: %v", err)
		}
		if _, err := conn.Write(chunk); err != nil {
			t.Fatalf("write chunk bytes: %v", err)
		}
		off = end
		idx++
	}

	if err := writeFrame(conn, frame{Kind: kindDone}); err != nil {
		t.Fatalf("write done: %v", err)
	}

	var result frame
	if err := readFrame(conn, &result); err != nil {
		t.Fatalf("expected result frame: %v", err)
	}
	if !result.OK && result.Retry {
		sendFile(t, conn, content, -1) // retry clean on the next attempt
	}
}

func TestFileJuggler_SuccessfulUploadInstallsFileAndLogsBuild(t *testing.T) {
	secretary := &fakeSecretary{id: 42}
	fj := testJuggler(t, secretary)

	content := make([]byte, chunkSize+100) // spans two chunks
	for i := range content {
		content[i] = byte(i)
	}
	sum := sha256.Sum256(content)

	bf := db.BuildFile{
		Filename:   "numpy-1.0-cp39-cp39-linux_armv7l.whl",
		PackageTag: "numpy",
		Filesize:   int64(len(content)),
		Filehash:   hex.EncodeToString(sum[:]),
	}
	attempt := db.BuildAttempt{Package: "numpy", Status: db.BuildSuccess}

	result := fj.ExpectUpload("slave-1", attempt, []db.BuildFile{bf})

	serverConn, clientConn := net.Pipe()
	go fj.handleConn(serverConn)

	if err := writeFrame(clientConn, frame{Kind: kindHello, SlaveID: "slave-1"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	sendFile(t, clientConn, content, -1)
	clientConn.Close()

	select {
	case res := <-result:
		if res.Err != nil {
			t.Fatalf("unexpected upload error: %v", res.Err)
		}
		if res.BuildID != 42 {
			t.Errorf("BuildID = %d, want 42", res.BuildID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upload result never arrived")
	}

	installed := filepath.Join(fj.cfg.Paths.Simple, "numpy", bf.Filename)
	got, err := os.ReadFile(installed)
	if err != nil {
		t.Fatalf("read installed file: %v", err)
	}
	if len(got) != len(content) {
		t.Fatalf("installed file size = %d, want %d", len(got), len(content))
	}

	secretary.mu.Lock()
	defer secretary.mu.Unlock()
	if len(secretary.attempts) != 1 || secretary.attempts[0].Package != "numpy" {
		t.Errorf("secretary.LogBuild not called with expected attempt: %v", secretary.attempts)
	}
}

func TestFileJuggler_CorruptChunkRetriesThenSucceeds(t *testing.T) {
	secretary := &fakeSecretary{id: 7}
	fj := testJuggler(t, secretary)

	content := make([]byte, 256)
	for i := range content {
		content[i] = byte(i)
	}
	sum := sha256.Sum256(content)
	bf := db.BuildFile{
		Filename:   "scipy-1.0-cp39-cp39-linux_armv7l.whl",
		PackageTag: "scipy",
		Filesize:   int64(len(content)),
		Filehash:   hex.EncodeToString(sum[:]),
	}
	attempt := db.BuildAttempt{Package: "scipy", Status: db.BuildSuccess}

	result := fj.ExpectUpload("slave-2", attempt, []db.BuildFile{bf})

	serverConn, clientConn := net.Pipe()
	go fj.handleConn(serverConn)

	writeFrame(clientConn, frame{Kind: kindHello, SlaveID: "slave-2"})
	sendFile(t, clientConn, content, 0) // corrupt the first attempt, retry sends clean
	clientConn.Close()

	select {
	case res := <-result:
		if res.Err != nil {
			t.Fatalf("expected eventual success after retry, got: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upload result never arrived")
	}
}

func TestFileJuggler_UnknownSlaveIDRejected(t *testing.T) {
	fj := testJuggler(t, &fakeSecretary{})

	serverConn, clientConn := net.Pipe()
	go fj.handleConn(serverConn)

	writeFrame(clientConn, frame{Kind: kindHello, SlaveID: "ghost"})
	var result frame
	if err := readFrame(clientConn, &result); err != nil {
		t.Fatalf("expected a result frame rejecting the connection: %v", err)
	}
	if result.OK {
		t.Error("expected OK=false for an unregistered slave id")
	}
}

func TestFileJuggler_SweepTempAreaRemovesStaleFiles(t *testing.T) {
	fj := testJuggler(t, &fakeSecretary{})
	stale := filepath.Join(fj.cfg.Paths.TempArea, "leftover.tmp")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := fj.SweepTempArea(); err != nil {
		t.Fatalf("SweepTempArea: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("expected stale file to be removed, stat err = %v", err)
	}
}
