package lumberjack

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"wheelforge/db"
	"wheelforge/log"
)

type fakeSecretary struct {
	mu        sync.Mutex
	downloads []db.Download
	err       error
}

func (f *fakeSecretary) LogDownload(ctx context.Context, d db.Download) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.downloads = append(f.downloads, d)
	return nil
}

func TestLumberjack_IngestStreamParsesAndForwardsEachLine(t *testing.T) {
	sec := &fakeSecretary{}
	lj := New(sec, log.NewMemoryLogger())

	input := strings.Join([]string{
		"numpy-1.0-cp39-cp39-linux_armv7l.whl\tpi.local\t1700000000\tarmv7l\traspbian\t11\tlinux\t5.10\tCPython\t3.9",
		"scipy-1.0-cp311-cp311-linux_aarch64.whl\tpi2.local\t1700000100\taarch64\traspbian\t11\tlinux\t5.10\tCPython\t3.11",
	}, "\n")

	if err := lj.IngestStream(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("IngestStream: %v", err)
	}

	sec.mu.Lock()
	defer sec.mu.Unlock()
	if len(sec.downloads) != 2 {
		t.Fatalf("downloads = %d, want 2", len(sec.downloads))
	}
	if sec.downloads[0].Filename != "numpy-1.0-cp39-cp39-linux_armv7l.whl" {
		t.Errorf("downloads[0].Filename = %q", sec.downloads[0].Filename)
	}
	if sec.downloads[1].Arch != "aarch64" {
		t.Errorf("downloads[1].Arch = %q", sec.downloads[1].Arch)
	}
}

func TestLumberjack_IngestStreamSkipsMalformedLines(t *testing.T) {
	sec := &fakeSecretary{}
	lj := New(sec, log.NewMemoryLogger())

	input := "not-enough-fields\t123\n" +
		"numpy-1.0-cp39-cp39-linux_armv7l.whl\tpi.local\t1700000000\tarmv7l\traspbian\t11\tlinux\t5.10\tCPython\t3.9\n" +
		"\n"

	if err := lj.IngestStream(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("IngestStream: %v", err)
	}

	sec.mu.Lock()
	defer sec.mu.Unlock()
	if len(sec.downloads) != 1 {
		t.Fatalf("downloads = %d, want 1 (malformed and blank lines skipped)", len(sec.downloads))
	}
}

func TestLumberjack_IngestStreamContinuesAfterSecretaryError(t *testing.T) {
	sec := &fakeSecretary{err: errBoom{}}
	lj := New(sec, log.NewMemoryLogger())

	input := "numpy-1.0-cp39-cp39-linux_armv7l.whl\tpi.local\t1700000000\tarmv7l\traspbian\t11\tlinux\t5.10\tCPython\t3.9"
	if err := lj.IngestStream(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("IngestStream should not surface a per-record secretary error: %v", err)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestLumberjack_ServeIngestsPerConnection(t *testing.T) {
	sec := &fakeSecretary{}
	lj := New(sec, log.NewMemoryLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go lj.Serve(context.Background(), ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("numpy-1.0-cp39-cp39-linux_armv7l.whl\tpi.local\t1700000000\tarmv7l\traspbian\t11\tlinux\t5.10\tCPython\t3.9\n"))
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sec.mu.Lock()
		n := len(sec.downloads)
		sec.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for ingested download record")
}
