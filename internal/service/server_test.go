package service

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/pbx/internal/pbx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *pbx.PBX, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	registry := pbx.New(4, testLogger())
	srv := New(ln, registry, Config{AcceptRate: rate.Limit(1000), AcceptBurst: 1000}, testLogger())

	go srv.Serve()
	t.Cleanup(func() {
		srv.Close()
		srv.Wait()
	})
	return srv, registry, ln.Addr().String()
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	scanner := bufio.NewScanner(conn)
	scanner.Split(splitCRLF)
	return conn, scanner
}

func readLine(t *testing.T, s *bufio.Scanner) string {
	t.Helper()
	if !s.Scan() {
		t.Fatalf("expected a line, got none (err=%v)", s.Err())
	}
	return s.Text()
}

func TestServer_AssignsExtensionOnConnect(t *testing.T) {
	_, _, addr := newTestServer(t)
	_, scan := dial(t, addr)

	if line := readLine(t, scan); line != "ON HOOK 0" {
		t.Fatalf("got %q, want ON HOOK 0", line)
	}
}

func TestServer_SecondConnectionGetsNextExtension(t *testing.T) {
	_, _, addr := newTestServer(t)
	_, scan1 := dial(t, addr)
	readLine(t, scan1)

	_, scan2 := dial(t, addr)
	if line := readLine(t, scan2); line != "ON HOOK 1" {
		t.Fatalf("got %q, want ON HOOK 1", line)
	}
}

func TestServer_PickupDialChat(t *testing.T) {
	_, _, addr := newTestServer(t)
	connA, scanA := dial(t, addr)
	readLine(t, scanA)
	connB, scanB := dial(t, addr)
	readLine(t, scanB)

	connA.Write([]byte("pickup\r\n"))
	if line := readLine(t, scanA); line != "DIAL TONE" {
		t.Fatalf("got %q, want DIAL TONE", line)
	}

	connA.Write([]byte("dial 1\r\n"))
	if line := readLine(t, scanA); line != "RING BACK" {
		t.Fatalf("got %q, want RING BACK", line)
	}
	if line := readLine(t, scanB); line != "RINGING" {
		t.Fatalf("got %q, want RINGING", line)
	}

	connB.Write([]byte("pickup\r\n"))
	if line := readLine(t, scanB); line != "CONNECTED 0" {
		t.Fatalf("got %q, want CONNECTED 0", line)
	}
	if line := readLine(t, scanA); line != "CONNECTED 1" {
		t.Fatalf("got %q, want CONNECTED 1", line)
	}

	connA.Write([]byte("chat hello\r\n"))
	if line := readLine(t, scanB); line != "CHAT hello" {
		t.Fatalf("got %q, want CHAT hello", line)
	}
	if line := readLine(t, scanA); line != "CONNECTED 1" {
		t.Fatalf("got %q, want CONNECTED 1", line)
	}
}

func TestServer_MalformedLineIsDropped(t *testing.T) {
	_, _, addr := newTestServer(t)
	conn, scan := dial(t, addr)
	readLine(t, scan)

	// Neither a known bare keyword nor a recognized prefix: silently
	// ignored, and a subsequent valid command still works.
	conn.Write([]byte("PICKUP\r\n"))
	conn.Write([]byte("pickup\r\n"))

	if line := readLine(t, scan); line != "DIAL TONE" {
		t.Fatalf("got %q, want DIAL TONE (malformed line should have been dropped)", line)
	}
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	_, registry, addr := newTestServer(t)
	conn, scan := dial(t, addr)
	readLine(t, scan)

	if registry.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", registry.ActiveCount())
	}

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if registry.ActiveCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ActiveCount() never reached 0 after disconnect, got %d", registry.ActiveCount())
}

func TestExtractIP(t *testing.T) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:1234")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := extractIP(addr); got != "127.0.0.1" {
		t.Fatalf("extractIP() = %q, want 127.0.0.1", got)
	}
}
