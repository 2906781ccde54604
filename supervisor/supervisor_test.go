package supervisor

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wylited/lsendd/config"
	"github.com/wylited/lsendd/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Alias = "test-node"
	cfg.Announce = false // avoid binding the real multicast group/port in unit tests
	cfg.DownloadDir = t.TempDir()
	cfg.SocketPath = filepath.Join(t.TempDir(), "lsendd.sock")
	cfg.AnnouncePeriod = time.Minute
	cfg.SessionTTL = time.Hour
	return cfg
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = 18081
	sup, err := New(cfg, logger.Nop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial ipc socket: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("version\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp map[string]interface{}
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "success" {
		t.Fatalf("expected success from ipc version command, got %+v", resp)
	}
}

func TestSelfFingerprintIsPopulated(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg, logger.Nop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sup.Stop()
	if sup.Self().Fingerprint == "" {
		t.Fatal("expected a generated fingerprint")
	}
	if sup.Self().Alias != "test-node" {
		t.Fatalf("expected alias to round-trip from config, got %q", sup.Self().Alias)
	}
}

func TestHTTPServerServesAfterStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = 18080
	sup, err := New(cfg, logger.Nop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	// give the listener goroutine a moment to bind
	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://127.0.0.1:18080/api/localsend/v2/info?fingerprint=nonexistent")
	if err != nil {
		t.Fatalf("GET info: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	http.DefaultTransport.(*http.Transport).CloseIdleConnections()
}
