package ipc

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/wylited/lsendd/model"
	"github.com/wylited/lsendd/peertable"
	"github.com/wylited/lsendd/session"
)

type fakeSender struct {
	calledAddr string
	calledPort int
	calledPath string
	err        error
}

func (f *fakeSender) Send(peerAddr string, peerPort int, peerProtocol string, self model.DeviceRecord, path string) error {
	f.calledAddr = peerAddr
	f.calledPort = peerPort
	f.calledPath = path
	return f.err
}

func newTestIPC(t *testing.T, sender Sender) (*Server, string) {
	t.Helper()
	table := peertable.New("self-fp")
	mgr := session.New(session.Config{
		DownloadDir:               t.TempDir(),
		TTL:                       time.Hour,
		PrepareUploadMaxPerWindow: 1000,
		PrepareUploadWindow:       time.Minute,
	})
	t.Cleanup(mgr.Stop)

	sockPath := filepath.Join(t.TempDir(), "lsendd.sock")
	info := DeviceInfo{Alias: "test", Version: "2.1", DeviceModel: "go", DeviceType: model.DeviceTypeHeadless, Port: 53317, DownloadDir: t.TempDir()}
	srv := New(sockPath, "0.1.0", info, table, mgr, sender, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, sockPath
}

func sendLine(t *testing.T, sockPath, line string) map[string]interface{} {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp map[string]interface{}
	dec := json.NewDecoder(bufio.NewReader(conn))
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestVersionCommand(t *testing.T) {
	_, sockPath := newTestIPC(t, &fakeSender{})
	resp := sendLine(t, sockPath, "version")
	if resp["status"] != "success" || resp["version"] != "0.1.0" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestInfoCommand(t *testing.T) {
	_, sockPath := newTestIPC(t, &fakeSender{})
	resp := sendLine(t, sockPath, "info")
	if resp["status"] != "success" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	device, ok := resp["device"].(map[string]interface{})
	if !ok || device["alias"] != "test" {
		t.Fatalf("unexpected device block: %+v", resp)
	}
}

func TestPeersCommandListsUpsertedPeer(t *testing.T) {
	srv, sockPath := newTestIPC(t, &fakeSender{})
	srv.table.Upsert(model.DeviceRecord{Fingerprint: "peer-1", Alias: "peer"}, "10.0.0.5")

	resp := sendLine(t, sockPath, "peers")
	peers, ok := resp["peers"].([]interface{})
	if !ok || len(peers) != 1 {
		t.Fatalf("expected one peer, got %+v", resp)
	}
}

func TestUnknownCommandIsError(t *testing.T) {
	_, sockPath := newTestIPC(t, &fakeSender{})
	resp := sendLine(t, sockPath, "bogus")
	if resp["status"] != "error" {
		t.Fatalf("expected error status, got %+v", resp)
	}
}

func TestSendDispatchesToSenderForKnownPeer(t *testing.T) {
	srv, sockPath := newTestIPC(t, &fakeSender{})
	srv.table.Upsert(model.DeviceRecord{Fingerprint: "peer-1", Alias: "peer", Port: 53317, Protocol: "http"}, "10.0.0.5")

	resp := sendLine(t, sockPath, "send peer-1 /tmp/nonexistent")
	if resp["status"] != "success" {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestSendUnknownPeerIsError(t *testing.T) {
	_, sockPath := newTestIPC(t, &fakeSender{})
	resp := sendLine(t, sockPath, "send ghost-fp /tmp/x")
	if resp["status"] != "error" {
		t.Fatalf("expected error for unknown peer, got %+v", resp)
	}
}

func TestRefreshClearsPeerTable(t *testing.T) {
	srv, sockPath := newTestIPC(t, &fakeSender{})
	srv.table.Upsert(model.DeviceRecord{Fingerprint: "peer-1"}, "10.0.0.5")

	sendLine(t, sockPath, "refresh")
	if _, ok := srv.table.Lookup("peer-1"); ok {
		t.Fatal("expected peer table cleared after refresh")
	}
}

func TestRestartReusesStaleSocketPath(t *testing.T) {
	srv, sockPath := newTestIPC(t, &fakeSender{})
	if ul, ok := srv.listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false) // Close would otherwise remove the socket file
	}
	srv.listener.Close() // simulate a crash: socket file left behind, nothing listening

	table := peertable.New("self-fp")
	mgr := session.New(session.Config{DownloadDir: t.TempDir(), TTL: time.Hour})
	t.Cleanup(mgr.Stop)
	info := DeviceInfo{Alias: "test2"}
	srv2 := New(sockPath, "0.1.0", info, table, mgr, &fakeSender{}, nil)
	if err := srv2.Start(); err != nil {
		t.Fatalf("restart on same socket path should succeed: %v", err)
	}
	srv2.Stop()
}
