package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wylited/lsendd/lserr"
	"github.com/wylited/lsendd/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := New(Config{
		DownloadDir:               dir,
		TTL:                       time.Hour,
		PrepareUploadMaxPerWindow: 1000,
		PrepareUploadWindow:       time.Minute,
	})
	t.Cleanup(m.Stop)
	return m
}

func asKind(t *testing.T, err error) lserr.Kind {
	t.Helper()
	le, ok := err.(*lserr.Error)
	if !ok {
		t.Fatalf("expected *lserr.Error, got %T: %v", err, err)
	}
	return le.Kind
}

func TestPrepareUploadRejectsEmptyFiles(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.PrepareUpload(model.DeviceRecord{}, map[string]model.FileMetadata{}, "", nil)
	if err == nil || asKind(t, err) != lserr.InvalidParameters {
		t.Fatalf("expected invalid-parameters, got %v", err)
	}
}

func TestHappyPathUploadToCompletion(t *testing.T) {
	m := newTestManager(t)
	files := map[string]model.FileMetadata{
		"f1": {ID: "f1", FileName: "note.txt", Size: 5, FileType: "text/plain"},
	}
	sessionID, tokens, err := m.PrepareUpload(model.DeviceRecord{}, files, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != len(files) {
		t.Fatalf("keys(tokens) != keys(files): %v vs %v", tokens, files)
	}

	if err := m.Upload(sessionID, "f1", tokens["f1"], strings.NewReader("hello")); err != nil {
		t.Fatal(err)
	}

	snaps := m.Snapshots()
	if len(snaps) != 1 || snaps[0].Status != StatusCompleted {
		t.Fatalf("expected one completed session, got %+v", snaps)
	}

	data, err := os.ReadFile(filepath.Join(m.downloadDir, "note.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected file contents: %q", data)
	}
}

func TestBadTokenRejectedAndFileNotWritten(t *testing.T) {
	m := newTestManager(t)
	files := map[string]model.FileMetadata{
		"f1": {ID: "f1", FileName: "note.txt", Size: 5, FileType: "text/plain"},
	}
	sessionID, _, err := m.PrepareUpload(model.DeviceRecord{}, files, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	err = m.Upload(sessionID, "f1", "wrong-token", strings.NewReader("hello"))
	if err == nil || asKind(t, err) != lserr.InvalidToken {
		t.Fatalf("expected invalid-token, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(m.downloadDir, "note.txt")); err == nil {
		t.Fatal("file should not have been written")
	}

	snaps := m.Snapshots()
	if snaps[0].Status != StatusPreparing {
		t.Fatalf("session status should be unchanged, got %v", snaps[0].Status)
	}
}

func TestPathTraversalReducedToBasename(t *testing.T) {
	m := newTestManager(t)
	files := map[string]model.FileMetadata{
		"f1": {ID: "f1", FileName: "../../etc/passwd", FileType: "text/plain"},
	}
	sessionID, tokens, err := m.PrepareUpload(model.DeviceRecord{}, files, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Upload(sessionID, "f1", tokens["f1"], strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(m.downloadDir, "passwd")); err != nil {
		t.Fatalf("expected passwd written inside download dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.downloadDir, "..", "..", "etc", "passwd")); err == nil {
		t.Fatal("file escaped the download directory")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	files := map[string]model.FileMetadata{"f1": {ID: "f1", FileName: "a.txt"}}
	sessionID, _, _ := m.PrepareUpload(model.DeviceRecord{}, files, "", nil)

	m.Cancel(sessionID)
	m.Cancel(sessionID) // must not panic or error

	if len(m.Snapshots()) != 0 {
		t.Fatal("expected no sessions after cancel")
	}
}

func TestTerminalSessionRejectsFurtherUploads(t *testing.T) {
	m := newTestManager(t)
	files := map[string]model.FileMetadata{"f1": {ID: "f1", FileName: "a.txt"}}
	sessionID, tokens, _ := m.PrepareUpload(model.DeviceRecord{}, files, "", nil)
	m.Cancel(sessionID)

	err := m.Upload(sessionID, "f1", tokens["f1"], strings.NewReader("x"))
	if err == nil || asKind(t, err) != lserr.SessionNotFound {
		t.Fatalf("expected session-not-found on terminal session, got %v", err)
	}
}

func TestReapExpiresOldSessions(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{DownloadDir: dir, TTL: time.Millisecond, PrepareUploadMaxPerWindow: 10, PrepareUploadWindow: time.Minute})
	defer m.Stop()

	files := map[string]model.FileMetadata{"f1": {ID: "f1", FileName: "a.txt"}}
	sessionID, tokens, _ := m.PrepareUpload(model.DeviceRecord{}, files, "", nil)

	time.Sleep(5 * time.Millisecond)
	m.Reap()

	err := m.Upload(sessionID, "f1", tokens["f1"], strings.NewReader("x"))
	if err == nil || asKind(t, err) != lserr.SessionNotFound {
		t.Fatalf("expected session-not-found after reap, got %v", err)
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	// f2 is never uploaded, so the session stays open for the download;
	// a completed session accepts no further operations.
	files := map[string]model.FileMetadata{
		"f1": {ID: "f1", FileName: "note.txt", FileType: "text/plain"},
		"f2": {ID: "f2", FileName: "other.txt", FileType: "text/plain"},
	}
	sessionID, tokens, _ := m.PrepareUpload(model.DeviceRecord{}, files, "", nil)
	if err := m.Upload(sessionID, "f1", tokens["f1"], strings.NewReader("hello")); err != nil {
		t.Fatal(err)
	}

	res, err := m.Download(sessionID, "f1", tokens["f1"])
	if err != nil {
		t.Fatal(err)
	}
	if res.FileName != "note.txt" || res.ContentType != "text/plain" {
		t.Fatalf("unexpected download result: %+v", res)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("unexpected file contents: %q, err=%v", data, err)
	}
}

func TestDownloadMissingFileNotFound(t *testing.T) {
	m := newTestManager(t)
	files := map[string]model.FileMetadata{
		"f1": {ID: "f1", FileName: "note.txt", FileType: "text/plain"},
	}
	sessionID, tokens, _ := m.PrepareUpload(model.DeviceRecord{}, files, "", nil)

	_, err := m.Download(sessionID, "f1", tokens["f1"])
	if err == nil || asKind(t, err) != lserr.NotAFile {
		t.Fatalf("expected not-a-file, got %v", err)
	}
}
