/* SPDX-License-Identifier: MIT */

// Package session implements the transfer session state machine of
// spec.md §4.4: prepareUpload/upload/download/cancel, plus a background
// reaper for abandoned sessions. The locking discipline — collect
// whatever is needed while holding the table lock, release it, then do
// file or network I/O — follows the same rule the teacher lineage states
// for its own peer/device locks (never hold a table lock across I/O).
package session

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wylited/lsendd/lserr"
	"github.com/wylited/lsendd/logger"
	"github.com/wylited/lsendd/model"
	"github.com/wylited/lsendd/ratelimit"
)

// Status is a TransferSession's lifecycle state (spec.md §3).
type Status string

const (
	StatusPreparing   Status = "preparing"
	StatusTransferring Status = "transferring"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
)

func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// TransferSession represents one multi-file upload in flight.
type TransferSession struct {
	SessionID  string
	SenderInfo model.DeviceRecord
	Files      map[string]model.FileMetadata // fileId -> metadata, immutable after creation
	Tokens     map[string]string             // fileId -> token; stays valid for repeated upload and download calls
	Received   map[string]bool               // fileId -> received
	CreatedAt  time.Time
	Status     Status
}

func (s *TransferSession) snapshotReceived() map[string]bool {
	out := make(map[string]bool, len(s.Received))
	for k, v := range s.Received {
		out[k] = v
	}
	return out
}

// DownloadResult is what Manager.Download hands back; the caller opens
// Path itself so large files are streamed rather than buffered.
type DownloadResult struct {
	Path        string
	ContentType string
	FileName    string
}

// Manager owns the session table and the download directory.
type Manager struct {
	downloadDir string
	pin         string
	pinForDownload bool
	ttl         time.Duration
	log         logger.Logger

	uploadLimiter *ratelimit.Limiter

	mu       sync.Mutex
	sessions map[string]*TransferSession

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config bundles Manager construction parameters.
type Config struct {
	DownloadDir               string
	PIN                       string
	PinRequiredForDownload    bool
	TTL                       time.Duration
	PrepareUploadMaxPerWindow int
	PrepareUploadWindow       time.Duration
	Log                       logger.Logger
}

// New constructs a Manager and starts its background reaper.
func New(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = logger.Nop
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	m := &Manager{
		downloadDir:    cfg.DownloadDir,
		pin:            cfg.PIN,
		pinForDownload: cfg.PinRequiredForDownload,
		ttl:            cfg.TTL,
		log:            cfg.Log,
		uploadLimiter:  ratelimit.New(cfg.PrepareUploadMaxPerWindow, cfg.PrepareUploadWindow),
		sessions:       make(map[string]*TransferSession),
		stop:           make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// Stop halts the background reaper. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.uploadLimiter.Close()
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// PrepareUpload allocates a fresh session and per-file tokens. files MUST
// be non-empty. If pin is configured on the Manager, reqPIN must match.
// sourceIP is used to rate-limit prepareUpload calls per sender.
func (m *Manager) PrepareUpload(senderInfo model.DeviceRecord, files map[string]model.FileMetadata, reqPIN string, sourceIP net.IP) (string, map[string]string, error) {
	if sourceIP != nil && !m.uploadLimiter.Allow(sourceIP) {
		return "", nil, lserr.New(lserr.TooManyRequests, "prepare-upload rate limit exceeded")
	}

	if len(files) == 0 {
		return "", nil, lserr.New(lserr.InvalidParameters, "files must be non-empty")
	}

	if m.pin != "" && reqPIN != m.pin {
		return "", nil, lserr.New(lserr.InvalidPin, "")
	}

	sessionID := uuid.NewString()
	tokens := make(map[string]string, len(files))
	filesCopy := make(map[string]model.FileMetadata, len(files))
	for fileID, meta := range files {
		tokens[fileID] = uuid.NewString()
		filesCopy[fileID] = meta
	}

	sess := &TransferSession{
		SessionID:  sessionID,
		SenderInfo: senderInfo,
		Files:      filesCopy,
		Tokens:     tokens,
		Received:   make(map[string]bool),
		CreatedAt:  time.Now(),
		Status:     StatusPreparing,
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	return sessionID, tokens, nil
}

// validateLocked looks up a session and checks it against the three-step
// ordering of spec.md §4.4 (exists & non-terminal, fileId known, token
// matches), returning the metadata to act on. Called under m.mu.
func (m *Manager) validateLocked(sessionID, fileID, token string) (*TransferSession, model.FileMetadata, error) {
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Status.terminal() {
		return nil, model.FileMetadata{}, lserr.New(lserr.SessionNotFound, sessionID)
	}
	meta, ok := sess.Files[fileID]
	if !ok {
		return nil, model.FileMetadata{}, lserr.New(lserr.InvalidParameters, "unknown fileId")
	}
	if sess.Tokens[fileID] != token {
		return nil, model.FileMetadata{}, lserr.New(lserr.InvalidToken, "")
	}
	return sess, meta, nil
}

// Upload writes body to disk under the basename of the file's declared
// name and records the file as received. Writes go through a temp file
// and rename so a reader can never observe a partially-written file
// under its final name (spec.md §4.4).
func (m *Manager) Upload(sessionID, fileID, token string, body io.Reader) error {
	m.mu.Lock()
	_, meta, err := m.validateLocked(sessionID, fileID, token)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.downloadDir, 0o755); err != nil {
		return lserr.Newf(lserr.IO, "create download dir: %v", err)
	}

	finalPath := filepath.Join(m.downloadDir, model.Basename(meta.FileName))
	tmp, err := os.CreateTemp(m.downloadDir, ".upload-*")
	if err != nil {
		return lserr.Newf(lserr.IO, "create temp file: %v", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return lserr.Newf(lserr.IO, "write upload: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return lserr.Newf(lserr.IO, "close upload: %v", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return lserr.Newf(lserr.IO, "rename upload: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Status.terminal() {
		// session was cancelled/expired mid-upload; the bytes are on
		// disk but the session no longer exists to claim them.
		return lserr.New(lserr.SessionNotFound, sessionID)
	}
	sess.Received[fileID] = true
	sess.Status = StatusTransferring
	if len(sess.Received) == len(sess.Files) {
		sess.Status = StatusCompleted
	}
	return nil
}

// Download validates the same (sessionId, fileId, token) triple as
// Upload and returns the on-disk location to stream back.
func (m *Manager) Download(sessionID, fileID, token string) (DownloadResult, error) {
	m.mu.Lock()
	_, meta, err := m.validateLocked(sessionID, fileID, token)
	m.mu.Unlock()
	if err != nil {
		return DownloadResult{}, err
	}

	path := filepath.Join(m.downloadDir, model.Basename(meta.FileName))
	if _, err := os.Stat(path); err != nil {
		return DownloadResult{}, lserr.New(lserr.NotAFile, path)
	}

	return DownloadResult{
		Path:        path,
		ContentType: meta.FileType,
		FileName:    model.Basename(meta.FileName),
	}, nil
}

// PinOK reports whether a PIN presented alongside a download request
// satisfies the configured policy (spec.md §9, Open Question ii).
func (m *Manager) PinOK(pin string) bool {
	if m.pin == "" || !m.pinForDownload {
		return true
	}
	return pin == m.pin
}

// Cancel transitions a session to cancelled and removes it. Cancelling
// an unknown session is a success (idempotence law of spec.md §8).
func (m *Manager) Cancel(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.Status = StatusCancelled
	}
	delete(m.sessions, sessionID)
}

// Reap expires any session whose CreatedAt predates the TTL.
func (m *Manager) Reap() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if sess.CreatedAt.Before(cutoff) {
			m.log.Debugf("session %s expired after %s", id, m.ttl)
			delete(m.sessions, id)
		}
	}
}

// Snapshot describes one session for the IPC "sessions" command.
type Snapshot struct {
	ID         string
	SenderInfo model.DeviceRecord
	Files      map[string]model.FileMetadata
	Received   map[string]bool
	Status     Status
	CreatedAt  time.Time
}

// Snapshots returns an independent copy of the current session table.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Snapshot{
			ID:         s.SessionID,
			SenderInfo: s.SenderInfo,
			Files:      s.Files,
			Received:   s.snapshotReceived(),
			Status:     s.Status,
			CreatedAt:  s.CreatedAt,
		})
	}
	return out
}
