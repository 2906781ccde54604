/* SPDX-License-Identifier: MIT */

// Package supervisor wires the daemon's components together: identity,
// peer table, multicast transport, discovery engine, session manager,
// HTTP protocol server, and IPC control server. Its Start/Stop lifecycle
// and its errs/done channel shutdown wait are carried over from the
// teacher lineage's main.go, which selects over a term signal, a device
// error channel, and a uapi-closed channel before tearing everything
// down in reverse dependency order.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wylited/lsendd/config"
	"github.com/wylited/lsendd/discovery"
	"github.com/wylited/lsendd/httpapi"
	"github.com/wylited/lsendd/ipc"
	"github.com/wylited/lsendd/logger"
	"github.com/wylited/lsendd/mcast"
	"github.com/wylited/lsendd/model"
	"github.com/wylited/lsendd/peertable"
	"github.com/wylited/lsendd/session"
)

// Supervisor owns every long-lived component of one running daemon.
type Supervisor struct {
	cfg config.Config
	log logger.Logger

	self      model.DeviceRecord
	table     *peertable.Table
	sessions  *session.Manager
	transport *mcast.Transport
	discover  *discovery.Engine
	http      *httpapi.Server
	ctrl      *ipc.Server

	errs chan error
}

// New builds a Supervisor from a normalised copy of cfg; the caller's
// value is not modified. log may be nil.
func New(cfg config.Config, log logger.Logger) (*Supervisor, error) {
	cfg.Normalize()
	if log == nil {
		log = logger.Nop
	}

	self := model.DeviceRecord{
		Alias:       cfg.Alias,
		Version:     "2.1",
		DeviceModel: cfg.DeviceModel,
		DeviceType:  cfg.DeviceType,
		Fingerprint: uuid.NewString(),
		Port:        cfg.Port,
		Protocol:    cfg.Protocol,
		Download:    cfg.Download,
	}

	table := peertable.New(self.Fingerprint)

	sessions := session.New(session.Config{
		DownloadDir:               cfg.DownloadDir,
		PIN:                       cfg.PIN,
		PinRequiredForDownload:    cfg.PinRequiredForDownload,
		TTL:                       cfg.SessionTTL,
		PrepareUploadMaxPerWindow: cfg.PrepareUploadMaxPerWindow,
		PrepareUploadWindow:       cfg.PrepareUploadWindow,
		Log:                       log,
	})

	var transport *mcast.Transport
	var discoverEngine *discovery.Engine
	if cfg.Announce {
		t, err := mcast.Open(mcast.Port, "")
		if err != nil {
			sessions.Stop()
			return nil, fmt.Errorf("open multicast transport: %w", err)
		}
		transport = t
		discoverEngine = discovery.New(discovery.Options{
			Self:                   self,
			Table:                  table,
			Transport:              transport,
			AnnouncePeriod:         cfg.AnnouncePeriod,
			Log:                    log,
			ReannounceReplyLimited: cfg.ReannounceReplyLimited,
		})
	}

	httpAddr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	httpSrv := httpapi.New(httpAddr, self, table, sessions, log)

	ipcInfo := ipc.DeviceInfo{
		Alias:       cfg.Alias,
		Version:     self.Version,
		DeviceModel: cfg.DeviceModel,
		DeviceType:  cfg.DeviceType,
		Port:        cfg.Port,
		DownloadDir: cfg.DownloadDir,
	}
	ctrl := ipc.New(cfg.SocketPath, "0.1.0", ipcInfo, table, sessions, ipc.NewHTTPSender(), log)

	return &Supervisor{
		cfg:       cfg,
		log:       log,
		self:      self,
		table:     table,
		sessions:  sessions,
		transport: transport,
		discover:  discoverEngine,
		http:      httpSrv,
		ctrl:      ctrl,
		errs:      make(chan error, 3),
	}, nil
}

// Self returns the local device identity.
func (s *Supervisor) Self() model.DeviceRecord { return s.self }

// Start launches every component. It returns once the control socket is
// bound; the HTTP server binds in a background goroutine, and its errors,
// like any discovered afterward, surface through Wait.
func (s *Supervisor) Start() error {
	if err := s.ctrl.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}

	if s.discover != nil {
		s.discover.Start()
		s.discover.AnnounceNow()
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil {
			s.errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	return nil
}

// Wait blocks until a component fails or ctx is cancelled, whichever
// comes first, mirroring the teacher lineage's select over errs/term/done.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case err := <-s.errs:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop tears every component down in reverse dependency order: the
// control channel and HTTP server first (stop accepting new work), then
// discovery and the session manager.
func (s *Supervisor) Stop() {
	s.ctrl.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = s.http.Shutdown(shutdownCtx)

	if s.discover != nil {
		s.discover.Stop()
	}
	s.sessions.Stop()
}

// shutdownGrace bounds how long Stop waits for in-flight HTTP requests
// to drain (spec.md §4.7).
const shutdownGrace = 5 * time.Second
