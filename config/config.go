// Package config holds the record the core consumes at startup. Building
// it interactively, reading it from TOML, daemonising the process, and
// parsing command-line arguments are all treated as external collaborators
// (spec.md §1) — this package only shapes the record and normalises the
// fields the wire protocol constrains.
package config

import (
	"fmt"
	"time"

	"github.com/wylited/lsendd/model"
)

// Config is the populated record the supervisor is constructed from.
type Config struct {
	// Device self-description (spec.md §3, §6).
	Alias       string
	DeviceModel string
	DeviceType  model.DeviceType
	Port        int
	Protocol    string
	Download    bool
	Announce    bool

	// DownloadDir is where uploaded files are written.
	DownloadDir string

	// SocketPath is the IPC control-socket path (spec.md §4.6). Empty
	// means "/tmp/<Alias>.sock".
	SocketPath string

	// PIN, when non-empty, is required on prepareUpload (and, if
	// PinRequiredForDownload is set, on download) per spec.md §4.4.
	PIN                    string
	PinRequiredForDownload bool

	// AnnouncePeriod is the announcer interval (spec.md §4.3). Must be
	// configurable down to a few seconds for tests.
	AnnouncePeriod time.Duration

	// SessionTTL is how long a prepared-but-abandoned session survives
	// before the reaper expires it (spec.md §4.4).
	SessionTTL time.Duration

	// PrepareUploadMaxPerWindow and PrepareUploadWindow bound how many
	// prepareUpload calls a single sender IP may issue per window
	// before receiving too-many-requests (spec.md §4.4).
	PrepareUploadMaxPerWindow int
	PrepareUploadWindow       time.Duration

	// ReannounceReplyLimited, when true, rate-limits reply emission for
	// repeated re-announcements from the same peer (spec.md §9, Open
	// Question iii; default false, matching the source's behaviour).
	ReannounceReplyLimited bool
}

// Default returns a Config with the defaults named throughout spec.md.
func Default() Config {
	return Config{
		Alias:                     "lsendd",
		DeviceModel:               "",
		DeviceType:                model.DeviceTypeHeadless,
		Port:                      53317,
		Protocol:                  "http",
		Download:                  true,
		Announce:                  true,
		DownloadDir:               "downloads",
		AnnouncePeriod:            5 * time.Minute,
		SessionTTL:                10 * time.Minute,
		PrepareUploadMaxPerWindow: 20,
		PrepareUploadWindow:       time.Minute,
		ReannounceReplyLimited:    false,
		PinRequiredForDownload:    false,
	}
}

// Normalize binds free-form wire tokens (as might arrive from a TOML
// file or a wizard) onto the known DeviceType set and fills in
// derived defaults. It is idempotent.
func (c *Config) Normalize() {
	c.DeviceType = model.NormalizeDeviceType(string(c.DeviceType))
	if c.Protocol == "" {
		c.Protocol = "http"
	}
	if c.Port == 0 {
		c.Port = 53317
	}
	if c.SocketPath == "" {
		c.SocketPath = fmt.Sprintf("/tmp/%s.sock", c.Alias)
	}
	if c.AnnouncePeriod <= 0 {
		c.AnnouncePeriod = 5 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 10 * time.Minute
	}
	if c.PrepareUploadWindow <= 0 {
		c.PrepareUploadWindow = time.Minute
	}
}
