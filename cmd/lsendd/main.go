/* SPDX-License-Identifier: MIT */

// Command lsendd is the headless LocalSend daemon of spec.md §1. Startup
// sequence, flag handling, and the final term/error-channel select are
// carried over from the teacher lineage's main.go, adapted from a TUN
// device and a UAPI socket to this daemon's multicast transport and
// control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wylited/lsendd/config"
	"github.com/wylited/lsendd/logger"
	"github.com/wylited/lsendd/supervisor"
)

const daemonVersion = "0.1.0"

func main() {
	cfg := config.Default()

	var (
		logLevel string
		showVer  bool
	)

	flag.StringVar(&cfg.Alias, "alias", cfg.Alias, "device alias advertised to peers")
	flag.StringVar(&cfg.DeviceModel, "device-model", cfg.DeviceModel, "device model string advertised to peers")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP port (multicast always uses 53317)")
	flag.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "directory uploaded files are written to")
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "control socket path (default /tmp/<alias>.sock)")
	flag.StringVar(&cfg.PIN, "pin", cfg.PIN, "PIN required on prepare-upload, and on download if -pin-for-download is set")
	flag.BoolVar(&cfg.PinRequiredForDownload, "pin-for-download", cfg.PinRequiredForDownload, "also require the PIN on download")
	flag.BoolVar(&cfg.Announce, "announce", cfg.Announce, "run the multicast discovery engine")
	flag.DurationVar(&cfg.AnnouncePeriod, "announce-period", cfg.AnnouncePeriod, "interval between periodic announcements")
	flag.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "how long an abandoned transfer session survives before expiry")
	flag.IntVar(&cfg.PrepareUploadMaxPerWindow, "prepare-upload-rate", cfg.PrepareUploadMaxPerWindow, "max prepare-upload calls per sender per window")
	flag.DurationVar(&cfg.PrepareUploadWindow, "prepare-upload-window", cfg.PrepareUploadWindow, "window over which prepare-upload-rate is enforced")
	flag.BoolVar(&cfg.ReannounceReplyLimited, "reply-rate-limit", cfg.ReannounceReplyLimited, "rate-limit discovery replies per source IP")
	flag.StringVar(&logLevel, "log-level", "info", "silent, error, info, or debug")
	flag.BoolVar(&showVer, "version", false, "print the daemon version and exit")
	flag.Parse()

	if showVer {
		fmt.Printf("lsendd v%s\n", daemonVersion)
		return
	}

	cfg.Normalize()

	log := logger.New(parseLevel(logLevel), fmt.Sprintf("(%s) ", cfg.Alias))
	log.Infof("starting lsendd v%s as %q on port %d", daemonVersion, cfg.Alias, cfg.Port)

	sup, err := supervisor.New(cfg, log)
	if err != nil {
		log.Errorf("failed to initialise: %v", err)
		os.Exit(1)
	}

	if err := sup.Start(); err != nil {
		log.Errorf("failed to start: %v", err)
		os.Exit(1)
	}
	log.Infof("fingerprint %s, control socket %s", sup.Self().Fingerprint, cfg.SocketPath)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-term
		cancel()
	}()

	if err := sup.Wait(ctx); err != nil {
		log.Errorf("component failure: %v", err)
	}

	log.Infof("shutting down")
	sup.Stop()
}

func parseLevel(s string) int {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "info":
		return logger.LevelInfo
	case "error":
		return logger.LevelError
	case "silent":
		return logger.LevelSilent
	default:
		return logger.LevelInfo
	}
}
