/* SPDX-License-Identifier: MIT */

// Package ipc is the local control channel of spec.md §4.6: a stream
// socket at a well-known path, one line in, one JSON envelope out, then
// close. The accept-and-dispatch shape is carried over from
// device.Device.IpcHandle in the teacher lineage (read one line, switch
// on it, write a terminating status line) adapted from WireGuard's
// "set=1"/"get=1" key=value protocol to this daemon's
// command-name-plus-arguments protocol.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wylited/lsendd/logger"
	"github.com/wylited/lsendd/model"
	"github.com/wylited/lsendd/peertable"
	"github.com/wylited/lsendd/session"
)

// Sender is the outbound, client-role half of the "send" command: given a
// peer's address, port and protocol and a local file path, it must
// prepare-upload and then upload the file to that peer. Implemented by
// HTTPSender in production and faked in tests.
type Sender interface {
	Send(peerAddr string, peerPort int, peerProtocol string, self model.DeviceRecord, path string) error
}

// DeviceInfo is the subset of configuration the "info" command reports.
type DeviceInfo struct {
	Alias       string
	Version     string
	DeviceModel string
	DeviceType  model.DeviceType
	Port        int
	DownloadDir string
}

// Server accepts connections on a stream socket and dispatches commands
// against a live peertable.Table and session.Manager.
type Server struct {
	socketPath string
	version    string
	info       DeviceInfo

	table    *peertable.Table
	sessions *session.Manager
	sender   Sender
	log      logger.Logger

	listener net.Listener
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Server. Call Start to begin accepting connections.
func New(socketPath, version string, info DeviceInfo, table *peertable.Table, sessions *session.Manager, sender Sender, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop
	}
	return &Server{
		socketPath: socketPath,
		version:    version,
		info:       info,
		table:      table,
		sessions:   sessions,
		sender:     sender,
		log:        log,
		stop:       make(chan struct{}),
	}
}

// Start binds the control socket and begins accepting connections.
func (s *Server) Start() error {
	l, err := bindSocket(s.socketPath)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop stops accepting new connections and removes the socket file.
// Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.Errorf("ipc accept: %v", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	line = strings.TrimRight(line, "\r\n")

	resp := s.dispatch(line)
	enc := json.NewEncoder(conn)
	_ = enc.Encode(resp)
}

func successEnvelope(fields map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"status": "success"}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func errorEnvelope(message string) map[string]interface{} {
	return map[string]interface{}{"status": "error", "message": message}
}

func (s *Server) dispatch(line string) map[string]interface{} {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errorEnvelope("empty command")
	}
	cmd := fields[0]

	switch cmd {
	case "version":
		return successEnvelope(map[string]interface{}{"version": s.version})

	case "info":
		return successEnvelope(map[string]interface{}{"device": map[string]interface{}{
			"alias":       s.info.Alias,
			"version":     s.info.Version,
			"deviceModel": s.info.DeviceModel,
			"deviceType":  s.info.DeviceType,
			"port":        s.info.Port,
			"downloadDir": s.info.DownloadDir,
		}})

	case "peers":
		entries := s.table.Snapshot()
		peers := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			peers = append(peers, map[string]interface{}{
				"fingerprint": e.Record.Fingerprint,
				"address":     e.Address,
				"alias":       e.Record.Alias,
				"deviceModel": e.Record.DeviceModel,
				"deviceType":  e.Record.DeviceType,
			})
		}
		return successEnvelope(map[string]interface{}{"peers": peers})

	case "sessions":
		snaps := s.sessions.Snapshots()
		out := make([]map[string]interface{}, 0, len(snaps))
		for _, snap := range snaps {
			out = append(out, map[string]interface{}{"id": snap.ID, "session": snap})
		}
		return successEnvelope(map[string]interface{}{"sessions": out})

	case "refresh":
		s.table.Clear()
		return successEnvelope(map[string]interface{}{"message": "peer table cleared"})

	case "send":
		if len(fields) < 3 {
			return errorEnvelope("usage: send <fingerprint> <path>")
		}
		return s.handleSend(fields[1], fields[2])

	default:
		return errorEnvelope(fmt.Sprintf("Unknown command: %s", cmd))
	}
}

func (s *Server) handleSend(fingerprint, path string) map[string]interface{} {
	entry, ok := s.table.Lookup(fingerprint)
	if !ok {
		return errorEnvelope(fmt.Sprintf("unknown peer: %s", fingerprint))
	}

	self := model.DeviceRecord{
		Alias:       s.info.Alias,
		Version:     s.info.Version,
		DeviceModel: s.info.DeviceModel,
		DeviceType:  s.info.DeviceType,
		Port:        s.info.Port,
		Protocol:    entry.Record.Protocol,
		Download:    true,
	}

	if err := s.sender.Send(entry.Address, entry.Record.Port, entry.Record.Protocol, self, path); err != nil {
		return errorEnvelope(err.Error())
	}
	return successEnvelope(map[string]interface{}{"message": fmt.Sprintf("sent %s to %s", path, fingerprint)})
}
