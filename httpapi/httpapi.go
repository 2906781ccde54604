/* SPDX-License-Identifier: MIT */

// Package httpapi is the versioned HTTP protocol layer of spec.md §4.5: it
// surfaces the peer table and the session manager to other LocalSend
// peers. Routing uses gorilla/mux (the router the retrieved corpus's
// canonical-snapd daemon uses for its own REST API) rather than the
// standard library's ServeMux, so query-parameter extraction and
// method+path dispatch read the way the rest of this lineage's HTTP
// layers do.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/wylited/lsendd/lserr"
	"github.com/wylited/lsendd/logger"
	"github.com/wylited/lsendd/model"
	"github.com/wylited/lsendd/peertable"
	"github.com/wylited/lsendd/session"
)

// nonUploadTimeout is the request deadline for every route except upload
// and download, whose bodies are unbounded (spec.md §5).
const nonUploadTimeout = 30 * time.Second

// Server is the HTTP protocol layer. Construct with New, then ListenAndServe.
type Server struct {
	self     model.DeviceRecord
	table    *peertable.Table
	sessions *session.Manager
	log      logger.Logger

	httpServer *http.Server
}

// New builds a Server bound to addr (e.g. "0.0.0.0:53317").
func New(addr string, self model.DeviceRecord, table *peertable.Table, sessions *session.Manager, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop
	}
	s := &Server{self: self, table: table, sessions: sessions, log: log}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/localsend/v2/register", s.timed(s.handleRegisterV2)).Methods(http.MethodPost)
	r.HandleFunc("/api/localsend/v2/info", s.timed(s.handleInfoV2)).Methods(http.MethodGet)
	r.HandleFunc("/api/localsend/v1/register", s.timed(s.handleRegisterV1)).Methods(http.MethodPost)
	r.HandleFunc("/api/localsend/v1/info", s.timed(s.handleInfoV1)).Methods(http.MethodGet)
	r.HandleFunc("/api/localsend/v2/prepare-upload", s.timed(s.handlePrepareUpload)).Methods(http.MethodPost)
	r.HandleFunc("/api/localsend/v2/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/localsend/v2/download", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/localsend/v2/cancel", s.timed(s.handleCancel)).Methods(http.MethodPost)

	return r
}

// timed wraps a handler with the non-upload request deadline of spec.md §5.
func (s *Server) timed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), nonUploadTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

// ListenAndServe starts serving; it blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server (spec.md §4.7).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func sourceIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := lserr.Unknown
	msg := err.Error()
	if le, ok := err.(*lserr.Error); ok {
		kind = le.Kind
	}
	writeJSON(w, kind.HTTPStatus(), map[string]string{"message": msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return lserr.Newf(lserr.JSON, "%v", err)
	}
	return nil
}

// --- register / info -------------------------------------------------

func (s *Server) handleRegisterV2(w http.ResponseWriter, r *http.Request) {
	var peer model.DeviceRecord
	if err := decodeJSON(r, &peer); err != nil {
		writeError(w, err)
		return
	}
	s.table.Upsert(peer, sourceIP(r).String())
	writeJSON(w, http.StatusOK, s.self)
}

func (s *Server) handleInfoV2(w http.ResponseWriter, r *http.Request) {
	fp := r.URL.Query().Get("fingerprint")
	if fp == s.self.Fingerprint {
		writeJSON(w, http.StatusOK, model.DeviceRecord{})
		return
	}
	writeJSON(w, http.StatusOK, s.self)
}

func (s *Server) handleRegisterV1(w http.ResponseWriter, r *http.Request) {
	var peer model.DeviceRecordV1
	if err := decodeJSON(r, &peer); err != nil {
		writeError(w, err)
		return
	}
	if peer.Fingerprint != s.self.Fingerprint {
		s.table.Upsert(peer.ToV2(), sourceIP(r).String())
	}
	writeJSON(w, http.StatusOK, s.self.ToV1())
}

func (s *Server) handleInfoV1(w http.ResponseWriter, r *http.Request) {
	fp := r.URL.Query().Get("fingerprint")
	if fp == s.self.Fingerprint {
		writeJSON(w, http.StatusOK, model.DeviceInfoV1Response{})
		return
	}
	writeJSON(w, http.StatusOK, s.self.ToV1Response())
}

// --- transfer session --------------------------------------------------

type prepareUploadRequest struct {
	Info  model.DeviceRecord             `json:"info"`
	Files map[string]model.FileMetadata `json:"files"`
}

type prepareUploadResponse struct {
	SessionID string            `json:"sessionId"`
	Files     map[string]string `json:"files"`
}

func (s *Server) handlePrepareUpload(w http.ResponseWriter, r *http.Request) {
	var req prepareUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pin := r.URL.Query().Get("pin")

	sessionID, tokens, err := s.sessions.PrepareUpload(req.Info, req.Files, pin, sourceIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prepareUploadResponse{SessionID: sessionID, Files: tokens})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, fileID, token := q.Get("sessionId"), q.Get("fileId"), q.Get("token")
	if sessionID == "" || fileID == "" || token == "" {
		writeError(w, lserr.New(lserr.InvalidParameters, "sessionId, fileId and token are required"))
		return
	}

	defer r.Body.Close()
	if err := s.sessions.Upload(sessionID, fileID, token, r.Body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, fileID, token := q.Get("sessionId"), q.Get("fileId"), q.Get("token")
	if sessionID == "" || fileID == "" || token == "" {
		writeError(w, lserr.New(lserr.InvalidParameters, "sessionId, fileId and token are required"))
		return
	}

	if pin := q.Get("pin"); !s.sessions.PinOK(pin) {
		writeError(w, lserr.New(lserr.InvalidPin, ""))
		return
	}

	result, err := s.sessions.Download(sessionID, fileID, token)
	if err != nil {
		writeError(w, err)
		return
	}

	f, err := os.Open(result.Path)
	if err != nil {
		writeError(w, lserr.New(lserr.NotAFile, result.Path))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.FileName+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	s.sessions.Cancel(sessionID)
	w.WriteHeader(http.StatusOK)
}
