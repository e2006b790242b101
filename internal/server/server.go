// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server provides the HTTP front end: the JSON API, the HLS
// streaming endpoints, and the embedded single-page application.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fileshare/internal/apperr"
	"fileshare/internal/assets"
	"fileshare/internal/auth"
	"fileshare/internal/diskspace"
	"fileshare/internal/fileio"
	"fileshare/internal/logging"
	"fileshare/internal/pathguard"
	"fileshare/internal/ratelimit"
	"fileshare/internal/stats"
	"fileshare/internal/streamer"
	"fileshare/internal/uploads"
)

// Config holds server configuration.
type Config struct {
	Addr    string
	Port    int
	ProxyV2 bool // trust/parse forwarded-client headers from the bridge
}

// Deps are the shared services every handler draws on.
type Deps struct {
	Guard    *pathguard.Guard
	Files    *fileio.Service
	Uploads  *uploads.Ingester
	Streamer *streamer.Streamer
	Users    *auth.Store
	Stats    *stats.Stats
	Limiter  *ratelimit.Limiter
	Disk     *diskspace.Probe

	// UploadConfig yields the current quota knobs, re-read per request
	// so settings changes apply without a restart.
	UploadConfig func() uploads.Config

	Log *logging.Logger
}

// Server is the HTTP server for the share.
type Server struct {
	cfg  Config
	deps Deps

	httpServer *http.Server
}

// New creates a server with the given configuration and services.
func New(cfg Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Handler builds the full middleware-wrapped route table. Exposed so
// tests and the proxy bridge target can drive it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	// The SPA: /index.js serves the bundle, every unknown path serves
	// the shell page so client-side routing works on reload.
	mux.HandleFunc("GET /index.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Write(assets.IndexJS())
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(assets.IndexHTML())
	})

	return s.corsMiddleware(s.statsMiddleware(s.loggingMiddleware(mux)))
}

// ListenAndServe starts the HTTP server and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Log.Info("listening on http://%s", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/list", s.handleList)
	mux.HandleFunc("GET /api/file", s.handleFile)
	mux.HandleFunc("HEAD /api/file", s.handleFile)
	mux.HandleFunc("GET /api/disk", s.handleDisk)

	mux.HandleFunc("GET /api/stream/playlist", s.handleStreamPlaylist)
	mux.HandleFunc("GET /api/stream/file", s.handleStreamFile)

	mux.HandleFunc("GET /api/speedtest/download", s.handleSpeedtestDownload)
	mux.HandleFunc("POST /api/speedtest/upload", s.handleSpeedtestUpload)

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)

	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/mkdir", s.handleMkdir)
	mux.HandleFunc("POST /api/rename", s.handleRename)
	mux.HandleFunc("POST /api/delete", s.handleDelete)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.deps.Log.Request(r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}

// corsMiddleware applies the permissive CORS policy every response
// carries.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,HEAD,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Range,Authorization")
		h.Set("Access-Control-Expose-Headers", "Content-Range,Content-Length,Accept-Ranges")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statsMiddleware tracks the active-request gauge and the live-client
// set on every request, error paths included.
func (s *Server) statsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		end := s.deps.Stats.BeginRequest(s.clientIP(r))
		defer end()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	return auth.GetClientIP(r, s.cfg.ProxyV2)
}

// statusWriter remembers the status code for the request log line.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an error to its JSON surface form. Underlying causes
// (which may embed filesystem paths) never reach the client.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	writeJSON(w, apperr.HTTPStatus(kind), map[string]string{"error": msg})
}

// allow applies the rate limit for target; a denial writes the 429 and
// returns false.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, target ratelimit.Target) bool {
	d := s.deps.Limiter.Check(target, s.clientIP(r))
	if d.Allowed {
		return true
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", d.RetryAfterSec))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
	return false
}

// requireAuth validates the bearer token; a failure writes the 401 and
// returns false.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) (*auth.Session, *auth.User, bool) {
	sess, user, err := s.deps.Users.VerifyToken(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	return sess, user, true
}
