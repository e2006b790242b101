// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"fileshare/internal/apperr"
	"fileshare/internal/auth"
	"fileshare/internal/ratelimit"
)

// stateDirBlocked rejects any client path that reaches into the
// persisted-state directory; it is never part of the shared surface.
func stateDirBlocked(relPath string) bool {
	p := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(relPath, "\\", "/")), "/")
	return p == ".fileshare" || strings.HasPrefix(p, ".fileshare/")
}

func (s *Server) checkPath(w http.ResponseWriter, relPath string) bool {
	if stateDirBlocked(relPath) {
		writeError(w, apperr.New(apperr.KindPathDenied, "Not found or access denied"))
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "invalid request body", err))
		return false
	}
	return true
}

// --- Health / status ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.TargetStatus) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Snapshot())
}

func (s *Server) handleDisk(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.TargetDisk) {
		return
	}
	cfg := s.deps.UploadConfig()
	writeJSON(w, http.StatusOK, s.deps.Disk.Get(cfg.QuotaBytes, cfg.MaxFileSizeBytes))
}

// --- Files ---

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.TargetList) {
		return
	}
	relPath := r.URL.Query().Get("path")
	if !s.checkPath(w, relPath) {
		return
	}
	entries, err := s.deps.Files.List(relPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": relPath, "entries": entries})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.TargetDownload) {
		return
	}
	relPath := r.URL.Query().Get("path")
	if relPath == "" {
		writeError(w, apperr.New(apperr.KindInvalidInput, "missing path"))
		return
	}
	if !s.checkPath(w, relPath) {
		return
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	if err := s.deps.Files.Serve(sw, r, relPath); err != nil {
		if sw.written == 0 {
			writeError(w, err)
		}
		return
	}
	if r.Method == http.MethodGet && sw.written > 0 && sw.status < 400 {
		s.deps.Stats.RecordDownload(relPath, sw.written)
	}
}

// --- Streaming ---

func (s *Server) handleStreamPlaylist(w http.ResponseWriter, r *http.Request) {
	relPath := r.URL.Query().Get("path")
	if !s.checkPath(w, relPath) {
		return
	}
	if err := s.deps.Streamer.ServePlaylist(w, r, relPath); err != nil {
		writeError(w, err)
	}
}

func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	relPath := q.Get("path")
	if !s.checkPath(w, relPath) {
		return
	}
	if err := s.deps.Streamer.ServeSegment(w, r, relPath, q.Get("file")); err != nil {
		writeError(w, err)
	}
}

// --- Speedtest ---

const (
	speedtestDefaultSize = 10 << 20
	speedtestMaxSize     = 512 << 20
)

func (s *Server) handleSpeedtestDownload(w http.ResponseWriter, r *http.Request) {
	size := int64(speedtestDefaultSize)
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, apperr.New(apperr.KindInvalidInput, "invalid size"))
			return
		}
		size = n
	}
	if size > speedtestMaxSize {
		size = speedtestMaxSize
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	chunk := make([]byte, 64<<10)
	for sent := int64(0); sent < size; {
		n := int64(len(chunk))
		if size-sent < n {
			n = size - sent
		}
		if _, err := w.Write(chunk[:n]); err != nil {
			return
		}
		sent += n
	}
}

func (s *Server) handleSpeedtestUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindUpstreamIO, "upload stream failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received":   n,
		"durationMs": time.Since(start).Milliseconds(),
	})
}

// --- Auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.TargetAuth) {
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.deps.Users.Register(req.Username, req.Password, s.clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"status":   user.Status,
		},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.TargetAuth) {
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.deps.Users.Login(req.Username, req.Password, s.clientIP(r))
	if err != nil {
		writeJSON(w, apperr.HTTPStatus(apperr.KindOf(err)), map[string]any{
			"ok":    false,
			"error": "invalid credentials or account not approved",
		})
		return
	}
	user, _ := s.deps.Users.GetUser(sess.UserID)
	oplevel := auth.OpLevelNormal
	if user != nil {
		oplevel = user.OpLevel
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"token":    sess.Token,
		"username": sess.CurrentUsername,
		"oplevel":  oplevel,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireAuth(w, r); !ok {
		return
	}
	s.deps.Users.Logout(r.Header.Get("Authorization"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	sess, user, err := s.deps.Users.VerifyToken(r.Header.Get("Authorization"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      sess.CurrentUsername,
		"oplevel":       user.OpLevel,
	})
}

// --- Uploads ---

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireAuth(w, r); !ok {
		return
	}
	if !s.allow(w, r, ratelimit.TargetUpload) {
		return
	}

	cfg := s.deps.UploadConfig()
	if r.ContentLength > cfg.MaxFileSizeBytes {
		writeError(w, apperr.New(apperr.KindQuotaExceededFile, "file too large"))
		return
	}

	// The multipart reader streams; 32 MiB bounds the in-memory part.
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "invalid multipart body", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "missing file field", err))
		return
	}
	defer file.Close()

	targetDir := r.FormValue("path")
	if !s.checkPath(w, targetDir) {
		return
	}

	res, err := s.deps.Uploads.Accept(targetDir, header.Filename, header.Size, file, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Stats.RecordUpload(res.Size)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"file": map[string]any{
			"name": path.Base(res.RelPath),
			"path": res.RelPath,
			"size": res.Size,
		},
	})
}
