// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"os"

	"fileshare/internal/apperr"
	"fileshare/internal/auth"
	"fileshare/internal/ratelimit"
)

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireAuth(w, r); !ok {
		return
	}
	if !s.allow(w, r, ratelimit.TargetFileOps) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" || !s.checkPath(w, req.Path) {
		if req.Path == "" {
			writeError(w, apperr.New(apperr.KindInvalidInput, "missing path"))
		}
		return
	}

	abs, err := s.deps.Guard.ResolveForWrite(req.Path)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindPathDenied, "Not found or access denied", err))
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		writeError(w, apperr.Wrap(apperr.KindUpstreamIO, "failed to create directory", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": req.Path})
}

// handleRename moves or renames a file or directory; the target may be
// in a different directory, so this is also the move operation.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.requireAuth(w, r); !ok {
		return
	}
	if !s.allow(w, r, ratelimit.TargetFileOps) {
		return
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, apperr.New(apperr.KindInvalidInput, "missing from/to"))
		return
	}
	if !s.checkPath(w, req.From) || !s.checkPath(w, req.To) {
		return
	}
	if s.deps.Files.Blocked != nil &&
		(s.deps.Files.Blocked.IsBlocked(req.From) || s.deps.Files.Blocked.IsBlocked(req.To)) {
		writeError(w, apperr.New(apperr.KindBlocked, "blocked"))
		return
	}

	srcAbs, err := s.deps.Guard.Resolve(req.From)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindPathDenied, "Not found or access denied", err))
		return
	}
	dstAbs, err := s.deps.Guard.ResolveForWrite(req.To)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindPathDenied, "Not found or access denied", err))
		return
	}
	if err := os.Rename(srcAbs, dstAbs); err != nil {
		writeError(w, apperr.Wrap(apperr.KindUpstreamIO, "rename failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": req.To})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	if user.OpLevel < auth.OpLevelAdvanced {
		writeError(w, apperr.New(apperr.KindForbidden, "insufficient privileges"))
		return
	}
	if !s.allow(w, r, ratelimit.TargetFileOps) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, apperr.New(apperr.KindInvalidInput, "missing path"))
		return
	}
	if !s.checkPath(w, req.Path) {
		return
	}
	if s.deps.Files.Blocked != nil && s.deps.Files.Blocked.IsBlocked(req.Path) {
		writeError(w, apperr.New(apperr.KindBlocked, "blocked"))
		return
	}

	abs, err := s.deps.Guard.Resolve(req.Path)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindPathDenied, "Not found or access denied", err))
		return
	}
	if abs == s.deps.Guard.Root() {
		writeError(w, apperr.New(apperr.KindInvalidInput, "refusing to delete the share root"))
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		writeError(w, apperr.Wrap(apperr.KindUpstreamIO, "delete failed", err))
		return
	}
	s.deps.Disk.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
