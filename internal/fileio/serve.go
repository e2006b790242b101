// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fileio

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fileshare/internal/apperr"
)

// Serve writes one file to the response: MIME detection,
// HEAD support, forced-download headers, the social-preview-bot
// unfurl page, m3u8/m3u URI rewriting, and Range handling.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, relPath string) error {
	abs, err := s.Guard.Resolve(relPath)
	if err != nil {
		return apperr.Wrap(apperr.KindPathDenied, "Not found or access denied", err)
	}
	fi, err := os.Stat(abs)
	if err != nil || fi.IsDir() {
		return apperr.New(apperr.KindNotFound, "Not found or access denied")
	}
	if s.Blocked != nil && s.Blocked.IsBlocked(relPath) {
		return apperr.New(apperr.KindBlocked, "blocked")
	}

	ct := MimeType(abs)
	w.Header().Set("Accept-Ranges", "bytes")

	forceDownload := isTruthy(r.URL.Query().Get("download"))
	ua := r.Header.Get("User-Agent")
	if forceDownload && r.Header.Get("Range") == "" && IsSocialPreviewBot(ua) {
		count := int64(0)
		if s.DownloadCount != nil {
			count = s.DownloadCount(relPath)
		}
		return serveUnfurlPage(w, relPath, count)
	}

	if forceDownload {
		name := filepath.Base(relPath)
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(name)))
	}

	ext := strings.ToLower(filepath.Ext(abs))
	if ext == ".m3u8" || ext == ".m3u" {
		return servePlaylist(w, r, abs, relPath, ct)
	}

	w.Header().Set("Content-Type", ct)

	f, err := os.Open(abs)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "failed to open file", err)
	}
	defer f.Close()

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		return serveRange(w, r, f, fi.Size(), rangeHeader)
	}

	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, f)
	}
	return nil
}

func servePlaylist(w http.ResponseWriter, r *http.Request, abs, relPath, ct string) error {
	raw, err := os.ReadFile(abs)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "failed to read playlist", err)
	}
	rewritten := RewritePlaylist(string(raw), relPath)
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, rewritten)
	}
	return nil
}

func serveRange(w http.ResponseWriter, r *http.Request, f *os.File, size int64, rangeHeader string) error {
	rng, err := ParseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	length := rng.End - rng.Start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "seek failed", err)
	}
	_, _ = io.CopyN(w, f, length)
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func serveUnfurlPage(w http.ResponseWriter, relPath string, downloadCount int64) error {
	name := html.EscapeString(filepath.Base(relPath))
	escapedPath := html.EscapeString(relPath)
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%[1]s</title>
<meta property="og:title" content="%[1]s">
<meta property="og:type" content="website">
<meta property="og:description" content="%[3]d downloads">
<meta name="twitter:card" content="summary">
<meta name="twitter:title" content="%[1]s">
<meta name="twitter:description" content="%[3]d downloads">
</head>
<body>
<p>%[2]s has been downloaded %[3]d time(s).</p>
</body>
</html>`, name, escapedPath, downloadCount)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(page)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, page)
	return nil
}
