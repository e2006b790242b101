// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package uploads ingests multipart file uploads into the share,
// enforcing the sanitization, quota, and unique-name rules of
// quota checks, and atomic writes into the share.
package uploads

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fileshare/internal/apperr"
	"fileshare/internal/diskspace"
	"fileshare/internal/pathguard"
)

// controlChars are U+0000-U+001F, stripped from filenames.
func stripControlChars(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var reservedChars = "/\\:*?\"<>|"

// SanitizeFilename reduces a client-supplied name to a safe basename:
// control chars, replace reserved characters with "_", trim, reject
// ".", "..", or empty results.
func SanitizeFilename(raw string) (string, error) {
	name := filepath.Base(filepath.ToSlash(raw))
	name = stripControlChars(name)
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(reservedChars, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if name == "" || name == "." || name == ".." {
		return "", apperr.New(apperr.KindInvalidInput, "invalid filename")
	}
	return name, nil
}

// Result describes a completed upload.
type Result struct {
	RelPath string
	Size    int64
}

// Ingester writes validated multipart uploads into a PathGuard-bound
// share, consulting a diskspace.Probe for quota enforcement.
type Ingester struct {
	guard *pathguard.Guard
	disk  *diskspace.Probe
}

// New builds an Ingester.
func New(guard *pathguard.Guard, disk *diskspace.Probe) *Ingester {
	return &Ingester{guard: guard, disk: disk}
}

// Config carries the per-request quota knobs, normally sourced from the
// uploads Settings module.
type Config struct {
	MaxFileSizeBytes int64
	QuotaBytes       int64 // <=0 means disk-scope, no quota
}

// Accept ingests src (declaredSize bytes, already validated by the
// caller against Config.MaxFileSizeBytes at the Content-Length level)
// under targetDir, writing it as filename (after sanitization and
// unique-name allocation), then invalidates the disk cache.
func (u *Ingester) Accept(targetDir, filename string, declaredSize int64, src io.Reader, cfg Config) (Result, error) {
	if declaredSize > cfg.MaxFileSizeBytes {
		return Result{}, apperr.Wrap(apperr.KindQuotaExceededFile, "file exceeds maxFileSizeBytes", nil)
	}

	safeName, err := SanitizeFilename(filename)
	if err != nil {
		return Result{}, err
	}

	dirAbs, err := u.guard.Resolve(targetDir)
	if err != nil {
		// Resolve denies escapes and missing paths alike; a target that
		// passes the write-mode check but does not exist is simply a
		// missing directory.
		if joined, werr := u.guard.ResolveForWrite(targetDir); werr == nil {
			if _, lerr := os.Lstat(joined); os.IsNotExist(lerr) {
				return Result{}, apperr.New(apperr.KindInvalidInput, "target is not a directory")
			}
		}
		return Result{}, apperr.Wrap(apperr.KindPathDenied, "invalid target directory", err)
	}
	if fi, statErr := os.Stat(dirAbs); statErr != nil || !fi.IsDir() {
		return Result{}, apperr.New(apperr.KindInvalidInput, "target is not a directory")
	}

	destAbs, destName := allocateUniquePath(dirAbs, safeName)

	info := u.disk.Get(cfg.QuotaBytes, cfg.MaxFileSizeBytes)
	if cfg.QuotaBytes > 0 {
		if info.Free <= 0 {
			return Result{}, apperr.New(apperr.KindQuotaExceededFile, "quota exhausted")
		}
		if declaredSize > info.Free {
			return Result{}, apperr.New(apperr.KindQuotaExceededFile, "file exceeds remaining quota")
		}
	} else if declaredSize > info.Free {
		return Result{}, apperr.New(apperr.KindQuotaExceededDisk, "insufficient disk space")
	}

	n, err := writeAtomic(destAbs, src)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindUpstreamIO, "failed to write upload", err)
	}
	u.disk.Invalidate()

	rel, err := u.guard.Rel(filepath.Join(dirAbs, destName))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindUpstreamIO, "failed to compute relative path", err)
	}
	return Result{RelPath: rel, Size: n}, nil
}

// allocateUniquePath appends " (N)"
// before the extension when the candidate exists, probing
// incrementally starting at N=1.
func allocateUniquePath(dirAbs, name string) (string, string) {
	candidate := filepath.Join(dirAbs, name)
	if _, err := os.Lstat(candidate); err != nil {
		return candidate, name
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		tryName := fmt.Sprintf("%s (%d)%s", base, n, ext)
		tryPath := filepath.Join(dirAbs, tryName)
		if _, err := os.Lstat(tryPath); err != nil {
			return tryPath, tryName
		}
	}
}

// writeAtomic streams src into a temp file beside dest, then renames it
// into place, matching the atomic-write idiom used by
// settings/blocklist/auth persistence elsewhere in this program.
func writeAtomic(dest string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, err
	}
	return n, nil
}
