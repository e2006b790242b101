// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fileio

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"fileshare/internal/apperr"
	"fileshare/internal/blocklist"
	"fileshare/internal/pathguard"
)

// FileEntry is a listing record. Never persisted.
type FileEntry struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	IsDir         bool   `json:"isDir"`
	Size          int64  `json:"size"`
	Mtime         string `json:"mtime"`
	DownloadCount *int64 `json:"downloadCount,omitempty"`
}

// Service implements listing and serving of share files.
type Service struct {
	Guard   *pathguard.Guard
	Blocked *blocklist.List

	// DownloadCount, when set, is consulted to populate FileEntry's
	// optional downloadCount field. Left nil if Stats isn't wired.
	DownloadCount func(relPath string) int64
}

var collator = collate.New(language.Und, collate.IgnoreCase)

// List returns the sorted, filtered directory listing for relPath,
//
func (s *Service) List(relPath string) ([]FileEntry, error) {
	dirAbs, err := s.Guard.Resolve(relPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPathDenied, "Not found or access denied", err)
	}
	fi, err := os.Stat(dirAbs)
	if err != nil || !fi.IsDir() {
		return nil, apperr.New(apperr.KindNotFound, "Not found or access denied")
	}

	children, err := os.ReadDir(dirAbs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamIO, "failed to read directory", err)
	}

	baseRel, err := s.Guard.Rel(dirAbs)
	if err != nil {
		baseRel = "."
	}

	entries := make([]FileEntry, 0, len(children))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, child := range children {
		// The persisted-state directory is infrastructure, not content.
		if child.Name() == ".fileshare" {
			continue
		}
		childAbs := filepath.Join(dirAbs, child.Name())
		childRel := joinRel(baseRel, child.Name())

		if s.Blocked != nil && s.Blocked.IsBlocked(childRel) {
			continue
		}

		childInfo, err := child.Info()
		if err != nil {
			continue
		}

		entry := FileEntry{
			Name:  child.Name(),
			Path:  childRel,
			IsDir: childInfo.IsDir(),
			Mtime: childInfo.ModTime().UTC().Format(time.RFC3339),
		}

		if !entry.IsDir {
			entry.Size = childInfo.Size()
			if s.DownloadCount != nil {
				n := s.DownloadCount(childRel)
				entry.DownloadCount = &n
			}
			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		idx := len(entries)
		mu.Lock()
		entries = append(entries, entry)
		mu.Unlock()
		go func(idx int, dir string) {
			defer wg.Done()
			size := recursiveSize(dir)
			mu.Lock()
			entries[idx].Size = size
			mu.Unlock()
		}(idx, childAbs)
	}
	wg.Wait()

	sortEntries(entries)
	return entries, nil
}

// recursiveSize walks dir and sums regular file sizes. Inaccessible
// entries contribute 0 and do not abort the walk.
func recursiveSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func joinRel(base, name string) string {
	if base == "." || base == "" {
		return name
	}
	return path.Join(base, name)
}

// sortEntries orders directories first, then case-insensitive,
// locale-aware name ascending.
func sortEntries(entries []FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return collator.CompareString(entries[i].Name, entries[j].Name) < 0
	})
}
