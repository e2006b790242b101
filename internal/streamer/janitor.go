// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package streamer

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

const janitorInterval = 60 * time.Second

// RunJanitor sweeps the cache on a fixed cadence until ctx is
// cancelled, evicting source directories whose last access is older
// than the TTL and pruning root-hash directories left empty.
func (s *Streamer) RunJanitor(ctx context.Context) {
	log := s.log.With("janitor")
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopped")
			return
		case <-ticker.C:
			log.Guarded("sweep", func() { s.sweep(time.Now()) })
		}
	}
}

// sweep is one janitor tick, factored out so tests can drive it with a
// synthetic clock.
func (s *Streamer) sweep(now time.Time) {
	rootDirs, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return
	}
	for _, rd := range rootDirs {
		if !rd.IsDir() {
			continue
		}
		rootPath := filepath.Join(s.cacheDir, rd.Name())
		srcDirs, err := os.ReadDir(rootPath)
		if err != nil {
			continue
		}
		remaining := 0
		for _, sd := range srcDirs {
			if !sd.IsDir() {
				continue
			}
			srcPath := filepath.Join(rootPath, sd.Name())
			at, ok := lastAccess(srcPath)
			if ok && now.Sub(at) >= cacheTTL {
				if err := os.RemoveAll(srcPath); err != nil {
					s.log.Warn("eviction failed for %s: %v", sd.Name(), err)
					remaining++
				}
				continue
			}
			remaining++
		}
		if remaining == 0 {
			_ = os.Remove(rootPath)
		}
	}
}
