// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package streamer synthesizes HLS playlists and generates MPEG-TS
// segments on demand by invoking an external transcoder binary. Segment
// work is deduplicated per (cacheDir, index) key and the number of live
// transcoder processes is capped by a weighted semaphore.
package streamer

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"fileshare/internal/apperr"
	"fileshare/internal/logging"
	"fileshare/internal/pathguard"
)

const (
	// noCacheThreshold is the source size above which segments are
	// transient: generated, served once, deleted after a grace window.
	noCacheThreshold = 1 << 30

	// noCacheGrace is how long a transient segment survives after its
	// response has been sent.
	noCacheGrace = 8 * time.Second

	// cacheTTL is how long an untouched cache directory survives.
	cacheTTL = 30 * time.Minute

	// maxTranscoders caps concurrently running transcoder processes.
	maxTranscoders = 2
)

// Config holds the tunable streaming knobs, loaded from the "hls"
// settings module.
type Config struct {
	SegmentSeconds float64 `json:"segmentSeconds"`
	Preset         string  `json:"preset"`
}

// DefaultConfig is registered as the "hls" settings module default.
func DefaultConfig() Config {
	return Config{SegmentSeconds: 6, Preset: "veryfast"}
}

var validPresets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true,
}

func (c Config) preset() string {
	if validPresets[c.Preset] {
		return c.Preset
	}
	return "veryfast"
}

func (c Config) segSec() float64 {
	if c.SegmentSeconds > 0 {
		return c.SegmentSeconds
	}
	return 6
}

// meta is the per-source metadata persisted as meta.json in cached mode
// and memoized in memory for no-cache sources.
type meta struct {
	DurationSec   float64 `json:"durationSec"`
	TotalSegments int     `json:"totalSegments"`
	SegSec        float64 `json:"segSec"`
}

// Streamer owns the HLS cache root under <share>/.fileshare/cache/hls.
// No other component may write beneath it.
type Streamer struct {
	guard    *pathguard.Guard
	cfg      Config
	log      *logging.Logger
	cacheDir string // <share>/.fileshare/cache/hls
	rootHash string // SHA1(shareRoot), hex

	tc transcoder

	sem    *semaphore.Weighted
	flight singleflight.Group

	mu       sync.Mutex
	metaByID map[string]meta // no-cache sources only; key = sourceHash

	timerMu sync.Mutex
	timers  []*time.Timer // pending no-cache deletions, drained on Shutdown
}

// New builds a Streamer rooted at the share's cache directory. The
// transcoder binary is resolved lazily so a missing binary surfaces per
// request as TranscoderMissing, not at startup.
func New(guard *pathguard.Guard, shareRoot string, cfg Config, log *logging.Logger) *Streamer {
	return &Streamer{
		guard:    guard,
		cfg:      cfg,
		log:      log,
		cacheDir: filepath.Join(shareRoot, ".fileshare", "cache", "hls"),
		rootHash: sha1hex(shareRoot),
		tc:       &ffmpeg{},
		sem:      semaphore.NewWeighted(maxTranscoders),
		metaByID: make(map[string]meta),
	}
}

func sha1hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

var streamableExts = map[string]bool{".mp4": true, ".m4v": true, ".mov": true}

// source is a resolved, eligibility-checked stream origin.
type source struct {
	abs     string
	rel     string
	size    int64
	noCache bool
	dir     string // <cacheDir>/<rootHash>/<sourceHash>
	hash    string
}

func (s *Streamer) resolveSource(relPath string) (*source, error) {
	ext := strings.ToLower(filepath.Ext(relPath))
	if !streamableExts[ext] {
		return nil, apperr.New(apperr.KindInvalidInput, "not a streamable file type")
	}
	abs, err := s.guard.Resolve(relPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPathDenied, "Not found or access denied", err)
	}
	fi, err := os.Stat(abs)
	if err != nil || fi.IsDir() {
		return nil, apperr.New(apperr.KindNotFound, "Not found or access denied")
	}
	// The fingerprint binds to (absPath, size, mtimeNs); any change to
	// the source invalidates its cache directory.
	fp := fmt.Sprintf("%s:%d:%d", abs, fi.Size(), fi.ModTime().UnixNano())
	hash := sha1hex(fp)
	return &source{
		abs:     abs,
		rel:     relPath,
		size:    fi.Size(),
		noCache: fi.Size() > noCacheThreshold,
		dir:     filepath.Join(s.cacheDir, s.rootHash, hash),
		hash:    hash,
	}, nil
}

// touch refreshes the cache entry's liveness signal. Directory mtime is
// the primary clock; hosts that refuse Chtimes on directories get a
// sidecar .atime file holding Unix millis instead.
func (s *Streamer) touch(dir string) {
	now := time.Now()
	if err := os.Chtimes(dir, now, now); err != nil {
		sidecar := filepath.Join(dir, ".atime")
		_ = os.WriteFile(sidecar, []byte(strconv.FormatInt(now.UnixMilli(), 10)), 0o644)
	}
}

// lastAccess reads the entry's liveness signal, preferring the sidecar
// when present.
func lastAccess(dir string) (time.Time, bool) {
	if b, err := os.ReadFile(filepath.Join(dir, ".atime")); err == nil {
		if ms, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

// loadMeta fetches the source's metadata: from the in-memory map for
// no-cache sources, from meta.json otherwise.
func (s *Streamer) loadMeta(src *source) (meta, bool) {
	if src.noCache {
		s.mu.Lock()
		m, ok := s.metaByID[src.hash]
		s.mu.Unlock()
		return m, ok
	}
	b, err := os.ReadFile(filepath.Join(src.dir, "meta.json"))
	if err != nil {
		return meta{}, false
	}
	var m meta
	if err := json.Unmarshal(b, &m); err != nil {
		return meta{}, false
	}
	return m, true
}

func (s *Streamer) storeMeta(src *source, m meta) {
	if src.noCache {
		s.mu.Lock()
		s.metaByID[src.hash] = m
		s.mu.Unlock()
		return
	}
	b, _ := json.Marshal(m)
	_ = os.WriteFile(filepath.Join(src.dir, "meta.json"), b, 0o644)
}

// scheduleDeletion arms a timer that removes path after the no-cache
// grace window. Timers are tracked so Shutdown can drain them.
func (s *Streamer) scheduleDeletion(path string, all bool) {
	t := time.AfterFunc(noCacheGrace, func() {
		if all {
			_ = os.RemoveAll(path)
		} else {
			_ = os.Remove(path)
		}
	})
	s.timerMu.Lock()
	s.timers = append(s.timers, t)
	s.timerMu.Unlock()
}

// Shutdown synchronously removes the entire HLS cache root and stops
// any pending deletion timers. The serve command defers it, so it runs
// whenever serve returns.
func (s *Streamer) Shutdown() {
	s.timerMu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.timerMu.Unlock()
	if err := os.RemoveAll(s.cacheDir); err != nil {
		s.log.Warn("cache root removal failed: %v", err)
	}
}
