// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package streamer

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"fileshare/internal/apperr"
)

// ServePlaylist answers GET /api/stream/playlist?path=… with a VOD
// playlist whose segment URIs point back at the segment endpoint.
func (s *Streamer) ServePlaylist(w http.ResponseWriter, r *http.Request, relPath string) error {
	src, err := s.resolveSource(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(src.dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "cache directory unavailable", err)
	}
	s.touch(src.dir)

	// Concurrent playlist requests for the same source coalesce into a
	// single synthesis job.
	v, err, _ := s.flight.Do("playlist:"+src.dir, func() (any, error) {
		return s.buildPlaylist(r, src)
	})
	if err != nil {
		return err
	}

	body := v.(string)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(body))
	}
	return nil
}

func (s *Streamer) buildPlaylist(r *http.Request, src *source) (string, error) {
	indexPath := filepath.Join(src.dir, "index.m3u8")

	// A finalized playlist for a cached source is authoritative.
	if !src.noCache {
		if b, err := os.ReadFile(indexPath); err == nil && strings.Contains(string(b), "#EXT-X-ENDLIST") {
			return s.rewriteSegmentURIs(string(b), src.rel), nil
		}
	}

	m, ok := s.loadMeta(src)
	if !ok {
		dur, err := s.tc.Probe(r.Context(), src.abs)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindTranscoderMissing {
				return "", err
			}
			// Duration unknown: fall back to a progressive playlist over
			// whatever segments exist, plus a short look-ahead.
			return s.progressivePlaylist(src), nil
		}
		seg := s.cfg.segSec()
		m = meta{
			DurationSec:   dur,
			TotalSegments: int(math.Ceil(dur / seg)),
			SegSec:        seg,
		}
		s.storeMeta(src, m)
	}

	raw := synthesizeVOD(m)
	if !src.noCache {
		_ = os.WriteFile(indexPath, []byte(raw), 0o644)
	}
	return s.rewriteSegmentURIs(raw, src.rel), nil
}

// synthesizeVOD renders the canonical VOD playlist for the given
// metadata, the last segment carrying the remainder duration.
func synthesizeVOD(m meta) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(m.SegSec)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < m.TotalSegments; i++ {
		d := m.SegSec
		if i == m.TotalSegments-1 {
			if rem := m.DurationSec - float64(i)*m.SegSec; rem > 0 {
				d = rem
			}
		}
		fmt.Fprintf(&b, "#EXTINF:%s,\n", strconv.FormatFloat(d, 'f', 3, 64))
		fmt.Fprintf(&b, "seg_%05d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// progressivePlaylist lists segments already on disk plus a 3-segment
// look-ahead, without ENDLIST, for sources whose duration could not be
// probed.
func (s *Streamer) progressivePlaylist(src *source) string {
	seg := s.cfg.segSec()
	existing := existingSegmentCount(src.dir)
	total := existing + 3

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(seg)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < total; i++ {
		fmt.Fprintf(&b, "#EXTINF:%s,\n", strconv.FormatFloat(seg, 'f', 3, 64))
		fmt.Fprintf(&b, "seg_%05d.ts\n", i)
	}
	return s.rewriteSegmentURIs(b.String(), src.rel)
}

func existingSegmentCount(dir string) int {
	names, err := filepath.Glob(filepath.Join(dir, "seg_*.ts"))
	if err != nil {
		return 0
	}
	sort.Strings(names)
	// Count the contiguous prefix so a sparse cache doesn't inflate the
	// progressive window.
	n := 0
	for _, name := range names {
		if filepath.Base(name) == fmt.Sprintf("seg_%05d.ts", n) {
			n++
		}
	}
	return n
}

// rewriteSegmentURIs maps every seg_NNNNN.ts line to the HTTP segment
// endpoint for this source.
func (s *Streamer) rewriteSegmentURIs(playlist, relPath string) string {
	lines := strings.Split(playlist, "\n")
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		lines[i] = "/api/stream/file?path=" + url.QueryEscape(relPath) + "&file=" + url.QueryEscape(t)
	}
	return strings.Join(lines, "\n")
}
