// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package streamer

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"fileshare/internal/apperr"
)

var segmentName = regexp.MustCompile(`^seg_(\d{5})\.ts$`)

// ServeSegment answers GET /api/stream/file?path=…&file=seg_NNNNN.ts.
// Concurrent requests for the same segment share one generation job;
// all of them observe the same bytes.
func (s *Streamer) ServeSegment(w http.ResponseWriter, r *http.Request, relPath, fileName string) error {
	m := segmentName.FindStringSubmatch(fileName)
	if m == nil {
		return apperr.New(apperr.KindInvalidInput, "invalid segment name")
	}
	index, _ := strconv.Atoi(m[1])

	src, err := s.resolveSource(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(src.dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "cache directory unavailable", err)
	}
	s.touch(src.dir)

	segPath := filepath.Join(src.dir, fileName)

	// Cached-mode fast path: the segment is already on disk.
	if !src.noCache {
		if fi, err := os.Stat(segPath); err == nil && fi.Size() > 0 {
			return serveSegmentFile(w, r, segPath, true)
		}
	}

	key := fmt.Sprintf("%s|%d", src.dir, index)
	_, err, _ = s.flight.Do(key, func() (any, error) {
		// A concurrent winner may have produced the file while this
		// caller was queued behind the singleflight lock.
		if fi, statErr := os.Stat(segPath); statErr == nil && fi.Size() > 0 {
			return nil, nil
		}
		return nil, s.generateSegment(r, src, segPath, index)
	})
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(segPath); statErr != nil {
		return apperr.New(apperr.KindUpstreamIO, "segment generation produced no output")
	}

	if err := serveSegmentFile(w, r, segPath, !src.noCache); err != nil {
		return err
	}

	if src.noCache {
		s.scheduleDeletion(segPath, false)
		if md, ok := s.loadMeta(src); ok && index == md.TotalSegments-1 {
			s.scheduleDeletion(src.dir, true)
		}
	}
	return nil
}

// generateSegment runs under the per-key singleflight lock. It acquires
// one of the transcoder slots, attempts a stream copy, and falls back to
// a full transcode exactly once.
func (s *Streamer) generateSegment(r *http.Request, src *source, segPath string, index int) error {
	m, ok := s.loadMeta(src)
	if !ok {
		dur, err := s.tc.Probe(r.Context(), src.abs)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindTranscoderMissing {
				return err
			}
			return apperr.Wrap(apperr.KindUpstreamIO, "source duration unavailable", err)
		}
		seg := s.cfg.segSec()
		m = meta{DurationSec: dur, TotalSegments: segmentsFor(dur, seg), SegSec: seg}
		s.storeMeta(src, m)
	}
	if index >= m.TotalSegments {
		return apperr.New(apperr.KindNotFound, "segment out of range")
	}

	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "cancelled while waiting for transcoder slot", err)
	}
	defer s.sem.Release(1)

	start := float64(index) * m.SegSec
	dur := m.SegSec + 0.5

	tmp := segPath + ".part"
	defer os.Remove(tmp)

	err := s.tc.Extract(r.Context(), src.abs, tmp, start, dur, s.cfg.preset(), true)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindTranscoderMissing {
			return err
		}
		s.log.Warn("stream copy failed for segment %d, transcoding: %v", index, err)
		err = s.tc.Extract(r.Context(), src.abs, tmp, start, dur, s.cfg.preset(), false)
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindTranscoderMissing {
			return err
		}
		return apperr.Wrap(apperr.KindUpstreamIO, "segment generation failed", err)
	}
	if err := os.Rename(tmp, segPath); err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "segment rename failed", err)
	}
	return nil
}

func segmentsFor(durationSec, segSec float64) int {
	n := int(durationSec / segSec)
	if float64(n)*segSec < durationSec {
		n++
	}
	return n
}

func serveSegmentFile(w http.ResponseWriter, r *http.Request, path string, cacheable bool) error {
	f, err := os.Open(path)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "segment unavailable", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamIO, "segment unavailable", err)
	}
	w.Header().Set("Content-Type", "video/mp2t")
	if cacheable {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	http.ServeContent(w, r, filepath.Base(path), fi.ModTime(), f)
	return nil
}
