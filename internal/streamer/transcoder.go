// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package streamer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"fileshare/internal/apperr"
)

// transcoder abstracts the external binary so tests can substitute a
// fake that writes deterministic segment bytes.
type transcoder interface {
	// Probe returns the media duration in seconds.
	Probe(ctx context.Context, src string) (float64, error)
	// Extract writes one segment to dst. copyCodecs selects the cheap
	// stream-copy attempt; false forces a full transcode.
	Extract(ctx context.Context, src, dst string, startSec, durSec float64, preset string, copyCodecs bool) error
}

// ffmpeg drives the ffmpeg/ffprobe pair found on PATH.
type ffmpeg struct{}

func lookBinary(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTranscoderMissing, "transcoder binary not available", err)
	}
	return p, nil
}

var durationLine = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)

func (ffmpeg) Probe(ctx context.Context, src string) (float64, error) {
	if probe, err := lookBinary("ffprobe"); err == nil {
		out, err := exec.CommandContext(ctx, probe,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			src,
		).Output()
		if err == nil {
			if d, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64); perr == nil && d > 0 {
				return d, nil
			}
		}
	}

	// ffprobe missing or unhelpful: run ffmpeg with no output and scrape
	// the Duration: HH:MM:SS.f line off stderr.
	bin, err := lookBinary("ffmpeg")
	if err != nil {
		return 0, err
	}
	cmd := exec.CommandContext(ctx, bin, "-hide_banner", "-i", src)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run() // exits non-zero without an output file; stderr still has the banner
	sc := bufio.NewScanner(&stderr)
	for sc.Scan() {
		if m := durationLine.FindStringSubmatch(sc.Text()); m != nil {
			h, _ := strconv.ParseFloat(m[1], 64)
			min, _ := strconv.ParseFloat(m[2], 64)
			sec, _ := strconv.ParseFloat(m[3], 64)
			d := h*3600 + min*60 + sec
			if d > 0 {
				return d, nil
			}
		}
	}
	return 0, fmt.Errorf("duration not reported for source")
}

func (ffmpeg) Extract(ctx context.Context, src, dst string, startSec, durSec float64, preset string, copyCodecs bool) error {
	bin, err := lookBinary("ffmpeg")
	if err != nil {
		return err
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(startSec),
		"-i", src,
		"-t", formatSeconds(durSec),
	}
	if copyCodecs {
		args = append(args, "-c:v", "copy", "-c:a", "copy")
	} else {
		args = append(args,
			"-c:v", "libx264",
			"-preset", preset,
			"-crf", "26",
			"-profile:v", "main", "-level", "4.0",
			"-g", "60", "-keyint_min", "60", "-sc_threshold", "0",
			"-c:a", "aac", "-b:a", "96k", "-ac", "2",
			"-movflags", "+faststart",
		)
	}
	args = append(args, "-f", "mpegts", "-y", dst)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transcoder failed: %v: %s", err, firstLine(stderr.String()))
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
