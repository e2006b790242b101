// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fileio

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// uriAttrPattern matches an HLS tag attribute of the form URI="...".
var uriAttrPattern = regexp.MustCompile(`URI="([^"]*)"`)

// isExternalURI reports whether uri should pass through unmodified:
// absolute (scheme://), data:, or blob: URIs.
func isExternalURI(uri string) bool {
	if strings.HasPrefix(uri, "data:") || strings.HasPrefix(uri, "blob:") {
		return true
	}
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" {
		return true
	}
	return false
}

// RewritePlaylist rewrites every non-comment URI line and every
// URI="..." attribute of an m3u8/m3u playlist loaded from
// playlistRelPath: relative references are resolved against the
// playlist's own directory and emitted as /api/file?path=<relPath>
//.
func RewritePlaylist(content string, playlistRelPath string) string {
	dir := path.Dir(playlistRelPath)
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(trimmed, "#") {
			if uriAttrPattern.MatchString(trimmed) {
				lines[i] = uriAttrPattern.ReplaceAllStringFunc(trimmed, func(m string) string {
					sub := uriAttrPattern.FindStringSubmatch(m)
					return `URI="` + resolvePlaylistURI(dir, sub[1]) + `"`
				})
			}
			continue
		}
		if trimmed == "" {
			continue
		}
		lines[i] = resolvePlaylistURI(dir, trimmed)
	}
	return strings.Join(lines, "\n")
}

func resolvePlaylistURI(dir, uri string) string {
	if isExternalURI(uri) {
		return uri
	}
	resolved := uri
	if dir != "." && dir != "" {
		resolved = path.Join(dir, uri)
	}
	return "/api/file?path=" + pctEncode(resolved)
}

// pctEncode percent-encodes s for use as a query value ("/" becomes
// %2F, as with url.QueryEscape), using %20 rather than "+" for spaces.
func pctEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
