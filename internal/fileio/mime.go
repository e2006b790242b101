// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fileio

import (
	"path/filepath"
	"strings"
)

// mimeTable is the canonical extension -> Content-Type table from
// Text types get an explicit utf-8 charset.
var mimeTable = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".csv":  "text/csv; charset=utf-8",
	".xml":  "application/xml; charset=utf-8",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".m3u8": "application/vnd.apple.mpegurl",
	".m3u":  "application/x-mpegurl",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".7z":   "application/x-7z-compressed",
	".rar":  "application/vnd.rar",
	".ts":   "video/mp2t",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".ttf":  "font/ttf",
	".otf":  "font/otf",
}

// MimeType returns the Content-Type for a filename's extension,
// defaulting to application/octet-stream.
func MimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := mimeTable[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// socialPreviewBots are the user-agent substrings
// that trigger the OpenGraph unfurl page instead of the binary.
var socialPreviewBots = []string{
	"discordbot", "slackbot", "twitterbot", "facebookexternalhit",
	"linkedinbot", "whatsapp", "telegrambot", "line", "skypeuripreview",
}

// IsSocialPreviewBot reports whether ua matches a known unfurl crawler.
func IsSocialPreviewBot(ua string) bool {
	lower := strings.ToLower(ua)
	for _, b := range socialPreviewBots {
		if strings.Contains(lower, b) {
			return true
		}
	}
	return false
}
