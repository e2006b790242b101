// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"fileshare/internal/proxyproto"
)

// GetClientIP resolves the request's client address: when proxy-v2
// enforcement is on, prefer the X-Proxy-Protocol-V2 header (base64 or
// hex encoded chain); otherwise prefer the TCP peer address, then the
// first X-Forwarded-For element, then X-Real-IP, else "unknown".
func GetClientIP(r *http.Request, proxyV2Enabled bool) string {
	if proxyV2Enabled {
		if raw := r.Header.Get("X-Proxy-Protocol-V2"); raw != "" {
			if ip := parseProxyV2Header(raw); ip != "" {
				return ip
			}
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return "unknown"
}

func parseProxyV2Header(raw string) string {
	var buf []byte
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		buf = b
	} else if b, err := hex.DecodeString(raw); err == nil {
		buf = b
	} else {
		return ""
	}
	headers, _, err := proxyproto.ParseChain(buf)
	if err != nil {
		return ""
	}
	return proxyproto.AuthoritativeClient(headers)
}
