// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fileio

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidRange and ErrRangeUnsatisfiable cause a 416 response with
// Content-Range: bytes */<size>.
var (
	ErrInvalidRange        = errors.New("invalid range")
	ErrRangeUnsatisfiable  = errors.New("range not satisfiable")
)

// ByteRange is a resolved, inclusive [Start, End] byte range.
type ByteRange struct {
	Start, End int64
}

// ParseRange parses a single Range header value of the form
// "bytes=START-END", "bytes=START-", or "bytes=-SUFFIX" against a
// resource of the given size. Multi-range specs are rejected. End is
// clamped to size-1.
func ParseRange(header string, size int64) (ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, ErrInvalidRange
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return ByteRange{}, ErrInvalidRange
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return ByteRange{}, ErrInvalidRange
	}
	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	switch {
	case startStr == "" && endStr == "":
		return ByteRange{}, ErrInvalidRange

	case startStr == "": // bytes=-SUFFIX
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return ByteRange{}, ErrInvalidRange
		}
		start := size - suffix
		if start < 0 {
			start = 0
		}
		if start >= size {
			return ByteRange{}, ErrRangeUnsatisfiable
		}
		return ByteRange{Start: start, End: size - 1}, nil

	case endStr == "": // bytes=START-
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return ByteRange{}, ErrInvalidRange
		}
		if start >= size {
			return ByteRange{}, ErrRangeUnsatisfiable
		}
		return ByteRange{Start: start, End: size - 1}, nil

	default: // bytes=START-END
		start, err1 := strconv.ParseInt(startStr, 10, 64)
		end, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil || start < 0 || end < start {
			return ByteRange{}, ErrInvalidRange
		}
		if start >= size {
			return ByteRange{}, ErrRangeUnsatisfiable
		}
		if end > size-1 {
			end = size - 1
		}
		return ByteRange{Start: start, End: end}, nil
	}
}
