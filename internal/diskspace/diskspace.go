// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package diskspace computes DiskInfo: either the
// filesystem's free-space syscall or a directory-quota walk, cached for
// 30 seconds, with a stale-cache fallback on probe failure.
package diskspace

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// cacheTTL is the directory-usage / free-space cache lifetime
// ("cached 30 s").
const cacheTTL = 30 * time.Second

// Scope identifies whether DiskInfo.total reflects a configured quota
// or the underlying filesystem.
type Scope string

const (
	ScopeDisk  Scope = "disk"
	ScopeQuota Scope = "quota"
)

// Info describes the space available to uploads.
type Info struct {
	Total        int64   `json:"total"`
	Free         int64   `json:"free"`
	Used         int64   `json:"used"`
	UsedPercent  float64 `json:"usedPercent"`
	MaxUpload    int64   `json:"maxUpload"`
	MaxFileSize  int64   `json:"maxFileSize"`
	Scope        Scope   `json:"scope"`
	QuotaBytes   int64   `json:"quotaBytes"`
}

// Probe computes and caches DiskInfo for a share root.
type Probe struct {
	root string

	mu       sync.Mutex
	cached   Info
	cachedAt time.Time
	hasCache bool

	statfs func(path string, buf *unix.Statfs_t) error
	walk   func(root string) (int64, error)
}

// New constructs a Probe rooted at share root.
func New(root string) *Probe {
	return &Probe{
		root:   root,
		statfs: unix.Statfs,
		walk:   walkSize,
	}
}

// Get returns DiskInfo for the given quota config
// quotaBytes <= 0 means "no quota": scope is disk and total/free/used
// come from the filesystem. maxFileSizeBytes bounds maxUpload and
// maxFileSize regardless of scope.
func (p *Probe) Get(quotaBytes, maxFileSizeBytes int64) Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := p.hasCache && time.Since(p.cachedAt) < cacheTTL
	if !fresh {
		info, err := p.computeLocked(quotaBytes)
		if err == nil {
			p.cached = info
			p.cachedAt = time.Now()
			p.hasCache = true
		} else if !p.hasCache {
			// No cache to fall back to and the probe failed: report a
			// zeroed, maximally conservative Info rather than panic.
			p.cached = Info{Scope: ScopeDisk}
			p.cachedAt = time.Now()
			p.hasCache = true
		}
		// On error with an existing cache, fall back to
		// the last cached DiskInfo: p.cached is left untouched.
	}

	out := p.cached
	out.MaxFileSize = maxFileSizeBytes
	if out.MaxUpload > maxFileSizeBytes {
		out.MaxUpload = maxFileSizeBytes
	}
	return out
}

func (p *Probe) computeLocked(quotaBytes int64) (Info, error) {
	var stat unix.Statfs_t
	if err := p.statfs(p.root, &stat); err != nil {
		return Info{}, err
	}
	physicalFree := int64(stat.Bfree) * int64(stat.Bsize)
	physicalTotal := int64(stat.Blocks) * int64(stat.Bsize)

	if quotaBytes <= 0 {
		used := physicalTotal - physicalFree
		info := Info{
			Total:     physicalTotal,
			Free:      physicalFree,
			Used:      used,
			Scope:     ScopeDisk,
			MaxUpload: physicalFree,
		}
		if physicalTotal > 0 {
			info.UsedPercent = float64(used) / float64(physicalTotal) * 100
		}
		return info, nil
	}

	used, err := p.walk(p.root)
	if err != nil {
		return Info{}, err
	}
	free := quotaBytes - used
	if free < 0 {
		free = 0
	}
	maxUpload := free
	if maxUpload > physicalFree {
		maxUpload = physicalFree
	}
	info := Info{
		Total:       quotaBytes,
		Free:        free,
		Used:        used,
		Scope:       ScopeQuota,
		QuotaBytes:  quotaBytes,
		MaxUpload:   maxUpload,
	}
	if quotaBytes > 0 {
		info.UsedPercent = float64(used) / float64(quotaBytes) * 100
	}
	return info, nil
}

// Invalidate marks the cached value stale, forcing the next Get to
// recompute; the stale value is kept as the fallback if that probe
// fails. Callers invoke this after an upload or delete changes usage.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.cachedAt = time.Time{}
	p.mu.Unlock()
}

func walkSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			// Inaccessible entries contribute 0 and do not abort the
			// walk, same as directory-listing size computation.
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
