// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"fileshare/internal/auth"
	"fileshare/internal/diskspace"
	"fileshare/internal/fileio"
	"fileshare/internal/ftp"
	"fileshare/internal/logging"
	"fileshare/internal/pathguard"
	"fileshare/internal/proxybridge"
	"fileshare/internal/ratelimit"
	"fileshare/internal/server"
	"fileshare/internal/settings"
	"fileshare/internal/stats"
	"fileshare/internal/streamer"
	"fileshare/internal/uploads"
)

// uploadSettings is the "uploads" settings module.
type uploadSettings struct {
	MaxFileSizeBytes    int64 `json:"maxFileSizeBytes"`
	DirectoryQuotaBytes int64 `json:"directoryQuotaBytes"`
}

// haproxySettings is the compacted "haproxy" settings module.
type haproxySettings struct {
	ProxyProtocolV2 bool `json:"proxyProtocolV2"`
}

// rateRuleSetting is one entry of the "ratelimit" settings module.
type rateRuleSetting struct {
	Enabled     bool  `json:"enabled"`
	MaxRequests int   `json:"maxRequests"`
	WindowMs    int64 `json:"windowMs"`
}

func defaultRateRules() map[string]rateRuleSetting {
	minute := int64(60_000)
	return map[string]rateRuleSetting{
		string(ratelimit.TargetUpload):   {Enabled: true, MaxRequests: 30, WindowMs: minute},
		string(ratelimit.TargetDownload): {Enabled: true, MaxRequests: 300, WindowMs: minute},
		string(ratelimit.TargetDisk):     {Enabled: true, MaxRequests: 60, WindowMs: minute},
		string(ratelimit.TargetList):     {Enabled: true, MaxRequests: 120, WindowMs: minute},
		string(ratelimit.TargetStatus):   {Enabled: true, MaxRequests: 120, WindowMs: minute},
		string(ratelimit.TargetAuth):     {Enabled: true, MaxRequests: 10, WindowMs: minute},
		string(ratelimit.TargetFileOps):  {Enabled: true, MaxRequests: 60, WindowMs: minute},
	}
}

// run starts every server against the shared services and blocks until
// ctx is cancelled. A missing share path or occupied port surfaces as a
// non-nil error, which main turns into a non-zero exit.
func run(ctx context.Context, sharePath, addr string, port int) error {
	log := logging.New("main")

	guard, err := pathguard.New(sharePath)
	if err != nil {
		return fmt.Errorf("share path %q: %w", sharePath, err)
	}
	root := guard.Root()

	users, err := auth.New(root, logging.New("auth"))
	if err != nil {
		return fmt.Errorf("auth store: %w", err)
	}

	store, err := settings.Load(filepath.Join(root, ".fileshare", "settings.json"))
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	modules := []struct {
		name string
		def  any
	}{
		{"hls", streamer.DefaultConfig()},
		{"ftp", ftp.DefaultConfig()},
		{"uploads", uploadSettings{MaxFileSizeBytes: 4 << 30}},
		{"haproxy", haproxySettings{}},
		{"ratelimit", defaultRateRules()},
	}
	for _, m := range modules {
		if err := store.Register(m.name, m.def); err != nil {
			return fmt.Errorf("settings module %s: %w", m.name, err)
		}
	}

	var hlsCfg streamer.Config
	var ftpCfg ftp.Config
	var haCfg haproxySettings
	var rateCfg map[string]rateRuleSetting
	_ = store.Get("hls", &hlsCfg)
	_ = store.Get("ftp", &ftpCfg)
	_ = store.Get("haproxy", &haCfg)
	_ = store.Get("ratelimit", &rateCfg)

	rules := make(map[ratelimit.Target]ratelimit.Rule, len(rateCfg))
	for name, rc := range rateCfg {
		rules[ratelimit.Target(name)] = ratelimit.Rule{
			Enabled:     rc.Enabled,
			MaxRequests: rc.MaxRequests,
			Window:      time.Duration(rc.WindowMs) * time.Millisecond,
		}
	}

	st := stats.New()
	disk := diskspace.New(root)
	limiter := ratelimit.New(rules)
	files := &fileio.Service{Guard: guard, Blocked: users.Blocked, DownloadCount: st.DownloadCount}
	ingester := uploads.New(guard, disk)
	hls := streamer.New(guard, root, hlsCfg, logging.New("hls"))

	// The cache root is transient; remove it on every exit path,
	// including a panic unwinding through here.
	defer hls.Shutdown()
	defer users.Shutdown()

	httpAddr := addr
	httpPort := port
	if haCfg.ProxyProtocolV2 {
		// The bridge owns the public port; the HTTP core moves to
		// loopback one port up.
		httpAddr = "127.0.0.1"
		httpPort = port + 1
	}

	httpSrv := server.New(server.Config{
		Addr:    httpAddr,
		Port:    httpPort,
		ProxyV2: haCfg.ProxyProtocolV2,
	}, server.Deps{
		Guard:    guard,
		Files:    files,
		Uploads:  ingester,
		Streamer: hls,
		Users:    users,
		Stats:    st,
		Limiter:  limiter,
		Disk:     disk,
		UploadConfig: func() uploads.Config {
			var uc uploadSettings
			store.Get("uploads", &uc)
			return uploads.Config{
				MaxFileSizeBytes: uc.MaxFileSizeBytes,
				QuotaBytes:       uc.DirectoryQuotaBytes,
			}
		},
		Log: logging.New("http"),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return httpSrv.ListenAndServe(gctx) })

	g.Go(func() error {
		hls.RunJanitor(gctx)
		return nil
	})

	if ftpCfg.Enabled {
		ftpSrv := ftp.New(guard, users, users.Blocked, st, ftpCfg, logging.New("ftp"))
		g.Go(func() error { return ftpSrv.ListenAndServe(gctx) })
	}

	if haCfg.ProxyProtocolV2 {
		bridge := proxybridge.New(fmt.Sprintf("127.0.0.1:%d", httpPort), logging.New("bridge"))
		g.Go(func() error {
			return bridge.ListenAndServe(gctx, fmt.Sprintf("%s:%d", addr, port))
		})
	}

	log.Info("sharing %s", root)
	return g.Wait()
}
