// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package ftp implements the RFC 959 subset the share exposes: a
// control-connection command loop per client, passive-mode data
// channels drawn from a fixed port range, and path resolution routed
// through the same guard and block list the HTTP front end uses.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"fileshare/internal/auth"
	"fileshare/internal/blocklist"
	"fileshare/internal/logging"
	"fileshare/internal/pathguard"
	"fileshare/internal/stats"
)

// Config is the "ftp" settings module.
type Config struct {
	Enabled       bool `json:"enabled"`
	Port          int  `json:"port"`
	PasvPortMin   int  `json:"pasvPortMin"`
	PasvPortMax   int  `json:"pasvPortMax"`
	AnonymousRead bool `json:"anonymousRead"`
}

// DefaultConfig is registered as the "ftp" settings module default.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Port:        2121,
		PasvPortMin: 50000,
		PasvPortMax: 50100,
	}
}

// Server accepts control connections and runs one session per client.
type Server struct {
	guard   *pathguard.Guard
	users   *auth.Store
	blocked *blocklist.List
	stats   *stats.Stats
	cfg     Config
	log     *logging.Logger

	ipOnce sync.Once
	lanIP  string
}

func New(guard *pathguard.Guard, users *auth.Store, blocked *blocklist.List, st *stats.Stats, cfg Config, log *logging.Logger) *Server {
	return &Server{
		guard:   guard,
		users:   users,
		blocked: blocked,
		stats:   st,
		cfg:     cfg,
		log:     log,
	}
}

// ListenAndServe blocks accepting control connections until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("ftp listen: %w", err)
	}
	s.log.Info("listening on :%d", s.cfg.Port)
	return s.Serve(ctx, ln)
}

// Serve accepts control connections from ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := newSession(s, conn)
			s.log.Guarded("session", sess.run)
		}()
	}
	wg.Wait()
	return nil
}

// lanAddress returns the non-loopback IPv4 address advertised in PASV
// replies to remote clients, resolved once per process.
func (s *Server) lanAddress() string {
	s.ipOnce.Do(func() {
		s.lanIP = "127.0.0.1"
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				s.lanIP = v4.String()
				return
			}
		}
	})
	return s.lanIP
}
