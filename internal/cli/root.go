// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli wires the command line to the servers: one root command,
// a share path, a port.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	var (
		sharePath string
		port      int
		addr      string
	)

	root := &cobra.Command{
		Use:           "fileshare",
		Short:         "Share a directory over HTTP, HLS and FTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(context.Background())
			defer cancel()
			return run(ctx, sharePath, addr, port)
		},
	}

	root.Flags().StringVar(&sharePath, "path", ".", "Directory to share")
	root.Flags().IntVar(&port, "port", 3000, "HTTP port to listen on")
	root.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
