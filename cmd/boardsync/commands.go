// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/boardsync/pkg/codec"
	"github.com/AleutianAI/boardsync/services/whiteboard"
	"github.com/AleutianAI/boardsync/services/whiteboard/config"
	"github.com/AleutianAI/boardsync/services/whiteboard/datatypes"
	"github.com/AleutianAI/boardsync/services/whiteboard/digest"
	"github.com/AleutianAI/boardsync/services/whiteboard/snapshot"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "boardsync",
		Short:        "Collaborative whiteboard sync service for live tutoring",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd(), newSnapshotCmd(), newVersionCmd())
	return rootCmd
}

// --- Serve ---

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the whiteboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			svc, err := whiteboard.New(cfg, nil)
			if err != nil {
				return fmt.Errorf("failed to create service: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if configPath != "" {
				watcher, err := config.NewWatcher(configPath, slog.Default(), func(next config.Config) {
					if err := svc.Reload(next); err != nil {
						slog.Warn("config reload not applied", "error", err)
					}
				})
				if err != nil {
					slog.Warn("config hot reload disabled", "error", err)
				} else {
					go watcher.Run(ctx)
				}
			}
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

// --- Snapshot ---

// snapshotReport is the JSON printed by "snapshot inspect".
type snapshotReport struct {
	Version     uint8                 `json:"version"`
	Compression string                `json:"compression"`
	StoredBytes int                   `json:"stored_bytes"`
	RawBytes    uint32                `json:"raw_bytes"`
	Checksum    string                `json:"blake3"`
	Objects     int                   `json:"objects"`
	Ephemeral   int                   `json:"ephemeral"`
	Tombstones  int                   `json:"tombstones"`
	Digest      datatypes.BoardDigest `json:"digest"`
}

func newSnapshotCmd() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with board snapshot files",
	}

	var diag bool
	inspectCmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Verify a snapshot and print its header and board digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if diag {
				return printDiagnostic(cmd, data)
			}
			report, err := inspectSnapshot(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(report)
		},
	}
	inspectCmd.Flags().BoolVar(&diag, "diag", false, "print the decoded payload in CBOR diagnostic notation")

	snapshotCmd.AddCommand(inspectCmd)
	return snapshotCmd
}

func inspectSnapshot(data []byte) (snapshotReport, error) {
	header, err := snapshot.ReadHeader(data)
	if err != nil {
		return snapshotReport{}, err
	}
	doc, err := snapshot.DecodeDocument("inspect", data)
	if err != nil {
		return snapshotReport{}, err
	}
	defer doc.Close()

	stats := doc.Stats()
	return snapshotReport{
		Version:     header.Version,
		Compression: header.Compression.String(),
		StoredBytes: header.StoredBytes,
		RawBytes:    header.RawLength,
		Checksum:    hex.EncodeToString(header.Checksum[:]),
		Objects:     stats.LiveObjects,
		Ephemeral:   stats.LiveEphemeral,
		Tombstones:  stats.Tombstones,
		Digest:      digest.Summarize(doc),
	}, nil
}

func printDiagnostic(cmd *cobra.Command, data []byte) error {
	raw, err := snapshot.Decode(data)
	if err != nil {
		return err
	}
	notation, err := codec.Diagnose(raw)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), notation)
	return err
}

// --- Version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "boardsync %s (%s %s/%s)\n",
				version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
