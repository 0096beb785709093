// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverHost    string
	serverPort    int
	modelRoot     string
	dbPath        string
	bootstrapPath string
	workerDBPath  string
	statusAddr    string
	statusWatch   bool

	rootCmd = &cobra.Command{
		Use:   "llamacppchat",
		Short: "A local LLM chat server backed by an isolated GGUF inference worker",
		Long: `llamacppchat runs a two-process chat server: a long-lived supervisor
("server") terminating HTTP/WebSocket traffic, and an isolated single-threaded
inference worker ("worker") hosting one loaded model at a time.`,
	}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP/WS frontend and spawn the inference worker",
		Run:   runServer, // defined in server.go
	}

	workerCmd = &cobra.Command{
		Use:    "worker",
		Short:  "Run the inference worker's IPC loop on stdin/stdout",
		Hidden: true, // self-invoked by the server's Process Supervisor, not meant for direct interactive use
		Run:    runWorker, // defined in worker_cmd.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show a live view of worker health and generation throughput",
		Run:   runStatus, // defined in status.go
	}
)

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&serverHost, "host", "127.0.0.1", "Address to bind the HTTP/WS frontend")
	serverCmd.Flags().IntVar(&serverPort, "port", 8080, "Port to bind the HTTP/WS frontend")
	serverCmd.Flags().StringVar(&modelRoot, "model-root", "", "Directory the file-browser route treats as its root (defaults to the working directory)")
	serverCmd.Flags().StringVar(&dbPath, "db-path", "assets/downloads.db", "Path to the badger-backed download-tracking database")
	serverCmd.Flags().StringVar(&bootstrapPath, "bootstrap", "", "Optional YAML file overriding server bootstrap flags (host/port/model-root/db-path)")

	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerDBPath, "db-path", "assets/downloads.db", "Path passed through by the Process Supervisor; unused directly by the worker today")

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:8080", "Base URL of a running server to query")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", true, "Keep the status view open and refresh live (false prints one snapshot and exits)")
}
