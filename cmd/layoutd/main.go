// Package main implements layoutd, the task-execution service of the layout
// editor. One binary covers every process mode:
//
//	┌──────────────────────────────────────────────────────────┐
//	│ layoutd serve                                            │
//	│   TCP listener ──▶ Sessions ──▶ Coordinator ──▶ design   │
//	│   admin HTTP   ──▶ /health /tasks /session (WebSocket)   │
//	│   Checkpointer ──▶ storage (memory or SQLite)            │
//	├──────────────────────────────────────────────────────────┤
//	│ layoutd client   connects to serve, runs tasks remotely  │
//	│ layoutd batch    runs tasks in-process, inline or with   │
//	│                  the scheduling loop (--threaded)        │
//	│ layoutd status   queries the admin API                   │
//	│ layoutd abort    asks a task to stop (admin API)         │
//	│ layoutd remove   drops a finished task (admin API)       │
//	└──────────────────────────────────────────────────────────┘
//
// Tasks are given as lines, either with -e or one per line on stdin:
//
//	set KEY VALUE      delete KEY      get KEY
//	count [PREFIX]     scan PREFIX [MATCH]     undo
//
// Configuration comes from LAYOUTD_* environment variables (see
// internal/config); flags override them.
//
// Example usage:
//
//	# Start a server with a persistent design
//	LAYOUTD_STORAGE=/var/lib/layoutd.db layoutd serve
//
//	# Run tasks against it
//	layoutd client -e "set cell/inv/width 12" -e "get cell/inv/width"
//
//	# Inspect the queue, then stop a long scan
//	layoutd status
//	layoutd abort 6f1c2a9e-8d1b-4e7a-9a55-0f3c2b7d4e11
package main

import (
	"fmt"
	"log/slog"
	"os"
)

// logFatal is a variable to allow replacing the process exit in tests.
// The coordinator calls it on a contract violation.
var logFatal = func(logger *slog.Logger, err error) {
	logger.Error("fatal contract violation", "err", err)
	os.Exit(2)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
