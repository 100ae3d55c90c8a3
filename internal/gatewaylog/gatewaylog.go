// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package gatewaylog provides the gateway's structured request/decision
// logger, built on zerolog. Lower-level ported packages (sandbox executor,
// bridge, event stream) keep their own log.Printf + REVISION-banner idiom;
// this package is reserved for the gateway's own per-request and
// per-workflow decisions.
package gatewaylog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide structured logger. It is safe for concurrent use.
var Logger = New(os.Stderr)

// New builds a zerolog.Logger writing to w with RFC3339 timestamps.
func New(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).With().Timestamp().Str("component", "pml-gateway").Logger()
}

// ForWorkflow returns a child logger scoped to a single workflow id, used by
// the orchestrator to trace a call through FORWARD_CLOUD / LOCAL_RUN /
// HIL_PAUSE / RESUME without repeating the id at every call site.
func ForWorkflow(workflowID string) zerolog.Logger {
	return Logger.With().Str("workflow_id", workflowID).Logger()
}

// ForTool returns a child logger scoped to one tool id.
func ForTool(toolID string) zerolog.Logger {
	return Logger.With().Str("tool_id", toolID).Logger()
}
