// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package metrics exposes the gateway's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// InFlightCalls tracks concurrent tools/call requests against maxConcurrent (spec §4.1, §5).
	InFlightCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pml",
		Subsystem: "gateway",
		Name:      "inflight_calls",
		Help:      "Number of tools/call requests currently executing.",
	})

	// QueueDepth tracks the bounded FIFO depth when backpressure strategy is "queue".
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pml",
		Subsystem: "gateway",
		Name:      "queue_depth",
		Help:      "Number of tools/call requests waiting for a concurrency slot.",
	})

	// BackpressureRejections counts -32000 backpressure responses under "reject" strategy.
	BackpressureRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pml",
		Subsystem: "gateway",
		Name:      "backpressure_rejections_total",
		Help:      "Total tools/call requests rejected with -32000 due to backpressure.",
	})

	// PendingWorkflows tracks the live pending-workflow store size (spec §4.5).
	PendingWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pml",
		Subsystem: "pending",
		Name:      "workflows",
		Help:      "Number of unexpired pending workflow entries.",
	})

	// PendingSweeps counts TTL sweep runs.
	PendingSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pml",
		Subsystem: "pending",
		Name:      "sweeps_total",
		Help:      "Total background TTL sweep runs.",
	})

	// SandboxExecutions counts sandbox runs by outcome kind.
	SandboxExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pml",
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "Total sandbox executions by outcome.",
	}, []string{"outcome"})

	// SuggestionThreshold mirrors the adaptive controller's live value (spec §4.8).
	SuggestionThreshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pml",
		Subsystem: "threshold",
		Name:      "suggestion_threshold",
		Help:      "Current adaptive suggestion threshold.",
	})

	// SSEClients tracks connected live-feed clients against maxClients (spec §4.10).
	SSEClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pml",
		Subsystem: "eventstream",
		Name:      "clients",
		Help:      "Number of connected SSE clients.",
	})
)

// Registry is the process-wide collector registry, registered at init so
// cmd/pml-gateway only needs to mount the HTTP handler.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		InFlightCalls,
		QueueDepth,
		BackpressureRejections,
		PendingWorkflows,
		PendingSweeps,
		SandboxExecutions,
		SuggestionThreshold,
		SSEClients,
	)
}
