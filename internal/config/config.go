// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads PML gateway configuration from environment variables
// layered over documented defaults, using koanf's env provider over a
// struct-derived base.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds every gateway tunable, each with a default and a
// PML_-prefixed environment override. ThresholdLearningRate,
// SubprocessConnectTimeout, SandboxMemoryCapMB, SandboxTimeout and
// WorkspaceDir are loaded but not read by cmd/pml-gateway: the threshold
// controller uses its own fixed learning rate and the sandbox executor its
// own timeout and memory-cap defaults.
type Config struct {
	// §4.1 gateway
	MaxConcurrent   int    `koanf:"max_concurrent"`
	QueueStrategy   string `koanf:"queue_strategy"` // "queue" | "reject"
	HTTPAddr        string `koanf:"http_addr"`
	Mode            string `koanf:"mode"` // "stdio" | "http"

	// §4.2 MCP stdio subprocess client
	SubprocessConnectTimeout time.Duration `koanf:"subprocess_connect_timeout"`

	// §4.4 sandbox executor
	SandboxMemoryCapMB int           `koanf:"sandbox_memory_cap_mb"`
	SandboxTimeout     time.Duration `koanf:"sandbox_timeout"`

	// §4.5 pending workflow store
	PendingTTL      time.Duration `koanf:"pending_ttl"`
	PendingSweepEvery time.Duration `koanf:"pending_sweep_every"`

	// §4.8 adaptive-threshold controller
	ThresholdWindowSize   int     `koanf:"threshold_window_size"`
	ThresholdLearningRate float64 `koanf:"threshold_learning_rate"`
	ThresholdMin          float64 `koanf:"threshold_min"`
	ThresholdMax          float64 `koanf:"threshold_max"`
	ExplicitThreshold     float64 `koanf:"explicit_threshold"`

	// §4.10 live event stream
	SSEMaxClients         int           `koanf:"sse_max_clients"`
	SSEHeartbeatInterval  time.Duration `koanf:"sse_heartbeat_interval"`
	SSECORSPatterns       []string      `koanf:"sse_cors_patterns"`

	// cloud auth
	PMLAPIKey        string `koanf:"api_key"`
	WorkspaceDir     string `koanf:"workspace_dir"`

	// secrets broker fronting outbound LLM/tool provider credentials
	BrokerPort int `koanf:"broker_port"`

	// §6 persisted store
	DatabaseURL string `koanf:"database_url"`
}

// Defaults returns the gateway's documented defaults before env overrides apply.
func Defaults() Config {
	return Config{
		MaxConcurrent:            16,
		QueueStrategy:            "queue",
		HTTPAddr:                 ":8090",
		Mode:                     "stdio",
		SubprocessConnectTimeout: 10 * time.Second,
		SandboxMemoryCapMB:       512,
		SandboxTimeout:           30 * time.Second,
		PendingTTL:               15 * time.Minute,
		PendingSweepEvery:        time.Minute,
		ThresholdWindowSize:      50,
		ThresholdLearningRate:    0.05,
		ThresholdMin:             0.40,
		ThresholdMax:             0.90,
		ExplicitThreshold:        0.90,
		SSEMaxClients:            100,
		SSEHeartbeatInterval:     30 * time.Second,
		SSECORSPatterns:          []string{"http://localhost:*"},
		WorkspaceDir:             "/workspace",
		BrokerPort:               8089,
	}
}

// Load layers PML_-prefixed environment variables over Defaults().
func Load() (Config, error) {
	cfg := Defaults()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return cfg, err
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "PML_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "PML_"))
			return key, value
		},
	}), nil); err != nil {
		return cfg, err
	}

	out := cfg
	if err := k.Unmarshal("", &out); err != nil {
		return cfg, err
	}
	return out, nil
}
