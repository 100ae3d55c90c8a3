// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package store defines the persisted-state layout of spec §6 as a
// narrow mapping layer over an opaque SQL-compatible database (capability
// records, aliases, workflow patterns). Per design note §9 ("untyped JSON
// at the DB boundary"), nothing downstream of this package ever touches a
// raw JSON column — every JSON/array/vector column is parsed once here and
// handed out as a typed Go value.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// Visibility mirrors spec §3's capability visibility enum.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityProject Visibility = "project"
	VisibilityOrg     Visibility = "org"
	VisibilityPublic  Visibility = "public"
)

// Routing mirrors the declared routing of a capability or tool.
type Routing string

const (
	RoutingLocal  Routing = "local"
	RoutingServer Routing = "server"
)

// CapabilityRecord is the row shape of capability_records (spec §6).
type CapabilityRecord struct {
	ID               string
	DisplayName      string
	Org              string
	Project          string
	Namespace        string
	Action           string
	Hash             string // content hash of code
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int
	Visibility       Visibility
	Routing          Routing
	CodeSnippet      string
	Description      string
	Tags             []string
	ParametersSchema []byte // raw JSON schema, parsed once by internal/capability
	ToolsUsed        []string
	UsageCount        int64
	SuccessCount      int64
	TotalLatencyMS    int64
}

// FQDN reproduces the capability's fully-qualified name from its components
// (spec §4.6): "<org>.<project>.<namespace>.<action>.<shortHash>".
func (r CapabilityRecord) FQDN() string {
	return r.Org + "." + r.Project + "." + r.Namespace + "." + r.Action + "." + shortHash(r.Hash)
}

func shortHash(hash string) string {
	if len(hash) >= 4 {
		return hash[:4]
	}
	return hash
}

// SuccessRate is derived, never stored independently (spec §3 invariant).
func (r CapabilityRecord) SuccessRate() float64 {
	if r.UsageCount == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.UsageCount)
}

// Alias is the row shape of capability_aliases: (org, project, alias) -> target_fqdn.
type Alias struct {
	Org         string
	Project     string
	AliasName   string
	TargetFQDN  string
	CreatedAt   time.Time
}

// WorkflowPattern is the row shape of workflow_pattern (spec §6), retained
// by the cloud planner but modeled here for completeness of the opaque store
// contract; the Store interface has no method that reads or writes it.
type WorkflowPattern struct {
	PatternID        string
	PatternHash      string
	CodeHash         string
	DAGStructure     []byte // raw JSON, parsed once by callers that need it
	IntentEmbedding  []float32
	CodeSnippet      string
	CacheConfig      []byte
	Name             string
	Description      string
	SuccessRate      float64
	UsageCount       int64
	SuccessCount     int64
	AvgDurationMS    int64
	ParametersSchema []byte
	CreatedAt        time.Time
	LastUsed         time.Time
	Source           string
}

// Store is the narrow persistence contract the capability registry depends
// on. A pgx-backed implementation lives in store_pgx.go; an in-memory
// implementation for tests lives in store_mem.go, mirroring a real/mock
// interface split.
type Store interface {
	InsertCapability(ctx context.Context, rec CapabilityRecord) error
	GetCapabilityByFQDN(ctx context.Context, fqdn string) (CapabilityRecord, error)
	GetCapabilityByDisplayName(ctx context.Context, org, project, name string) (CapabilityRecord, error)
	GetPublicCapabilityByDisplayName(ctx context.Context, name string) (CapabilityRecord, error)
	DeleteCapability(ctx context.Context, fqdn string) error
	RecordUsage(ctx context.Context, fqdn string, success bool, latencyMS int64) error

	UpsertAlias(ctx context.Context, a Alias) error
	GetAlias(ctx context.Context, org, project, alias string) (Alias, error)
	RewriteAliasesTarget(ctx context.Context, oldTarget, newTarget string) (int, error)
	DeleteAliasesForTarget(ctx context.Context, target string) error

	// WithTx runs fn inside a transaction; used by Rename (spec §4.6 step 1-5).
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
