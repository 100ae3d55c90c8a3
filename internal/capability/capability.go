// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package capability implements the capability registry (spec §4.6): FQDN
// generation, alias resolution with chain flattening, rename, and usage
// accounting. Locking uses a single RWMutex guarding an in-process schema
// cache layered over the durable store.
package capability

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Casys-AI/casys-pml-sub012/internal/perr"
	"github.com/Casys-AI/casys-pml-sub012/internal/store"
)

// MaxAliasHops bounds alias-chain resolution so a cyclic or runaway chain
// fails fast instead of looping forever (spec §4.6 edge case).
const MaxAliasHops = 8

// Registry resolves capability names to records, maintains aliases, and
// records usage statistics.
type Registry struct {
	store store.Store

	mu          sync.RWMutex
	schemaCache map[string]*jsonschema.Schema // keyed by FQDN
}

// New wraps s as a capability Registry.
func New(s store.Store) *Registry {
	return &Registry{
		store:       s,
		schemaCache: make(map[string]*jsonschema.Schema),
	}
}

// GenerateFQDN builds "<org>.<project>.<namespace>.<action>.<shortHash>"
// from a capability's declared components and code body (spec §4.6).
func GenerateFQDN(org, project, namespace, action string, code []byte) string {
	sum := sha256.Sum256(code)
	full := hex.EncodeToString(sum[:])
	return fmt.Sprintf("%s.%s.%s.%s.%s", org, project, namespace, action, full[:4])
}

// ContentHash returns the full hex digest of code, stored alongside the
// record so GenerateFQDN's short hash can be recomputed and verified.
func ContentHash(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// Register inserts a new capability record, deriving its FQDN from org,
// project, namespace, action and the content hash of code.
func (r *Registry) Register(ctx context.Context, rec store.CapabilityRecord, code []byte) (store.CapabilityRecord, error) {
	rec.Hash = ContentHash(code)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = rec.CreatedAt
	if rec.Version == 0 {
		rec.Version = 1
	}
	if len(rec.ParametersSchema) > 0 {
		if _, err := compileSchema(rec.ParametersSchema); err != nil {
			return store.CapabilityRecord{}, perr.Wrap(perr.KindProtocol, "invalid parameters schema", err)
		}
	}
	if err := r.store.InsertCapability(ctx, rec); err != nil {
		return store.CapabilityRecord{}, perr.Wrap(perr.KindRuntime, "insert capability", err)
	}
	return rec, nil
}

// Resolve looks up name against the registry, following alias chains up to
// MaxAliasHops. name may be a bare display name (scoped to org/project), a
// full FQDN, or an alias. A name or alias target that matches nothing
// (including a dangling alias) returns perr.ErrCapabilityNotFound wrapped
// with KindNotFound; an alias cycle, or a chain longer than MaxAliasHops,
// returns KindAliasLoop.
func (r *Registry) Resolve(ctx context.Context, org, project, name string) (store.CapabilityRecord, error) {
	seen := make(map[string]bool, MaxAliasHops)
	current := name
	for hop := 0; hop < MaxAliasHops; hop++ {
		if seen[current] {
			return store.CapabilityRecord{}, perr.New(perr.KindAliasLoop, "alias chain cycle detected for "+name)
		}
		seen[current] = true

		if rec, err := r.store.GetCapabilityByFQDN(ctx, current); err == nil {
			return rec, nil
		} else if err != store.ErrNotFound {
			return store.CapabilityRecord{}, perr.Wrap(perr.KindRuntime, "lookup by fqdn", err)
		}

		if a, err := r.store.GetAlias(ctx, org, project, current); err == nil {
			current = a.TargetFQDN
			continue
		} else if err != store.ErrNotFound {
			return store.CapabilityRecord{}, perr.Wrap(perr.KindRuntime, "lookup alias", err)
		}

		if rec, err := r.store.GetCapabilityByDisplayName(ctx, org, project, current); err == nil {
			return rec, nil
		} else if err != store.ErrNotFound {
			return store.CapabilityRecord{}, perr.Wrap(perr.KindRuntime, "lookup by display name", err)
		}

		if rec, err := r.store.GetPublicCapabilityByDisplayName(ctx, current); err == nil {
			return rec, nil
		} else if err != store.ErrNotFound {
			return store.CapabilityRecord{}, perr.Wrap(perr.KindRuntime, "lookup public capability", err)
		}

		return store.CapabilityRecord{}, perr.Wrap(perr.KindNotFound, "capability not found: "+name, perr.ErrCapabilityNotFound)
	}
	return store.CapabilityRecord{}, perr.New(perr.KindAliasLoop, "alias chain exceeded "+fmt.Sprint(MaxAliasHops)+" hops for "+name)
}

// Rename gives the capability at oldFqdn a new display name (spec §4.6
// steps 1-5): it loads the old record, inserts a new record identical to it
// except for DisplayName, Action and an incremented Version, points
// oldFqdn's old display name at the new record, flattens every alias that
// pointed at oldFqdn onto the new FQDN, then deletes the old record. All
// five steps run inside a single transaction so a concurrent Resolve never
// observes a half-renamed capability.
//
// Action tracks DisplayName (both become newDisplayName) so the new FQDN
// actually differs from oldFqdn — "a.b.c.v1.aabb" renamed to "v2" becomes
// "a.b.c.v2.aabb", matching spec §8 scenario 4 exactly. Leaving Action
// unchanged would make the "new" record share oldFqdn with the one about
// to be deleted, since FQDN never depends on DisplayName.
func (r *Registry) Rename(ctx context.Context, org, project, oldFqdn, newDisplayName string) (store.CapabilityRecord, error) {
	var renamed store.CapabilityRecord
	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		old, err := tx.GetCapabilityByFQDN(ctx, oldFqdn)
		if err != nil {
			if err == store.ErrNotFound {
				return perr.Wrap(perr.KindNotFound, "rename target does not exist", perr.ErrCapabilityNotFound)
			}
			return perr.Wrap(perr.KindRuntime, "load rename target", err)
		}

		next := old
		next.DisplayName = newDisplayName
		next.Action = newDisplayName
		next.Version = old.Version + 1
		next.UpdatedAt = time.Now()
		if err := tx.InsertCapability(ctx, next); err != nil {
			return perr.Wrap(perr.KindRuntime, "insert renamed capability", err)
		}

		if err := tx.UpsertAlias(ctx, store.Alias{
			Org:        org,
			Project:    project,
			AliasName:  old.DisplayName,
			TargetFQDN: next.FQDN(),
			CreatedAt:  time.Now(),
		}); err != nil {
			return perr.Wrap(perr.KindRuntime, "alias old display name to renamed capability", err)
		}

		if _, err := tx.RewriteAliasesTarget(ctx, oldFqdn, next.FQDN()); err != nil {
			return perr.Wrap(perr.KindRuntime, "flatten alias chain", err)
		}

		if err := tx.DeleteCapability(ctx, oldFqdn); err != nil {
			return perr.Wrap(perr.KindRuntime, "delete renamed-away capability", err)
		}

		renamed = next
		return nil
	})
	if err != nil {
		return store.CapabilityRecord{}, err
	}
	return renamed, nil
}

// RecordUsage updates a capability's rolling success/latency counters after
// an execution completes (spec §4.6, feeds the adaptive-threshold controller
// and the reliability multiplier used during discovery ranking).
func (r *Registry) RecordUsage(ctx context.Context, fqdn string, success bool, latency time.Duration) error {
	if err := r.store.RecordUsage(ctx, fqdn, success, latency.Milliseconds()); err != nil {
		return perr.Wrap(perr.KindRuntime, "record usage", err)
	}
	return nil
}

// ValidateParameters checks params (raw JSON) against the capability's
// stored parameters schema, compiling and caching the schema on first use.
func (r *Registry) ValidateParameters(rec store.CapabilityRecord, params []byte) error {
	if len(rec.ParametersSchema) == 0 {
		return nil
	}
	schema, err := r.cachedSchema(rec.FQDN(), rec.ParametersSchema)
	if err != nil {
		return perr.Wrap(perr.KindProtocol, "compile parameters schema", err)
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return perr.Wrap(perr.KindProtocol, "decode parameters", err)
	}
	if err := schema.Validate(v); err != nil {
		return perr.Wrap(perr.KindProtocol, "parameters failed schema validation", err)
	}
	return nil
}

func (r *Registry) cachedSchema(fqdn string, raw []byte) (*jsonschema.Schema, error) {
	r.mu.RLock()
	if s, ok := r.schemaCache[fqdn]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	schema, err := compileSchema(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.schemaCache[fqdn] = schema
	r.mu.Unlock()
	return schema, nil
}

// ReliabilityMultiplier scores a capability's track record for use as a
// ranking weight during capability discovery: a success rate below 0.5 is
// penalized to 0.1, above 0.9 is boosted to 1.2, and everything in between
// (including capabilities with no usage yet) stays neutral at 1.0.
func ReliabilityMultiplier(rec store.CapabilityRecord) float64 {
	if rec.UsageCount == 0 {
		return 1.0
	}
	rate := rec.SuccessRate()
	switch {
	case rate < 0.5:
		return 0.1
	case rate > 0.9:
		return 1.2
	default:
		return 1.0
	}
}

// FinalScore combines a semantic similarity score with rec's reliability
// multiplier, capped at 0.95 (spec's discovery ranking rule).
func FinalScore(semanticScore float64, rec store.CapabilityRecord) float64 {
	score := semanticScore * ReliabilityMultiplier(rec)
	if score > 0.95 {
		return 0.95
	}
	return score
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	const resourceURL = "mem://parameters-schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceURL)
}
