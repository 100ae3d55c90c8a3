// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGXStore is the pgx/v5 + squirrel-backed Store used in production, grounded
// on the query-builder idiom the wider retrieval pack's Temporal-backed
// engine uses for its repository layer. Column lists are built once with
// squirrel and executed through pgx's native query path.
type PGXStore struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

// Open dials databaseURL and returns a ready PGXStore. Callers own the
// returned pool's lifetime and must call Close on shutdown.
func Open(ctx context.Context, databaseURL string) (*PGXStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PGXStore{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Close releases the underlying connection pool.
func (s *PGXStore) Close() { s.pool.Close() }

// splitFQDN parses "<org>.<project>.<namespace>.<action>.<shortHash>" into
// its five components. Namespace and action may themselves contain no dots,
// matching the generation rule in internal/capability.
func splitFQDN(fqdn string) (org, project, namespace, action, shortHash string, err error) {
	parts := splitDots(fqdn)
	if len(parts) != 5 {
		return "", "", "", "", "", fmt.Errorf("store: malformed fqdn %q", fqdn)
	}
	return parts[0], parts[1], parts[2], parts[3], parts[4], nil
}

func splitDots(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

var capabilityColumns = []string{
	"id", "display_name", "org", "project", "namespace", "action", "hash",
	"created_by", "created_at", "updated_at", "version", "visibility", "routing",
	"code_snippet", "description", "tags", "parameters_schema", "tools_used",
	"usage_count", "success_count", "total_latency_ms",
}

func (s *PGXStore) InsertCapability(ctx context.Context, rec CapabilityRecord) error {
	sql, args, err := s.psql.Insert("capability_records").
		Columns(capabilityColumns...).
		Values(
			rec.ID, rec.DisplayName, rec.Org, rec.Project, rec.Namespace, rec.Action, rec.Hash,
			rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt, rec.Version, rec.Visibility, rec.Routing,
			rec.CodeSnippet, rec.Description, rec.Tags, rec.ParametersSchema, rec.ToolsUsed,
			rec.UsageCount, rec.SuccessCount, rec.TotalLatencyMS,
		).
		Suffix("ON CONFLICT (org, project, namespace, action, hash) DO UPDATE SET updated_at = EXCLUDED.updated_at, version = EXCLUDED.version").
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build insert: %w", err)
	}
	_, err = s.pool.Exec(ctx, sql, args...)
	return err
}

func (s *PGXStore) scanCapability(row pgx.Row) (CapabilityRecord, error) {
	var rec CapabilityRecord
	err := row.Scan(
		&rec.ID, &rec.DisplayName, &rec.Org, &rec.Project, &rec.Namespace, &rec.Action, &rec.Hash,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version, &rec.Visibility, &rec.Routing,
		&rec.CodeSnippet, &rec.Description, &rec.Tags, &rec.ParametersSchema, &rec.ToolsUsed,
		&rec.UsageCount, &rec.SuccessCount, &rec.TotalLatencyMS,
	)
	if err == pgx.ErrNoRows {
		return CapabilityRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *PGXStore) GetCapabilityByFQDN(ctx context.Context, fqdn string) (CapabilityRecord, error) {
	// FQDN is derived, not stored, so the lookup splits it into its five
	// dot-separated parts with splitFQDN and matches the (org, project,
	// namespace, action) prefix plus a LIKE filter on the short hash.
	org, project, namespace, action, shortHash, err := splitFQDN(fqdn)
	if err != nil {
		return CapabilityRecord{}, err
	}
	sql, args, err := s.psql.Select(capabilityColumns...).
		From("capability_records").
		Where(sq.Eq{"org": org, "project": project, "namespace": namespace, "action": action}).
		Where(sq.Like{"hash": shortHash + "%"}).
		Limit(1).
		ToSql()
	if err != nil {
		return CapabilityRecord{}, fmt.Errorf("store: build select: %w", err)
	}
	return s.scanCapability(s.pool.QueryRow(ctx, sql, args...))
}

func (s *PGXStore) GetCapabilityByDisplayName(ctx context.Context, org, project, name string) (CapabilityRecord, error) {
	sql, args, err := s.psql.Select(capabilityColumns...).
		From("capability_records").
		Where(sq.Eq{"org": org, "project": project, "display_name": name}).
		OrderBy("version DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return CapabilityRecord{}, fmt.Errorf("store: build select: %w", err)
	}
	return s.scanCapability(s.pool.QueryRow(ctx, sql, args...))
}

func (s *PGXStore) GetPublicCapabilityByDisplayName(ctx context.Context, name string) (CapabilityRecord, error) {
	sql, args, err := s.psql.Select(capabilityColumns...).
		From("capability_records").
		Where(sq.Eq{"visibility": VisibilityPublic, "display_name": name}).
		OrderBy("usage_count DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return CapabilityRecord{}, fmt.Errorf("store: build select: %w", err)
	}
	return s.scanCapability(s.pool.QueryRow(ctx, sql, args...))
}

func (s *PGXStore) DeleteCapability(ctx context.Context, fqdn string) error {
	org, project, namespace, action, shortHash, err := splitFQDN(fqdn)
	if err != nil {
		return err
	}
	sql, args, err := s.psql.Delete("capability_records").
		Where(sq.Eq{"org": org, "project": project, "namespace": namespace, "action": action}).
		Where(sq.Like{"hash": shortHash + "%"}).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build delete: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGXStore) RecordUsage(ctx context.Context, fqdn string, success bool, latencyMS int64) error {
	org, project, namespace, action, shortHash, err := splitFQDN(fqdn)
	if err != nil {
		return err
	}
	successIncr := 0
	if success {
		successIncr = 1
	}
	sql, args, err := s.psql.Update("capability_records").
		Set("usage_count", sq.Expr("usage_count + 1")).
		Set("success_count", sq.Expr("success_count + ?", successIncr)).
		Set("total_latency_ms", sq.Expr("total_latency_ms + ?", latencyMS)).
		Where(sq.Eq{"org": org, "project": project, "namespace": namespace, "action": action}).
		Where(sq.Like{"hash": shortHash + "%"}).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build update: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGXStore) UpsertAlias(ctx context.Context, a Alias) error {
	sql, args, err := s.psql.Insert("capability_aliases").
		Columns("org", "project", "alias_name", "target_fqdn", "created_at").
		Values(a.Org, a.Project, a.AliasName, a.TargetFQDN, a.CreatedAt).
		Suffix("ON CONFLICT (org, project, alias_name) DO UPDATE SET target_fqdn = EXCLUDED.target_fqdn").
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build upsert alias: %w", err)
	}
	_, err = s.pool.Exec(ctx, sql, args...)
	return err
}

func (s *PGXStore) GetAlias(ctx context.Context, org, project, name string) (Alias, error) {
	sql, args, err := s.psql.Select("org", "project", "alias_name", "target_fqdn", "created_at").
		From("capability_aliases").
		Where(sq.Eq{"org": org, "project": project, "alias_name": name}).
		ToSql()
	if err != nil {
		return Alias{}, fmt.Errorf("store: build select alias: %w", err)
	}
	var a Alias
	err = s.pool.QueryRow(ctx, sql, args...).Scan(&a.Org, &a.Project, &a.AliasName, &a.TargetFQDN, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return Alias{}, ErrNotFound
	}
	return a, err
}

func (s *PGXStore) RewriteAliasesTarget(ctx context.Context, oldTarget, newTarget string) (int, error) {
	sql, args, err := s.psql.Update("capability_aliases").
		Set("target_fqdn", newTarget).
		Where(sq.Eq{"target_fqdn": oldTarget}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: build rewrite aliases: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGXStore) DeleteAliasesForTarget(ctx context.Context, target string) error {
	sql, args, err := s.psql.Delete("capability_aliases").
		Where(sq.Eq{"target_fqdn": target}).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build delete aliases: %w", err)
	}
	_, err = s.pool.Exec(ctx, sql, args...)
	return err
}

// WithTx opens a transaction and runs fn with a Store bound to it, used by
// the capability registry's rename operation (spec §4.6 steps 1-5: the old
// record's aliases must flip to the new FQDN atomically with the rename).
func (s *PGXStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &txExec{psql: s.psql, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// txExec reimplements the Store contract against a single pgx.Tx so
// RewriteAliasesTarget and friends participate in Rename's transaction.
type txExec struct {
	psql sq.StatementBuilderType
	tx   pgx.Tx
}

func (t *txExec) InsertCapability(ctx context.Context, rec CapabilityRecord) error {
	sql, args, err := t.psql.Insert("capability_records").
		Columns(capabilityColumns...).
		Values(
			rec.ID, rec.DisplayName, rec.Org, rec.Project, rec.Namespace, rec.Action, rec.Hash,
			rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt, rec.Version, rec.Visibility, rec.Routing,
			rec.CodeSnippet, rec.Description, rec.Tags, rec.ParametersSchema, rec.ToolsUsed,
			rec.UsageCount, rec.SuccessCount, rec.TotalLatencyMS,
		).
		ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *txExec) GetCapabilityByFQDN(ctx context.Context, fqdn string) (CapabilityRecord, error) {
	org, project, namespace, action, shortHash, err := splitFQDN(fqdn)
	if err != nil {
		return CapabilityRecord{}, err
	}
	sql, args, err := t.psql.Select(capabilityColumns...).
		From("capability_records").
		Where(sq.Eq{"org": org, "project": project, "namespace": namespace, "action": action}).
		Where(sq.Like{"hash": shortHash + "%"}).
		Limit(1).
		ToSql()
	if err != nil {
		return CapabilityRecord{}, err
	}
	var rec CapabilityRecord
	row := t.tx.QueryRow(ctx, sql, args...)
	err = row.Scan(
		&rec.ID, &rec.DisplayName, &rec.Org, &rec.Project, &rec.Namespace, &rec.Action, &rec.Hash,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version, &rec.Visibility, &rec.Routing,
		&rec.CodeSnippet, &rec.Description, &rec.Tags, &rec.ParametersSchema, &rec.ToolsUsed,
		&rec.UsageCount, &rec.SuccessCount, &rec.TotalLatencyMS,
	)
	if err == pgx.ErrNoRows {
		return CapabilityRecord{}, ErrNotFound
	}
	return rec, err
}

func (t *txExec) GetCapabilityByDisplayName(ctx context.Context, org, project, name string) (CapabilityRecord, error) {
	return CapabilityRecord{}, fmt.Errorf("store: GetCapabilityByDisplayName not used inside rename tx")
}

func (t *txExec) GetPublicCapabilityByDisplayName(ctx context.Context, name string) (CapabilityRecord, error) {
	return CapabilityRecord{}, fmt.Errorf("store: GetPublicCapabilityByDisplayName not used inside rename tx")
}

func (t *txExec) DeleteCapability(ctx context.Context, fqdn string) error {
	org, project, namespace, action, shortHash, err := splitFQDN(fqdn)
	if err != nil {
		return err
	}
	sql, args, err := t.psql.Delete("capability_records").
		Where(sq.Eq{"org": org, "project": project, "namespace": namespace, "action": action}).
		Where(sq.Like{"hash": shortHash + "%"}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *txExec) RecordUsage(ctx context.Context, fqdn string, success bool, latencyMS int64) error {
	return fmt.Errorf("store: RecordUsage not used inside rename tx")
}

func (t *txExec) UpsertAlias(ctx context.Context, a Alias) error {
	sql, args, err := t.psql.Insert("capability_aliases").
		Columns("org", "project", "alias_name", "target_fqdn", "created_at").
		Values(a.Org, a.Project, a.AliasName, a.TargetFQDN, a.CreatedAt).
		Suffix("ON CONFLICT (org, project, alias_name) DO UPDATE SET target_fqdn = EXCLUDED.target_fqdn").
		ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *txExec) GetAlias(ctx context.Context, org, project, name string) (Alias, error) {
	sql, args, err := t.psql.Select("org", "project", "alias_name", "target_fqdn", "created_at").
		From("capability_aliases").
		Where(sq.Eq{"org": org, "project": project, "alias_name": name}).
		ToSql()
	if err != nil {
		return Alias{}, err
	}
	var a Alias
	err = t.tx.QueryRow(ctx, sql, args...).Scan(&a.Org, &a.Project, &a.AliasName, &a.TargetFQDN, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return Alias{}, ErrNotFound
	}
	return a, err
}

func (t *txExec) RewriteAliasesTarget(ctx context.Context, oldTarget, newTarget string) (int, error) {
	sql, args, err := t.psql.Update("capability_aliases").
		Set("target_fqdn", newTarget).
		Where(sq.Eq{"target_fqdn": oldTarget}).
		ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *txExec) DeleteAliasesForTarget(ctx context.Context, target string) error {
	sql, args, err := t.psql.Delete("capability_aliases").
		Where(sq.Eq{"target_fqdn": target}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *txExec) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}
