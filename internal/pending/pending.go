// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: pending-store-v1-ttl-sweep
package pending

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Casys-AI/casys-pml-sub012/internal/metrics"
	"github.com/Casys-AI/casys-pml-sub012/internal/perr"
)

const storeRevision = "pending-store-v1-ttl-sweep"

func init() {
	log.Printf("[pending] REVISION: %s loaded at %s", storeRevision, time.Now().Format(time.RFC3339))
}

// Entry is a suspended workflow awaiting human approval or the next
// chunk of cloud-planned code (spec §4.5, HIL_PAUSE / RESUME).
type Entry struct {
	WorkflowID  string
	Code        string
	DAG         []byte // raw JSON DAG structure, opaque to this package
	Cursor      int    // index of the next DAG step to run on resume
	Reason      string // why the workflow paused: the approval kind, e.g. "tool_permission"
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ResumeToken string
}

// Expired reports whether e's TTL has lapsed as of now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Store holds suspended workflows in memory, keyed by workflow id, and
// evicts expired entries on a cron-driven sweep (spec §4.5: "entries unclaimed
// past their TTL are discarded and RESUME fails with a not-found error").
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration

	cron *cron.Cron
}

// New creates a Store with the given default TTL for new entries.
func New(ttl time.Duration) *Store {
	return &Store{
		entries: make(map[string]Entry),
		ttl:     ttl,
	}
}

// StartSweeper schedules a periodic eviction sweep using a cron spec
// expressed as a Go duration (e.g. "@every 1m"). Call the returned stop
// function to halt it.
func (s *Store) StartSweeper(every time.Duration) (stop func()) {
	c := cron.New()
	spec := "@every " + every.String()
	_, err := c.AddFunc(spec, s.sweep)
	if err != nil {
		log.Printf("[pending] failed to schedule sweep %q: %v", spec, err)
		return func() {}
	}
	s.cron = c
	c.Start()
	return func() { c.Stop() }
}

// Sweep forces an immediate eviction pass, used by the `admin.sweep_now`
// meta-tool instead of waiting for the next scheduled run.
func (s *Store) Sweep() {
	s.sweep()
}

func (s *Store) sweep() {
	now := time.Now()
	s.mu.Lock()
	removed := 0
	for id, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	metrics.PendingSweeps.Inc()
	metrics.PendingWorkflows.Set(float64(remaining))
	if removed > 0 {
		log.Printf("[pending] sweep evicted %d expired entries, %d remaining", removed, remaining)
	}
}

// Put suspends a workflow, setting its expiry to now+ttl.
func (s *Store) Put(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.CreatedAt.Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[e.WorkflowID] = e
	s.mu.Unlock()
	metrics.PendingWorkflows.Set(float64(s.Len()))
}

// Get retrieves a pending entry by workflow id. An expired entry is treated
// as absent even if the sweeper hasn't yet removed it.
func (s *Store) Get(workflowID string) (Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[workflowID]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, perr.Wrap(perr.KindNotFound, "workflow not pending", perr.ErrWorkflowNotFound)
	}
	if e.Expired(time.Now()) {
		return Entry{}, perr.Wrap(perr.KindNotFound, "workflow pending entry expired", perr.ErrWorkflowExpired)
	}
	return e, nil
}

// Resolve removes and returns a pending entry atomically, used by RESUME
// to consume the suspension point exactly once.
func (s *Store) Resolve(workflowID string) (Entry, error) {
	s.mu.Lock()
	e, ok := s.entries[workflowID]
	if ok {
		delete(s.entries, workflowID)
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	metrics.PendingWorkflows.Set(float64(remaining))
	if !ok {
		return Entry{}, perr.Wrap(perr.KindNotFound, "workflow not pending", perr.ErrWorkflowNotFound)
	}
	if e.Expired(time.Now()) {
		return Entry{}, perr.Wrap(perr.KindNotFound, "workflow pending entry expired", perr.ErrWorkflowExpired)
	}
	return e, nil
}

// Abort removes a pending entry without returning an error if it is already
// gone, used by the `abort` meta-tool which is idempotent by design.
func (s *Store) Abort(workflowID string) {
	s.mu.Lock()
	delete(s.entries, workflowID)
	remaining := len(s.entries)
	s.mu.Unlock()
	metrics.PendingWorkflows.Set(float64(remaining))
}

// Len returns the current number of (possibly expired, not-yet-swept) entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// List returns a snapshot of all live (unexpired) entries, used by
// `admin.list_pending`.
func (s *Store) List() []Entry {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}
