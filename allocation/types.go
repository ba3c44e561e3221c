/*
Package allocation reconciles local allocation sources with the accounting
service.

PURPOSE:
  Owns the two persisted entities (Source, UserSource) and every write to
  them. Reads external data through the accounting package, picks the
  valid allocation per project, and upserts local records idempotently.

KEY CONCEPTS IN THIS FILE (types.go):
  - Source: one sponsor allocation, keyed by the external SourceID
  - UserSource: "this user may consume this source"
  - User: a local identity
  - SyncRun: audit record of one batch job

INVARIANTS:
  1. Exactly one Source per SourceID
  2. Exactly one UserSource per (Username, SourceID)
  3. Only the Reconciler mutates Source and UserSource

SEE ALSO:
  - selector.go:  Valid allocation selection
  - reconcile.go: Get-or-create logic
  - jobs.go:      Batch entry points
  - store.go:     Persistence interfaces
*/
package allocation

import "time"

// =============================================================================
// PERSISTED ENTITIES
// =============================================================================

// Source is a sponsor allocation mirrored from the accounting service.
type Source struct {
	SourceID       string
	Name           string
	ComputeAllowed int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserSource links a local user to a Source.
type UserSource struct {
	Username  string
	SourceID  string
	CreatedAt time.Time
}

// User is a local identity.
type User struct {
	Username   string
	Email      string
	DateJoined time.Time
}

// =============================================================================
// SYNC RUNS
// =============================================================================

// JobKind names a batch job.
type JobKind string

const (
	JobFillSources     JobKind = "fill_sources"
	JobFillUserSources JobKind = "fill_user_sources"
	JobAuditUsers      JobKind = "audit_users"
)

// RunStatus is the lifecycle state of a SyncRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// SyncRun records one execution of a batch job.
type SyncRun struct {
	ID          string
	Kind        JobKind
	Status      RunStatus
	ForceUpdate bool
	Processed   int // allocations or users visited
	Created     int // sources (or user links) created
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
