/*
store.go - Persistence interfaces for allocation sources

PURPOSE:
  Defines what the Reconciler and batch jobs need from storage. Different
  implementations back these with SQLite or memory.

ATOMIC GET-OR-CREATE:
  GetOrCreateSource and GetOrCreateUserSource must be atomic in the store.
  Two drivers syncing the same SourceID concurrently rely on the store to
  resolve the race; this package never checks-then-inserts on its own.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:     Production SQLite
  - allocation/store/memory.go: In-memory for testing

SEE ALSO:
  - reconcile.go: Main consumer
*/
package allocation

import "context"

// Store persists Sources and UserSources.
type Store interface {
	// GetSource returns the Source with sourceID, or nil if absent.
	GetSource(ctx context.Context, sourceID string) (*Source, error)

	// GetOrCreateSource inserts src unless its SourceID exists, and returns
	// the stored record plus whether it was created.
	GetOrCreateSource(ctx context.Context, src Source) (Source, bool, error)

	// UpdateSource overwrites Name and ComputeAllowed of an existing Source.
	UpdateSource(ctx context.Context, src Source) error

	// ListSources returns every Source ordered by SourceID.
	ListSources(ctx context.Context) ([]Source, error)

	// GetOrCreateUserSource links username to sourceID exactly once.
	GetOrCreateUserSource(ctx context.Context, username, sourceID string) (UserSource, bool, error)

	// ListUserSources returns the links of one user.
	ListUserSources(ctx context.Context, username string) ([]UserSource, error)
}

// UserStore lists local identities.
type UserStore interface {
	// ListUsers returns every user ordered by username.
	ListUsers(ctx context.Context) ([]User, error)
}

// RunStore records batch job executions. Optional for Jobs.
type RunStore interface {
	SaveSyncRun(ctx context.Context, run SyncRun) error
}
