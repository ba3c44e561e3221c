/*
jobs.go - Batch synchronization entry points

PURPOSE:
  Runs the Reconciler across every external allocation or every local
  user. Invoked by the scheduler, the admin API and the CLI.

JOBS:
  FillAllocationSources          all allocations -> Sources (returns created count)
  FillUserAllocationSources      all users -> UserSources (returns username -> Sources)
  CollectUsersWithoutAllocation  audit only, never writes
  ValidateAccount                does a user hold any allocation on the resource

FAILURE POLICY:
  Fill jobs stop at the first store or project lookup error. A failed
  username lookup never aborts a batch: the user fill falls back to the
  local name and the audit treats the user as having no allocation. Both
  log the failure.

CONCURRENCY:
  Jobs share one Driver whose caches are not goroutine-safe. Run one job
  at a time per Jobs value.

SEE ALSO:
  - reconcile.go: Per-record logic
  - api/scheduler.go: Periodic execution
*/
package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/accounting"
)

// Driver is the part of accounting.Driver the batch jobs use.
type Driver interface {
	ProjectFinder
	Resource() string
	AllAllocations(ctx context.Context) ([]accounting.Allocation, error)
	UserAllocations(ctx context.Context, username, resource string, raiseOnError bool) ([]accounting.ProjectAllocation, error)
}

// Jobs bundles the collaborators of the batch jobs.
type Jobs struct {
	Driver     Driver
	Reconciler *Reconciler
	Users      UserStore
	Runs       RunStore // optional
	Log        *zap.Logger
}

// NewJobs wires jobs over one driver and store.
func NewJobs(driver Driver, store Store, users UserStore, log *zap.Logger) *Jobs {
	if log == nil {
		log = zap.NewNop()
	}
	return &Jobs{
		Driver:     driver,
		Reconciler: NewReconciler(store, log),
		Users:      users,
		Log:        log,
	}
}

// =============================================================================
// FILL JOBS
// =============================================================================

// FillAllocationSources mirrors every external allocation. It returns the
// number of Sources created.
func (j *Jobs) FillAllocationSources(ctx context.Context, forceUpdate bool) (int, error) {
	run := j.startRun(ctx, JobFillSources, forceUpdate)

	allocations, err := j.Driver.AllAllocations(ctx)
	if err != nil {
		return 0, j.failRun(ctx, run, err)
	}

	created := 0
	for _, a := range allocations {
		run.Processed++
		_, isNew, err := j.Reconciler.GetOrCreateSource(ctx, a, forceUpdate)
		if err != nil {
			run.Created = created
			return created, j.failRun(ctx, run, err)
		}
		if isNew {
			created++
		}
	}

	run.Created = created
	j.completeRun(ctx, run)
	j.Log.Info("filled allocation sources",
		zap.Int("allocations", len(allocations)),
		zap.Int("created", created),
		zap.Bool("force_update", forceUpdate),
	)
	return created, nil
}

// FillUserAllocationSources links every local user, in username order, to
// their valid allocations. The result maps username to granted Sources.
func (j *Jobs) FillUserAllocationSources(ctx context.Context, forceUpdate bool) (map[string][]Source, error) {
	run := j.startRun(ctx, JobFillUserSources, forceUpdate)

	users, err := j.Users.ListUsers(ctx)
	if err != nil {
		return nil, j.failRun(ctx, run, fmt.Errorf("list users: %w", err))
	}

	granted := make(map[string][]Source, len(users))
	for _, u := range users {
		run.Processed++
		externalName := j.externalNameOrLocal(ctx, u.Username)
		sources, err := j.Reconciler.FillUserSourcesAs(ctx, j.Driver, u, externalName, forceUpdate)
		if err != nil {
			return granted, j.failRun(ctx, run, err)
		}
		granted[u.Username] = sources
		run.Created += len(sources)
	}

	j.completeRun(ctx, run)
	j.Log.Info("filled user allocation sources", zap.Int("users", len(users)), zap.Int("links", run.Created))
	return granted, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// CollectUsersWithoutAllocation returns the users with no allocation on the
// driver's resource. Nothing is written.
func (j *Jobs) CollectUsersWithoutAllocation(ctx context.Context) ([]User, error) {
	run := j.startRun(ctx, JobAuditUsers, false)

	users, err := j.Users.ListUsers(ctx)
	if err != nil {
		return nil, j.failRun(ctx, run, fmt.Errorf("list users: %w", err))
	}

	var missing []User
	for _, u := range users {
		run.Processed++
		externalName := j.externalNameOrLocal(ctx, u.Username)
		pairs, _ := j.Driver.UserAllocations(ctx, externalName, j.Driver.Resource(), false)
		if len(pairs) == 0 {
			missing = append(missing, u)
		}
	}

	run.Created = len(missing)
	j.completeRun(ctx, run)
	j.Log.Info("audited users", zap.Int("users", len(users)), zap.Int("without_allocation", len(missing)))
	return missing, nil
}

// ValidateAccount reports whether username holds at least one allocation on
// the driver's resource.
func (j *Jobs) ValidateAccount(ctx context.Context, username string) (bool, error) {
	externalName, found, err := j.Driver.LookupUsername(ctx, username)
	if err != nil {
		return false, fmt.Errorf("resolve accounting username of %s: %w", username, err)
	}
	if !found {
		externalName = username
	}
	pairs, err := j.Driver.UserAllocations(ctx, externalName, j.Driver.Resource(), true)
	if err != nil {
		return false, err
	}
	return len(pairs) > 0, nil
}

// externalNameOrLocal resolves the accounting username, falling back to the
// local name on a miss or lookup failure.
func (j *Jobs) externalNameOrLocal(ctx context.Context, username string) string {
	externalName, found, err := j.Driver.LookupUsername(ctx, username)
	if err != nil {
		j.Log.Warn("username lookup failed, using local name", zap.String("username", username), zap.Error(err))
		return username
	}
	if !found {
		return username
	}
	return externalName
}

// =============================================================================
// RUN RECORDS
// =============================================================================

func (j *Jobs) startRun(ctx context.Context, kind JobKind, forceUpdate bool) *SyncRun {
	run := &SyncRun{
		ID:          uuid.NewString(),
		Kind:        kind,
		Status:      RunRunning,
		ForceUpdate: forceUpdate,
		StartedAt:   time.Now().UTC(),
	}
	j.saveRun(ctx, run)
	return run
}

func (j *Jobs) completeRun(ctx context.Context, run *SyncRun) {
	now := time.Now().UTC()
	run.Status = RunCompleted
	run.CompletedAt = &now
	j.saveRun(ctx, run)
}

func (j *Jobs) failRun(ctx context.Context, run *SyncRun, err error) error {
	now := time.Now().UTC()
	run.Status = RunFailed
	run.Error = err.Error()
	run.CompletedAt = &now
	j.saveRun(ctx, run)
	j.Log.Error("sync job failed", zap.String("job", string(run.Kind)), zap.String("run_id", run.ID), zap.Error(err))
	return err
}

// saveRun logs save failures instead of returning them.
func (j *Jobs) saveRun(ctx context.Context, run *SyncRun) {
	if j.Runs == nil {
		return
	}
	if err := j.Runs.SaveSyncRun(ctx, *run); err != nil {
		j.Log.Warn("could not save sync run", zap.String("run_id", run.ID), zap.Error(err))
	}
}
