/*
reconcile.go - Create-or-update of local allocation sources

PURPOSE:
  Turns external allocation records into local Source rows and links
  users to them. Every write is a store-level get-or-create, so running
  the same sync twice never duplicates anything.

FORCE UPDATE:
  Existing Sources are left untouched unless forceUpdate is set. When set,
  ComputeAllowed is overwritten if the external quota differs and Name is
  always overwritten; SourceID never changes.

QUOTA COERCION:
  computeAllocated arrives as a number or numeric string. It is parsed as
  a decimal and truncated toward zero to whole service units. Values that
  do not fit an int64 are malformed.

SEE ALSO:
  - selector.go: Chooses which allocation of a project to sync
  - jobs.go:     Runs this over every allocation or user
*/
package allocation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/accounting"
)

// ProjectFinder is the part of accounting.Driver the Reconciler needs.
type ProjectFinder interface {
	LookupUsername(ctx context.Context, alias string) (string, bool, error)
	FindProjectsFor(ctx context.Context, username string) ([]accounting.Project, error)
}

// Reconciler is the only writer of Source and UserSource records.
type Reconciler struct {
	Store Store
	Log   *zap.Logger
	Now   func() time.Time
}

// NewReconciler creates a reconciler using wall-clock time.
func NewReconciler(store Store, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{Store: store, Log: log, Now: time.Now}
}

var (
	maxCompute = decimal.NewFromInt(math.MaxInt64)
	minCompute = decimal.NewFromInt(math.MinInt64)
)

// SourceFromAllocation extracts Source fields from an external allocation.
func SourceFromAllocation(a accounting.Allocation) (Source, error) {
	id := a.ID.String()
	if id == "" {
		return Source{}, &MalformedAllocationError{Field: "id"}
	}
	name := strings.TrimSpace(a.Project)
	if name == "" {
		return Source{}, &MalformedAllocationError{AllocationID: id, Field: "project"}
	}
	if a.ComputeAllocated == "" {
		return Source{}, &MalformedAllocationError{AllocationID: id, Field: "computeAllocated"}
	}
	compute, ok := a.ComputeAllocated.Decimal()
	if ok {
		compute = compute.Truncate(0)
	}
	if !ok || compute.GreaterThan(maxCompute) || compute.LessThan(minCompute) {
		return Source{}, &MalformedAllocationError{AllocationID: id, Field: "computeAllocated", Value: string(a.ComputeAllocated)}
	}

	return Source{
		SourceID:       id,
		Name:           name,
		ComputeAllowed: compute.IntPart(),
	}, nil
}

// GetOrCreateSource mirrors one external allocation into a local Source.
func (r *Reconciler) GetOrCreateSource(ctx context.Context, a accounting.Allocation, forceUpdate bool) (Source, bool, error) {
	want, err := SourceFromAllocation(a)
	if err != nil {
		return Source{}, false, err
	}

	src, created, err := r.Store.GetOrCreateSource(ctx, want)
	if err != nil {
		return Source{}, false, fmt.Errorf("get or create source %s: %w", want.SourceID, err)
	}
	if created {
		r.log().Info("created allocation source",
			zap.String("source_id", src.SourceID),
			zap.String("name", src.Name),
			zap.Int64("compute_allowed", src.ComputeAllowed),
		)
		return src, true, nil
	}
	if !forceUpdate {
		return src, false, nil
	}

	if src.ComputeAllowed != want.ComputeAllowed {
		r.log().Info("updating compute allowed",
			zap.String("source_id", src.SourceID),
			zap.Int64("from", src.ComputeAllowed),
			zap.Int64("to", want.ComputeAllowed),
		)
		src.ComputeAllowed = want.ComputeAllowed
	}
	src.Name = want.Name
	src.UpdatedAt = r.now()

	if err := r.Store.UpdateSource(ctx, src); err != nil {
		return Source{}, false, fmt.Errorf("update source %s: %w", src.SourceID, err)
	}
	return src, false, nil
}

// FillUserSourcesFor links user to the valid allocation of each project
// they belong to, creating Sources as needed. A failed username lookup is
// returned as an error.
func (r *Reconciler) FillUserSourcesFor(ctx context.Context, finder ProjectFinder, user User, forceUpdate bool) ([]Source, error) {
	externalName, found, err := finder.LookupUsername(ctx, user.Username)
	if err != nil {
		return nil, fmt.Errorf("resolve accounting username of %s: %w", user.Username, err)
	}
	if !found {
		// Not federated: the local name is assumed to be the accounting name.
		externalName = user.Username
	}
	return r.FillUserSourcesAs(ctx, finder, user, externalName, forceUpdate)
}

// FillUserSourcesAs is FillUserSourcesFor with the accounting username
// already resolved.
func (r *Reconciler) FillUserSourcesAs(ctx context.Context, finder ProjectFinder, user User, externalName string, forceUpdate bool) ([]Source, error) {
	projects, err := finder.FindProjectsFor(ctx, externalName)
	if err != nil {
		return nil, fmt.Errorf("find projects of %s: %w", externalName, err)
	}

	selector := Selector{Log: r.log()}
	now := r.now()
	var sources []Source
	for _, p := range projects {
		alloc, ok := selector.Select(p.Allocations, now)
		if !ok {
			r.log().Error("no valid allocation for project",
				zap.String("project_id", p.ID.String()),
				zap.String("project", p.Title),
				zap.String("username", user.Username),
			)
			continue
		}

		src, _, err := r.GetOrCreateSource(ctx, *alloc, forceUpdate)
		if err != nil {
			return nil, err
		}
		if _, _, err := r.Store.GetOrCreateUserSource(ctx, user.Username, src.SourceID); err != nil {
			return nil, fmt.Errorf("link %s to source %s: %w", user.Username, src.SourceID, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Reconciler) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}
