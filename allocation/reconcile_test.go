package allocation_test

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/allocation/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestReconciler(t *testing.T) (*allocation.Reconciler, *store.Memory) {
	mem := store.NewMemory()
	r := allocation.NewReconciler(mem, zaptest.NewLogger(t))
	r.Now = func() time.Time { return now }
	return r, mem
}

// =============================================================================
// GET OR CREATE SOURCE
// =============================================================================

func TestGetOrCreateSource_Twice_NoDuplicate(t *testing.T) {
	r, mem := newTestReconciler(t)
	ctx := context.Background()
	a := accounting.Allocation{ID: "99", Project: "proj-A", ComputeAllocated: "1000"}

	src, created, err := r.GetOrCreateSource(ctx, a, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, allocation.Source{SourceID: "99", Name: "proj-A", ComputeAllowed: 1000}, stripTimes(src))

	_, created, err = r.GetOrCreateSource(ctx, a, false)
	require.NoError(t, err)
	assert.False(t, created)

	all, err := mem.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetOrCreateSource_NoForce_LeavesExistingUntouched(t *testing.T) {
	r, mem := newTestReconciler(t)
	ctx := context.Background()

	_, _, err := r.GetOrCreateSource(ctx, accounting.Allocation{ID: "1", Project: "old", ComputeAllocated: "10"}, false)
	require.NoError(t, err)

	src, created, err := r.GetOrCreateSource(ctx, accounting.Allocation{ID: "1", Project: "new", ComputeAllocated: "20"}, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "old", src.Name)
	assert.Equal(t, int64(10), src.ComputeAllowed)

	stored, err := mem.GetSource(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.ComputeAllowed)
}

func TestGetOrCreateSource_ForceUpdate_ChangesCompute(t *testing.T) {
	r, mem := newTestReconciler(t)
	ctx := context.Background()

	_, _, err := r.GetOrCreateSource(ctx, accounting.Allocation{ID: "1", Project: "old", ComputeAllocated: "10"}, false)
	require.NoError(t, err)

	src, created, err := r.GetOrCreateSource(ctx, accounting.Allocation{ID: "1", Project: "renamed", ComputeAllocated: "25.9"}, true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "1", src.SourceID)
	assert.Equal(t, "renamed", src.Name)
	assert.Equal(t, int64(25), src.ComputeAllowed)

	stored, err := mem.GetSource(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "1", stored.SourceID)
	assert.Equal(t, "renamed", stored.Name)
	assert.Equal(t, int64(25), stored.ComputeAllowed)
}

func TestGetOrCreateSource_Malformed(t *testing.T) {
	r, mem := newTestReconciler(t)
	ctx := context.Background()

	cases := map[string]struct {
		alloc accounting.Allocation
		field string
	}{
		"missing id":         {accounting.Allocation{Project: "p", ComputeAllocated: "1"}, "id"},
		"missing project":    {accounting.Allocation{ID: "1", ComputeAllocated: "1"}, "project"},
		"missing compute":    {accounting.Allocation{ID: "1", Project: "p"}, "computeAllocated"},
		"non-numeric string": {accounting.Allocation{ID: "1", Project: "p", ComputeAllocated: "lots"}, "computeAllocated"},
		"non-numeric json":   {accounting.Allocation{ID: "1", Project: "p", ComputeAllocated: "true"}, "computeAllocated"},
		"quota overflows":    {accounting.Allocation{ID: "1", Project: "p", ComputeAllocated: "1e20"}, "computeAllocated"},
		"quota underflows":   {accounting.Allocation{ID: "1", Project: "p", ComputeAllocated: "-1e20"}, "computeAllocated"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := r.GetOrCreateSource(ctx, tc.alloc, true)
			assert.ErrorIs(t, err, allocation.ErrMalformedAllocation)
			var malformed *allocation.MalformedAllocationError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, tc.field, malformed.Field)
		})
	}

	all, err := mem.ListSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "malformed allocations must not reach the store")
}

func TestSourceFromAllocation_QuotaRange(t *testing.T) {
	// GIVEN: Quotas at and beyond the int64 range
	// WHEN: Converting them to Sources
	// THEN: Values that fit are kept exactly, larger ones are rejected with their raw text

	src, err := allocation.SourceFromAllocation(accounting.Allocation{
		ID: "1", Project: "p", ComputeAllocated: "9223372036854775807.9",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), src.ComputeAllowed)

	src, err = allocation.SourceFromAllocation(accounting.Allocation{
		ID: "1", Project: "p", ComputeAllocated: "-9223372036854775808",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), src.ComputeAllowed)

	_, err = allocation.SourceFromAllocation(accounting.Allocation{
		ID: "1", Project: "p", ComputeAllocated: "1e20",
	})
	var malformed *allocation.MalformedAllocationError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "computeAllocated", malformed.Field)
	assert.Equal(t, "1e20", malformed.Value)
	assert.Equal(t, "1", malformed.AllocationID)
}

func TestGetOrCreateSource_NumericJSONQuota(t *testing.T) {
	r, _ := newTestReconciler(t)

	var a accounting.Allocation
	require.NoError(t, json.Unmarshal([]byte(`{"id": 5, "project": "p", "computeAllocated": 1500000.0}`), &a))

	src, created, err := r.GetOrCreateSource(context.Background(), a, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "5", src.SourceID)
	assert.Equal(t, int64(1500000), src.ComputeAllowed)
}

// =============================================================================
// FILL USER SOURCES - end to end over HTTP
// =============================================================================

func TestFillUserSourcesFor_JetstreamScenario(t *testing.T) {
	// GIVEN: Driver for "Jetstream"; one project with one active allocation
	//        and the user "alice" as its only member
	// WHEN: Filling alice's allocation sources
	// THEN: One Source(99, proj-A, 1000) and one UserSource link exist

	yesterday := time.Now().AddDate(0, 0, -1).UTC().Format(time.RFC3339)
	tomorrow := time.Now().AddDate(0, 0, 1).UTC().Format(time.RFC3339)

	routes := map[string]any{
		"/v1/projects/resource/Jetstream": []map[string]any{{
			"id": 1,
			"allocations": []map[string]any{{
				"id": 99, "project": "proj-A", "computeAllocated": "1000",
				"start": yesterday, "end": tomorrow, "status": "Active",
			}},
		}},
		"/v1/projects/1/users":  []map[string]any{{"username": "alice"}},
		"/v1/users/xsede/alice": "alice",
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		b, _ := json.Marshal(map[string]any{"status": "success", "result": result})
		io.WriteString(w, string(b))
	}))
	defer server.Close()

	log := zaptest.NewLogger(t)
	driver := accounting.NewDriver(accounting.NewClient(server.URL, "", ""), "Jetstream", log)
	mem := store.NewMemory()
	r := allocation.NewReconciler(mem, log)
	ctx := context.Background()

	user := allocation.User{Username: "alice"}
	sources, err := r.FillUserSourcesFor(ctx, driver, user, true)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, allocation.Source{SourceID: "99", Name: "proj-A", ComputeAllowed: 1000}, stripTimes(sources[0]))

	all, err := mem.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	links, err := mem.ListUserSources(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "99", links[0].SourceID)

	// Idempotent on repeat
	_, err = r.FillUserSourcesFor(ctx, driver, user, true)
	require.NoError(t, err)
	links, err = mem.ListUserSources(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestFillUserSourcesFor_UnfederatedUserFallsBackToLocalName(t *testing.T) {
	r, mem := newTestReconciler(t)
	driver := &stubDriver{
		projects: []accounting.Project{{
			ID:          "1",
			Title:       "TG-1",
			Users:       []string{"bob"},
			Allocations: []accounting.Allocation{alloc("7", stamp(now.AddDate(0, 0, -1)), stamp(now.AddDate(0, 0, 1)), "active")},
		}},
	}

	sources, err := r.FillUserSourcesFor(context.Background(), driver, allocation.User{Username: "bob"}, false)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	links, err := mem.ListUserSources(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestFillUserSourcesFor_ProjectWithoutValidAllocationSkipped(t *testing.T) {
	r, mem := newTestReconciler(t)
	driver := &stubDriver{
		aliases: map[string]string{"carol": "carol-tacc"},
		projects: []accounting.Project{
			{
				ID:          "1",
				Users:       []string{"carol-tacc"},
				Allocations: []accounting.Allocation{alloc("expired", stamp(now.AddDate(0, -2, 0)), stamp(now.AddDate(0, -1, 0)), "active")},
			},
			{
				ID:          "2",
				Users:       []string{"carol-tacc"},
				Allocations: []accounting.Allocation{alloc("ok", stamp(now.AddDate(0, 0, -1)), stamp(now.AddDate(0, 0, 1)), "active")},
			},
		},
	}

	sources, err := r.FillUserSourcesFor(context.Background(), driver, allocation.User{Username: "carol"}, false)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "ok", sources[0].SourceID)

	links, err := mem.ListUserSources(context.Background(), "carol")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "ok", links[0].SourceID)
}

func stripTimes(s allocation.Source) allocation.Source {
	s.CreatedAt = time.Time{}
	s.UpdatedAt = time.Time{}
	return s
}
