package allocation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/allocation"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func stamp(t time.Time) string { return t.Format(time.RFC3339) }

func alloc(id, start, end, status string) accounting.Allocation {
	return accounting.Allocation{
		ID:               accounting.ID(id),
		Project:          "proj-" + id,
		ComputeAllocated: "1000",
		Start:            start,
		End:              end,
		Status:           status,
	}
}

func TestSelectValid_SkipsNotYetStarted(t *testing.T) {
	// GIVEN: A future allocation listed before a current one
	// WHEN: Selecting
	// THEN: The current (second) allocation wins

	allocations := []accounting.Allocation{
		alloc("1", stamp(now.AddDate(0, 0, 1)), stamp(now.AddDate(0, 1, 0)), "Active"),
		alloc("2", stamp(now.AddDate(0, 0, -1)), stamp(now.AddDate(0, 1, 0)), "Active"),
	}

	got, ok := allocation.SelectValid(allocations, now)
	require.True(t, ok)
	assert.Equal(t, accounting.ID("2"), got.ID)
}

func TestSelectValid_AllPending_None(t *testing.T) {
	allocations := []accounting.Allocation{
		alloc("1", stamp(now.AddDate(0, 0, -1)), stamp(now.AddDate(0, 0, 1)), "pending"),
		alloc("2", stamp(now.AddDate(0, 0, -2)), stamp(now.AddDate(0, 0, 2)), "Pending"),
	}

	got, ok := allocation.SelectValid(allocations, now)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSelectValid_EndEqualsNow_Excluded(t *testing.T) {
	allocations := []accounting.Allocation{
		alloc("1", stamp(now.AddDate(0, 0, -1)), stamp(now), "active"),
	}

	_, ok := allocation.SelectValid(allocations, now)
	assert.False(t, ok)
}

func TestSelectValid_StartEqualsNow_Excluded(t *testing.T) {
	allocations := []accounting.Allocation{
		alloc("1", stamp(now), stamp(now.AddDate(0, 0, 1)), "active"),
	}

	_, ok := allocation.SelectValid(allocations, now)
	assert.False(t, ok)
}

func TestSelectValid_FirstMatchWins(t *testing.T) {
	// Both qualify; order, not size or recency, decides.
	small := alloc("small", stamp(now.AddDate(0, 0, -1)), stamp(now.AddDate(0, 0, 1)), "ACTIVE")
	big := alloc("big", stamp(now.AddDate(-1, 0, 0)), stamp(now.AddDate(1, 0, 0)), "Active")
	big.ComputeAllocated = "1000000"

	got, ok := allocation.SelectValid([]accounting.Allocation{small, big}, now)
	require.True(t, ok)
	assert.Equal(t, accounting.ID("small"), got.ID)
}

func TestSelectValid_UnparseableDatesSkipped(t *testing.T) {
	allocations := []accounting.Allocation{
		alloc("1", "yesterday", stamp(now.AddDate(0, 0, 1)), "active"),
		alloc("2", "2026-03-01", "2026-04-01T00:00:00", "active"),
	}

	got, ok := allocation.SelectValid(allocations, now)
	require.True(t, ok)
	assert.Equal(t, accounting.ID("2"), got.ID)
}

func TestSelectValid_Empty(t *testing.T) {
	_, ok := allocation.SelectValid(nil, now)
	assert.False(t, ok)
}

func TestParseTimestamp_Layouts(t *testing.T) {
	for _, s := range []string{
		"2026-03-10T12:00:00Z",
		"2026-03-10T12:00:00",
		"2026-03-10 12:00:00",
		"2026-03-10T07:00:00-05:00",
	} {
		got, err := allocation.ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, got.Equal(now), s)
	}

	_, err := allocation.ParseTimestamp("")
	assert.Error(t, err)
}
