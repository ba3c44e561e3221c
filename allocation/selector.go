package allocation

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/allocation-engine/accounting"
)

// StatusActive is the only allocation status that can be selected.
const StatusActive = "active"

// timestamp layouts the accounting service has been seen to send.
// Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an allocation start or end value.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Selector picks the currently valid allocation of a project.
type Selector struct {
	Log *zap.Logger
}

// SelectValid is Selector.Select without logging.
func SelectValid(allocations []accounting.Allocation, now time.Time) (*accounting.Allocation, bool) {
	return Selector{}.Select(allocations, now)
}

// Select returns the first allocation with start < now < end and an active
// status. Input order decides the winner when several qualify.
func (s Selector) Select(allocations []accounting.Allocation, now time.Time) (*accounting.Allocation, bool) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	for i := range allocations {
		a := &allocations[i]
		fields := []zap.Field{zap.String("allocation_id", a.ID.String()), zap.String("project", a.Project)}

		start, err := ParseTimestamp(a.Start)
		if err != nil {
			log.Info("skipping allocation with unreadable start", append(fields, zap.Error(err))...)
			continue
		}
		end, err := ParseTimestamp(a.End)
		if err != nil {
			log.Info("skipping allocation with unreadable end", append(fields, zap.Error(err))...)
			continue
		}

		// An allocation at exactly its end boundary is expired.
		if !start.Before(now) || !now.Before(end) {
			log.Info("skipping allocation outside its validity window",
				append(fields, zap.Time("start", start), zap.Time("end", end), zap.Time("now", now))...)
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(a.Status), StatusActive) {
			log.Info("skipping inactive allocation", append(fields, zap.String("status", a.Status))...)
			continue
		}
		return a, true
	}
	return nil, false
}
