package allocation

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedAllocation is returned when an external allocation is
	// missing a required field or carries a non-numeric quota.
	ErrMalformedAllocation = errors.New("malformed allocation")

	// ErrSourceNotFound is returned by stores when no Source has the key.
	ErrSourceNotFound = errors.New("allocation source not found")
)

// MalformedAllocationError names the offending field.
type MalformedAllocationError struct {
	AllocationID string
	Field        string
	Value        string
}

func (e *MalformedAllocationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("malformed allocation %q: missing %s", e.AllocationID, e.Field)
	}
	return fmt.Sprintf("malformed allocation %q: invalid %s %q", e.AllocationID, e.Field, e.Value)
}

func (e *MalformedAllocationError) Unwrap() error {
	return ErrMalformedAllocation
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSourceNotFound)
}
