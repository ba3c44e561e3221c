/*
Package accounting is a client for the external allocation accounting service.

PURPOSE:
  Fetches allocations, projects and project memberships for one resource
  (cloud platform), validates every response envelope, and memoizes the
  reference data for the lifetime of a Driver.

KEY CONCEPTS IN THIS FILE (types.go):
  - ID: identifier normalised to a canonical string
  - Quantity: raw numeric text, validated by consumers
  - Allocation / Project: transient records decoded from "result"

ID NORMALISATION:
  The service sends ids as JSON numbers in some endpoints and strings in
  others. Both decode into ID, which trims whitespace and strips a trailing
  ".0" from integral floats, so "99", 99 and 99.0 compare equal.

SEE ALSO:
  - client.go:   HTTP transport
  - response.go: Envelope validation
  - driver.go:   Cached lookups
*/
package accounting

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ID is an external identifier in canonical string form.
type ID string

// NormalizeID trims raw and strips an all-zero fraction from a run of
// digits ("99.0" -> "99"). Anything else is kept verbatim.
func NormalizeID(raw string) ID {
	s := strings.TrimSpace(raw)
	whole, frac, found := strings.Cut(s, ".")
	if found && isDigits(whole) && frac != "" && strings.Trim(frac, "0") == "" {
		return ID(whole)
	}
	return ID(s)
}

// normalizeNumberID canonicalizes an id sent as a JSON number.
func normalizeNumberID(raw string) ID {
	s := strings.TrimSpace(raw)
	if d, err := decimal.NewFromString(s); err == nil && d.Equal(d.Truncate(0)) {
		return ID(d.Truncate(0).String())
	}
	return ID(s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts both JSON strings and numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NormalizeID(s)
		return nil
	}
	*id = normalizeNumberID(string(data))
	return nil
}

func (id ID) String() string { return string(id) }

// Quantity holds a numeric field exactly as the service sent it. Strings are
// unquoted; anything else keeps its raw JSON text. Empty means absent.
type Quantity string

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quantity(strings.TrimSpace(s))
		return nil
	}
	*q = Quantity(data)
	return nil
}

// Decimal parses the quantity. ok is false when absent or non-numeric.
func (q Quantity) Decimal() (decimal.Decimal, bool) {
	if q == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(string(q))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// =============================================================================
// RECORDS
// =============================================================================

// Allocation is a grant of service units to a project on one resource.
type Allocation struct {
	ID               ID       `json:"id"`
	Project          string   `json:"project"`
	ProjectID        ID       `json:"projectId"`
	Resource         string   `json:"resource"`
	ComputeAllocated Quantity `json:"computeAllocated"`
	ComputeUsed      Quantity `json:"computeUsed"`
	Start            string   `json:"start"`
	End              string   `json:"end"`
	Status           string   `json:"status"`
}

// Project groups allocations. Users is only populated by AllProjectUsers.
type Project struct {
	ID          ID           `json:"id"`
	Title       string       `json:"title"`
	Allocations []Allocation `json:"allocations"`
	Users       []string     `json:"users,omitempty"`
}

// HasUser reports whether username is a member of the project.
func (p Project) HasUser(username string) bool {
	for _, u := range p.Users {
		if u == username {
			return true
		}
	}
	return false
}

// ProjectAllocation pairs a project with one of its allocations.
type ProjectAllocation struct {
	Project    Project
	Allocation Allocation
}

// projectUser is one entry of /v1/projects/{id}/users.
type projectUser struct {
	Username string `json:"username"`
}

// =============================================================================
// JOB REPORTS
// =============================================================================

// JobReportTimeLayout is the timestamp format /v1/jobs expects.
const JobReportTimeLayout = "2006-01-02T15:04:05"

// JobReport describes service-unit consumption to post to /v1/jobs.
type JobReport struct {
	Username    string
	Project     string
	SUs         decimal.Decimal
	QueueName   string
	SchedulerID string
	Resource    string
	Start       time.Time
	End         time.Time
}

type jobReportPayload struct {
	SUs         json.Number `json:"sus"`
	Username    string      `json:"username"`
	Project     string      `json:"project"`
	QueueName   string      `json:"queueName"`
	Resource    string      `json:"resource"`
	SchedulerID string      `json:"schedulerId"`
	QueueUTC    string      `json:"queueUTC"`
	StartUTC    string      `json:"startUTC"`
	EndUTC      string      `json:"endUTC"`
}
