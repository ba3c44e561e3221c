/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the allocation model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Sources:   SourceDTO, UserSourceDTO
  Users:     UserDTO, CreateUserRequest
  Jobs:      FillSourcesResponse, FillUserSourcesResponse, AuditResponse,
             ValidateAccountResponse
  Runs:      SyncRunDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// SourceDTO represents an allocation source in API responses.
type SourceDTO struct {
	SourceID       string `json:"source_id"`
	Name           string `json:"name"`
	ComputeAllowed int64  `json:"compute_allowed"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// UserSourceDTO links a user to a source.
type UserSourceDTO struct {
	Username  string `json:"username"`
	SourceID  string `json:"source_id"`
	CreatedAt string `json:"created_at,omitempty"`
}

// UserDTO represents a local user.
type UserDTO struct {
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	DateJoined string `json:"date_joined"`
}

// CreateUserRequest is the request to create a local user.
type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// FillSourcesResponse is returned by the fill-sources trigger.
type FillSourcesResponse struct {
	Created     int  `json:"created"`
	ForceUpdate bool `json:"force_update"`
}

// FillUserSourcesResponse maps usernames to their granted sources.
type FillUserSourcesResponse struct {
	Users       map[string][]SourceDTO `json:"users"`
	Links       int                    `json:"links"`
	ForceUpdate bool                   `json:"force_update"`
}

// AuditResponse lists users without an allocation on the resource.
type AuditResponse struct {
	Resource string    `json:"resource"`
	Users    []UserDTO `json:"users"`
}

// ValidateAccountResponse reports whether a user holds an allocation.
type ValidateAccountResponse struct {
	Username string `json:"username"`
	Resource string `json:"resource"`
	Valid    bool   `json:"valid"`
}

// SyncRunDTO represents one batch job execution.
type SyncRunDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	ForceUpdate bool   `json:"force_update"`
	Processed   int    `json:"processed"`
	Created     int    `json:"created"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toSourceDTO(s allocation.Source) SourceDTO {
	dto := SourceDTO{
		SourceID:       s.SourceID,
		Name:           s.Name,
		ComputeAllowed: s.ComputeAllowed,
	}
	if !s.CreatedAt.IsZero() {
		dto.CreatedAt = s.CreatedAt.Format(time.RFC3339)
	}
	if !s.UpdatedAt.IsZero() {
		dto.UpdatedAt = s.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toSourceDTOs(sources []allocation.Source) []SourceDTO {
	dtos := make([]SourceDTO, len(sources))
	for i, s := range sources {
		dtos[i] = toSourceDTO(s)
	}
	return dtos
}

func toUserDTO(u allocation.User) UserDTO {
	return UserDTO{
		Username:   u.Username,
		Email:      u.Email,
		DateJoined: u.DateJoined.Format(time.RFC3339),
	}
}

func toSyncRunDTO(r allocation.SyncRun) SyncRunDTO {
	dto := SyncRunDTO{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Status:      string(r.Status),
		ForceUpdate: r.ForceUpdate,
		Processed:   r.Processed,
		Created:     r.Created,
		Error:       r.Error,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
