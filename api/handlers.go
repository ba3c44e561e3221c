/*
handlers.go - HTTP API handlers for allocation synchronization

PURPOSE:
  Exposes the synced allocation sources and the batch jobs via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  allocation package.

ENDPOINTS:
  Sources:
    GET    /api/sources                      List all sources
    GET    /api/sources/{id}                 Get one source

  Users:
    GET    /api/users                        List local users
    POST   /api/users                        Create local user
    GET    /api/users/{username}/sources     Sources linked to a user
    GET    /api/users/{username}/validate    Does the user hold an allocation

  Admin:
    POST   /api/admin/fill-sources           Mirror every allocation (?force=true)
    POST   /api/admin/fill-user-sources      Link every user (?force=true)
    GET    /api/admin/users-without-allocation  Audit (read only)

  Sync runs:
    GET    /api/sync/runs                    Job history (?status=&limit=)

ARCHITECTURE:
  Handler holds the store and a driver factory. Every job request gets a
  fresh Driver, so caches never outlive one run. Jobs are serialized by mu.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input
  - 404: Source or user not found
  - 422: Accounting data failed validation (malformed allocation)
  - 502: Accounting service unreachable, malformed or unsuccessful
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. Run behind an authenticating proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Periodic execution of the same jobs
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// DriverFactory returns a Driver with empty caches.
type DriverFactory func() allocation.Driver

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	NewDriver DriverFactory
	Log       *zap.Logger

	mu sync.Mutex // one job at a time
}

// NewHandler creates a new handler with the given store and driver factory.
func NewHandler(store *sqlite.Store, newDriver DriverFactory, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		NewDriver: newDriver,
		Log:       log,
	}
}

// jobs wires a Jobs value over a fresh driver.
func (h *Handler) jobs() *allocation.Jobs {
	j := allocation.NewJobs(h.NewDriver(), h.Store, h.Store, h.Log)
	j.Runs = h.Store
	return j
}

// RunSync runs fill-sources then fill-user-sources under the job lock.
func (h *Handler) RunSync(ctx context.Context, forceUpdate bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	jobs := h.jobs()
	if _, err := jobs.FillAllocationSources(ctx, forceUpdate); err != nil {
		return err
	}
	_, err := jobs.FillUserAllocationSources(ctx, forceUpdate)
	return err
}

// =============================================================================
// SOURCE HANDLERS
// =============================================================================

// ListSources returns all allocation sources.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.Store.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sources", err)
		return
	}

	writeJSON(w, http.StatusOK, toSourceDTOs(sources))
}

// GetSource returns a single source.
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	id := string(accounting.NormalizeID(chi.URLParam(r, "id")))

	src, err := h.Store.GetSource(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get source", err)
		return
	}
	if src == nil {
		writeError(w, http.StatusNotFound, "Source not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toSourceDTO(*src))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all local users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users", err)
		return
	}

	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser creates or updates a local user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.SaveUser(ctx, allocation.User{Username: req.Username, Email: req.Email}); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user", err)
		return
	}
	u, err := h.Store.GetUser(ctx, req.Username)
	if err != nil || u == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load created user", err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserDTO(*u))
}

// ListUserSources returns the sources a user is linked to.
func (h *Handler) ListUserSources(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	ctx := r.Context()

	u, err := h.Store.GetUser(ctx, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user", err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}

	links, err := h.Store.ListUserSources(ctx, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list user sources", err)
		return
	}

	dtos := make([]SourceDTO, 0, len(links))
	for _, link := range links {
		src, err := h.Store.GetSource(ctx, link.SourceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get source", err)
			return
		}
		if src != nil {
			dtos = append(dtos, toSourceDTO(*src))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ValidateAccount reports whether a user holds an allocation on the
// configured resource.
// GET /api/users/{username}/validate
func (h *Handler) ValidateAccount(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	h.mu.Lock()
	defer h.mu.Unlock()

	jobs := h.jobs()
	ok, err := jobs.ValidateAccount(r.Context(), username)
	if err != nil {
		writeJobError(w, "Failed to validate account", err)
		return
	}

	writeJSON(w, http.StatusOK, ValidateAccountResponse{
		Username: username,
		Resource: jobs.Driver.Resource(),
		Valid:    ok,
	})
}

// =============================================================================
// ADMIN (JOB) HANDLERS
// =============================================================================

// TriggerFillSources mirrors every external allocation into a source.
// POST /api/admin/fill-sources?force=true
func (h *Handler) TriggerFillSources(w http.ResponseWriter, r *http.Request) {
	force, err := forceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid force parameter", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	created, err := h.jobs().FillAllocationSources(r.Context(), force)
	if err != nil {
		writeJobError(w, "Failed to fill allocation sources", err)
		return
	}

	writeJSON(w, http.StatusOK, FillSourcesResponse{Created: created, ForceUpdate: force})
}

// TriggerFillUserSources links every local user to their valid allocations.
// POST /api/admin/fill-user-sources?force=true
func (h *Handler) TriggerFillUserSources(w http.ResponseWriter, r *http.Request) {
	force, err := forceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid force parameter", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	granted, err := h.jobs().FillUserAllocationSources(r.Context(), force)
	if err != nil {
		writeJobError(w, "Failed to fill user allocation sources", err)
		return
	}

	resp := FillUserSourcesResponse{Users: make(map[string][]SourceDTO, len(granted)), ForceUpdate: force}
	for username, sources := range granted {
		resp.Users[username] = toSourceDTOs(sources)
		resp.Links += len(sources)
	}
	writeJSON(w, http.StatusOK, resp)
}

// UsersWithoutAllocation lists local users with no allocation on the
// resource. Nothing is written.
// GET /api/admin/users-without-allocation
func (h *Handler) UsersWithoutAllocation(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	jobs := h.jobs()
	users, err := jobs.CollectUsersWithoutAllocation(r.Context())
	if err != nil {
		writeJobError(w, "Failed to audit users", err)
		return
	}

	resp := AuditResponse{Resource: jobs.Driver.Resource(), Users: make([]UserDTO, len(users))}
	for i, u := range users {
		resp.Users[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// SYNC RUN ENDPOINTS
// =============================================================================

// ListSyncRuns returns batch job history, newest first.
// GET /api/sync/runs
func (h *Handler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListSyncRuns(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get sync runs", err)
		return
	}

	dtos := make([]SyncRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toSyncRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeJobError maps job failures onto HTTP status codes.
func writeJobError(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Details: err.Error()}
	status := http.StatusInternalServerError

	var malformed *allocation.MalformedAllocationError
	switch {
	case accounting.IsUpstreamError(err):
		status = http.StatusBadGateway
		resp.Code = "upstream_error"
	case errors.As(err, &malformed):
		status = http.StatusUnprocessableEntity
		resp.Code = "malformed_allocation"
		resp.Details = map[string]string{
			"allocation_id": malformed.AllocationID,
			"field":         malformed.Field,
			"reason":        err.Error(),
		}
	case allocation.IsNotFound(err):
		status = http.StatusNotFound
		resp.Code = "not_found"
	}
	writeJSON(w, status, resp)
}

func forceParam(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("force")
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
