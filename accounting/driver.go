/*
driver.go - Cached accounting lookups for one resource

PURPOSE:
  Stateful facade over Client. Fetches allocations, projects and project
  memberships for a single resource name, memoizing each collection on
  first use until ClearCache() is called.

CACHES:
  allocations   GET /v1/allocations/resource/{resource}
  projects      GET /v1/projects/resource/{resource}
  projectUsers  projects, each enriched via GET /v1/projects/{id}/users

  A nil slice means "not fetched yet"; an empty non-nil slice is a cached
  empty result. Caches belong to the Driver instance, never to the package.

CONCURRENCY:
  A Driver is NOT safe for concurrent use. Run one batch job at a time per
  Driver, or give each goroutine its own Driver.

DUPLICATE IDS:
  Lookups by id log an error when more than one record matches and return
  the first. The service does not strictly guarantee uniqueness.

SEE ALSO:
  - client.go:   Transport
  - response.go: Validation applied to every payload here
*/
package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Default values used when reporting jobs.
const (
	DefaultResource    = "Jetstream"
	DefaultQueueName   = "Atmosphere Queue"
	DefaultSchedulerID = "use.jetstream-cloud.org"
)

// Driver memoizes accounting data for one resource.
type Driver struct {
	client   *Client
	resource string
	log      *zap.Logger

	allocations  []Allocation
	projects     []Project
	projectUsers []Project
}

// NewDriver creates a driver with empty caches.
func NewDriver(client *Client, resource string, log *zap.Logger) *Driver {
	if resource == "" {
		resource = DefaultResource
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		client:   client,
		resource: resource,
		log:      log.With(zap.String("resource", resource)),
	}
}

// Resource returns the resource name this driver is scoped to.
func (d *Driver) Resource() string {
	return d.resource
}

// =============================================================================
// CACHED COLLECTIONS
// =============================================================================

// AllAllocations returns every allocation on the resource.
func (d *Driver) AllAllocations(ctx context.Context) ([]Allocation, error) {
	if d.allocations != nil {
		return d.allocations, nil
	}

	var allocations []Allocation
	if err := d.getResult(ctx, "/v1/allocations/resource/"+url.PathEscape(d.resource), &allocations); err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	if allocations == nil {
		allocations = []Allocation{}
	}
	d.allocations = allocations
	return d.allocations, nil
}

// AllProjects returns every project on the resource.
func (d *Driver) AllProjects(ctx context.Context) ([]Project, error) {
	if d.projects != nil {
		return d.projects, nil
	}

	var projects []Project
	if err := d.getResult(ctx, "/v1/projects/resource/"+url.PathEscape(d.resource), &projects); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	if projects == nil {
		projects = []Project{}
	}
	d.projects = projects
	return d.projects, nil
}

// AllProjectUsers returns every project with its Users populated.
func (d *Driver) AllProjectUsers(ctx context.Context) ([]Project, error) {
	if d.projectUsers != nil {
		return d.projectUsers, nil
	}

	projects, err := d.AllProjects(ctx)
	if err != nil {
		return nil, err
	}

	enriched := make([]Project, 0, len(projects))
	for _, p := range projects {
		users, err := d.projectMembers(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list users of project %s: %w", p.ID, err)
		}
		p.Users = users
		enriched = append(enriched, p)
	}
	d.projectUsers = enriched
	return d.projectUsers, nil
}

func (d *Driver) projectMembers(ctx context.Context, projectID ID) ([]string, error) {
	var members []projectUser
	if err := d.getResult(ctx, "/v1/projects/"+url.PathEscape(projectID.String())+"/users", &members); err != nil {
		return nil, err
	}
	usernames := make([]string, 0, len(members))
	for _, m := range members {
		usernames = append(usernames, m.Username)
	}
	return usernames, nil
}

// ClearCache drops every cached collection.
func (d *Driver) ClearCache() {
	d.allocations = nil
	d.projects = nil
	d.projectUsers = nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

// FindProjectsFor returns the projects username belongs to. An empty
// username returns every project.
func (d *Driver) FindProjectsFor(ctx context.Context, username string) ([]Project, error) {
	projects, err := d.AllProjectUsers(ctx)
	if err != nil {
		return nil, err
	}
	if username == "" {
		return projects, nil
	}

	var matches []Project
	for _, p := range projects {
		if p.HasUser(username) {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

// GetAllocation returns the allocation with the given id, or nil.
func (d *Driver) GetAllocation(ctx context.Context, id string) (*Allocation, error) {
	allocations, err := d.AllAllocations(ctx)
	if err != nil {
		return nil, err
	}

	want := NormalizeID(id)
	var matches []Allocation
	for _, a := range allocations {
		if a.ID == want {
			matches = append(matches, a)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) > 1 {
		d.log.Error("more than one allocation matches id", zap.String("id", want.String()), zap.Int("matches", len(matches)))
	}
	return &matches[0], nil
}

// GetProject returns the project with the given id, or nil.
func (d *Driver) GetProject(ctx context.Context, id string) (*Project, error) {
	projects, err := d.AllProjects(ctx)
	if err != nil {
		return nil, err
	}

	want := NormalizeID(id)
	var matches []Project
	for _, p := range projects {
		if p.ID == want {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) > 1 {
		d.log.Error("more than one project matches id", zap.String("id", want.String()), zap.Int("matches", len(matches)))
	}
	return &matches[0], nil
}

// ResolveUsername maps an external alias to the accounting username.
func (d *Driver) ResolveUsername(ctx context.Context, alias string) (string, error) {
	_, body, err := d.client.Get(ctx, "/v1/users/xsede/"+url.PathEscape(alias))
	if err != nil {
		return "", err
	}

	// Any reported non-success status is a miss, whatever else the body holds.
	if _, hasStatus := body["status"]; hasStatus && body.Status() != StatusSuccess {
		unsuccessful := &UnsuccessfulResponseError{Status: body.Status(), Message: body.message()}
		return "", fmt.Errorf("%w: %v", &NoSuchUserError{Alias: alias}, unsuccessful)
	}

	var username string
	if err := DecodeResult(body, &username); err != nil {
		return "", err
	}
	if username == "" {
		return "", &NoSuchUserError{Alias: alias}
	}
	return username, nil
}

// LookupUsername is ResolveUsername with the miss reported as found=false
// instead of an error. Transport and malformed-envelope errors still return.
func (d *Driver) LookupUsername(ctx context.Context, alias string) (string, bool, error) {
	username, err := d.ResolveUsername(ctx, alias)
	if errors.Is(err, ErrNoSuchUser) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return username, true, nil
}

// UserAllocations returns the (project, allocation) pairs of username that
// belong to resource. With raiseOnError false, any failure is logged and an
// empty result returned so multi-user batches keep going.
func (d *Driver) UserAllocations(ctx context.Context, username, resource string, raiseOnError bool) ([]ProjectAllocation, error) {
	if resource == "" {
		resource = d.resource
	}

	var projects []Project
	err := d.getResult(ctx, "/v1/projects/username/"+url.PathEscape(username), &projects)
	if err != nil {
		if raiseOnError {
			return nil, fmt.Errorf("list projects of %s: %w", username, err)
		}
		d.log.Warn("could not list user allocations", zap.String("username", username), zap.Error(err))
		return nil, nil
	}

	var pairs []ProjectAllocation
	for _, p := range projects {
		for _, a := range p.Allocations {
			if strings.EqualFold(a.Resource, resource) {
				pairs = append(pairs, ProjectAllocation{Project: p, Allocation: a})
			}
		}
	}
	return pairs, nil
}

// =============================================================================
// REPORTING
// =============================================================================

// ReportJob posts service-unit consumption to /v1/jobs.
func (d *Driver) ReportJob(ctx context.Context, r JobReport) (Body, error) {
	if r.Username == "" || r.Project == "" {
		return nil, errors.New("job report requires username and project")
	}
	if r.SUs.IsNegative() {
		return nil, fmt.Errorf("job report SUs must not be negative, got %s", r.SUs)
	}
	if r.QueueName == "" {
		r.QueueName = DefaultQueueName
	}
	if r.SchedulerID == "" {
		r.SchedulerID = DefaultSchedulerID
	}
	if r.Resource == "" {
		r.Resource = d.resource
	}

	payload := jobReportPayload{
		SUs:         json.Number(r.SUs.String()),
		Username:    r.Username,
		Project:     r.Project,
		QueueName:   r.QueueName,
		Resource:    r.Resource,
		SchedulerID: r.SchedulerID,
		QueueUTC:    r.Start.UTC().Format(JobReportTimeLayout),
		StartUTC:    r.Start.UTC().Format(JobReportTimeLayout),
		EndUTC:      r.End.UTC().Format(JobReportTimeLayout),
	}

	resp, body, err := d.client.Post(ctx, "/v1/jobs", payload)
	if err != nil {
		return nil, err
	}
	body, err = Validate(body)
	if err != nil {
		d.log.Error("job report rejected", zap.String("username", r.Username), zap.String("project", r.Project), zap.Error(err))
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UnsuccessfulResponseError{Status: StatusSuccess, Message: fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)}
	}
	return body, nil
}

// getResult fetches path, validates the envelope and decodes result into out.
func (d *Driver) getResult(ctx context.Context, path string, out any) error {
	_, body, err := d.client.Get(ctx, path)
	if err != nil {
		return err
	}
	return DecodeResult(body, out)
}
