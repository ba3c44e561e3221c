package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/allocation-engine/config"
)

// fakeAccounting serves one project (id 1) with one current allocation
// (id 99) whose only member is alice. bob is unknown upstream.
type fakeAccounting struct {
	*httptest.Server

	mu       sync.Mutex
	lastPost map[string]any
}

func newFakeAccounting(t *testing.T) *fakeAccounting {
	t.Helper()
	now := time.Now().UTC()
	allocation := map[string]any{
		"id": 99, "project": "proj-A", "computeAllocated": "1000", "resource": "Jetstream",
		"start": now.AddDate(0, 0, -1).Format(time.RFC3339), "end": now.AddDate(0, 0, 1).Format(time.RFC3339),
		"status": "Active",
	}
	project := map[string]any{"id": 1, "title": "TG-A", "allocations": []any{allocation}}
	routes := map[string]any{
		"/v1/allocations/resource/Jetstream": []any{allocation},
		"/v1/projects/resource/Jetstream":    []any{project},
		"/v1/projects/1/users":               []any{map[string]any{"username": "alice"}},
		"/v1/users/xsede/alice":              "alice",
		"/v1/projects/username/alice":        []any{project},
		"/v1/projects/username/bob":          []any{},
	}

	f := &fakeAccounting{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost && r.URL.Path == "/v1/jobs" {
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			f.mu.Lock()
			f.lastPost = payload
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"status": "success", "result": payload})
			return
		}
		result, ok := routes[r.URL.Path]
		if !ok {
			json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "not found", "result": nil})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "result": result})
	}))
	t.Cleanup(f.Close)
	return f
}

func newTestConfig(t *testing.T, apiURL string) *config.Config {
	return &config.Config{
		APIURL:      apiURL,
		Resource:    "Jetstream",
		HTTPTimeout: 5 * time.Second,
		DBPath:      filepath.Join(t.TempDir(), "data", "allocations.db"),
		LogLevel:    "debug",
	}
}

func run(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&app{out: &out, cfg: cfg, log: zaptest.NewLogger(t)})
	root.SetArgs(args)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_SyncFlow(t *testing.T) {
	// GIVEN: Two local users, alice (a member upstream) and bob (unknown)
	// WHEN: Running sources, users, audit and validate in order
	// THEN: alice is linked to source 99 and bob is reported without allocation

	api := newFakeAccounting(t)
	cfg := newTestConfig(t, api.URL)

	_, err := run(t, cfg, "add-user", "alice", "--email", "alice@example.com")
	require.NoError(t, err)
	_, err = run(t, cfg, "add-user", "bob")
	require.NoError(t, err)

	out, err := run(t, cfg, "sources")
	require.NoError(t, err)
	assert.Equal(t, "created 1 sources\n", out)

	out, err = run(t, cfg, "sources", "--force")
	require.NoError(t, err)
	assert.Equal(t, "created 0 sources\n", out)

	out, err = run(t, cfg, "users")
	require.NoError(t, err)
	assert.Equal(t, "alice: 99\nbob: \n", out)

	out, err = run(t, cfg, "audit")
	require.NoError(t, err)
	assert.Equal(t, "bob\n", out)

	out, err = run(t, cfg, "validate", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice: valid on Jetstream\n", out)

	out, err = run(t, cfg, "validate", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob: no allocation on Jetstream\n", out)
}

func TestCLI_ReportJob(t *testing.T) {
	api := newFakeAccounting(t)
	cfg := newTestConfig(t, api.URL)

	out, err := run(t, cfg, "report-job",
		"--username", "alice", "--project", "TG-A", "--sus", "12.5",
		"--start", "2026-03-10T10:00:00", "--end", "2026-03-10 12:00:00")
	require.NoError(t, err)
	assert.Equal(t, "reported 12.5 SUs for alice on TG-A\n", out)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.NotNil(t, api.lastPost)
	assert.Equal(t, "alice", api.lastPost["username"])
	assert.Equal(t, "TG-A", api.lastPost["project"])
	assert.Equal(t, 12.5, api.lastPost["sus"])
	assert.Equal(t, "Jetstream", api.lastPost["resource"])
	assert.Equal(t, "Atmosphere Queue", api.lastPost["queueName"])
	assert.Equal(t, "2026-03-10T10:00:00", api.lastPost["startUTC"])
	assert.Equal(t, "2026-03-10T12:00:00", api.lastPost["endUTC"])
}

func TestCLI_ReportJob_InvalidInput(t *testing.T) {
	api := newFakeAccounting(t)
	cfg := newTestConfig(t, api.URL)

	cases := map[string][]string{
		"bad sus":      {"--sus", "lots", "--start", "2026-03-10T10:00:00", "--end", "2026-03-10T12:00:00"},
		"bad start":    {"--sus", "1", "--start", "noon", "--end", "2026-03-10T12:00:00"},
		"end precedes": {"--sus", "1", "--start", "2026-03-10T12:00:00", "--end", "2026-03-10T10:00:00"},
		"negative sus": {"--sus", "-1", "--start", "2026-03-10T10:00:00", "--end", "2026-03-10T12:00:00"},
	}
	for name, flags := range cases {
		t.Run(name, func(t *testing.T) {
			args := append([]string{"report-job", "--username", "alice", "--project", "TG-A"}, flags...)
			_, err := run(t, cfg, args...)
			assert.Error(t, err)
		})
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Nil(t, api.lastPost, "invalid reports must not reach the service")
}

func TestCLI_UpstreamFailure(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	cfg := newTestConfig(t, down.URL)

	_, err := run(t, cfg, "sources")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
