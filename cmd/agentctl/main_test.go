package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

type seenRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

// fakeServer answers with fixed replies per "METHOD path" and records what
// it received.
type fakeServer struct {
	mu      sync.Mutex
	seen    []seenRequest
	replies map[string]func(w http.ResponseWriter)
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{replies: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.seen = append(f.seen, seenRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		reply, ok := f.replies[r.Method+" "+r.URL.Path]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		reply(w)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) reply(route string, status int, v interface{}) {
	f.replies[route] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (f *fakeServer) last(t *testing.T) seenRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.seen)
	return f.seen[len(f.seen)-1]
}

// execute runs rootCmd with args against server, resetting flag state first.
func execute(t *testing.T, server string, stdin string, args ...string) (string, string, error) {
	t.Helper()
	serverURL, adminToken, timeout, outputJSON = server, "", 5*time.Second, false
	listRepo, listAll, listLimit = "", false, 50
	cancelReason = ""
	installationID, ciStatus, ciConclusion = 0, "completed", ""
	scrubAllowlist = ""

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--server", server}, args...))
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestCommands_Registered(t *testing.T) {
	want := []string{"health", "list", "get", "cancel", "start", "restart", "ci", "scrub"}
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
}

func TestHealth(t *testing.T) {
	f, srv := newFakeServer(t)

	f.reply("GET /health", http.StatusOK, HealthResponse{Status: "ok", Checks: map[string]string{"database": "ok"}})
	out, _, err := execute(t, srv.URL, "", "health", "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "database: ok")
	assert.Empty(t, f.last(t).Auth, "health is not an admin route")

	f.reply("GET /health", http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Checks: map[string]string{"nats": "nats CLOSED"}})
	out, _, err = execute(t, srv.URL, "", "health")
	assert.EqualError(t, err, "server is degraded")
	assert.Contains(t, out, "nats: nats CLOSED")
}

func TestList(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("GET /api/v1/iterations", http.StatusOK, listResponse{
		Iterations: []iteration.Record{{
			ID:                 4,
			RepositoryFullName: "acme/widgets",
			IssueNumber:        42,
			PRNumber:           7,
			Status:             iteration.StatusWaitingCI,
			CurrentIteration:   2,
			MaxIterations:      5,
		}},
		Count: 1,
	})

	out, _, err := execute(t, srv.URL, "", "list", "--token", "tok", "--repo", "acme/widgets", "--all", "--limit", "10")
	require.NoError(t, err)

	req := f.last(t)
	assert.Equal(t, "Bearer tok", req.Auth)
	assert.Equal(t, "all=true&limit=10&repo=acme%2Fwidgets", req.Query)
	assert.Contains(t, out, "acme/widgets")
	assert.Contains(t, out, "waiting_ci")
	assert.Contains(t, out, "2/5")
	assert.Contains(t, out, "#7")
}

func TestList_Empty(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("GET /api/v1/iterations", http.StatusOK, listResponse{})

	out, _, err := execute(t, srv.URL, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No iterations found.")
}

func TestGet(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("GET /api/v1/iterations/acme/widgets/42", http.StatusOK, iteration.Record{
		ID:                 4,
		RepositoryFullName: "acme/widgets",
		IssueNumber:        42,
		IssueTitle:         "Add health endpoint",
		Status:             iteration.StatusRunning,
		MaxIterations:      5,
	})

	out, _, err := execute(t, srv.URL, "", "get", "acme/widgets", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "#42 Add health endpoint")
	assert.Contains(t, out, "running")

	_, _, err = execute(t, srv.URL, "", "get", "acme/widgets", "43")
	assert.ErrorContains(t, err, "status 404: not found")

	_, _, err = execute(t, srv.URL, "", "get", "widgets", "42")
	assert.ErrorContains(t, err, "owner/name")
}

func TestCancel(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("POST /api/v1/iterations/4/cancel", http.StatusOK, iteration.Record{
		ID:                 4,
		RepositoryFullName: "acme/widgets",
		IssueNumber:        42,
		Status:             iteration.StatusCancelled,
	})

	out, _, err := execute(t, srv.URL, "", "cancel", "4", "--reason", "wrong issue", "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled iteration 4 (acme/widgets#42)")
	assert.JSONEq(t, `{"reason":"wrong issue"}`, f.last(t).Body)

	_, _, err = execute(t, srv.URL, "", "cancel", "x")
	assert.ErrorContains(t, err, "positive number")
}

func TestStartAndRestart(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("POST /api/v1/cycles", http.StatusAccepted, taskResponse{TaskID: "task-1"})

	out, _, err := execute(t, srv.URL, "", "start", "acme/widgets", "42", "--installation-id", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "Dispatched task task-1")

	var req orchestrator.StartRequest
	require.NoError(t, json.Unmarshal([]byte(f.last(t).Body), &req))
	assert.Equal(t, orchestrator.StartRequest{Repository: "acme/widgets", IssueNumber: 42, InstallationID: 9}, req)

	_, _, err = execute(t, srv.URL, "", "restart", "acme/widgets", "42")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(f.last(t).Body), &req))
	assert.True(t, req.Restart)

	_, _, err = execute(t, srv.URL, "", "start", "acme/widgets", "0")
	assert.Error(t, err)
}

func TestCI(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("POST /api/v1/ci-events", http.StatusAccepted, taskResponse{TaskID: "task-2"})

	out, _, err := execute(t, srv.URL, "", "ci", "acme/widgets", "7", "--conclusion", "failure", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"task-2"}`, out)

	var ev orchestrator.CIEvent
	require.NoError(t, json.Unmarshal([]byte(f.last(t).Body), &ev))
	assert.Equal(t, orchestrator.CIEvent{Repository: "acme/widgets", PRNumber: 7, Status: "completed", Conclusion: "failure"}, ev)
}

func TestAPIErrorMessage(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("GET /api/v1/iterations", http.StatusUnauthorized, map[string]string{"error": "unauthorized"})

	_, _, err := execute(t, srv.URL, "", "list")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Message)
}

func TestScrub(t *testing.T) {
	token := "ghp_" + strings.Repeat("A1b2C3d4E5", 3) + "f6G7h8"

	out, errOut, err := execute(t, "http://unused", "export GITHUB_TOKEN="+token+"\n", "scrub")
	require.NoError(t, err)
	assert.NotContains(t, out, token)
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, errOut, "github-pat")

	_, _, err = execute(t, "http://unused", "", "scrub", "-")
	assert.EqualError(t, err, "no content to scrub")
}
