package githost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OneBeatTrue/code-agent/internal/config"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

func newTestClient(t *testing.T) (*Client, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = u

	retry := RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	return NewClient(gh, nil, retry, logging.NewNop()), mux
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		in      string
		owner   string
		repo    string
		wantErr bool
	}{
		{"acme/api", "acme", "api", false},
		{"acme", "", "", true},
		{"/api", "", "", true},
		{"acme/", "", "", true},
		{"acme/api/extra", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := SplitRepo(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

func TestClient_GetIssue(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("GET /repos/acme/api/issues/42", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"number": 42,
			"title":  "Add health endpoint",
			"body":   "We need /health",
			"state":  "open",
			"labels": []map[string]string{{"name": "AI-Agent"}, {"name": "bug"}},
		})
	})

	issue, err := c.GetIssue(context.Background(), "acme/api", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, "Add health endpoint", issue.Title)
	assert.False(t, issue.IsPullRequest)
	assert.True(t, issue.HasLabel("ai-agent"))
}

func TestClient_ReadsRetryTransientFailures(t *testing.T) {
	c, mux := newTestClient(t)
	var calls atomic.Int32
	mux.HandleFunc("GET /repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(t, w, http.StatusBadGateway, map[string]string{"message": "bad gateway"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]string{"default_branch": "trunk"})
	})

	branch, err := c.DefaultBranch(context.Background(), "acme/api")
	require.NoError(t, err)
	assert.Equal(t, "trunk", branch)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_GetFile(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("GET /repos/acme/api/contents/main.go", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "agent/issue-42", r.URL.Query().Get("ref"))
		writeJSON(t, w, http.StatusOK, map[string]string{
			"type":     "file",
			"encoding": "base64",
			"path":     "main.go",
			"sha":      "abc123",
			"content":  base64.StdEncoding.EncodeToString([]byte("package main\n")),
		})
	})
	mux.HandleFunc("GET /repos/acme/api/contents/missing.go", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})

	f, err := c.GetFile(context.Background(), "acme/api", "main.go", "agent/issue-42")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "package main\n", f.Content)
	assert.Equal(t, "abc123", f.SHA)

	missing, err := c.GetFile(context.Background(), "acme/api", "missing.go", "agent/issue-42")
	assert.NoError(t, err, "404 is an absent file, not an error")
	assert.Nil(t, missing)
}

func TestClient_CreateBranch(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		message    string
		wantExists bool
	}{
		{"reference exists", http.StatusUnprocessableEntity, "Reference already exists", true},
		{"server error", http.StatusInternalServerError, "boom", false},
		{"forbidden", http.StatusForbidden, "Resource not accessible by integration", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mux := newTestClient(t)
			var calls atomic.Int32
			mux.HandleFunc("POST /repos/acme/api/git/refs", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(t, w, tt.status, map[string]string{"message": tt.message})
			})

			err := c.CreateBranch(context.Background(), "acme/api", "agent/issue-42", "deadbeef")
			require.Error(t, err)
			assert.Equal(t, tt.wantExists, IsAlreadyExists(err))
			assert.Equal(t, int32(1), calls.Load(), "mutations are not retried")

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestClient_UpdateBranch(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("PATCH /repos/acme/api/git/refs/heads/agent/issue-42", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cafe", body["sha"])
		assert.Equal(t, true, body["force"])
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"ref": "refs/heads/agent/issue-42"})
	})

	require.NoError(t, c.UpdateBranch(context.Background(), "acme/api", "agent/issue-42", "cafe", true))
}

func TestClient_PutFile(t *testing.T) {
	c, mux := newTestClient(t)
	var got map[string]interface{}
	mux.HandleFunc("PUT /repos/acme/api/contents/pkg/health.go", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(t, w, http.StatusOK, map[string]interface{}{})
	})

	err := c.PutFile(context.Background(), "acme/api", FileWrite{
		Path:    "pkg/health.go",
		Content: "package pkg\n",
		Message: "Modify pkg/health.go for issue #42 (iteration 1)",
		Branch:  "agent/issue-42",
		SHA:     "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", got["sha"])
	assert.Equal(t, "agent/issue-42", got["branch"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("package pkg\n")), got["content"])
}

func TestClient_CreateReview(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("POST /repos/acme/api/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "APPROVE", body["event"])
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"id": 1})
	})

	require.NoError(t, c.CreateReview(context.Background(), "acme/api", 7, "Looks good", ReviewApprove))
}

func TestClient_ListPullRequestFiles_Paginates(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("GET /repos/acme/api/pulls/7/files", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			next := fmt.Sprintf(`<http://%s/repos/acme/api/pulls/7/files?page=2>; rel="next"`, r.Host)
			w.Header().Set("Link", next)
			writeJSON(t, w, http.StatusOK, []map[string]interface{}{
				{"filename": "a.go", "status": "added", "additions": 10, "changes": 10, "patch": "@@ -0,0 +1 @@\n+a"},
			})
			return
		}
		writeJSON(t, w, http.StatusOK, []map[string]interface{}{
			{"filename": "b.go", "status": "modified", "additions": 1, "deletions": 2, "changes": 3},
		})
	})

	files, err := c.ListPullRequestFiles(context.Background(), "acme/api", 7)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.go", files[0].Filename)
	assert.Equal(t, "added", files[0].Status)
	assert.Equal(t, 2, files[1].Deletions)
}

func TestClient_ListWorkflowRuns(t *testing.T) {
	c, mux := newTestClient(t)
	mux.HandleFunc("GET /repos/acme/api/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "agent/issue-42", r.URL.Query().Get("branch"))
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"total_count": 1,
			"workflow_runs": []map[string]interface{}{{
				"id":            11,
				"name":          "ci",
				"head_branch":   "agent/issue-42",
				"status":        "completed",
				"conclusion":    "success",
				"pull_requests": []map[string]interface{}{{"number": 7}},
			}},
		})
	})

	runs, err := c.ListWorkflowRuns(context.Background(), "acme/api", RunFilter{Branch: "agent/issue-42"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Completed())
	assert.Equal(t, []int{7}, runs[0].PullRequests)
}

func TestStaticTokens(t *testing.T) {
	_, err := StaticTokens{}.TokenSource(context.Background(), 1)
	assert.Error(t, err)

	ts, err := StaticTokens{Token: config.Secret("ghp_x")}.TokenSource(context.Background(), 1)
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "ghp_x", tok.AccessToken)
}

func TestClientProvider_Open(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		writeJSON(t, w, http.StatusOK, map[string]string{"default_branch": "main"})
	}))
	t.Cleanup(srv.Close)

	p := NewClientProvider(StaticTokens{Token: config.Secret("ghp_token")}, nil,
		WithAPIURL(srv.URL+"/api/v3/"))
	gw, err := p.Open(context.Background(), 99)
	require.NoError(t, err)
	defer gw.Close()

	branch, err := gw.DefaultBranch(context.Background(), "acme/api")
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.Equal(t, "Bearer ghp_token", auth.Load())
}
