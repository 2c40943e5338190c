package webhook

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

type obj = map[string]interface{}

func repoPayload(owner, name string) obj {
	return obj{
		"name":      name,
		"full_name": owner + "/" + name,
		"owner":     obj{"login": owner},
	}
}

func issuePayload(number int, labels ...string) obj {
	ls := make([]obj, 0, len(labels))
	for _, l := range labels {
		ls = append(ls, obj{"name": l})
	}
	return obj{"number": number, "title": "Add health endpoint", "labels": ls}
}

func TestWebhook_Issues(t *testing.T) {
	tests := []struct {
		name    string
		payload obj
		want    *orchestrator.StartRequest
		reason  string
	}{
		{
			name: "labeled with the trigger label",
			payload: obj{
				"action":       "labeled",
				"label":        obj{"name": "ai-agent"},
				"issue":        issuePayload(42, "ai-agent"),
				"repository":   repoPayload("acme", "widgets"),
				"installation": obj{"id": 99},
			},
			want: &orchestrator.StartRequest{Repository: "acme/widgets", IssueNumber: 42, InstallationID: 99},
		},
		{
			name: "opened carrying the trigger label",
			payload: obj{
				"action":     "opened",
				"issue":      issuePayload(7, "bug", "AI-Agent"),
				"repository": repoPayload("acme", "widgets"),
			},
			want: &orchestrator.StartRequest{Repository: "acme/widgets", IssueNumber: 7},
		},
		{
			name: "labeled with another label",
			payload: obj{
				"action":     "labeled",
				"label":      obj{"name": "bug"},
				"issue":      issuePayload(42, "bug"),
				"repository": repoPayload("acme", "widgets"),
			},
			reason: "label is not the trigger label",
		},
		{
			name: "opened without the label",
			payload: obj{
				"action":     "opened",
				"issue":      issuePayload(42),
				"repository": repoPayload("acme", "widgets"),
			},
			reason: "issue does not carry the trigger label",
		},
		{
			name: "closed",
			payload: obj{
				"action":     "closed",
				"issue":      issuePayload(42, "ai-agent"),
				"repository": repoPayload("acme", "widgets"),
			},
			reason: "issue action closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(webhookRequest("issues", tt.payload))

			if tt.want == nil {
				require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
				resp := decode[DeliveryResponse](t, rec)
				assert.Equal(t, "ignored", resp.Status)
				assert.Equal(t, tt.reason, resp.Reason)
				assert.Empty(t, h.disp.starts)
				return
			}

			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
			resp := decode[DeliveryResponse](t, rec)
			assert.Equal(t, "accepted", resp.Status)
			assert.Equal(t, []string{"task-start"}, resp.Tasks)
			require.Len(t, h.disp.starts, 1)
			assert.Equal(t, *tt.want, h.disp.starts[0])
			assert.Equal(t, "72d3162e-cc78-11e3-81ab-4c9367dc0958", h.disp.ids[0])
		})
	}
}

func TestWebhook_InvalidRepositoryName(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(webhookRequest("issues", obj{
		"action":     "labeled",
		"label":      obj{"name": "ai-agent"},
		"issue":      issuePayload(42),
		"repository": repoPayload("acme", "wid gets;rm"),
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.disp.starts)
}

func TestWebhook_IssueComment(t *testing.T) {
	comment := func(body string, pr bool) obj {
		issue := issuePayload(42)
		if pr {
			issue["pull_request"] = obj{"url": "https://api.github.com/repos/acme/widgets/pulls/42"}
		}
		return obj{
			"action":     "created",
			"comment":    obj{"body": body},
			"issue":      issue,
			"repository": repoPayload("acme", "widgets"),
		}
	}

	t.Run("restart command restarts", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(webhookRequest("issue_comment", comment("  /agent restart please", false)))

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.Len(t, h.disp.starts, 1)
		assert.True(t, h.disp.starts[0].Restart)
		assert.Equal(t, 42, h.disp.starts[0].IssueNumber)
	})

	t.Run("ordinary comment is ignored", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(webhookRequest("issue_comment", comment("looks good", false)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, h.disp.starts)
	})

	t.Run("command on a pull request is ignored", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(webhookRequest("issue_comment", comment("/agent restart", true)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "comment is on a pull request", decode[DeliveryResponse](t, rec).Reason)
	})
}

func TestWebhook_WorkflowRun(t *testing.T) {
	run := func(action string, prs ...int) obj {
		list := make([]obj, 0, len(prs))
		for _, n := range prs {
			list = append(list, obj{"number": n})
		}
		return obj{
			"action": action,
			"workflow_run": obj{
				"id":            123,
				"status":        "completed",
				"conclusion":    "failure",
				"head_branch":   "agent/issue-42",
				"pull_requests": list,
			},
			"repository": repoPayload("acme", "widgets"),
		}
	}

	t.Run("one event per pull request", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(webhookRequest("workflow_run", run("completed", 7, 8, 7)))

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, []string{"task-ci", "task-ci"}, decode[DeliveryResponse](t, rec).Tasks)
		assert.Equal(t, []orchestrator.CIEvent{
			{Repository: "acme/widgets", PRNumber: 7, Status: "completed", Conclusion: "failure"},
			{Repository: "acme/widgets", PRNumber: 8, Status: "completed", Conclusion: "failure"},
		}, h.disp.events)
	})

	t.Run("requested is ignored", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(webhookRequest("workflow_run", run("requested", 7)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, h.disp.events)
	})

	t.Run("run without pull requests is ignored", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(webhookRequest("workflow_run", run("completed")))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no associated pull requests", decode[DeliveryResponse](t, rec).Reason)
	})

	t.Run("dispatch failure is 503", func(t *testing.T) {
		h := newHarness(t, nil)
		h.disp.err = errors.New("queue full")
		rec := h.do(webhookRequest("workflow_run", run("completed", 7)))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestWebhook_CheckSuite(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(webhookRequest("check_suite", obj{
		"action": "completed",
		"check_suite": obj{
			"id":            5,
			"status":        "completed",
			"conclusion":    "success",
			"pull_requests": []obj{{"number": 11}},
		},
		"repository": repoPayload("acme", "widgets"),
	}))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, h.disp.events, 1)
	assert.Equal(t, "success", h.disp.events[0].Conclusion)
	assert.Equal(t, 11, h.disp.events[0].PRNumber)
}

func TestWebhook_UnhandledEvent(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(webhookRequest("star", obj{"action": "created", "repository": repoPayload("acme", "widgets")}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[DeliveryResponse](t, rec).Status)
}
