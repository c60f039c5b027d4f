package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jxucoder/janitor/pkg/gitprovider"
)

// ErrBadSignature is returned when a webhook request is unsigned or its
// signature does not match the shared secret.
var ErrBadSignature = errors.New("invalid webhook signature")

// ParseWebhook parses a GitHub webhook request into a RepoEvent.
// If secret is non-empty, the request signature is verified.
// Returns nil if the event is not one a chat is told about.
func ParseWebhook(r *http.Request, secret string) (*gitprovider.RepoEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" || !verifySignature(body, sig, secret) {
			return nil, ErrBadSignature
		}
	}

	switch r.Header.Get("X-GitHub-Event") {
	case "workflow_run":
		return parseWorkflowRun(body)
	case "pull_request":
		return parsePullRequest(body)
	default:
		return nil, nil
	}
}

func parseWorkflowRun(body []byte) (*gitprovider.RepoEvent, error) {
	var payload struct {
		Action      string `json:"action"`
		WorkflowRun struct {
			Name       string `json:"name"`
			HeadBranch string `json:"head_branch"`
			Conclusion string `json:"conclusion"`
			HTMLURL    string `json:"html_url"`
		} `json:"workflow_run"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing workflow_run payload: %w", err)
	}
	if payload.Action != "completed" {
		return nil, nil
	}

	run := payload.WorkflowRun
	return &gitprovider.RepoEvent{
		Kind:    "workflow_run",
		Repo:    payload.Repository.FullName,
		Summary: fmt.Sprintf("%s %s on %s", ciMark(run.Conclusion), run.Name, run.HeadBranch),
		URL:     run.HTMLURL,
	}, nil
}

func parsePullRequest(body []byte) (*gitprovider.RepoEvent, error) {
	var payload struct {
		Action      string `json:"action"`
		PullRequest struct {
			Number  int    `json:"number"`
			Title   string `json:"title"`
			Merged  bool   `json:"merged"`
			HTMLURL string `json:"html_url"`
			User    struct {
				Login string `json:"login"`
			} `json:"user"`
		} `json:"pull_request"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing pull_request payload: %w", err)
	}

	pr := payload.PullRequest
	var verb string
	switch {
	case payload.Action == "opened":
		verb = "opened"
	case payload.Action == "closed" && pr.Merged:
		verb = "merged"
	case payload.Action == "closed":
		verb = "closed"
	default:
		return nil, nil
	}

	return &gitprovider.RepoEvent{
		Kind:    "pull_request",
		Repo:    payload.Repository.FullName,
		Summary: fmt.Sprintf("PR #%d %s by %s: %s", pr.Number, verb, pr.User.Login, pr.Title),
		URL:     pr.HTMLURL,
	}, nil
}

func ciMark(conclusion string) string {
	switch conclusion {
	case "success":
		return "✅"
	case "failure", "timed_out", "startup_failure":
		return "❌"
	default:
		return "⚪"
	}
}

func verifySignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(decoded, expected)
}
