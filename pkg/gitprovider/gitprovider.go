// Package gitprovider defines the code host interface used by Janitor tasks.
// Repositories are addressed as "owner/name".
package gitprovider

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a repository, file or ref does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by CreateBranch when the branch is already there.
var ErrAlreadyExists = errors.New("already exists")

// PROptions configures a new change request.
type PROptions struct {
	Branch string // source branch
	Base   string // target branch (default: the repository's default branch)
	Title  string
	Body   string
}

// RepoInfo is the metadata shown by STATUS and SCAN.
type RepoInfo struct {
	FullName      string
	Description   string
	DefaultBranch string
	Stars         int
	Forks         int
	OpenIssues    int
	Private       bool
	URL           string
}

// File is the decoded content of one file at a ref.
type File struct {
	Path    string
	Content string
	SHA     string
}

// ChangeRequest is an open or newly created pull request.
type ChangeRequest struct {
	Number int
	Title  string
	URL    string
	Branch string
	Author string
}

// PipelineRun is one CI workflow run.
type PipelineRun struct {
	Name       string
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, cancelled, ... (empty while running)
	Branch     string
	URL        string
}

// RepoEvent is a code host notification about a repository (a finished CI
// run, an opened or merged pull request).
type RepoEvent struct {
	Kind    string // workflow_run, pull_request
	Repo    string
	Summary string
	URL     string
}

// CodeMatch is one code search hit.
type CodeMatch struct {
	Repo string
	Path string
	URL  string
}

// Provider is the interface for code host operations.
type Provider interface {
	GetRepository(ctx context.Context, repo string) (*RepoInfo, error)
	ListRepositories(ctx context.Context, limit int) ([]RepoInfo, error)

	ReadFile(ctx context.Context, repo, path, ref string) (*File, error)
	// CreateBranch creates branch from the head of the default branch and
	// returns the name of that base branch. An existing branch yields the base
	// together with ErrAlreadyExists.
	CreateBranch(ctx context.Context, repo, branch string) (string, error)
	// WriteFile creates or replaces path on branch with a single commit.
	WriteFile(ctx context.Context, repo, path, content, message, branch string) error

	OpenChangeRequest(ctx context.Context, repo string, opts PROptions) (*ChangeRequest, error)
	ListOpenChangeRequests(ctx context.Context, repo string, limit int) ([]ChangeRequest, error)
	CloseChangeRequest(ctx context.Context, repo string, number int) error
	CommentOnIssue(ctx context.Context, repo string, number int, body string) error

	ListRecentPipelineRuns(ctx context.Context, repo string, limit int) ([]PipelineRun, error)
	SearchCode(ctx context.Context, query string, limit int) ([]CodeMatch, error)
}
