// Package github implements gitprovider.Provider using the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/jxucoder/janitor/pkg/gitprovider"
)

// Client wraps the GitHub API for Janitor operations.
type Client struct {
	gh *gogh.Client
}

// New creates a GitHub client authenticated with the given token.
func New(token string) *Client {
	return &Client{
		gh: gogh.NewClient(nil).WithAuthToken(token),
	}
}

// NewWithBaseURL creates a client against another API root, such as a
// GitHub Enterprise instance or a test server.
func NewWithBaseURL(token, baseURL string) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	gh := gogh.NewClient(nil).WithAuthToken(token)
	gh.BaseURL = u
	return &Client{gh: gh}, nil
}

var _ gitprovider.Provider = (*Client)(nil)

// GetRepository returns repository metadata.
func (c *Client) GetRepository(ctx context.Context, repoFullName string) (*gitprovider.RepoInfo, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, wrap("getting repository", err)
	}
	info := toRepoInfo(r)
	return &info, nil
}

// ListRepositories returns the repositories visible to the token owner,
// most recently updated first.
func (c *Client) ListRepositories(ctx context.Context, limit int) ([]gitprovider.RepoInfo, error) {
	repos, _, err := c.gh.Repositories.ListByAuthenticatedUser(ctx, &gogh.RepositoryListByAuthenticatedUserOptions{
		Sort:        "updated",
		ListOptions: gogh.ListOptions{PerPage: perPage(limit)},
	})
	if err != nil {
		return nil, wrap("listing repositories", err)
	}

	out := make([]gitprovider.RepoInfo, 0, len(repos))
	for _, r := range repos {
		out = append(out, toRepoInfo(r))
	}
	return out, nil
}

// ReadFile returns the decoded content of path. An empty ref reads the
// default branch.
func (c *Client) ReadFile(ctx context.Context, repoFullName, path, ref string) (*gitprovider.File, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	var opts *gogh.RepositoryContentGetOptions
	if ref != "" {
		opts = &gogh.RepositoryContentGetOptions{Ref: ref}
	}
	file, dir, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		return nil, wrap("reading "+path, err)
	}
	if file == nil || dir != nil {
		return nil, fmt.Errorf("reading %s: path is a directory", path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &gitprovider.File{Path: file.GetPath(), Content: content, SHA: file.GetSHA()}, nil
}

// CreateBranch creates branch at the head of the default branch.
func (c *Client) CreateBranch(ctx context.Context, repoFullName, branch string) (string, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return "", err
	}

	base, err := c.defaultBranch(ctx, owner, repo)
	if err != nil {
		return "", err
	}

	head, _, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
	if err != nil {
		return "", wrap("getting base ref", err)
	}

	_, _, err = c.gh.Git.CreateRef(ctx, owner, repo, &gogh.Reference{
		Ref:    gogh.Ptr("refs/heads/" + branch),
		Object: &gogh.GitObject{SHA: head.GetObject().SHA},
	})
	if err != nil {
		var ghErr *gogh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity {
			return base, fmt.Errorf("creating branch %s: %w", branch, gitprovider.ErrAlreadyExists)
		}
		return "", wrap("creating branch "+branch, err)
	}
	return base, nil
}

// WriteFile creates path on branch, or updates it when it already exists there.
func (c *Client) WriteFile(ctx context.Context, repoFullName, path, content, message, branch string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	opts := &gogh.RepositoryContentFileOptions{
		Message: gogh.Ptr(message),
		Content: []byte(content),
		Branch:  gogh.Ptr(branch),
	}

	existing, err := c.ReadFile(ctx, repoFullName, path, branch)
	switch {
	case err == nil:
		opts.SHA = gogh.Ptr(existing.SHA)
		_, _, err = c.gh.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	case errors.Is(err, gitprovider.ErrNotFound):
		_, _, err = c.gh.Repositories.CreateFile(ctx, owner, repo, path, opts)
	default:
		return err
	}
	if err != nil {
		return wrap("writing "+path, err)
	}
	return nil
}

// OpenChangeRequest opens a pull request and returns it.
func (c *Client) OpenChangeRequest(ctx context.Context, repoFullName string, opts gitprovider.PROptions) (*gitprovider.ChangeRequest, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	base := opts.Base
	if base == "" {
		if base, err = c.defaultBranch(ctx, owner, repo); err != nil {
			return nil, err
		}
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
	})
	if err != nil {
		return nil, wrap("creating pull request", err)
	}
	cr := toChangeRequest(pr)
	return &cr, nil
}

// ListOpenChangeRequests returns open pull requests, newest first.
func (c *Client) ListOpenChangeRequests(ctx context.Context, repoFullName string, limit int) ([]gitprovider.ChangeRequest, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gogh.PullRequestListOptions{
		State:       "open",
		ListOptions: gogh.ListOptions{PerPage: perPage(limit)},
	})
	if err != nil {
		return nil, wrap("listing pull requests", err)
	}

	out := make([]gitprovider.ChangeRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, toChangeRequest(pr))
	}
	return out, nil
}

// CloseChangeRequest closes pull request number without merging.
func (c *Client) CloseChangeRequest(ctx context.Context, repoFullName string, number int) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	_, _, err = c.gh.PullRequests.Edit(ctx, owner, repo, number, &gogh.PullRequest{
		State: gogh.Ptr("closed"),
	})
	if err != nil {
		return wrap(fmt.Sprintf("closing pull request #%d", number), err)
	}
	return nil
}

// CommentOnIssue posts body on an issue or pull request.
func (c *Client) CommentOnIssue(ctx context.Context, repoFullName string, number int, body string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	_, _, err = c.gh.Issues.CreateComment(ctx, owner, repo, number, &gogh.IssueComment{
		Body: gogh.Ptr(body),
	})
	if err != nil {
		return wrap(fmt.Sprintf("commenting on #%d", number), err)
	}
	return nil
}

// ListRecentPipelineRuns returns the latest workflow runs.
func (c *Client) ListRecentPipelineRuns(ctx context.Context, repoFullName string, limit int) ([]gitprovider.PipelineRun, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	runs, _, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, &gogh.ListWorkflowRunsOptions{
		ListOptions: gogh.ListOptions{PerPage: perPage(limit)},
	})
	if err != nil {
		return nil, wrap("listing workflow runs", err)
	}

	out := make([]gitprovider.PipelineRun, 0, len(runs.WorkflowRuns))
	for _, r := range runs.WorkflowRuns {
		out = append(out, gitprovider.PipelineRun{
			Name:       r.GetName(),
			Status:     r.GetStatus(),
			Conclusion: r.GetConclusion(),
			Branch:     r.GetHeadBranch(),
			URL:        r.GetHTMLURL(),
		})
	}
	return out, nil
}

// SearchCode runs a code search query such as "filename:x repo:o/n".
func (c *Client) SearchCode(ctx context.Context, query string, limit int) ([]gitprovider.CodeMatch, error) {
	res, _, err := c.gh.Search.Code(ctx, query, &gogh.SearchOptions{
		ListOptions: gogh.ListOptions{PerPage: perPage(limit)},
	})
	if err != nil {
		return nil, wrap("searching code", err)
	}

	out := make([]gitprovider.CodeMatch, 0, len(res.CodeResults))
	for _, r := range res.CodeResults {
		out = append(out, gitprovider.CodeMatch{
			Repo: r.GetRepository().GetFullName(),
			Path: r.GetPath(),
			URL:  r.GetHTMLURL(),
		})
	}
	return out, nil
}

func (c *Client) defaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", wrap("getting repository", err)
	}
	return r.GetDefaultBranch(), nil
}

func toRepoInfo(r *gogh.Repository) gitprovider.RepoInfo {
	return gitprovider.RepoInfo{
		FullName:      r.GetFullName(),
		Description:   r.GetDescription(),
		DefaultBranch: r.GetDefaultBranch(),
		Stars:         r.GetStargazersCount(),
		Forks:         r.GetForksCount(),
		OpenIssues:    r.GetOpenIssuesCount(),
		Private:       r.GetPrivate(),
		URL:           r.GetHTMLURL(),
	}
}

func toChangeRequest(pr *gogh.PullRequest) gitprovider.ChangeRequest {
	return gitprovider.ChangeRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		URL:    pr.GetHTMLURL(),
		Branch: pr.GetHead().GetRef(),
		Author: pr.GetUser().GetLogin(),
	}
}

// wrap annotates err and maps 404 responses to gitprovider.ErrNotFound.
func wrap(doing string, err error) error {
	var ghErr *gogh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", doing, gitprovider.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", doing, err)
}

func perPage(limit int) int {
	if limit <= 0 || limit > 100 {
		return 30
	}
	return limit
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}
