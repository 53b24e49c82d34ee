// Package forge implements the forge capability against the GitHub REST API.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"ford/pkg/capability"
	"ford/pkg/resilience"
)

// GitHub talks to one repository.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHub creates an authenticated client for owner/repo.
func NewGitHub(ctx context.Context, token, owner, repo string) (*GitHub, error) {
	if token == "" {
		return nil, errors.New("GitHub token not set")
	}
	if owner == "" || repo == "" {
		return nil, errors.New("repository owner and name are required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHub{client: github.NewClient(oauth2.NewClient(ctx, ts)), owner: owner, repo: repo}, nil
}

// NewGitHubWithClient wraps an existing client, used by tests pointing at httptest servers.
func NewGitHubWithClient(client *github.Client, owner, repo string) *GitHub {
	return &GitHub{client: client, owner: owner, repo: repo}
}

// CreateIssue opens an issue.
func (g *GitHub) CreateIssue(ctx context.Context, title, body string, labels []string) (capability.Issue, error) {
	req := &github.IssueRequest{Title: github.String(title), Body: github.String(body)}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	issue, resp, err := g.client.Issues.Create(ctx, g.owner, g.repo, req)
	if err != nil {
		return capability.Issue{}, classify("create issue", resp, err)
	}
	return capability.Issue{Number: issue.GetNumber(), Title: issue.GetTitle(), URL: issue.GetHTMLURL()}, nil
}

// CreateBranch creates refs/heads/name at the tip of base. An existing branch is accepted.
func (g *GitHub) CreateBranch(ctx context.Context, name, base string) error {
	ref, resp, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "heads/"+base)
	if err != nil {
		return classify("get base ref", resp, err)
	}
	_, resp, err = g.client.Git.CreateRef(ctx, g.owner, g.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: ref.GetObject().SHA},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return classify("create branch", resp, err)
	}
	return nil
}

// FindPullRequest returns the most recent PR whose head is branch, or nil.
func (g *GitHub) FindPullRequest(ctx context.Context, head string) (*capability.PullRequest, error) {
	prs, resp, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		State:       "all",
		Head:        g.owner + ":" + head,
		ListOptions: github.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, classify("list pull requests", resp, err)
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() != head {
			continue
		}
		// A closed, unmerged PR is abandoned; a new one may be opened.
		if pr.GetState() == "closed" && pr.MergedAt == nil {
			continue
		}
		out := convert(pr)
		return &out, nil
	}
	return nil, nil
}

// CreatePullRequest opens a PR and links it to the originating issue.
func (g *GitHub) CreatePullRequest(ctx context.Context, opts capability.PullRequestOptions) (capability.PullRequest, error) {
	body := opts.Body
	if opts.IssueNumber > 0 {
		body = fmt.Sprintf("%s\n\nCloses #%d", strings.TrimSpace(body), opts.IssueNumber)
	}
	pr, resp, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(opts.Title),
		Head:  github.String(opts.Head),
		Base:  github.String(opts.Base),
		Body:  github.String(body),
	})
	if err != nil {
		return capability.PullRequest{}, classify("create pull request", resp, err)
	}
	return convert(pr), nil
}

// MergePullRequest squash-merges the PR.
func (g *GitHub) MergePullRequest(ctx context.Context, number int, message string) error {
	result, resp, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, number, message, &github.PullRequestOptions{
		MergeMethod: "squash",
	})
	if err != nil {
		return classify("merge pull request", resp, err)
	}
	if !result.GetMerged() {
		return resilience.Permanent(fmt.Errorf("pull request #%d not merged: %s", number, result.GetMessage()))
	}
	return nil
}

// IsMerged reports whether the PR has been merged.
func (g *GitHub) IsMerged(ctx context.Context, number int) (bool, error) {
	merged, resp, err := g.client.PullRequests.IsMerged(ctx, g.owner, g.repo, number)
	if err != nil {
		return false, classify("check merge", resp, err)
	}
	return merged, nil
}

// Comment posts a comment on an issue or PR.
func (g *GitHub) Comment(ctx context.Context, number int, body string) error {
	_, resp, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return classify("comment", resp, err)
	}
	return nil
}

func convert(pr *github.PullRequest) capability.PullRequest {
	return capability.PullRequest{
		Number:     pr.GetNumber(),
		URL:        pr.GetHTMLURL(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		State:      pr.GetState(),
		Merged:     pr.GetMerged() || pr.MergedAt != nil,
	}
}

// classify maps GitHub status codes onto the error taxonomy.
func classify(op string, resp *github.Response, err error) error {
	wrapped := fmt.Errorf("github %s: %w", op, err)
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return resilience.Transient(wrapped)
	}
	if resp == nil || resp.Response == nil {
		return wrapped
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests, code >= 500:
		return resilience.Transient(wrapped)
	case code == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0:
		return resilience.Transient(wrapped)
	case code >= 400:
		return resilience.Permanent(wrapped)
	default:
		return wrapped
	}
}
