// Package gitrepo provides per-change-request checkouts backed by go-git.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"ford/pkg/logx"
	"ford/pkg/resilience"
)

const remoteName = "origin"

// Options configures a Workspace.
type Options struct {
	Root        string // parent of all checkouts
	RemoteURL   string
	BaseBranch  string
	Token       string // used for HTTP(S) remotes only
	AuthorName  string
	AuthorEmail string
}

// Workspace clones the target repository once per change request.
type Workspace struct {
	opts   Options
	logger *logx.Logger
	now    func() time.Time
}

// New creates a Workspace. Checkouts live under opts.Root/<crID>.
func New(opts Options) (*Workspace, error) {
	if opts.RemoteURL == "" {
		return nil, errors.New("remote URL is required")
	}
	if opts.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "ford"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "ford@localhost"
	}
	return &Workspace{opts: opts, logger: logx.NewLogger("workspace"), now: time.Now}, nil
}

// Dir returns the checkout directory for crID.
func (w *Workspace) Dir(crID string) string {
	return filepath.Join(w.opts.Root, crID)
}

func (w *Workspace) auth() transport.AuthMethod {
	if w.opts.Token == "" || !strings.HasPrefix(w.opts.RemoteURL, "http") {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: w.opts.Token}
}

// Prepare clones the base branch (or reopens an existing checkout) and checks out branch.
func (w *Workspace) Prepare(ctx context.Context, crID, branch string) (string, error) {
	dir := w.Dir(crID)

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(w.opts.Root, 0o755); err != nil {
			return "", resilience.Permanent(fmt.Errorf("failed to create workspace root: %w", err))
		}
		w.logger.Info("Cloning %s (%s) into %s", w.opts.RemoteURL, w.opts.BaseBranch, dir)
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:           w.opts.RemoteURL,
			Auth:          w.auth(),
			RemoteName:    remoteName,
			ReferenceName: plumbing.NewBranchReferenceName(w.opts.BaseBranch),
			SingleBranch:  true,
		})
		if err != nil {
			_ = os.RemoveAll(dir)
			return "", classify("clone", err)
		}
	} else if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to open checkout %s: %w", dir, err))
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to open worktree: %w", err))
	}

	ref := plumbing.NewBranchReferenceName(branch)
	_, err = repo.Reference(ref, true)
	create := errors.Is(err, plumbing.ErrReferenceNotFound)
	if err != nil && !create {
		return "", resilience.Permanent(fmt.Errorf("failed to resolve %s: %w", branch, err))
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: create, Keep: true}); err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to check out %s: %w", branch, err))
	}
	return dir, nil
}

// Publish stages all changes, commits them and pushes branch. A clean tree only pushes.
func (w *Workspace) Publish(ctx context.Context, crID, branch, message string) error {
	repo, err := git.PlainOpen(w.Dir(crID))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to open checkout for %s: %w", crID, err))
	}
	wt, err := repo.Worktree()
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to open worktree: %w", err))
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return resilience.Permanent(fmt.Errorf("failed to stage changes: %w", err))
	}

	status, err := wt.Status()
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to read status: %w", err))
	}
	if !status.IsClean() {
		hash, err := wt.Commit(message, &git.CommitOptions{
			Author: &object.Signature{Name: w.opts.AuthorName, Email: w.opts.AuthorEmail, When: w.now()},
		})
		if err != nil {
			return resilience.Permanent(fmt.Errorf("failed to commit: %w", err))
		}
		w.logger.Info("Committed %s on %s", hash.String()[:8], branch)
	}

	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       w.auth(),
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classify("push", err)
	}
	return nil
}

// Release deletes the checkout.
func (w *Workspace) Release(_ context.Context, crID string) error {
	if err := os.RemoveAll(w.Dir(crID)); err != nil {
		return fmt.Errorf("failed to remove checkout for %s: %w", crID, err)
	}
	return nil
}

func classify(op string, err error) error {
	wrapped := fmt.Errorf("git %s: %w", op, err)
	switch {
	case errors.Is(err, context.Canceled):
		return wrapped
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return resilience.Permanent(wrapped)
	default:
		return resilience.Transient(wrapped)
	}
}
