package gitrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOrigin creates a repository with one commit on main.
func newOrigin(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available")
	}
	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestPreparePublishRelease(t *testing.T) {
	origin := newOrigin(t)
	ws, err := New(Options{Root: t.TempDir(), RemoteURL: origin, BaseBranch: "main"})
	require.NoError(t, err)
	ctx := context.Background()

	dir, err := ws.Prepare(ctx, "cr-1", "ford/issue-1-crash")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "README.md"))

	// Reopening an existing checkout is fine.
	again, err := ws.Prepare(ctx, "cr-1", "ford/issue-1-crash")
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fix.go"), []byte("package fix\n"), 0o644))
	require.NoError(t, ws.Publish(ctx, "cr-1", "ford/issue-1-crash", "Fix crash"))

	originRepo, err := git.PlainOpen(origin)
	require.NoError(t, err)
	ref, err := originRepo.Reference(plumbing.NewBranchReferenceName("ford/issue-1-crash"), true)
	require.NoError(t, err)
	commit, err := originRepo.CommitObject(ref.Hash())
	require.NoError(t, err)
	assert.Equal(t, "Fix crash", commit.Message)

	require.NoError(t, ws.Release(ctx, "cr-1"))
	assert.NoDirExists(t, dir)
	require.NoError(t, ws.Release(ctx, "cr-1"))
}

func TestNewRequiresRemote(t *testing.T) {
	_, err := New(Options{Root: t.TempDir()})
	assert.Error(t, err)
}
