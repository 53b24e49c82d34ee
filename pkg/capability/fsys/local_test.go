package fsys

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRemove(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l := NewLocal()
	path := filepath.Join(root, "a", "b", "c.txt")

	require.NoError(t, l.Write(ctx, path, []byte("hello")))
	data, err := l.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err := l.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Remove(ctx, path))
	require.NoError(t, l.Remove(ctx, path), "removing twice is fine")
	ok, err = l.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSkipsGit(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l := NewLocal()
	require.NoError(t, l.Write(ctx, filepath.Join(root, "z.go"), nil))
	require.NoError(t, l.Write(ctx, filepath.Join(root, "pkg", "a.go"), nil))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), nil, 0o644))

	files, err := l.List(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/a.go", "z.go"}, files)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l := NewLocal()
	require.NoError(t, l.Write(ctx, filepath.Join(root, "f"), []byte("1")))
	require.NoError(t, l.Write(ctx, filepath.Join(root, "f"), []byte("2")))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
