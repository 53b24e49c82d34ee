package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/resilience"
)

func TestCheckPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	tests := []struct {
		name    string
		path    string
		allowed bool
	}{
		{"inside absolute", filepath.Join(root, "src", "main.go"), true},
		{"inside relative", "src/new/file.go", true},
		{"root itself", root, true},
		{"dotdot escape", filepath.Join(root, "..", "etc", "passwd"), false},
		{"relative escape", "../outside.txt", false},
		{"prefix trick", root + "-evil/file", false},
		{"absolute elsewhere", "/etc/passwd", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CheckPath(tt.path, []string{root})
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, resilience.IsSecurity(err))
			assert.ErrorIs(t, err, resilience.ErrPolicyViolation)
		})
	}
}

func TestCheckPathSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	_, err := CheckPath(filepath.Join(link, "x.go"), []string{root})
	assert.Error(t, err)
}

func TestCheckCommand(t *testing.T) {
	whitelist := []string{"go", "make"}

	assert.NoError(t, CheckCommand("go", whitelist))
	for _, cmd := range []string{"rm", "/usr/bin/go", "go;rm", "sh -c", "", "../go"} {
		err := CheckCommand(cmd, whitelist)
		require.Error(t, err, cmd)
		var v *Violation
		require.True(t, errors.As(err, &v))
		assert.Equal(t, "command_whitelist", v.Rule)
		assert.True(t, resilience.IsSecurity(err))
	}
}

func TestCheckWriteScansSecrets(t *testing.T) {
	root := t.TempDir()
	p := Policy{AllowedDirs: []string{root}, SecretScan: true}

	_, err := p.CheckWrite("config.go", "package x\n\nconst answer = 42\n")
	require.NoError(t, err)

	leaky := "package x\n\nconst token = \"ghp_" + "a1B2c3D4e5F6g7H8i9J0k1L2m3N4o5P6q7R8\"\n"
	_, err = p.CheckWrite("config.go", leaky)
	require.Error(t, err)
	assert.True(t, resilience.IsSecurity(err))
}

func TestWithRoots(t *testing.T) {
	root := t.TempDir()
	scoped := Policy{AllowedDirs: []string{root}}.WithRoots([]string{filepath.Join(root, "pkg")})

	_, err := scoped.CheckPath(filepath.Join(root, "pkg", "a.go"))
	assert.NoError(t, err)
	_, err = scoped.CheckPath(filepath.Join(root, "cmd", "a.go"))
	assert.Error(t, err)
}
