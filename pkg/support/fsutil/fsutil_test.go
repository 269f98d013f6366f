package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "a", "b")
	require.ErrorIs(t, EnsureDir(dir, 0o750, false), os.ErrNotExist)
	require.NoError(t, EnsureDir(dir, 0o750, true))
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, EnsureDir(dir, 0o750, false))

	file := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	require.ErrorContains(t, EnsureDir(file, 0o750, true), "not a directory")
}

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	for _, tc := range []struct{ dir, want string }{
		{"", ""},
		{"/tmp/x", "/tmp/x"},
		{"~", usr.HomeDir},
		{"~/checkpoints", filepath.Join(usr.HomeDir, "checkpoints")},
	} {
		got, err := ReplaceTildeInDir(tc.dir)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	_, err = ReplaceTildeInDir("~no_such_user_for_sure/x")
	require.Error(t, err)
}
