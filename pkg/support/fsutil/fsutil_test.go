// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	got, err := ReplaceTildeInDir("~/checkpoints/sr3")
	require.NoError(t, err)
	require.Equal(t, path.Join(usr.HomeDir, "checkpoints/sr3"), got)

	got, err = ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	require.Equal(t, "/tmp/x", got)

	_, err = ReplaceTildeInDir("~user_that_surely_does_not_exist/x")
	require.Error(t, err)
}

func TestEnsureDirAndListFiles(t *testing.T) {
	base := t.TempDir()
	dir, err := EnsureDir(path.Join(base, "a", "b"))
	require.NoError(t, err)
	exists, err := FileExists(dir)
	require.NoError(t, err)
	require.True(t, exists)

	for _, name := range []string{"2.png", "1.PNG", "notes.txt"} {
		require.NoError(t, os.WriteFile(path.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(path.Join(dir, "sub.png"), 0o755))

	files, err := ListFiles(dir, ".png")
	require.NoError(t, err)
	require.Equal(t, []string{path.Join(dir, "1.PNG"), path.Join(dir, "2.png")}, files)

	files, err = ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	exists, err = FileExists(path.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, exists)
}
