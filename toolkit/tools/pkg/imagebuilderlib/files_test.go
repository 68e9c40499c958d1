// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFiles(t *testing.T) {
	srcDir := t.TempDir()
	rootDir := t.TempDir()

	err := file.Write("hello\n", filepath.Join(srcDir, "motd"))
	require.NoError(t, err)
	err = file.Write("a\n", filepath.Join(srcDir, "conf.d", "a.conf"))
	require.NoError(t, err)

	err = CopyFiles(context.Background(), rootDir, map[string]string{
		"/etc/motd":   filepath.Join(srcDir, "motd"),
		"/etc/conf.d": filepath.Join(srcDir, "conf.d"),
	})
	require.NoError(t, err)

	contents, err := file.Read(filepath.Join(rootDir, "etc/motd"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", contents)

	contents, err = file.Read(filepath.Join(rootDir, "etc/conf.d/a.conf"))
	require.NoError(t, err)
	assert.Equal(t, "a\n", contents)
}

func TestCopyFilesWithOwnership(t *testing.T) {
	srcDir := t.TempDir()
	rootDir := t.TempDir()

	passwd := fmt.Sprintf("root:x:0:0:root:/root:/bin/bash\nbuilder:x:%d:%d::/home/builder:/bin/sh\n",
		os.Getuid(), os.Getgid())
	err := file.Write(passwd, filepath.Join(rootDir, "etc/passwd"))
	require.NoError(t, err)
	err = file.Write(fmt.Sprintf("root:x:0:\nbuilder:x:%d:\n", os.Getgid()), filepath.Join(rootDir, "etc/group"))
	require.NoError(t, err)

	err = file.WriteWithPerm("#!/bin/sh\n", filepath.Join(srcDir, "run.sh"), 0o644)
	require.NoError(t, err)

	err = CopyFilesWithOwnership(context.Background(), rootDir, map[string]string{
		"/usr/local/bin/run.sh": filepath.Join(srcDir, "run.sh"),
	}, FileOwnership{Owner: "builder:builder", Mode: "0750"})
	require.NoError(t, err)

	stat, err := os.Stat(filepath.Join(rootDir, "usr/local/bin/run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), stat.Mode().Perm())

	// Parent directories created in the image are never group or world writable.
	stat, err = os.Stat(filepath.Join(rootDir, "usr/local/bin"))
	require.NoError(t, err)
	assert.Zero(t, stat.Mode().Perm()&0o022)
}

func TestCopyFilesInvalidMode(t *testing.T) {
	err := CopyFilesWithOwnership(context.Background(), t.TempDir(), map[string]string{
		"/etc/motd": "motd",
	}, FileOwnership{Mode: "rwxr-xr-x"})
	assert.ErrorIs(t, err, ErrCopyFiles)
	assert.ErrorContains(t, err, "invalid mode (rwxr-xr-x)")
}

func TestCopyFilesUnknownOwner(t *testing.T) {
	rootDir := t.TempDir()
	err := file.Write("root:x:0:0:root:/root:/bin/bash\n", filepath.Join(rootDir, "etc/passwd"))
	require.NoError(t, err)

	err = CopyFilesWithOwnership(context.Background(), rootDir, map[string]string{
		"/etc/motd": "motd",
	}, FileOwnership{Owner: "nobody-here"})
	assert.ErrorIs(t, err, ErrCopyFiles)
	assert.ErrorContains(t, err, "invalid owner (nobody-here)")
}

func TestCopyFilesMissingSource(t *testing.T) {
	err := CopyFiles(context.Background(), t.TempDir(), map[string]string{
		"/etc/motd": filepath.Join(t.TempDir(), "missing"),
	})
	assert.ErrorIs(t, err, ErrCopyFiles)
}

func TestParseFileMappings(t *testing.T) {
	files, err := ParseFileMappings([]string{"motd:/etc/motd", "./keys/a.pub:/root/.ssh/authorized_keys"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"/etc/motd":                  "motd",
		"/root/.ssh/authorized_keys": "./keys/a.pub",
	}, files)
}

func TestParseFileMappingsInvalid(t *testing.T) {
	tests := []string{
		"motd",
		":/etc/motd",
		"motd:",
		"motd:etc/motd",
	}

	for _, mapping := range tests {
		t.Run(mapping, func(t *testing.T) {
			_, err := ParseFileMappings([]string{mapping})
			assert.ErrorContains(t, err, "invalid file mapping")
		})
	}
}

func TestCopyFilesResolvesLinksInsideImage(t *testing.T) {
	srcDir := t.TempDir()
	rootDir := t.TempDir()
	hostDir := t.TempDir()

	err := file.Write("hello\n", filepath.Join(srcDir, "motd"))
	require.NoError(t, err)

	// An absolute link in the image points at a directory that also exists on the host.
	require.NoError(t, os.MkdirAll(filepath.Join(rootDir, "etc"), 0o755))
	require.NoError(t, os.Symlink(hostDir, filepath.Join(rootDir, "etc/motd.d")))

	err = CopyFiles(context.Background(), rootDir, map[string]string{
		"/etc/motd.d/10-welcome": filepath.Join(srcDir, "motd"),
	})
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(hostDir, "10-welcome"))
	contents, err := file.Read(filepath.Join(rootDir, hostDir, "10-welcome"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", contents)
}
