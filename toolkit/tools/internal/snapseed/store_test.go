// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package snapseed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/gjolly/genesis/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandStoreDownload(t *testing.T) {
	dir := t.TempDir()
	runner := testutils.NewFakeRunner()
	runner.Handle("snap", func(cmd shell.Cmd) (string, error) {
		for _, name := range []string{"lxd_31.snap", "lxd_31.assert", "other_1.snap"} {
			err := os.WriteFile(filepath.Join(cmd.Dir, name), nil, 0o644)
			if err != nil {
				return "", err
			}
		}
		return "", nil
	})

	store := NewCommandStore(runner)
	download, err := store.Download("lxd", "5.21/stable", dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "lxd_31.snap"), download.SnapPath)
	assert.Equal(t, filepath.Join(dir, "lxd_31.assert"), download.AssertPath)

	calls := runner.CallsTo("snap")
	require.Len(t, calls, 1)
	assert.Equal(t, "snap download --channel=5.21/stable lxd", calls[0].String())
	assert.Equal(t, dir, calls[0].Dir)
	assert.Contains(t, calls[0].Env, "SNAPPY_STORE_NO_CDN=1")
	assert.Contains(t, calls[0].Env, "UBUNTU_STORE_ARCH=amd64")
}

func TestCommandStoreDownloadNoFile(t *testing.T) {
	store := NewCommandStore(testutils.NewFakeRunner())
	_, err := store.Download("lxd", "stable", t.TempDir())
	assert.Error(t, err)
}

func TestCommandStoreDownloadFailure(t *testing.T) {
	runner := testutils.NewFakeRunner()
	runner.FailOn("snap", "download", 1)

	store := NewCommandStore(runner)
	_, err := store.Download("lxd", "stable", t.TempDir())
	assert.ErrorIs(t, err, shell.ErrExternalCommandFailed)
}

func TestCommandStoreBase(t *testing.T) {
	runner := testutils.NewFakeRunner()
	runner.Handle("snap", func(cmd shell.Cmd) (string, error) {
		return "path:       lxd_31.snap\nname:       lxd\nsummary:    LXD\nbase:       core22\n" +
			"confinement: strict\n", nil
	})

	store := NewCommandStore(runner)
	base, err := store.Base("lxd_31.snap")
	require.NoError(t, err)
	assert.Equal(t, "core22", base)
	assert.Equal(t, []string{"snap info --verbose lxd_31.snap"}, runner.CommandLines())
}

func TestCommandStoreNoBase(t *testing.T) {
	runner := testutils.NewFakeRunner()
	runner.Handle("snap", func(cmd shell.Cmd) (string, error) {
		return "name: core22\ntype: base\n", nil
	})

	store := NewCommandStore(runner)
	base, err := store.Base("core22_1.snap")
	require.NoError(t, err)
	assert.Equal(t, "", base)
}

func TestCommandStoreCommands(t *testing.T) {
	runner := testutils.NewFakeRunner()
	store := NewCommandStore(runner)

	_, err := store.KnownAssertion("account", "account-id=generic")
	require.NoError(t, err)
	require.NoError(t, store.ValidateSeed("/root/seed.yaml"))
	require.NoError(t, store.PreseedImage("/mnt/root"))

	assert.Equal(t, []string{
		"snap known --remote account account-id=generic",
		"snap debug validate-seed /root/seed.yaml",
		"/usr/lib/snapd/snap-preseed /mnt/root",
	}, runner.CommandLines())
}
