// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safechroot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/gjolly/genesis/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func newTestRoot(t *testing.T) string {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), os.ModePerm))
	return root
}

func TestEnterMountsSystemFilesystems(t *testing.T) {
	root := newTestRoot(t)
	runner := testutils.NewFakeRunner()
	chroot := NewChroot(runner, root)

	err := chroot.Enter()
	require.NoError(t, err)
	assert.Equal(t, StateInside, chroot.State())

	assert.Equal(t, []string{
		filepath.Join(root, "dev"),
		filepath.Join(root, "proc"),
		filepath.Join(root, "sys"),
		filepath.Join(root, "sys/kernel/security"),
		filepath.Join(root, "sys/fs/cgroup"),
		filepath.Join(root, "tmp"),
		filepath.Join(root, "var/lib/apt"),
		filepath.Join(root, "var/cache/apt"),
	}, runner.Mounts())
	assert.Contains(t, runner.CommandLines(), "mount -t devtmpfs devtmpfs "+filepath.Join(root, "dev"))

	contents, err := os.ReadFile(filepath.Join(root, "etc/resolv.conf"))
	require.NoError(t, err)
	assert.Equal(t, "nameserver 1.1.1.1\n", string(contents))

	err = chroot.Exit()
	assert.NoError(t, err)
	assert.Equal(t, StateOutside, chroot.State())
	assert.Empty(t, runner.Mounts())
	assert.NoFileExists(t, filepath.Join(root, "etc/resolv.conf"))
}

func TestEnterUnwindsOnMountFailure(t *testing.T) {
	root := newTestRoot(t)
	runner := testutils.NewFakeRunner()
	runner.FailOn("mount", "-t securityfs", 32)
	chroot := NewChroot(runner, root)

	err := chroot.Enter()
	assert.ErrorIs(t, err, ErrContextEntryFailed)
	assert.ErrorIs(t, err, shell.ErrExternalCommandFailed)
	assert.Equal(t, StateOutside, chroot.State())
	assert.Empty(t, runner.Mounts())

	umounts := []string(nil)
	for _, cmd := range runner.CallsTo("umount") {
		umounts = append(umounts, cmd.String())
	}
	assert.Equal(t, []string{
		"umount -R " + filepath.Join(root, "sys"),
		"umount -R " + filepath.Join(root, "proc"),
		"umount -R " + filepath.Join(root, "dev"),
	}, umounts)

	assert.NoFileExists(t, filepath.Join(root, "etc/resolv.conf"))
}

func TestEnterKeepsResolvConfWhenOverrideFails(t *testing.T) {
	root := newTestRoot(t)
	resolvConf := filepath.Join(root, "etc/resolv.conf")
	require.NoError(t, os.WriteFile(resolvConf, []byte("nameserver 10.0.0.1\n"), 0o644))

	// A directory where the new file is staged makes the write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(root, stagedResolvConfPath, "busy"), os.ModePerm))

	runner := testutils.NewFakeRunner()
	chroot := NewChroot(runner, root)

	err := chroot.Enter()
	assert.ErrorIs(t, err, ErrContextEntryFailed)
	assert.ErrorContains(t, err, "failed to write temporary resolv.conf file")
	assert.Equal(t, StateOutside, chroot.State())
	assert.Empty(t, runner.Mounts())

	contents, err := os.ReadFile(resolvConf)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 10.0.0.1\n", string(contents))
}

func TestEnterMissingRoot(t *testing.T) {
	runner := testutils.NewFakeRunner()
	chroot := NewChroot(runner, filepath.Join(t.TempDir(), "missing"))

	err := chroot.Enter()
	assert.ErrorIs(t, err, ErrContextEntryFailed)
	assert.Empty(t, runner.Calls())
}

func TestInvalidStateTransitions(t *testing.T) {
	root := newTestRoot(t)
	runner := testutils.NewFakeRunner()
	chroot := NewChroot(runner, root)

	err := chroot.Exit()
	assert.ErrorIs(t, err, ErrInvalidContextState)

	err = chroot.Run([]string{"true"})
	assert.ErrorIs(t, err, ErrInvalidContextState)

	_, err = chroot.RunCaptured([]string{"true"})
	assert.ErrorIs(t, err, ErrInvalidContextState)

	require.NoError(t, chroot.Enter())

	err = chroot.Enter()
	assert.ErrorIs(t, err, ErrInvalidContextState)

	assert.NoError(t, chroot.Exit())
}

func TestRunUsesRootAndEnvironment(t *testing.T) {
	root := newTestRoot(t)
	runner := testutils.NewFakeRunner()
	runner.Handle("lsb_release", func(cmd shell.Cmd) (string, error) {
		return "noble\n", nil
	})
	chroot := NewChroot(runner, root)
	require.NoError(t, chroot.Enter())
	defer chroot.Exit()

	err := chroot.Run([]string{"apt-get", "update"}, "http_proxy=http://proxy:3128")
	assert.NoError(t, err)

	stdout, err := chroot.RunCaptured([]string{"lsb_release", "-cs"})
	assert.NoError(t, err)
	assert.Equal(t, "noble\n", stdout)

	calls := runner.CallsTo("apt-get")
	require.Len(t, calls, 1)
	assert.Equal(t, root, calls[0].Root)
	assert.Contains(t, calls[0].Env, "DEBIAN_FRONTEND=noninteractive")
	assert.Contains(t, calls[0].Env, "http_proxy=http://proxy:3128")

	calls = runner.CallsTo("lsb_release")
	require.Len(t, calls, 1)
	assert.Equal(t, root, calls[0].Root)
}

func TestResolvConfFileRestored(t *testing.T) {
	root := newTestRoot(t)
	resolvConf := filepath.Join(root, "etc/resolv.conf")
	require.NoError(t, os.WriteFile(resolvConf, []byte("nameserver 10.0.0.1\n"), 0o600))
	require.NoError(t, os.Chmod(resolvConf, 0o600))

	existing, err := overrideResolvConf(root)
	require.NoError(t, err)
	assert.Equal(t, resolvConfTypeFile, existing.existingType)

	contents, err := os.ReadFile(resolvConf)
	require.NoError(t, err)
	assert.Equal(t, resolvConfContents, string(contents))

	err = restoreResolvConf(existing, root)
	require.NoError(t, err)

	contents, err = os.ReadFile(resolvConf)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 10.0.0.1\n", string(contents))

	stat, err := os.Stat(resolvConf)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), stat.Mode().Perm())
}

func TestResolvConfSymlinkRestored(t *testing.T) {
	root := newTestRoot(t)
	resolvConf := filepath.Join(root, "etc/resolv.conf")
	require.NoError(t, os.Symlink("../run/systemd/resolve/stub-resolv.conf", resolvConf))

	existing, err := overrideResolvConf(root)
	require.NoError(t, err)
	assert.Equal(t, resolvConfTypeSymlink, existing.existingType)

	stat, err := os.Lstat(resolvConf)
	require.NoError(t, err)
	assert.True(t, stat.Mode().IsRegular())

	err = restoreResolvConf(existing, root)
	require.NoError(t, err)

	target, err := os.Readlink(resolvConf)
	require.NoError(t, err)
	assert.Equal(t, "../run/systemd/resolve/stub-resolv.conf", target)
}
