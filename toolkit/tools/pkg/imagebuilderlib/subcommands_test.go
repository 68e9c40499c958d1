// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/imagegen/diskutils"
	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/gjolly/genesis/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImageStep(t *testing.T) (*testutils.FakeRunner, ImageStep) {
	diskImage := filepath.Join(t.TempDir(), "disk.img")
	err := diskutils.CreateSparseDisk(diskImage, 64*diskutils.MiB, 0o644)
	require.NoError(t, err)

	runner := testutils.NewFakeRunner()
	return runner, ImageStep{
		Runner:    runner,
		BuildDir:  t.TempDir(),
		DiskImage: diskImage,
	}
}

func assertImageStepReleased(t *testing.T, runner *testutils.FakeRunner, step ImageStep) {
	assert.Empty(t, runner.AttachedLoops())
	assert.Empty(t, runner.Mounts())
	assert.FileExists(t, step.DiskImage)

	entries, err := os.ReadDir(step.BuildDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImageStepInstallPackages(t *testing.T) {
	runner, step := newTestImageStep(t)

	err := step.InstallPackages(context.Background(), []string{"vim"}, "")
	require.NoError(t, err)

	aptCalls := runner.CallsTo("apt")
	require.Len(t, aptCalls, 2)
	assert.Equal(t, "apt install -y vim", aptCalls[1].String())
	assert.True(t, strings.HasPrefix(filepath.Base(aptCalls[1].Root), mountDirPrefix))

	assertImageStepReleased(t, runner, step)
}

func TestImageStepCopyFiles(t *testing.T) {
	runner, step := newTestImageStep(t)

	src := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, file.Write("hello\n", src))

	copied := ""
	runner.Observe("umount", func(cmd shell.Cmd) {
		target := cmd.Args[len(cmd.Args)-1]
		if filepath.Base(filepath.Dir(target)) == filepath.Base(step.BuildDir) {
			copied, _ = file.Read(filepath.Join(target, "etc/motd"))
		}
	})

	err := step.CopyFiles(context.Background(), map[string]string{"/etc/motd": src}, FileOwnership{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", copied)

	// Files are copied without an execution context.
	assert.Empty(t, runner.CallsTo("lsof"))
	assertImageStepReleased(t, runner, step)
}

func TestImageStepFailureReleases(t *testing.T) {
	runner, step := newTestImageStep(t)

	// The empty root filesystem has no passwd file.
	err := step.CreateUser(context.Background(), imagebuilderapi.User{Name: "builder", Sudo: true})
	assert.ErrorIs(t, err, ErrCreateUser)
	assertImageStepReleased(t, runner, step)
}

func TestConnectToImageFailure(t *testing.T) {
	runner, step := newTestImageStep(t)
	runner.FailOn("mount", espMountPath, 32)

	_, err := ConnectToImage(runner, step.BuildDir, step.DiskImage, true, true)
	assert.ErrorIs(t, err, ErrConnectImage)
	assertImageStepReleased(t, runner, step)
}

func TestConnectToImageMissing(t *testing.T) {
	runner := testutils.NewFakeRunner()

	_, err := ConnectToImage(runner, t.TempDir(), filepath.Join(t.TempDir(), "missing.img"), false, false)
	assert.ErrorIs(t, err, ErrConnectImage)
	assert.Empty(t, runner.CommandLines())
}
