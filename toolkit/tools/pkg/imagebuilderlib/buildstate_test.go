// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/safemount"
	"github.com/gjolly/genesis/toolkit/tools/internal/testutils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordNamed(state *BuildState, order *[]string, kind ResourceKind, name string, err error) {
	state.Record(kind, name, func() error {
		*order = append(*order, name)
		return err
	})
}

func TestReleaseAllReverseOrder(t *testing.T) {
	state := NewBuildState(testutils.NewFakeRunner())
	order := []string(nil)
	recordNamed(state, &order, ResourceKindTemporaryFile, "a", nil)
	recordNamed(state, &order, ResourceKindAttachedBlockDevice, "b", nil)
	recordNamed(state, &order, ResourceKindMountedDirectory, "c", nil)

	preserved, err := state.ReleaseAll(false)
	assert.NoError(t, err)
	assert.Equal(t, "", preserved)
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestReleaseAllIsIdempotent(t *testing.T) {
	state := NewBuildState(testutils.NewFakeRunner())
	order := []string(nil)
	recordNamed(state, &order, ResourceKindTemporaryFile, "a", errors.New("busy"))

	_, err := state.ReleaseAll(false)
	assert.ErrorContains(t, err, "busy")

	_, err = state.ReleaseAll(false)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)
}

func TestReleaseAllContinuesPastFailure(t *testing.T) {
	hook := logger.AttachMemoryLogHook()
	defer hook.Detach()

	state := NewBuildState(testutils.NewFakeRunner())
	order := []string(nil)
	recordNamed(state, &order, ResourceKindTemporaryFile, "a", nil)
	recordNamed(state, &order, ResourceKindMountedDirectory, "b", errors.New("target is busy"))
	recordNamed(state, &order, ResourceKindMountedDirectory, "c", nil)

	_, err := state.ReleaseAll(false)
	assert.ErrorContains(t, err, "target is busy")
	assert.Equal(t, []string{"c", "b", "a"}, order)

	errorMessages := hook.MessagesAtLevel(logrus.ErrorLevel)
	require.Len(t, errorMessages, 1)
	assert.Contains(t, errorMessages[0], "mounted directory (b)")
}

func TestReleaseToSkipsDiskImage(t *testing.T) {
	state := NewBuildState(testutils.NewFakeRunner())
	order := []string(nil)
	recordNamed(state, &order, ResourceKindTemporaryFile, "staging", nil)
	checkpoint := state.Checkpoint()
	recordNamed(state, &order, ResourceKindDiskImage, "disk.raw", nil)
	recordNamed(state, &order, ResourceKindAttachedBlockDevice, "loop", nil)
	recordNamed(state, &order, ResourceKindMountedDirectory, "mnt", nil)

	err := state.ReleaseTo(checkpoint)
	assert.NoError(t, err)
	assert.Equal(t, []string{"mnt", "loop"}, order)

	state.MarkSuccess()
	_, err = state.ReleaseAll(true)
	assert.NoError(t, err)
	assert.Equal(t, []string{"mnt", "loop", "disk.raw", "staging"}, order)
}

func TestReleaseAllKeepsImageOnFailure(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(imagePath, []byte("disk"), 0o644))

	state := NewBuildState(testutils.NewFakeRunner())
	state.RecordDiskImage(imagePath)

	preserved, err := state.ReleaseAll(true)
	assert.NoError(t, err)
	assert.Equal(t, imagePath, preserved)
	assert.FileExists(t, imagePath)
}

func TestReleaseAllRemovesImageWithoutKeep(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(imagePath, []byte("disk"), 0o644))

	state := NewBuildState(testutils.NewFakeRunner())
	state.RecordDiskImage(imagePath)

	preserved, err := state.ReleaseAll(false)
	assert.NoError(t, err)
	assert.Equal(t, "", preserved)
	assert.NoFileExists(t, imagePath)
}

func TestReleaseAllRemovesImageOfSuccessfulBuild(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(imagePath, []byte("disk"), 0o644))

	state := NewBuildState(testutils.NewFakeRunner())
	state.RecordDiskImage(imagePath)
	state.MarkSuccess()

	preserved, err := state.ReleaseAll(true)
	assert.NoError(t, err)
	assert.Equal(t, "", preserved)
	assert.NoFileExists(t, imagePath)
}

func TestTemporaryFileNotRemovedWhileMounted(t *testing.T) {
	runner := testutils.NewFakeRunner()
	mountDir := filepath.Join(t.TempDir(), "mnt")
	contentPath := filepath.Join(mountDir, "etc", "fstab")

	state := NewBuildState(runner)
	state.RecordTemporaryFile(mountDir)
	mount, err := safemount.NewMount(runner, "/dev/loop0p1", mountDir, "", "", false)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(contentPath), 0o755))
	require.NoError(t, os.WriteFile(contentPath, []byte("fstab"), 0o644))

	// Not recording the mount leaves it in place during the walk.
	_, err = state.ReleaseAll(false)
	assert.ErrorContains(t, err, "still mounted")
	assert.FileExists(t, contentPath)

	assert.NoError(t, mount.CleanClose())
}

func TestMountReleasedBeforeItsDirectory(t *testing.T) {
	runner := testutils.NewFakeRunner()
	mountDir := filepath.Join(t.TempDir(), "mnt")

	state := NewBuildState(runner)
	state.RecordTemporaryFile(mountDir)
	mount, err := safemount.NewMount(runner, "/dev/loop0p1", mountDir, "", "", false)
	require.NoError(t, err)
	state.RecordMount(mount)

	_, err = state.ReleaseAll(false)
	assert.NoError(t, err)
	assert.Empty(t, runner.Mounts())
	assert.NoDirExists(t, mountDir)
}
