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
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *imagebuilderapi.Config {
	config := imagebuilderapi.NewConfig()
	config.Series = testSeries
	config.ImageSize = 1
	config.OutPath = filepath.Join(t.TempDir(), "out", "ubuntu.img")
	return config
}

func TestBuildImageEndToEnd(t *testing.T) {
	buildDir := t.TempDir()
	skipIfLessFreeSpace(t, buildDir, 2*diskutils.GiB)

	runner := newBuildRunner(t)

	fstab := ""
	grubCfg := ""
	runner.Observe("umount", func(cmd shell.Cmd) {
		target := cmd.Args[len(cmd.Args)-1]
		if !strings.HasPrefix(filepath.Base(target), mountDirPrefix) {
			return
		}

		contents, err := os.ReadFile(filepath.Join(target, "etc/fstab"))
		if err == nil {
			fstab = string(contents)
		}

		contents, err = os.ReadFile(filepath.Join(target, "boot/grub/grub.cfg"))
		if err == nil {
			grubCfg = string(contents)
		}
	})

	config := newTestConfig(t)
	config.User = &imagebuilderapi.User{
		Name:   "ubuntu",
		SshKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIBuild test@genesis",
		Sudo:   true,
	}

	err := BuildImage(context.Background(), runner, buildDir, config, BuildOptions{
		SkipRootCheck: true,
		Arch:          "amd64",
	})
	require.NoError(t, err)

	mkfsLines := []string(nil)
	for _, line := range runner.CommandLines() {
		if strings.HasPrefix(line, "mkfs.") {
			mkfsLines = append(mkfsLines, line)
		}
	}
	require.Len(t, mkfsLines, 2)
	assert.Contains(t, strings.Join(mkfsLines, "\n"), "-L rootfs")
	assert.Contains(t, strings.Join(mkfsLines, "\n"), "-n UEFI")

	assert.Contains(t, fstab, "LABEL=rootfs\t/\text4\tdefaults\t0\t1")
	assert.Contains(t, fstab, "LABEL=UEFI\t/boot/efi\tvfat\tumask=0077\t0\t1")

	assert.Contains(t, grubCfg, "root=LABEL=rootfs ro")
	assert.NotContains(t, grubCfg, "root=/dev/loop0p1")
	assert.Contains(t, grubCfg, "set root='hd0,gpt1'")

	assert.FileExists(t, config.OutPath)
	assert.Empty(t, runner.AttachedLoops())
	assert.Empty(t, runner.Mounts())

	// Nothing from the build is left in the build dir.
	entries, err := os.ReadDir(buildDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildImageHyphenatedSeries(t *testing.T) {
	buildDir := t.TempDir()
	skipIfLessFreeSpace(t, buildDir, 4*diskutils.GiB)

	runner := newSeriesBuildRunner(t, "stable-1")

	config := newTestConfig(t)
	config.Series = "stable-1"
	config.ImageSize = 3

	err := BuildImage(context.Background(), runner, buildDir, config, BuildOptions{
		SkipRootCheck: true,
		Arch:          "amd64",
	})
	require.NoError(t, err)

	debootstrap := runner.CallsTo(debootstrapPath)
	require.Len(t, debootstrap, 1)
	assert.Equal(t, "stable-1", debootstrap[0].Args[1])

	stat, err := os.Stat(config.OutPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3*diskutils.GiB), stat.Size())
	assert.Empty(t, runner.AttachedLoops())
	assert.Empty(t, runner.Mounts())
}

func TestBuildImageFailureReleasesEverything(t *testing.T) {
	buildDir := t.TempDir()
	skipIfLessFreeSpace(t, buildDir, 2*diskutils.GiB)

	runner := newBuildRunner(t)
	runner.FailOn("apt", "full-upgrade", 100)

	config := newTestConfig(t)

	err := BuildImage(context.Background(), runner, buildDir, config, BuildOptions{
		SkipRootCheck: true,
		Arch:          "amd64",
	})
	assert.ErrorIs(t, err, ErrUpdateSystem)
	assert.Empty(t, runner.AttachedLoops())
	assert.Empty(t, runner.Mounts())
	assert.NoFileExists(t, config.OutPath)

	entries, err := os.ReadDir(buildDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildImageFailureKeepsDiskImage(t *testing.T) {
	buildDir := t.TempDir()
	skipIfLessFreeSpace(t, buildDir, 2*diskutils.GiB)

	runner := newBuildRunner(t)
	runner.FailOn("grub-install", "", 1)

	config := newTestConfig(t)

	err := BuildImage(context.Background(), runner, buildDir, config, BuildOptions{
		SkipRootCheck:          true,
		Arch:                   "amd64",
		KeepArtifactsOnFailure: true,
	})
	assert.ErrorIs(t, err, ErrInstallBootloader)
	assert.ErrorContains(t, err, "disk image kept at")
	assert.Empty(t, runner.AttachedLoops())
	assert.Empty(t, runner.Mounts())

	images, err := filepath.Glob(filepath.Join(buildDir, "genesis-*.img"))
	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestBuildImageUnsupportedBootloader(t *testing.T) {
	runner := newBuildRunner(t)

	config := newTestConfig(t)
	config.Bootloader = "lilo"

	err := BuildImage(context.Background(), runner, t.TempDir(), config, BuildOptions{SkipRootCheck: true})
	assert.ErrorIs(t, err, ErrInvalidImageConfig)
	assert.ErrorIs(t, err, imagebuilderapi.ErrUnsupportedBootloader)
	assert.Empty(t, runner.CommandLines())
}

func TestBuildImageUnsupportedArch(t *testing.T) {
	runner := newBuildRunner(t)

	err := BuildImage(context.Background(), runner, t.TempDir(), newTestConfig(t), BuildOptions{
		SkipRootCheck: true,
		Arch:          "riscv64",
	})
	assert.ErrorIs(t, err, ErrUnsupportedArch)
	assert.Empty(t, runner.CommandLines())
}

func TestBuildImageWithConfigFileMissing(t *testing.T) {
	runner := newBuildRunner(t)

	err := BuildImageWithConfigFile(context.Background(), runner, t.TempDir(),
		filepath.Join(t.TempDir(), "missing.yaml"), BuildOptions{SkipRootCheck: true})
	assert.ErrorIs(t, err, ErrInvalidImageConfig)
	assert.Empty(t, runner.CommandLines())
}
