// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateSystem(t *testing.T) {
	runner, chroot := newTestChroot(t)

	err := UpdateSystem(context.Background(), chroot, UpdateSystemOptions{
		Mirror: "http://archive.ubuntu.com/ubuntu/",
		Series: "noble",
	})
	require.NoError(t, err)

	sourcesList, err := file.Read(filepath.Join(chroot.RootDir(), sourcesListPath))
	require.NoError(t, err)
	assert.Equal(t,
		"deb http://archive.ubuntu.com/ubuntu/ noble main universe multiverse restricted\n"+
			"deb http://archive.ubuntu.com/ubuntu/ noble-updates main universe multiverse restricted\n"+
			"deb http://archive.ubuntu.com/ubuntu/ noble-security main universe multiverse restricted\n",
		sourcesList)

	assert.Equal(t, []string{
		"apt update",
		"apt -y full-upgrade",
	}, rootCommandLines(runner, chroot.RootDir()))
}

func TestUpdateSystemWithPpasAndCache(t *testing.T) {
	runner, chroot := newTestChroot(t)

	proxyConfig := filepath.Join(chroot.RootDir(), aptProxyConfigPath)
	proxyDuringUpgrade := ""
	runner.Observe("apt", func(cmd shell.Cmd) {
		if cmd.String() == "apt -y full-upgrade" {
			proxyDuringUpgrade, _ = file.Read(proxyConfig)
		}
	})

	err := UpdateSystem(context.Background(), chroot, UpdateSystemOptions{
		Mirror:        "http://archive.ubuntu.com/ubuntu/",
		Series:        "noble",
		AptCache:      "http://localhost:3142",
		Ppas:          []string{"ppa:canonical-kernel-team/ppa"},
		ExtraPackages: []string{"vim"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"apt update",
		"apt install -y software-properties-common",
		"add-apt-repository -y ppa:canonical-kernel-team/ppa",
		"apt update",
		"apt -y full-upgrade",
		"apt install -y vim",
	}, rootCommandLines(runner, chroot.RootDir()))

	assert.Equal(t, "Acquire::http::Proxy \"http://localhost:3142\";\n", proxyDuringUpgrade)
	assert.NoFileExists(t, proxyConfig)
}

func TestUpdateSystemFailureRemovesCache(t *testing.T) {
	runner, chroot := newTestChroot(t)
	runner.FailOn("apt", "full-upgrade", 100)

	err := UpdateSystem(context.Background(), chroot, UpdateSystemOptions{
		Mirror:   "http://archive.ubuntu.com/ubuntu/",
		Series:   "noble",
		AptCache: "http://localhost:3142",
	})
	assert.ErrorIs(t, err, ErrUpdateSystem)
	assert.NoFileExists(t, filepath.Join(chroot.RootDir(), aptProxyConfigPath))
}

func TestInstallPackages(t *testing.T) {
	runner, chroot := newTestChroot(t)

	err := InstallPackages(context.Background(), chroot, []string{"linux-virtual", "openssh-server"}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"apt update",
		"apt install -y linux-virtual openssh-server",
	}, rootCommandLines(runner, chroot.RootDir()))
}

func TestInstallPackagesNone(t *testing.T) {
	runner, chroot := newTestChroot(t)

	err := InstallPackages(context.Background(), chroot, nil, "")
	require.NoError(t, err)
	assert.Empty(t, rootCommandLines(runner, chroot.RootDir()))
}

func TestInstallPackagesFailure(t *testing.T) {
	runner, chroot := newTestChroot(t)
	runner.FailOn("apt", "install", 100)

	err := InstallPackages(context.Background(), chroot, []string{"does-not-exist"}, "")
	assert.ErrorIs(t, err, ErrInstallPackages)
}

func TestInstallPackagesOutsideContext(t *testing.T) {
	_, chroot := newTestChroot(t)
	require.NoError(t, chroot.Exit())

	err := InstallPackages(context.Background(), chroot, []string{"vim"}, "")
	assert.ErrorIs(t, err, ErrInstallPackages)
}
