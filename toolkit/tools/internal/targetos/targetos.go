// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package targetos

import (
	"fmt"
	"path/filepath"

	"github.com/gjolly/genesis/toolkit/tools/internal/osinfo"
)

const (
	osReleasePath    = "etc/os-release"
	libOsReleasePath = "usr/lib/os-release"

	distroIdUbuntu = "ubuntu"
	distroIdDebian = "debian"
)

// GetInstalledSeries returns the release codename of the system installed in rootfs.
func GetInstalledSeries(rootfs string) (string, error) {
	osRelease, err := osinfo.ReadOsRelease(filepath.Join(rootfs, osReleasePath))
	if err != nil {
		// etc/os-release is a symlink to an absolute path, which only resolves inside the root.
		osRelease, err = osinfo.ReadOsRelease(filepath.Join(rootfs, libOsReleasePath))
		if err != nil {
			return "", err
		}
	}

	switch osRelease.Id {
	case distroIdUbuntu, distroIdDebian:

	default:
		return "", fmt.Errorf("unknown ID (%s) in /etc/os-release", osRelease.Id)
	}

	if osRelease.VersionCodename == "" {
		return "", fmt.Errorf("no VERSION_CODENAME in /etc/os-release")
	}

	return osRelease.VersionCodename, nil
}

// CheckInstalledSeries returns an error if rootfs does not contain the expected release.
func CheckInstalledSeries(rootfs string, series string) error {
	installed, err := GetInstalledSeries(rootfs)
	if err != nil {
		return fmt.Errorf("failed to read installed series:\n%w", err)
	}

	if installed != series {
		return fmt.Errorf("installed series (%s) does not match requested series (%s)", installed, series)
	}

	return nil
}
