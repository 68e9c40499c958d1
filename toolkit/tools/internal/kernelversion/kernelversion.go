// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package kernelversion

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/gjolly/genesis/toolkit/tools/internal/version"
	"golang.org/x/sys/unix"
)

var (
	// Parses the kernel version from "uname -r".
	//
	// Examples:
	//   OS               Version
	//   Ubuntu 24.04     6.8.0-48-generic
	//   Debian 12        6.1.0-26-amd64
	//   Fedora 40        6.11.6-200.fc40.x86_64
	kernelVersionRegex = regexp.MustCompile(`^(\d+\.\d+\.\d+)([.\-+][a-zA-Z0-9_.\-+]*)?$`)

	// The first kernel with a stable cgroup2 filesystem.
	MinimumBuildHostKernelVersion = version.Version{4, 5}
)

func GetBuildHostKernelVersion() (version.Version, error) {
	utsName := unix.Utsname{}
	err := unix.Uname(&utsName)
	if err != nil {
		return nil, fmt.Errorf("failed to query uname:\n%w", err)
	}

	versionBuf := utsName.Release[:]
	versionStringLen := bytes.IndexByte(versionBuf, 0)
	if versionStringLen < 0 {
		versionStringLen = len(versionBuf)
	}

	return parseKernelVersion(string(versionBuf[:versionStringLen]))
}

// CheckBuildHostKernelVersion returns an error if the host kernel cannot mount every filesystem an execution context
// needs.
func CheckBuildHostKernelVersion() (version.Version, error) {
	hostVersion, err := GetBuildHostKernelVersion()
	if err != nil {
		return nil, err
	}

	if hostVersion.Lt(MinimumBuildHostKernelVersion) {
		return hostVersion, fmt.Errorf("build host kernel (%s) is older than (%s)", hostVersion,
			MinimumBuildHostKernelVersion)
	}

	return hostVersion, nil
}

func parseKernelVersion(versionString string) (version.Version, error) {
	match := kernelVersionRegex.FindStringSubmatch(versionString)
	if match == nil {
		return nil, fmt.Errorf("failed to parse kernel version (%s)", versionString)
	}

	return version.Parse(match[1])
}
