// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package osinfo

import (
	"fmt"

	"gopkg.in/ini.v1"
)

const (
	HostOsReleasePath = "/etc/os-release"

	unknownDistro  = "Unknown Distro"
	unknownVersion = "Unknown Version"
)

// OsRelease holds the os-release fields genesis uses.
type OsRelease struct {
	Id              string
	Name            string
	Version         string
	VersionId       string
	VersionCodename string
}

// ReadOsRelease parses an os-release file.
func ReadOsRelease(path string) (OsRelease, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return OsRelease{}, fmt.Errorf("failed to read os-release file (%s):\n%w", path, err)
	}

	section := cfg.Section(ini.DefaultSection)
	return OsRelease{
		Id:              section.Key("ID").String(),
		Name:            section.Key("NAME").String(),
		Version:         section.Key("VERSION").String(),
		VersionId:       section.Key("VERSION_ID").String(),
		VersionCodename: section.Key("VERSION_CODENAME").String(),
	}, nil
}

// GetDistroAndVersion returns the name and version of the host's distribution.
func GetDistroAndVersion() (string, string) {
	osRelease, err := ReadOsRelease(HostOsReleasePath)
	if err != nil {
		return unknownDistro, unknownVersion
	}

	distro := osRelease.Name
	if distro == "" {
		distro = unknownDistro
	}

	version := osRelease.Version
	if version == "" {
		version = unknownVersion
	}

	return distro, version
}
