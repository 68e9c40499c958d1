// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safechroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
)

type resolvConfType int

const (
	resolvConfTypeNone resolvConfType = iota
	resolvConfTypeSymlink
	resolvConfTypeFile
)

type resolvConfInfo struct {
	existingType resolvConfType
	fileContents string
	filePerms    os.FileMode
	symlinkPath  string
}

const (
	resolvConfPath       = "/etc/resolv.conf"
	stagedResolvConfPath = "/etc/.resolv.conf.genesis"
	resolvConfContents   = "nameserver 1.1.1.1\n"
	resolvConfPerms      = os.FileMode(0o644)
)

// overrideResolvConf points the root's name resolution at a public resolver so that in-root processes can reach the
// package archive. The previous file, symlink or absence is returned so it can be put back.
func overrideResolvConf(rootDir string) (resolvConfInfo, error) {
	logger.Log.Debugf("Overriding resolv.conf in (%s)", rootDir)

	resolvConfFullPath := filepath.Join(rootDir, resolvConfPath)

	existing := resolvConfInfo{}

	stat, err := os.Lstat(resolvConfFullPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		existing.existingType = resolvConfTypeNone

	case err != nil:
		return resolvConfInfo{}, fmt.Errorf("failed to stat resolv.conf file:\n%w", err)

	case stat.Mode()&os.ModeSymlink != 0:
		symlinkPath, err := os.Readlink(resolvConfFullPath)
		if err != nil {
			return resolvConfInfo{}, fmt.Errorf("failed to read resolv.conf symlink's path:\n%w", err)
		}
		existing.existingType = resolvConfTypeSymlink
		existing.symlinkPath = symlinkPath

	default:
		fileContents, err := file.Read(resolvConfFullPath)
		if err != nil {
			return resolvConfInfo{}, fmt.Errorf("failed to read resolv.conf file:\n%w", err)
		}
		existing.existingType = resolvConfTypeFile
		existing.fileContents = fileContents
		existing.filePerms = stat.Mode().Perm()
	}

	// The new file is complete before it replaces the old one, so a failure leaves the image's file in place.
	stagedPath := filepath.Join(rootDir, stagedResolvConfPath)
	err = file.WriteWithPerm(resolvConfContents, stagedPath, resolvConfPerms)
	if err != nil {
		return resolvConfInfo{}, fmt.Errorf("failed to write temporary resolv.conf file:\n%w", err)
	}

	err = os.Rename(stagedPath, resolvConfFullPath)
	if err != nil {
		removeErr := file.RemoveFileIfExists(stagedPath)
		if removeErr != nil {
			logger.Log.Warnf("Failed to remove (%s): %v", stagedPath, removeErr)
		}
		return resolvConfInfo{}, fmt.Errorf("failed to replace resolv.conf file:\n%w", err)
	}

	return existing, nil
}

func restoreResolvConf(existing resolvConfInfo, rootDir string) error {
	logger.Log.Debugf("Restoring resolv.conf in (%s)", rootDir)

	resolvConfFullPath := filepath.Join(rootDir, resolvConfPath)

	err := os.RemoveAll(resolvConfFullPath)
	if err != nil {
		return fmt.Errorf("failed to delete temporary resolv.conf file:\n%w", err)
	}

	switch existing.existingType {
	case resolvConfTypeNone:

	case resolvConfTypeFile:
		err := file.WriteWithPerm(existing.fileContents, resolvConfFullPath, existing.filePerms)
		if err != nil {
			return fmt.Errorf("failed to restore resolv.conf file:\n%w", err)
		}

	case resolvConfTypeSymlink:
		err := os.Symlink(existing.symlinkPath, resolvConfFullPath)
		if err != nil {
			return fmt.Errorf("failed to restore resolv.conf symlink:\n%w", err)
		}
	}

	return nil
}
