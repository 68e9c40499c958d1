// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"fmt"

	"github.com/gjolly/genesis/toolkit/tools/internal/buildererrors"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
)

var (
	ErrUnsupportedFilesystem = buildererrors.New("Disk:UnsupportedFilesystem", "unsupported filesystem type")
	ErrLabelRequired         = buildererrors.New("Disk:LabelRequired", "filesystem label is required")
)

type FileSystemType string

const (
	FileSystemTypeExt4 FileSystemType = "ext4"
	FileSystemTypeVfat FileSystemType = "vfat"
)

// When calling mkfs, the default options change depending on the host OS you are running on. The options are
// pinned so that images built on different hosts are identical.
var (
	ext4Options = []string{
		"-F",
		"-b", "4096",
		"-i", "8192",
		"-m", "0",
	}
	// Reserve enough GDT blocks to grow the filesystem online to 536870912 blocks (2 TiB with 4 KiB blocks).
	ext4ExtendedOptions = "resize=536870912"

	vfatOptions = []string{"-F", "32"}
)

// Format creates a filesystem of the given kind on devicePath.
func Format(runner shell.Runner, devicePath string, kind FileSystemType, label string) error {
	if label == "" {
		return fmt.Errorf("%w (device='%s')", ErrLabelRequired, devicePath)
	}

	args, err := mkfsArgs(devicePath, kind, label)
	if err != nil {
		return err
	}

	logger.Log.Infof("Formatting (%s) as %s with label (%s)", devicePath, kind, label)

	err = runner.Run(shell.Command(args...))
	if err != nil {
		return fmt.Errorf("failed to format (%s) as %s:\n%w", devicePath, kind, err)
	}

	return nil
}

func mkfsArgs(devicePath string, kind FileSystemType, label string) ([]string, error) {
	switch kind {
	case FileSystemTypeExt4:
		args := append([]string{"mkfs.ext4"}, ext4Options...)
		return append(args, "-L", label, "-E", ext4ExtendedOptions, devicePath), nil

	case FileSystemTypeVfat:
		args := append([]string{"mkfs.vfat"}, vfatOptions...)
		return append(args, "-n", label, devicePath), nil

	default:
		return nil, fmt.Errorf("%w (%s)", ErrUnsupportedFilesystem, kind)
	}
}
