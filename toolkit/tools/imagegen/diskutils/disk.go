// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
)

// Disk is a disk image with the fixed UEFI layout. It is either detached (no device, no partitions) or attached
// with every layout partition resolved. It is never observable in between.
type Disk struct {
	Path   string
	Layout []PartitionSpec

	devicePath     string
	partitionPaths map[int]string
}

// NewDisk wraps an existing disk image.
func NewDisk(path string) (*Disk, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path of disk image (%s):\n%w", path, err)
	}

	stat, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find disk image (%s):\n%w", absPath, err)
	}

	if !stat.Mode().IsRegular() {
		return nil, fmt.Errorf("disk image (%s) is not a regular file", absPath)
	}

	return &Disk{
		Path:   absPath,
		Layout: UefiLayout,
	}, nil
}

func (d *Disk) Attached() bool {
	return d.devicePath != ""
}

// DevicePath returns the loop device, or "" when detached.
func (d *Disk) DevicePath() string {
	return d.devicePath
}

func (d *Disk) PartitionPath(number int) (string, error) {
	path, ok := d.partitionPaths[number]
	if !ok {
		return "", fmt.Errorf("partition (%d) of disk (%s) is not available", number, d.Path)
	}
	return path, nil
}

func (d *Disk) RootfsPartitionPath() (string, error) {
	return d.PartitionPath(RootfsPartitionNumber)
}

func (d *Disk) EspPartitionPath() (string, error) {
	return d.PartitionPath(EspPartitionNumber)
}

// Attach binds the disk image to a loop device and resolves all of its partitions.
func (d *Disk) Attach(runner shell.Runner) error {
	if d.Attached() {
		return fmt.Errorf("%w (path='%s'):\nalready attached to (%s)", ErrAttachFailed, d.Path, d.devicePath)
	}

	devicePath, err := AttachLoopbackDevice(runner, d.Path)
	if err != nil {
		return err
	}

	partitionPaths, err := d.resolvePartitions(runner, devicePath)
	if err != nil {
		detachErr := DetachLoopbackDevice(runner, devicePath)
		if detachErr != nil {
			logger.Log.Warnf("Failed to detach (%s) after failed attach: %v", devicePath, detachErr)
		}
		return fmt.Errorf("%w (path='%s'):\n%w", ErrAttachFailed, d.Path, err)
	}

	d.devicePath = devicePath
	d.partitionPaths = partitionPaths
	logger.Log.Infof("Attached disk image (%s) to (%s)", d.Path, d.devicePath)
	return nil
}

func (d *Disk) resolvePartitions(runner shell.Runner, devicePath string) (map[int]string, error) {
	found, err := GetDiskPartitions(runner, devicePath)
	if err != nil {
		return nil, err
	}

	partitionPaths := map[int]string{}
	for _, spec := range d.Layout {
		path, ok := found[spec.Number]
		if !ok {
			return nil, fmt.Errorf("partition (%d) did not appear on (%s)", spec.Number, devicePath)
		}
		partitionPaths[spec.Number] = path
	}

	return partitionPaths, nil
}

// Detach releases the loop device. Detaching a detached disk succeeds.
func (d *Disk) Detach(runner shell.Runner) error {
	if !d.Attached() {
		return nil
	}

	err := DetachLoopbackDevice(runner, d.devicePath)
	if err != nil {
		return err
	}

	logger.Log.Infof("Detached disk image (%s) from (%s)", d.Path, d.devicePath)
	d.devicePath = ""
	d.partitionPaths = nil
	return nil
}

// FormatPartitions creates the root and ESP filesystems of an attached disk.
func (d *Disk) FormatPartitions(runner shell.Runner) error {
	rootfsPath, err := d.RootfsPartitionPath()
	if err != nil {
		return err
	}

	espPath, err := d.EspPartitionPath()
	if err != nil {
		return err
	}

	err = Format(runner, rootfsPath, FileSystemTypeExt4, RootfsLabel)
	if err != nil {
		return err
	}

	return Format(runner, espPath, FileSystemTypeVfat, EspLabel)
}
