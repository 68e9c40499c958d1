// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/imagegen/diskutils"
	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"go.opentelemetry.io/otel/attribute"
)

const (
	fstabPath = "etc/fstab"
)

var fstabEntries = []string{
	fmt.Sprintf("LABEL=%s\t/\text4\tdefaults\t0\t1", diskutils.RootfsLabel),
	fmt.Sprintf("LABEL=%s\t/boot/efi\tvfat\tumask=0077\t0\t1", diskutils.EspLabel),
}

// createDisk allocates and partitions a new disk image in buildDir. The image is recorded as soon as it exists.
func createDisk(ctx context.Context, runner shell.Runner, state *BuildState, buildDir string, sizeGiB uint64,
) (imagePath string, err error) {
	_, span := startSpan(ctx, "create_disk")
	span.SetAttributes(
		attribute.Int64("size_gib", int64(sizeGiB)),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	imagePath, err = diskutils.CreateImage(buildDir, sizeGiB)
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrCreateDisk, err)
	}
	state.RecordDiskImage(imagePath)

	err = diskutils.Partition(runner, imagePath)
	if err != nil {
		return "", fmt.Errorf("%w (path='%s'):\n%w", ErrCreateDisk, imagePath, err)
	}

	err = diskutils.VerifyPartitionTable(runner, imagePath)
	if err != nil {
		return "", fmt.Errorf("%w (path='%s'):\n%w", ErrCreateDisk, imagePath, err)
	}

	return imagePath, nil
}

// populateDisk formats the partitions of a fresh disk image and fills its root filesystem from rootfsDir. The
// returned connection has the ESP mounted and the execution context entered.
func populateDisk(ctx context.Context, runner shell.Runner, state *BuildState, buildDir string, imagePath string,
	rootfsDir string,
) (conn *ImageConnection, err error) {
	_, span := startSpan(ctx, "populate_disk")
	defer func() {
		finishSpanWithError(span, err)
	}()

	conn = NewImageConnection(runner, state)

	err = conn.ConnectLoopback(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = conn.Disk().FormatPartitions(runner)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = conn.MountRootfs(buildDir)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = copyRootfs(runner, rootfsDir, conn.MountDir())
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = conn.MountEsp()
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = conn.ConnectChroot()
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	return conn, nil
}

// copyRootfs copies a root filesystem tree onto the mounted root partition and adds the fstab entries of the
// fixed layout.
func copyRootfs(runner shell.Runner, rootfsDir string, mountDir string) error {
	logger.Log.Infof("Copying root filesystem (%s) to (%s)", rootfsDir, mountDir)

	// cp keeps ownership, hard links and extended attributes.
	err := runner.Run(shell.Command("cp", "-a", rootfsDir+"/.", mountDir))
	if err != nil {
		return fmt.Errorf("failed to copy root filesystem (%s):\n%w", rootfsDir, err)
	}

	err = os.MkdirAll(filepath.Join(mountDir, espMountPath), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create ESP mount point:\n%w", err)
	}

	err = file.Append(strings.Join(fstabEntries, "\n")+"\n", filepath.Join(mountDir, fstabPath))
	if err != nil {
		return fmt.Errorf("failed to write fstab:\n%w", err)
	}

	return nil
}

type CreateDiskOptions struct {
	RootfsDir string
	DiskImage string
	SizeGiB   uint64
}

// CreateDisk writes a root filesystem tree into a new disk image at DiskImage.
func CreateDisk(ctx context.Context, runner shell.Runner, buildDir string, options CreateDiskOptions) (err error) {
	ctx, span := startSpan(ctx, "create_disk_image")
	defer func() {
		finishSpanWithError(span, err)
	}()

	isDir, err := file.IsDir(options.RootfsDir)
	if err != nil || !isDir {
		return fmt.Errorf("%w:\nroot filesystem (%s) is not a directory", ErrCreateDisk, options.RootfsDir)
	}

	state := NewBuildState(runner)
	defer func() {
		_, releaseErr := state.ReleaseAll(false)
		if releaseErr != nil {
			err = errorWithCleanup(err, releaseErr)
		}
	}()

	imagePath, err := createDisk(ctx, runner, state, buildDir, options.SizeGiB)
	if err != nil {
		return err
	}

	checkpoint := state.Checkpoint()

	conn := NewImageConnection(runner, state)

	err = conn.ConnectLoopback(imagePath)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = conn.Disk().FormatPartitions(runner)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = conn.MountRootfs(buildDir)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = copyRootfs(runner, options.RootfsDir, conn.MountDir())
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrPopulateDisk, err)
	}

	err = state.ReleaseTo(checkpoint)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrReleaseResources, err)
	}

	err = moveFile(imagePath, options.DiskImage)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCreateDisk, err)
	}

	state.MarkSuccess()
	return nil
}

func errorWithCleanup(err error, cleanupErr error) error {
	cleanupErr = fmt.Errorf("%w:\n%w", ErrReleaseResources, cleanupErr)
	if err != nil {
		return fmt.Errorf("%w:\n%w", err, cleanupErr)
	}
	return cleanupErr
}
