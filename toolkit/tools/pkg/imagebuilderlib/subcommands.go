// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"net/http"

	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/gjolly/genesis/toolkit/tools/internal/snapseed"
)

// The functions below run one build step against an existing disk image. The image is attached and mounted for the
// step only, and is never removed.

// ImageStep identifies the disk image a step runs against.
type ImageStep struct {
	Runner    shell.Runner
	BuildDir  string
	DiskImage string
}

func (s ImageStep) run(mountEsp bool, enterChroot bool, step func(conn *ImageConnection) error) (err error) {
	conn, err := ConnectToImage(s.Runner, s.BuildDir, s.DiskImage, mountEsp, enterChroot)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := conn.Close()
		if closeErr != nil {
			err = errorWithCleanup(err, closeErr)
		}
	}()

	return step(conn)
}

func (s ImageStep) UpdateSystem(ctx context.Context, options UpdateSystemOptions) error {
	return s.run(true, true, func(conn *ImageConnection) error {
		return UpdateSystem(ctx, conn.Chroot(), options)
	})
}

func (s ImageStep) InstallPackages(ctx context.Context, packages []string, aptCache string) error {
	return s.run(true, true, func(conn *ImageConnection) error {
		return InstallPackages(ctx, conn.Chroot(), packages, aptCache)
	})
}

func (s ImageStep) InstallGrub(ctx context.Context, arch string, rootfsLabel string, aptCache string) error {
	return s.run(true, true, func(conn *ImageConnection) error {
		return InstallBootloader(ctx, conn.Chroot(), imagebuilderapi.BootloaderTypeGrub, conn.Disk().DevicePath(),
			arch, rootfsLabel, aptCache)
	})
}

func (s ImageStep) CopyFiles(ctx context.Context, files map[string]string, ownership FileOwnership) error {
	return s.run(true, false, func(conn *ImageConnection) error {
		return CopyFilesWithOwnership(ctx, conn.MountDir(), files, ownership)
	})
}

func (s ImageStep) DownloadFiles(ctx context.Context, client *http.Client, downloads map[string]string) error {
	return s.run(true, false, func(conn *ImageConnection) error {
		return DownloadFiles(ctx, client, conn.MountDir(), downloads)
	})
}

func (s ImageStep) CreateUser(ctx context.Context, user imagebuilderapi.User) error {
	return s.run(false, true, func(conn *ImageConnection) error {
		return CreateUser(ctx, conn.Chroot(), user)
	})
}

func (s ImageStep) PreseedSnaps(ctx context.Context, arch string, snaps map[string]imagebuilderapi.Snap) error {
	return s.run(false, false, func(conn *ImageConnection) error {
		store := snapseed.NewCommandStore(conn.Runner()).WithArch(arch)
		return PreseedSnaps(ctx, store, conn.MountDir(), snaps)
	})
}
