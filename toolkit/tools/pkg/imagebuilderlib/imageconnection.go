// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gjolly/genesis/toolkit/tools/imagegen/diskutils"
	"github.com/gjolly/genesis/toolkit/tools/internal/safechroot"
	"github.com/gjolly/genesis/toolkit/tools/internal/safemount"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
)

const (
	mountDirPrefix = "genesis-build-"
	espMountPath   = "boot/efi"
)

// ImageConnection is a disk image attached to a loop device, with its root filesystem mounted and, optionally, an
// execution context entered in it. Every step is recorded in a BuildState.
type ImageConnection struct {
	runner   shell.Runner
	state    *BuildState
	disk     *diskutils.Disk
	mountDir string
	chroot   *safechroot.Chroot
}

func NewImageConnection(runner shell.Runner, state *BuildState) *ImageConnection {
	return &ImageConnection{
		runner: runner,
		state:  state,
	}
}

func (c *ImageConnection) ConnectLoopback(diskFilePath string) error {
	if c.disk != nil {
		return fmt.Errorf("loopback already connected")
	}

	disk, err := diskutils.NewDisk(diskFilePath)
	if err != nil {
		return err
	}

	err = disk.Attach(c.runner)
	if err != nil {
		return err
	}
	c.state.RecordLoopback(disk)

	c.disk = disk
	return nil
}

// MountRootfs mounts the root partition on a new directory under buildDir.
func (c *ImageConnection) MountRootfs(buildDir string) error {
	if c.disk == nil {
		return fmt.Errorf("loopback not connected")
	}
	if c.mountDir != "" {
		return fmt.Errorf("root filesystem already mounted at (%s)", c.mountDir)
	}

	rootfsPath, err := c.disk.RootfsPartitionPath()
	if err != nil {
		return err
	}

	mountDir := filepath.Join(buildDir, mountDirPrefix+newID())
	err = os.MkdirAll(mountDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create mount directory (%s):\n%w", mountDir, err)
	}
	c.state.RecordTemporaryFile(mountDir)

	mount, err := safemount.NewMount(c.runner, rootfsPath, mountDir, "", "", false)
	if err != nil {
		return err
	}
	c.state.RecordMount(mount)

	c.mountDir = mountDir
	return nil
}

// MountEsp mounts the ESP at /boot/efi of the mounted root filesystem.
func (c *ImageConnection) MountEsp() error {
	if c.mountDir == "" {
		return fmt.Errorf("root filesystem not mounted")
	}

	espPath, err := c.disk.EspPartitionPath()
	if err != nil {
		return err
	}

	mount, err := safemount.NewMount(c.runner, espPath, filepath.Join(c.mountDir, espMountPath), "", "", false)
	if err != nil {
		return err
	}
	c.state.RecordMount(mount)

	return nil
}

func (c *ImageConnection) ConnectChroot() error {
	if c.chroot != nil {
		return fmt.Errorf("chroot already connected")
	}
	if c.mountDir == "" {
		return fmt.Errorf("root filesystem not mounted")
	}

	chroot := safechroot.NewChroot(c.runner, c.mountDir)
	err := chroot.Enter()
	if err != nil {
		return err
	}
	c.state.RecordChroot(chroot)

	c.chroot = chroot
	return nil
}

func (c *ImageConnection) Runner() shell.Runner {
	return c.runner
}

func (c *ImageConnection) Disk() *diskutils.Disk {
	return c.disk
}

func (c *ImageConnection) MountDir() string {
	return c.mountDir
}

func (c *ImageConnection) Chroot() *safechroot.Chroot {
	return c.chroot
}

// Close releases everything the connection's BuildState holds. The disk image itself is never removed, since it
// was not recorded.
func (c *ImageConnection) Close() error {
	_, err := c.state.ReleaseAll(false)
	return err
}

// ConnectToImage connects to an existing disk image for a single step.
func ConnectToImage(runner shell.Runner, buildDir string, imageFilePath string, mountEsp bool, enterChroot bool,
) (*ImageConnection, error) {
	conn := NewImageConnection(runner, NewBuildState(runner))

	err := conn.connect(buildDir, imageFilePath, mountEsp, enterChroot)
	if err != nil {
		closeErr := conn.Close()
		if closeErr != nil {
			err = fmt.Errorf("%w:\nfailed to clean up:\n%w", err, closeErr)
		}
		return nil, fmt.Errorf("%w (image='%s'):\n%w", ErrConnectImage, imageFilePath, err)
	}

	return conn, nil
}

func (c *ImageConnection) connect(buildDir string, imageFilePath string, mountEsp bool, enterChroot bool) error {
	err := c.ConnectLoopback(imageFilePath)
	if err != nil {
		return err
	}

	err = c.MountRootfs(buildDir)
	if err != nil {
		return err
	}

	if mountEsp {
		err = c.MountEsp()
		if err != nil {
			return err
		}
	}

	if enterChroot {
		err = c.ConnectChroot()
		if err != nil {
			return err
		}
	}

	return nil
}
