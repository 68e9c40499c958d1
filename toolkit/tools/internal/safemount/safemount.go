// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safemount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/moby/sys/mountinfo"
)

// MountTable answers whether a path is currently a mount point. Runners that simulate mounts implement it so the
// tracker consults the simulation instead of the host.
type MountTable interface {
	IsMounted(path string) (bool, error)
}

type hostMountTable struct{}

func (hostMountTable) IsMounted(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return mounted, err
}

func mountTableFor(runner shell.Runner) MountTable {
	if table, ok := runner.(MountTable); ok {
		return table
	}
	return hostMountTable{}
}

// Mount is a single mounted filesystem.
type Mount struct {
	runner        shell.Runner
	table         MountTable
	source        string
	target        string
	fsType        string
	options       string
	dirCreated    bool
	makeAndDelete bool
	unmounted     bool
}

// NewMount mounts source at target. If makeAndDelete is set, a missing target directory is created and removed
// again when the mount is closed.
func NewMount(runner shell.Runner, source string, target string, fsType string, options string,
	makeAndDelete bool,
) (*Mount, error) {
	mount := &Mount{
		runner:        runner,
		table:         mountTableFor(runner),
		source:        source,
		target:        filepath.Clean(target),
		fsType:        fsType,
		options:       options,
		makeAndDelete: makeAndDelete,
	}

	err := mount.initialize()
	if err != nil {
		mount.removeCreatedDir()
		return nil, err
	}

	return mount, nil
}

func (m *Mount) initialize() error {
	_, err := os.Stat(m.target)
	switch {
	case errors.Is(err, os.ErrNotExist):
		err = os.MkdirAll(m.target, os.ModePerm)
		if err != nil {
			return fmt.Errorf("failed to create mount directory (%s):\n%w", m.target, err)
		}
		m.dirCreated = true

	case err != nil:
		return fmt.Errorf("failed to stat mount directory (%s):\n%w", m.target, err)
	}

	args := []string{"mount"}
	if m.fsType != "" {
		args = append(args, "-t", m.fsType)
	}
	if m.options != "" {
		args = append(args, "-o", m.options)
	}
	args = append(args, m.source, m.target)

	err = m.runner.Run(shell.Command(args...))
	if err != nil {
		return fmt.Errorf("failed to mount (%s) to (%s):\n%w", m.source, m.target, err)
	}

	return nil
}

func (m *Mount) Source() string {
	return m.source
}

func (m *Mount) Target() string {
	return m.target
}

// CleanClose unmounts the target and everything mounted beneath it. Calling it again is a no-op.
func (m *Mount) CleanClose() error {
	if m.unmounted {
		return nil
	}

	err := UnmountRecursive(m.runner, m.table, m.target)
	if err != nil {
		return err
	}

	m.unmounted = true
	m.removeCreatedDir()
	return nil
}

// Close is CleanClose for paths where the error cannot be acted upon.
func (m *Mount) Close() {
	err := m.CleanClose()
	if err != nil {
		logger.Log.Warnf("Failed to unmount (%s): %v", m.target, err)
	}
}

func (m *Mount) removeCreatedDir() {
	if !m.dirCreated || !m.makeAndDelete {
		return
	}

	err := os.Remove(m.target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Log.Warnf("Failed to delete mount directory (%s): %v", m.target, err)
	}
}

// UnmountRecursive unmounts dir and every mount nested under it. A dir that is no longer a mount point (e.g. it was
// already removed as part of its parent's subtree) is left alone.
func UnmountRecursive(runner shell.Runner, table MountTable, dir string) error {
	if table == nil {
		table = mountTableFor(runner)
	}

	mounted, err := table.IsMounted(dir)
	if err != nil {
		return fmt.Errorf("failed to check if (%s) is mounted:\n%w", dir, err)
	}

	if !mounted {
		logger.Log.Debugf("Skipping unmount of (%s): not mounted", dir)
		return nil
	}

	err = runner.Run(shell.Command("umount", "-R", dir))
	if err != nil {
		return fmt.Errorf("failed to unmount (%s):\n%w", dir, err)
	}

	return nil
}

// IsMountPoint reports whether path is currently a mount point, as seen by runner.
func IsMountPoint(runner shell.Runner, path string) (bool, error) {
	return mountTableFor(runner).IsMounted(filepath.Clean(path))
}
