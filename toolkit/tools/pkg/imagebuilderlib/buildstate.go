// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"errors"
	"fmt"
	"os"

	"github.com/gjolly/genesis/toolkit/tools/imagegen/diskutils"
	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/safechroot"
	"github.com/gjolly/genesis/toolkit/tools/internal/safemount"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
)

type ResourceKind int

const (
	ResourceKindMountedDirectory ResourceKind = iota
	ResourceKindAttachedBlockDevice
	ResourceKindEnteredExecutionContext
	ResourceKindTemporaryFile
	ResourceKindDiskImage
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceKindMountedDirectory:
		return "mounted directory"
	case ResourceKindAttachedBlockDevice:
		return "attached block device"
	case ResourceKindEnteredExecutionContext:
		return "execution context"
	case ResourceKindTemporaryFile:
		return "temporary file"
	case ResourceKindDiskImage:
		return "disk image"
	default:
		return "unknown"
	}
}

type resourceEntry struct {
	kind     ResourceKind
	name     string
	release  func() error
	released bool
}

// BuildState is the ledger of everything a build acquired on the host. Entries are released newest first, each at
// most once.
type BuildState struct {
	runner      shell.Runner
	entries     []*resourceEntry
	succeeded   bool
	releasedAll bool
}

func NewBuildState(runner shell.Runner) *BuildState {
	return &BuildState{
		runner: runner,
	}
}

// Record adds a resource with a custom release function.
func (s *BuildState) Record(kind ResourceKind, name string, release func() error) {
	logger.Log.Debugf("Recording %s (%s)", kind, name)
	s.entries = append(s.entries, &resourceEntry{
		kind:    kind,
		name:    name,
		release: release,
	})
}

func (s *BuildState) RecordMount(mount *safemount.Mount) {
	s.Record(ResourceKindMountedDirectory, mount.Target(), mount.CleanClose)
}

func (s *BuildState) RecordLoopback(disk *diskutils.Disk) {
	s.Record(ResourceKindAttachedBlockDevice, disk.Path, func() error {
		return disk.Detach(s.runner)
	})
}

func (s *BuildState) RecordChroot(chroot *safechroot.Chroot) {
	s.Record(ResourceKindEnteredExecutionContext, chroot.RootDir(), func() error {
		if chroot.State() != safechroot.StateInside {
			return nil
		}
		return chroot.Exit()
	})
}

// RecordTemporaryFile records a scratch file or directory. A path that is still a mount point is never removed,
// since removing it would delete the mounted filesystem's content.
func (s *BuildState) RecordTemporaryFile(path string) {
	s.Record(ResourceKindTemporaryFile, path, func() error {
		mounted, err := safemount.IsMountPoint(s.runner, path)
		if err != nil {
			return err
		}
		if mounted {
			return fmt.Errorf("refusing to remove (%s): still mounted", path)
		}
		return os.RemoveAll(path)
	})
}

// RecordDiskImage records the image being built. Its fate is decided by ReleaseAll.
func (s *BuildState) RecordDiskImage(path string) {
	s.Record(ResourceKindDiskImage, path, func() error {
		return file.RemoveFileIfExists(path)
	})
}

// Checkpoint marks the current end of the ledger.
func (s *BuildState) Checkpoint() int {
	return len(s.entries)
}

// ReleaseTo releases, newest first, the entries recorded after checkpoint. Disk images are left for ReleaseAll.
func (s *BuildState) ReleaseTo(checkpoint int) error {
	errs := []error(nil)
	for i := len(s.entries) - 1; i >= checkpoint && i >= 0; i-- {
		entry := s.entries[i]
		if entry.kind == ResourceKindDiskImage {
			continue
		}

		err := s.releaseEntry(entry)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *BuildState) MarkSuccess() {
	s.succeeded = true
}

// ReleaseAll releases every entry, newest first. A failed release is logged and the walk continues. When the build
// did not succeed and keepArtifactsOnFailure is set, the disk image is kept and its path returned. Calling it again
// does nothing.
func (s *BuildState) ReleaseAll(keepArtifactsOnFailure bool) (string, error) {
	if s.releasedAll {
		return "", nil
	}
	s.releasedAll = true

	preserved := ""
	errs := []error(nil)
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if entry.released {
			continue
		}

		if entry.kind == ResourceKindDiskImage && !s.succeeded && keepArtifactsOnFailure {
			entry.released = true
			preserved = entry.name
			logger.Log.Infof("Keeping disk image of failed build (%s)", entry.name)
			continue
		}

		err := s.releaseEntry(entry)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return preserved, errors.Join(errs...)
}

func (s *BuildState) releaseEntry(entry *resourceEntry) error {
	if entry.released {
		return nil
	}
	entry.released = true

	logger.Log.Debugf("Releasing %s (%s)", entry.kind, entry.name)
	err := entry.release()
	if err != nil {
		logger.Log.Errorf("Failed to release %s (%s):\n%v", entry.kind, entry.name, err)
		return fmt.Errorf("failed to release %s (%s):\n%w", entry.kind, entry.name, err)
	}
	return nil
}
