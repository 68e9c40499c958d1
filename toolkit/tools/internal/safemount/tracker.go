// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safemount

import (
	"errors"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
)

// Tracker records successful mounts so they can be torn down in reverse order.
type Tracker struct {
	runner shell.Runner
	mounts []*Mount
}

func NewTracker(runner shell.Runner) *Tracker {
	return &Tracker{
		runner: runner,
	}
}

// Mount mounts source at target and records it. Failed mounts are not recorded.
func (t *Tracker) Mount(source string, target string, fsType string, options string) (*Mount, error) {
	mount, err := NewMount(t.runner, source, target, fsType, options, false)
	if err != nil {
		return nil, err
	}

	t.mounts = append(t.mounts, mount)
	return mount, nil
}

// Mounts returns the recorded mounts in mount order.
func (t *Tracker) Mounts() []*Mount {
	return append([]*Mount(nil), t.mounts...)
}

// UnmountAll unmounts every recorded mount, newest first. Failures are logged and do not stop the walk.
func (t *Tracker) UnmountAll() error {
	errs := []error(nil)
	remaining := []*Mount(nil)
	for i := len(t.mounts) - 1; i >= 0; i-- {
		err := t.mounts[i].CleanClose()
		if err != nil {
			logger.Log.Errorf("Failed to unmount (%s):\n%v", t.mounts[i].Target(), err)
			errs = append(errs, err)
			remaining = append([]*Mount{t.mounts[i]}, remaining...)
		}
	}

	// Mounts that failed stay recorded so that a later call can retry them.
	t.mounts = remaining
	return errors.Join(errs...)
}
