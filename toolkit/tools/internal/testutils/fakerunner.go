// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutils

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
)

// FakeHandler simulates one program. It returns the program's output, which RunCaptured and RunCombined both report.
type FakeHandler func(cmd shell.Cmd) (string, error)

// FakeRunner records every command instead of executing it. It simulates the loop device table (losetup, lsblk)
// and the mount table (mount, umount) closely enough for the disk and mount code to run unmodified. Programs
// without a handler succeed with no output.
type FakeRunner struct {
	lock     sync.Mutex
	calls    []shell.Cmd
	handlers map[string]FakeHandler

	// Partition numbers reported by lsblk for every attached loop device.
	LoopPartitions []int
	loops          map[string]string
	nextLoop       int
	mounts         []string
}

func NewFakeRunner() *FakeRunner {
	r := &FakeRunner{
		handlers:       map[string]FakeHandler{},
		LoopPartitions: []int{1, 14, 15},
		loops:          map[string]string{},
	}
	r.handlers["losetup"] = r.losetup
	r.handlers["lsblk"] = r.lsblk
	r.handlers["mount"] = r.mount
	r.handlers["umount"] = r.umount
	return r
}

// Handle replaces the simulation of a program.
func (r *FakeRunner) Handle(program string, handler FakeHandler) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers[program] = handler
}

// FailOn makes every invocation of program whose command line contains match fail with exitCode.
func (r *FakeRunner) FailOn(program string, match string, exitCode int) {
	r.lock.Lock()
	previous := r.handlers[program]
	r.lock.Unlock()

	r.Handle(program, func(cmd shell.Cmd) (string, error) {
		if strings.Contains(cmd.String(), match) {
			return "", Fail(cmd, exitCode, fmt.Sprintf("%s: simulated failure", program))
		}
		if previous != nil {
			return previous(cmd)
		}
		return "", nil
	})
}

// Observe calls observer before every invocation of program. The simulation itself is unchanged.
func (r *FakeRunner) Observe(program string, observer func(cmd shell.Cmd)) {
	r.lock.Lock()
	previous := r.handlers[program]
	r.lock.Unlock()

	r.Handle(program, func(cmd shell.Cmd) (string, error) {
		observer(cmd)
		if previous != nil {
			return previous(cmd)
		}
		return "", nil
	})
}

func (r *FakeRunner) Run(cmd shell.Cmd) error {
	_, err := r.RunCaptured(cmd)
	return err
}

func (r *FakeRunner) RunCaptured(cmd shell.Cmd) (string, error) {
	r.lock.Lock()
	r.calls = append(r.calls, cmd)
	handler := r.handlers[cmd.Program()]
	r.lock.Unlock()

	if handler == nil {
		return "", nil
	}
	return handler(cmd)
}

func (r *FakeRunner) RunCombined(cmd shell.Cmd) (string, error) {
	return r.RunCaptured(cmd)
}

// Calls returns every recorded command.
func (r *FakeRunner) Calls() []shell.Cmd {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]shell.Cmd(nil), r.calls...)
}

// CommandLines returns every recorded command rendered as a single line.
func (r *FakeRunner) CommandLines() []string {
	lines := []string(nil)
	for _, cmd := range r.Calls() {
		lines = append(lines, cmd.String())
	}
	return lines
}

// CallsTo returns the recorded invocations of one program.
func (r *FakeRunner) CallsTo(program string) []shell.Cmd {
	matches := []shell.Cmd(nil)
	for _, cmd := range r.Calls() {
		if cmd.Program() == program {
			matches = append(matches, cmd)
		}
	}
	return matches
}

// AttachedLoops returns the simulated loop devices that are still attached.
func (r *FakeRunner) AttachedLoops() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	devices := []string(nil)
	for device := range r.loops {
		devices = append(devices, device)
	}
	slices.Sort(devices)
	return devices
}

// Mounts returns the simulated mount points, in mount order.
func (r *FakeRunner) Mounts() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.mounts...)
}

// IsMounted reports whether path is a simulated mount point.
func (r *FakeRunner) IsMounted(path string) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.Contains(r.mounts, filepath.Clean(path)), nil
}

// Fail builds the error a real runner returns when cmd exits with exitCode.
func Fail(cmd shell.Cmd, exitCode int, output string) error {
	return &shell.CommandError{
		Args:     cmd.Args,
		ExitCode: exitCode,
		Output:   output,
	}
}

func (r *FakeRunner) losetup(cmd shell.Cmd) (string, error) {
	args := cmd.Args[1:]

	r.lock.Lock()
	defer r.lock.Unlock()

	switch {
	case slices.Contains(args, "--list"):
		type loopDevice struct {
			Name        string `json:"name"`
			BackingFile string `json:"back-file"`
		}

		devices := []loopDevice{}
		for name, backingFile := range r.loops {
			devices = append(devices, loopDevice{Name: name, BackingFile: backingFile})
		}
		slices.SortFunc(devices, func(a, b loopDevice) int { return strings.Compare(a.Name, b.Name) })

		output, err := json.Marshal(map[string]any{"loopdevices": devices})
		return string(output), err

	case slices.Contains(args, "-d"):
		device := args[len(args)-1]
		if _, found := r.loops[device]; !found {
			return "", Fail(cmd, 1, fmt.Sprintf("losetup: %s: detach failed: No such device or address", device))
		}
		delete(r.loops, device)
		return "", nil

	case slices.Contains(args, "-f"):
		backingFile := args[len(args)-1]
		device := fmt.Sprintf("/dev/loop%d", r.nextLoop)
		r.nextLoop++
		r.loops[device] = backingFile
		if slices.Contains(args, "--show") {
			return device + "\n", nil
		}
		return "", nil

	default:
		return "", nil
	}
}

func (r *FakeRunner) lsblk(cmd shell.Cmd) (string, error) {
	device := cmd.Args[len(cmd.Args)-1]

	r.lock.Lock()
	_, attached := r.loops[device]
	partitionNumbers := append([]int(nil), r.LoopPartitions...)
	r.lock.Unlock()

	if !attached {
		return "", Fail(cmd, 32, fmt.Sprintf("lsblk: %s: not a block device", device))
	}

	type blockDevice struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Type string `json:"type"`
	}

	devices := []blockDevice{{Name: filepath.Base(device), Path: device, Type: "loop"}}
	for _, number := range partitionNumbers {
		path := fmt.Sprintf("%sp%d", device, number)
		devices = append(devices, blockDevice{Name: filepath.Base(path), Path: path, Type: "part"})
	}

	output, err := json.Marshal(map[string]any{"blockdevices": devices})
	return string(output), err
}

func (r *FakeRunner) mount(cmd shell.Cmd) (string, error) {
	target := filepath.Clean(cmd.Args[len(cmd.Args)-1])

	r.lock.Lock()
	defer r.lock.Unlock()
	r.mounts = append(r.mounts, target)
	return "", nil
}

func (r *FakeRunner) umount(cmd shell.Cmd) (string, error) {
	target := filepath.Clean(cmd.Args[len(cmd.Args)-1])
	recursive := slices.Contains(cmd.Args, "-R")

	r.lock.Lock()
	defer r.lock.Unlock()

	if !slices.Contains(r.mounts, target) {
		return "", Fail(cmd, 32, fmt.Sprintf("umount: %s: not mounted.", target))
	}

	remaining := []string(nil)
	for _, mount := range r.mounts {
		nested := recursive && strings.HasPrefix(mount, target+"/")
		if mount == target || nested {
			continue
		}
		remaining = append(remaining, mount)
	}
	r.mounts = remaining
	return "", nil
}
