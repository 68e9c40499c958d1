// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safechroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gjolly/genesis/toolkit/tools/internal/buildererrors"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/processes"
	"github.com/gjolly/genesis/toolkit/tools/internal/safemount"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
)

var (
	ErrContextEntryFailed  = buildererrors.New("Chroot:EntryFailed", "failed to enter execution context")
	ErrInvalidContextState = buildererrors.New("Chroot:InvalidState", "invalid execution context state")
)

type State int

const (
	StateOutside State = iota
	StateInside
)

func (s State) String() string {
	switch s {
	case StateInside:
		return "inside"
	default:
		return "outside"
	}
}

const (
	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// systemMount is a virtual filesystem mounted inside the root while the context is entered.
type systemMount struct {
	source  string
	target  string
	fsType  string
	options string
}

var systemMounts = []systemMount{
	{source: "devtmpfs", target: "/dev", fsType: "devtmpfs"},
	{source: "proc", target: "/proc", fsType: "proc"},
	{source: "sysfs", target: "/sys", fsType: "sysfs"},
	{source: "securityfs", target: "/sys/kernel/security", fsType: "securityfs"},
	{source: "cgroup2", target: "/sys/fs/cgroup", fsType: "cgroup2"},
	{source: "tmpfs", target: "/tmp", fsType: "tmpfs"},
	{source: "tmpfs", target: "/var/lib/apt", fsType: "tmpfs"},
	{source: "tmpfs", target: "/var/cache/apt", fsType: "tmpfs"},
}

// ChrootInterface is the part of a Chroot needed to run commands in it.
type ChrootInterface interface {
	RootDir() string
	Run(args []string, env ...string) error
	RunCaptured(args []string, env ...string) (string, error)
}

// Chroot runs commands with their root directory switched to a target filesystem tree. Only the child processes
// see the new root.
type Chroot struct {
	runner     shell.Runner
	rootDir    string
	state      State
	mounts     *safemount.Tracker
	resolvConf resolvConfInfo
}

func NewChroot(runner shell.Runner, rootDir string) *Chroot {
	return &Chroot{
		runner:  runner,
		rootDir: filepath.Clean(rootDir),
		state:   StateOutside,
		mounts:  safemount.NewTracker(runner),
	}
}

func (c *Chroot) RootDir() string {
	return c.rootDir
}

func (c *Chroot) State() State {
	return c.state
}

// Enter mounts the system filesystems into the root and prepares name resolution. On failure, everything already
// done is undone and the context stays outside.
func (c *Chroot) Enter() error {
	if c.state != StateOutside {
		return fmt.Errorf("%w (root='%s'):\ncannot enter a context that is %s", ErrInvalidContextState, c.rootDir,
			c.state)
	}

	logger.Log.Infof("Entering execution context (%s)", c.rootDir)

	err := c.enter()
	if err != nil {
		cleanupErr := c.mounts.UnmountAll()
		if cleanupErr != nil {
			logger.Log.Warnf("Failed to clean up mounts after failed entry into (%s): %v", c.rootDir, cleanupErr)
		}
		return fmt.Errorf("%w (root='%s'):\n%w", ErrContextEntryFailed, c.rootDir, err)
	}

	c.state = StateInside
	return nil
}

func (c *Chroot) enter() error {
	stat, err := os.Stat(c.rootDir)
	if err != nil {
		return fmt.Errorf("failed to stat root directory:\n%w", err)
	}
	if !stat.IsDir() {
		return fmt.Errorf("root (%s) is not a directory", c.rootDir)
	}

	for _, mount := range systemMounts {
		_, err := c.mounts.Mount(mount.source, filepath.Join(c.rootDir, mount.target), mount.fsType, mount.options)
		if err != nil {
			return err
		}
	}

	c.resolvConf, err = overrideResolvConf(c.rootDir)
	if err != nil {
		return err
	}

	return nil
}

// Run executes a command inside the root. env is added on top of the context's default environment.
func (c *Chroot) Run(args []string, env ...string) error {
	cmd, err := c.command(args, env)
	if err != nil {
		return err
	}
	return c.runner.Run(cmd)
}

// RunCaptured executes a command inside the root and returns its stdout.
func (c *Chroot) RunCaptured(args []string, env ...string) (string, error) {
	cmd, err := c.command(args, env)
	if err != nil {
		return "", err
	}
	return c.runner.RunCaptured(cmd)
}

func (c *Chroot) command(args []string, env []string) (shell.Cmd, error) {
	if c.state != StateInside {
		return shell.Cmd{}, fmt.Errorf("%w (root='%s'):\ncannot run (%s) outside of the context",
			ErrInvalidContextState, c.rootDir, shell.JoinArgs(args))
	}

	return shell.Command(args...).
		InRoot(c.rootDir).
		WithEnv("PATH="+defaultPath, "DEBIAN_FRONTEND=noninteractive", "LC_ALL=C.UTF-8").
		WithEnv(env...), nil
}

// Exit stops leftover processes, restores resolv.conf and unmounts the system filesystems. Unmount failures are
// returned since they leave the host in a state that needs attention.
func (c *Chroot) Exit() error {
	if c.state != StateInside {
		return fmt.Errorf("%w (root='%s'):\ncannot exit a context that is %s", ErrInvalidContextState, c.rootDir,
			c.state)
	}

	logger.Log.Infof("Exiting execution context (%s)", c.rootDir)

	err := processes.StopProcessesRootedIn(c.runner, c.rootDir)
	if err != nil {
		logger.Log.Warnf("Failed to stop processes in (%s): %v", c.rootDir, err)
	}

	errs := []error(nil)

	err = restoreResolvConf(c.resolvConf, c.rootDir)
	if err != nil {
		errs = append(errs, err)
	}

	err = c.mounts.UnmountAll()
	if err != nil {
		errs = append(errs, err)
	}

	c.state = StateOutside
	return errors.Join(errs...)
}
