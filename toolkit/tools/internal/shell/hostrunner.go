// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/sirupsen/logrus"
)

const (
	// Number of trailing output lines kept on a *CommandError.
	errorOutputLines = 10
)

var (
	rootSearchPath = []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"}
)

// HostRunner runs programs as children of the current process.
type HostRunner struct {
	StdoutLogLevel logrus.Level
	StderrLogLevel logrus.Level
}

func NewHostRunner() *HostRunner {
	return &HostRunner{
		StdoutLogLevel: logrus.DebugLevel,
		StderrLogLevel: logrus.WarnLevel,
	}
}

type captureMode int

const (
	captureNone captureMode = iota
	captureStdout
	captureCombined
)

func (r *HostRunner) Run(cmd Cmd) error {
	_, err := r.execute(cmd, captureNone)
	return err
}

func (r *HostRunner) RunCaptured(cmd Cmd) (string, error) {
	return r.execute(cmd, captureStdout)
}

func (r *HostRunner) RunCombined(cmd Cmd) (string, error) {
	return r.execute(cmd, captureCombined)
}

func (r *HostRunner) execute(cmd Cmd, mode captureMode) (string, error) {
	if len(cmd.Args) == 0 || cmd.Args[0] == "" {
		return "", fmt.Errorf("no program specified")
	}

	if cmd.Root != "" {
		logger.Log.Infof(">> (root=%s) %s", cmd.Root, cmd)
	} else {
		logger.Log.Infof(">> %s", cmd)
	}

	execCmd, err := r.newExecCmd(cmd)
	if err != nil {
		return "", &CommandError{Args: cmd.Args, ExitCode: -1, Err: err}
	}

	stdoutPipe, err := execCmd.StdoutPipe()
	if err != nil {
		return "", &CommandError{Args: cmd.Args, ExitCode: -1, Err: err}
	}

	var stderrPipe io.ReadCloser
	if mode == captureCombined {
		// One pipe for both streams keeps the lines in the order the program wrote them.
		execCmd.Stderr = execCmd.Stdout
	} else {
		stderrPipe, err = execCmd.StderrPipe()
		if err != nil {
			return "", &CommandError{Args: cmd.Args, ExitCode: -1, Err: err}
		}
	}

	err = execCmd.Start()
	if err != nil {
		return "", &CommandError{Args: cmd.Args, ExitCode: -1, Err: err}
	}

	output := &lockedBuffer{}
	stderrTail := &tailLines{max: errorOutputLines}
	stdoutTail := &tailLines{max: errorOutputLines}
	readErrs := make([]error, 2)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErrs[0] = drain(stdoutPipe, r.StdoutLogLevel, mode != captureNone, output, stdoutTail)
	}()
	if stderrPipe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readErrs[1] = drain(stderrPipe, r.StderrLogLevel, false, output, stderrTail)
		}()
	}
	wg.Wait()

	err = execCmd.Wait()
	if err != nil {
		tail := stderrTail.String()
		if tail == "" {
			tail = stdoutTail.String()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output.String(), &CommandError{Args: cmd.Args, ExitCode: exitErr.ExitCode(), Output: tail}
		}
		return output.String(), &CommandError{Args: cmd.Args, ExitCode: -1, Output: tail, Err: err}
	}

	err = errors.Join(readErrs...)
	if err != nil {
		return output.String(), fmt.Errorf("failed to read output of (%s):\n%w", cmd, err)
	}

	return output.String(), nil
}

func (r *HostRunner) newExecCmd(cmd Cmd) (*exec.Cmd, error) {
	var execCmd *exec.Cmd
	if cmd.Root == "" {
		execCmd = exec.Command(cmd.Args[0], cmd.Args[1:]...)
		execCmd.Dir = cmd.Dir
	} else {
		// exec.Command resolves the program against the host's PATH, which is wrong once the root is switched.
		programPath, err := lookPathInRoot(cmd.Root, cmd.Args[0])
		if err != nil {
			return nil, err
		}

		execCmd = &exec.Cmd{
			Path: programPath,
			Args: cmd.Args,
			Dir:  cmd.Dir,
			SysProcAttr: &syscall.SysProcAttr{
				Chroot: cmd.Root,
			},
		}
		if execCmd.Dir == "" {
			execCmd.Dir = "/"
		}
	}

	execCmd.Env = append(os.Environ(), cmd.Env...)
	return execCmd, nil
}

// drain logs every line read from reader until EOF. Lines have no length limit. On a read error the rest of the
// stream is discarded so the program never blocks on a full pipe.
func drain(reader io.Reader, level logrus.Level, capture bool, output *lockedBuffer, tail *tailLines) error {
	bufReader := bufio.NewReader(reader)
	for {
		line, err := bufReader.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			logger.Log.Log(level, line)
			tail.Add(line)
			if capture {
				output.WriteLine(line)
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, reader)
			return err
		}
	}
}

// lookPathInRoot finds a program inside root without following symlinks out of it.
func lookPathInRoot(root string, program string) (string, error) {
	if strings.Contains(program, "/") {
		return program, nil
	}

	for _, dir := range rootSearchPath {
		candidate := filepath.Join(dir, program)
		_, err := os.Lstat(filepath.Join(root, candidate))
		if err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("program (%s) not found under root (%s)", program, root)
}

type lockedBuffer struct {
	lock   sync.Mutex
	buffer bytes.Buffer
}

func (b *lockedBuffer) WriteLine(line string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.buffer.WriteString(line)
	b.buffer.WriteByte('\n')
}

func (b *lockedBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buffer.String()
}

type tailLines struct {
	max   int
	lines []string
}

func (t *tailLines) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailLines) String() string {
	return strings.Join(t.lines, "\n")
}
