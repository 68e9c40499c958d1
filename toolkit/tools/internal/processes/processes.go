// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package processes

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
)

type ProcessRecord struct {
	ProcessId   int
	ProcessName string
	ProcessRoot string
}

// Indirection for tests.
var readProcessRoot = defaultReadProcessRoot

func defaultReadProcessRoot(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/root", pid))
}

// GetProcessesUsingPath returns a list of all the processes that have a file opened under the provided path.
func GetProcessesUsingPath(runner shell.Runner, path string) ([]ProcessRecord, error) {
	// Warnings lsof prints on stderr are interleaved with the records and skipped by the parser.
	output, err := runner.RunCombined(shell.Command("lsof", "-F", "pcn", "--", path))
	if err != nil {
		// lsof exits with 1 when no open files match.
		if shell.ExitCodeOf(err) == 1 {
			return parseLsofOutput(output)
		}

		return nil, fmt.Errorf("failed to list running processes using path (%s) using lsof:\n%w", path, err)
	}

	return parseLsofOutput(output)
}

func parseLsofOutput(output string) ([]ProcessRecord, error) {
	var err error

	records := []ProcessRecord(nil)
	record := ProcessRecord{
		ProcessId: -1,
	}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) <= 0 || strings.HasPrefix(line, "lsof: ") {
			continue
		}

		prefix := line[0]
		value := line[1:]

		switch prefix {
		case 'p':
			if record.ProcessId >= 0 {
				records = append(records, record)
			}

			record = ProcessRecord{}

			record.ProcessId, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse process ID string (%s):\n%w", value, err)
			}

			record.ProcessRoot, err = readProcessRoot(record.ProcessId)
			if err != nil {
				// The process may have exited since lsof ran.
				logger.Log.Debugf("Failed to read root of process (%d): %v", record.ProcessId, err)
			}

		case 'c':
			record.ProcessName = value
		}
	}

	if record.ProcessId >= 0 {
		records = append(records, record)
	}

	return records, nil
}

// StopProcessesRootedIn interrupts every process that has files open under rootDir and whose root directory is
// rootDir. These are typically daemons started by package maintainer scripts.
func StopProcessesRootedIn(runner shell.Runner, rootDir string) error {
	records, err := GetProcessesUsingPath(runner, rootDir)
	if err != nil {
		return err
	}

	cleanRoot := filepath.Clean(rootDir)
	for _, record := range records {
		if filepath.Clean(record.ProcessRoot) != cleanRoot {
			continue
		}

		logger.Log.Warnf("Stopping process left running in (%s): %s (pid=%d)", rootDir, record.ProcessName,
			record.ProcessId)

		err = StopProcessById(record.ProcessId)
		if err != nil {
			return err
		}
	}

	return nil
}

func StopProcessById(pid int) error {
	logger.Log.Debugf("Stopping process: Pid=%d.", pid)

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process (%d) to stop:\n%w", pid, err)
	}
	defer process.Release()

	err = process.Signal(os.Interrupt)
	if err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to stop process (%d):\n%w", pid, err)
	}

	return nil
}
