// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	defaultFilePerm os.FileMode = 0o644
)

// PathExists checks if a given path exists.
func PathExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DirExists checks if a given path is an existing directory.
func DirExists(path string) (bool, error) {
	stat, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stat.IsDir(), nil
}

// IsDir checks if path is a directory. A missing path is an error.
func IsDir(path string) (bool, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return stat.IsDir(), nil
}

// CommandExists checks if a program is on the host's PATH.
func CommandExists(name string) (bool, error) {
	_, err := exec.LookPath(name)
	if errors.Is(err, exec.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func Read(path string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(contents), nil
}

// ReadLines returns the non-empty lines of a file.
func ReadLines(path string) ([]string, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	lines := []string(nil)
	scanner := bufio.NewScanner(handle)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}

	err = scanner.Err()
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// Write writes data to dst, creating its parent directories.
func Write(data string, dst string) error {
	return WriteWithPerm(data, dst, defaultFilePerm)
}

// WriteWithPerm writes data to dst with exactly perm, creating its parent directories.
func WriteWithPerm(data string, dst string, perm os.FileMode) error {
	err := CreateDestinationDir(dst, os.ModePerm)
	if err != nil {
		return err
	}

	err = os.WriteFile(dst, []byte(data), perm)
	if err != nil {
		return fmt.Errorf("failed to write file (%s):\n%w", dst, err)
	}

	// The permissions given to WriteFile are subject to umask and are ignored for existing files.
	err = os.Chmod(dst, perm)
	if err != nil {
		return fmt.Errorf("failed to set permissions of file (%s):\n%w", dst, err)
	}

	return nil
}

// Append adds data to the end of dst, creating it if needed.
func Append(data string, dst string) error {
	err := CreateDestinationDir(dst, os.ModePerm)
	if err != nil {
		return err
	}

	handle, err := os.OpenFile(dst, os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open file (%s) for append:\n%w", dst, err)
	}
	defer handle.Close()

	_, err = handle.WriteString(data)
	if err != nil {
		return fmt.Errorf("failed to append to file (%s):\n%w", dst, err)
	}

	return handle.Close()
}

// Copy copies a file, keeping the source's permissions.
func Copy(src string, dst string) error {
	return NewFileCopyBuilder(src, dst).Run()
}

// CreateDestinationDir creates the parent directory of dst.
func CreateDestinationDir(dst string, dirPerm os.FileMode) error {
	dir := filepath.Dir(dst)
	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return fmt.Errorf("failed to create directory (%s):\n%w", dir, err)
	}
	return nil
}

// RemoveFileIfExists deletes a file, ignoring a missing one.
func RemoveFileIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
