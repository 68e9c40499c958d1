// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package snapseed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"gopkg.in/yaml.v3"
)

const (
	defaultStoreArch = "amd64"
	snapPreseedPath  = "/usr/lib/snapd/snap-preseed"
)

// Download is the pair of files fetched for one snap.
type Download struct {
	SnapPath   string
	AssertPath string
}

// Store is the source of snaps and assertions.
type Store interface {
	// Download fetches the snap and its assertion into dir.
	Download(name string, channel string, dir string) (Download, error)
	// Base returns the base snap declared by a snap file, or "" if it has none.
	Base(snapPath string) (string, error)
	// KnownAssertion fetches a signed assertion of the given kind.
	KnownAssertion(kind string, keys ...string) (string, error)
	// ValidateSeed checks a seed.yaml and the files it references.
	ValidateSeed(seedYamlPath string) error
	// PreseedImage runs the first-boot seeding ahead of time on a target root.
	PreseedImage(rootDir string) error
}

// CommandStore is a Store backed by the host's snap command.
type CommandStore struct {
	runner shell.Runner
	arch   string
}

func NewCommandStore(runner shell.Runner) *CommandStore {
	return &CommandStore{
		runner: runner,
		arch:   defaultStoreArch,
	}
}

// WithArch selects the architecture of the snaps fetched from the store.
func (s *CommandStore) WithArch(arch string) *CommandStore {
	if arch != "" {
		s.arch = arch
	}
	return s
}

func (s *CommandStore) Download(name string, channel string, dir string) (Download, error) {
	err := s.runner.Run(shell.Command("snap", "download", "--channel="+channel, name).
		InDir(dir).
		WithEnv("UBUNTU_STORE_ARCH="+s.arch, "SNAPPY_STORE_NO_CDN=1"))
	if err != nil {
		return Download{}, fmt.Errorf("failed to download snap (%s):\n%w", name, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Download{}, fmt.Errorf("failed to list downloaded files of snap (%s):\n%w", name, err)
	}

	download := Download{}
	for _, entry := range entries {
		switch {
		case !strings.HasPrefix(entry.Name(), name+"_"):
			continue

		case strings.HasSuffix(entry.Name(), ".snap"):
			download.SnapPath = filepath.Join(dir, entry.Name())

		case strings.HasSuffix(entry.Name(), ".assert"):
			download.AssertPath = filepath.Join(dir, entry.Name())
		}
	}

	if download.SnapPath == "" {
		return Download{}, fmt.Errorf("snap download of (%s) produced no snap file", name)
	}

	return download, nil
}

type snapInfo struct {
	Base string `yaml:"base"`
}

func (s *CommandStore) Base(snapPath string) (string, error) {
	stdout, err := s.runner.RunCaptured(shell.Command("snap", "info", "--verbose", snapPath))
	if err != nil {
		return "", fmt.Errorf("failed to read info of snap file (%s):\n%w", snapPath, err)
	}

	info := snapInfo{}
	err = yaml.Unmarshal([]byte(stdout), &info)
	if err != nil {
		return "", fmt.Errorf("failed to parse info of snap file (%s):\n%w", snapPath, err)
	}

	return info.Base, nil
}

func (s *CommandStore) KnownAssertion(kind string, keys ...string) (string, error) {
	args := append([]string{"snap", "known", "--remote", kind}, keys...)
	stdout, err := s.runner.RunCaptured(shell.Command(args...))
	if err != nil {
		return "", fmt.Errorf("failed to fetch (%s) assertion:\n%w", kind, err)
	}
	return stdout, nil
}

func (s *CommandStore) ValidateSeed(seedYamlPath string) error {
	return s.runner.Run(shell.Command("snap", "debug", "validate-seed", seedYamlPath))
}

func (s *CommandStore) PreseedImage(rootDir string) error {
	return s.runner.Run(shell.Command(snapPreseedPath, rootDir))
}
