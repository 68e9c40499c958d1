// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package snapseed

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/internal/buildererrors"
	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"gopkg.in/yaml.v3"
)

var (
	ErrSeedValidationFailed = buildererrors.New("Snap:SeedValidationFailed", "snap seed validation failed")
	ErrSnapFetchFailed      = buildererrors.New("Snap:FetchFailed", "failed to fetch snap")
)

const (
	SeedDir       = "/var/lib/snapd/seed"
	SnapdName     = "snapd"
	StableChannel = "stable"

	seedYamlName      = "seed.yaml"
	snapsDirName      = "snaps"
	assertionsDirName = "assertions"

	modelName = "generic-classic"
	brandId   = "generic"
)

// Request is a snap asked for by the image configuration.
type Request struct {
	Name    string
	Channel string
	Classic bool
}

// SeedSnap is one entry of seed.yaml.
type SeedSnap struct {
	Name    string `yaml:"name"`
	Channel string `yaml:"channel"`
	File    string `yaml:"file"`
	Classic bool   `yaml:"classic,omitempty"`
}

// Seed is the content of seed.yaml. Snaps are ordered so that every base comes before the snaps that need it.
type Seed struct {
	Snaps []SeedSnap `yaml:"snaps"`
}

func (s *Seed) Names() []string {
	names := []string(nil)
	for _, snap := range s.Snaps {
		names = append(names, snap.Name)
	}
	return names
}

// Preseed fetches the requested snaps and their bases into the seed directory of rootDir, writes seed.yaml and
// validates it. Snaps already present in the seed directory are not fetched again.
func Preseed(store Store, requests []Request, rootDir string) (*Seed, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	requests = closeRequests(requests)

	seedDir := filepath.Join(rootDir, SeedDir)
	snapsDir := filepath.Join(seedDir, snapsDirName)
	assertionsDir := filepath.Join(seedDir, assertionsDirName)

	for _, dir := range []string{snapsDir, assertionsDir} {
		err := os.MkdirAll(dir, os.ModePerm)
		if err != nil {
			return nil, fmt.Errorf("failed to create seed directory (%s):\n%w", dir, err)
		}
	}

	err := prepareAssertions(store, assertionsDir)
	if err != nil {
		return nil, err
	}

	scratchDir, err := os.MkdirTemp(seedDir, ".download-")
	if err != nil {
		return nil, fmt.Errorf("failed to create snap download directory:\n%w", err)
	}
	defer os.RemoveAll(scratchDir)

	r := &resolver{
		store:         store,
		snapsDir:      snapsDir,
		assertionsDir: assertionsDir,
		scratchDir:    scratchDir,
		resolved:      map[string]bool{},
		inProgress:    map[string]bool{},
		seed:          &Seed{},
	}

	for _, request := range requests {
		err := r.resolve(request)
		if err != nil {
			return nil, err
		}
	}

	seedYamlPath := filepath.Join(seedDir, seedYamlName)
	err = writeSeed(r.seed, seedYamlPath)
	if err != nil {
		return nil, err
	}

	err = store.ValidateSeed(seedYamlPath)
	if err != nil {
		return nil, fmt.Errorf("%w (path='%s'):\n%w", ErrSeedValidationFailed, seedYamlPath, err)
	}

	err = store.PreseedImage(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to preseed snaps into (%s):\n%w", rootDir, err)
	}

	logger.Log.Infof("Preseeded snaps (%s)", strings.Join(r.seed.Names(), ", "))
	return r.seed, nil
}

// closeRequests adds snapd, drops duplicate names (first wins) and orders the set with snapd first and the rest by
// name.
func closeRequests(requests []Request) []Request {
	closed := []Request(nil)
	seen := map[string]bool{}
	for _, request := range requests {
		if seen[request.Name] {
			logger.Log.Warnf("Snap (%s) requested more than once", request.Name)
			continue
		}
		seen[request.Name] = true

		if request.Channel == "" {
			request.Channel = StableChannel
		}
		closed = append(closed, request)
	}

	if !seen[SnapdName] {
		closed = append(closed, Request{Name: SnapdName, Channel: StableChannel})
	}

	slices.SortFunc(closed, func(a, b Request) int {
		switch {
		case a.Name == b.Name:
			return 0
		case a.Name == SnapdName:
			return -1
		case b.Name == SnapdName:
			return 1
		default:
			return cmp.Compare(a.Name, b.Name)
		}
	})
	return closed
}

type resolveFrame struct {
	request Request
	file    string
	fetched bool
}

type resolver struct {
	store         Store
	snapsDir      string
	assertionsDir string
	scratchDir    string
	// resolved holds every snap with a manifest entry. It is the only record of what has been seeded.
	resolved map[string]bool
	// inProgress holds snaps waiting on their base.
	inProgress map[string]bool
	seed       *Seed
}

// resolve seeds request and, before it, its chain of bases.
func (r *resolver) resolve(request Request) error {
	stack := []*resolveFrame{{request: request}}
	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		name := frame.request.Name

		if frame.fetched {
			r.seed.Snaps = append(r.seed.Snaps, SeedSnap{
				Name:    name,
				Channel: frame.request.Channel,
				File:    frame.file,
				Classic: frame.request.Classic,
			})
			r.resolved[name] = true
			delete(r.inProgress, name)
			stack = stack[:len(stack)-1]
			continue
		}

		if r.resolved[name] {
			stack = stack[:len(stack)-1]
			continue
		}

		snapPath, err := r.fetch(frame.request)
		if err != nil {
			return err
		}

		base, err := r.store.Base(snapPath)
		if err != nil {
			return fmt.Errorf("%w (name='%s'):\n%w", ErrSnapFetchFailed, name, err)
		}

		frame.file = filepath.Base(snapPath)
		frame.fetched = true
		r.inProgress[name] = true

		switch {
		case base == "" || r.resolved[base]:

		case r.inProgress[base]:
			logger.Log.Warnf("Snap (%s) has base (%s) which depends on it", name, base)

		default:
			logger.Log.Debugf("Snap (%s) needs base (%s)", name, base)
			stack = append(stack, &resolveFrame{request: Request{Name: base, Channel: StableChannel}})
		}
	}

	return nil
}

// fetch returns the path of the snap file in the seed, downloading it if it is not already there.
func (r *resolver) fetch(request Request) (string, error) {
	existing, err := filepath.Glob(filepath.Join(r.snapsDir, request.Name+"_*.snap"))
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		slices.Sort(existing)
		logger.Log.Infof("Snap (%s) is already in the seed (%s)", request.Name, filepath.Base(existing[0]))
		return existing[0], nil
	}

	logger.Log.Infof("Downloading snap (%s) from channel (%s)", request.Name, request.Channel)

	download, err := r.store.Download(request.Name, request.Channel, r.scratchDir)
	if err != nil {
		return "", fmt.Errorf("%w (name='%s'):\n%w", ErrSnapFetchFailed, request.Name, err)
	}

	snapPath := filepath.Join(r.snapsDir, filepath.Base(download.SnapPath))
	err = os.Rename(download.SnapPath, snapPath)
	if err != nil {
		return "", fmt.Errorf("failed to move snap file (%s) into seed:\n%w", download.SnapPath, err)
	}

	if download.AssertPath != "" {
		assertPath := filepath.Join(r.assertionsDir, filepath.Base(download.AssertPath))
		err = os.Rename(download.AssertPath, assertPath)
		if err != nil {
			return "", fmt.Errorf("failed to move assertion file (%s) into seed:\n%w", download.AssertPath, err)
		}
	}

	return snapPath, nil
}

// prepareAssertions fetches the model assertion and the chain of assertions that signs it.
func prepareAssertions(store Store, assertionsDir string) error {
	model, err := fetchAssertion(store, assertionsDir, "model",
		"series=16", "model="+modelName, "brand-id="+brandId)
	if err != nil {
		return err
	}

	signKey, err := assertionHeader(model, "sign-key-sha3-384")
	if err != nil {
		return err
	}

	accountKey, err := fetchAssertion(store, assertionsDir, "account-key", "public-key-sha3-384="+signKey)
	if err != nil {
		return err
	}

	accountId, err := assertionHeader(accountKey, "account-id")
	if err != nil {
		return err
	}

	_, err = fetchAssertion(store, assertionsDir, "account", "account-id="+accountId)
	return err
}

func fetchAssertion(store Store, assertionsDir string, kind string, keys ...string) (string, error) {
	assertion, err := store.KnownAssertion(kind, keys...)
	if err != nil {
		return "", err
	}

	err = file.Write(assertion, filepath.Join(assertionsDir, kind))
	if err != nil {
		return "", fmt.Errorf("failed to write (%s) assertion:\n%w", kind, err)
	}

	return assertion, nil
}

// assertionHeader reads one header of an assertion. The headers are YAML; the signature follows the first blank
// line.
func assertionHeader(assertion string, key string) (string, error) {
	headers, _, _ := strings.Cut(assertion, "\n\n")

	values := map[string]any{}
	err := yaml.Unmarshal([]byte(headers), &values)
	if err != nil {
		return "", fmt.Errorf("failed to parse assertion headers:\n%w", err)
	}

	value, ok := values[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("assertion has no (%s) header", key)
	}

	return value, nil
}

func writeSeed(seed *Seed, path string) error {
	contents, err := yaml.Marshal(seed)
	if err != nil {
		return fmt.Errorf("failed to serialize seed:\n%w", err)
	}

	err = file.Write(string(contents), path)
	if err != nil {
		return fmt.Errorf("failed to write seed file (%s):\n%w", path, err)
	}

	return nil
}
