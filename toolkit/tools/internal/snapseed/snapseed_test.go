// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package snapseed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

const (
	testModelAssertion = "type: model\nauthority-id: generic\nseries: 16\nbrand-id: generic\nmodel: generic-classic\n" +
		"classic: true\nsign-key-sha3-384: d-JcZF9nD9eBw7bwMnH61x-bklnQOhQud1Is6o_cn2wTj8EYDi9musrIT9z2MdAa\n\n" +
		"AcLBXAQAAQoABgUCV7UYzwAKCRDUpMOQ"
	testAccountKeyAssertion = "type: account-key\nauthority-id: canonical\naccount-id: generic\nname: models\n\n" +
		"AcbBTQRWhcGAARAAtJGIguK7FhSyRxL"
)

// fakeStore serves snaps from an in-memory catalogue of name to base.
type fakeStore struct {
	bases          map[string]string
	downloads      []string
	assertionKinds []string
	assertionKeys  [][]string
	validated      []string
	preseeded      []string
	validateErr    error
}

func newFakeStore(bases map[string]string) *fakeStore {
	return &fakeStore{
		bases: bases,
	}
}

func (s *fakeStore) Download(name string, channel string, dir string) (Download, error) {
	if _, found := s.bases[name]; !found {
		return Download{}, fmt.Errorf("snap (%s) not found", name)
	}

	s.downloads = append(s.downloads, name)

	download := Download{
		SnapPath:   filepath.Join(dir, name+"_1.snap"),
		AssertPath: filepath.Join(dir, name+"_1.assert"),
	}
	err := os.WriteFile(download.SnapPath, []byte(name), 0o644)
	if err != nil {
		return Download{}, err
	}
	err = os.WriteFile(download.AssertPath, []byte(name), 0o644)
	if err != nil {
		return Download{}, err
	}
	return download, nil
}

func (s *fakeStore) Base(snapPath string) (string, error) {
	contents, err := os.ReadFile(snapPath)
	if err != nil {
		return "", err
	}
	return s.bases[string(contents)], nil
}

func (s *fakeStore) KnownAssertion(kind string, keys ...string) (string, error) {
	s.assertionKinds = append(s.assertionKinds, kind)
	s.assertionKeys = append(s.assertionKeys, keys)

	switch kind {
	case "model":
		return testModelAssertion, nil
	case "account-key":
		return testAccountKeyAssertion, nil
	default:
		return "type: " + kind + "\n\nsig", nil
	}
}

func (s *fakeStore) ValidateSeed(seedYamlPath string) error {
	s.validated = append(s.validated, seedYamlPath)
	return s.validateErr
}

func (s *fakeStore) PreseedImage(rootDir string) error {
	s.preseeded = append(s.preseeded, rootDir)
	return nil
}

func readSeed(t *testing.T, rootDir string) Seed {
	contents, err := os.ReadFile(filepath.Join(rootDir, SeedDir, "seed.yaml"))
	require.NoError(t, err)

	seed := Seed{}
	require.NoError(t, yaml.Unmarshal(contents, &seed))
	return seed
}

func TestPreseedFetchesBase(t *testing.T) {
	rootDir := t.TempDir()
	store := newFakeStore(map[string]string{"snapd": "", "lxd": "core22", "core22": ""})

	seed, err := Preseed(store, []Request{{Name: "lxd", Channel: "5.21/stable"}}, rootDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"snapd", "core22", "lxd"}, seed.Names())
	assert.Equal(t, []string{"snapd", "lxd", "core22"}, store.downloads)
	assert.Equal(t, SeedSnap{Name: "lxd", Channel: "5.21/stable", File: "lxd_1.snap"}, seed.Snaps[2])
	assert.Equal(t, SeedSnap{Name: "core22", Channel: "stable", File: "core22_1.snap"}, seed.Snaps[1])

	assert.Equal(t, *seed, readSeed(t, rootDir))
	assert.FileExists(t, filepath.Join(rootDir, SeedDir, "snaps/lxd_1.snap"))
	assert.FileExists(t, filepath.Join(rootDir, SeedDir, "assertions/lxd_1.assert"))
	assert.Equal(t, []string{filepath.Join(rootDir, SeedDir, "seed.yaml")}, store.validated)
	assert.Equal(t, []string{rootDir}, store.preseeded)

	entries, err := os.ReadDir(filepath.Join(rootDir, SeedDir))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".download-")
	}
}

func TestPreseedSharedBaseOnce(t *testing.T) {
	rootDir := t.TempDir()
	store := newFakeStore(map[string]string{
		"snapd": "", "core22": "", "lxd": "core22", "multipass": "core22", "juju": "core22",
	})

	seed, err := Preseed(store, []Request{{Name: "lxd"}, {Name: "multipass"}, {Name: "juju", Classic: true}}, rootDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"snapd", "core22", "juju", "lxd", "multipass"}, seed.Names())
	assert.Equal(t, []string{"snapd", "juju", "core22", "lxd", "multipass"}, store.downloads)
	assert.True(t, seed.Snaps[2].Classic)
	assert.Equal(t, "stable", seed.Snaps[3].Channel)
}

func TestPreseedRerunSkipsExistingBase(t *testing.T) {
	rootDir := t.TempDir()
	snapsDir := filepath.Join(rootDir, SeedDir, "snaps")
	require.NoError(t, os.MkdirAll(snapsDir, os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(snapsDir, "core22_1.snap"), []byte("core22"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(snapsDir, "snapd_1.snap"), []byte("snapd"), 0o644))

	store := newFakeStore(map[string]string{"snapd": "", "lxd": "core22", "core22": ""})

	seed, err := Preseed(store, []Request{{Name: "lxd"}}, rootDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"lxd"}, store.downloads)
	assert.Equal(t, []string{"snapd", "core22", "lxd"}, seed.Names())
	assert.Equal(t, "core22_1.snap", seed.Snaps[1].File)
}

func TestPreseedKeepsRequestedSnapd(t *testing.T) {
	rootDir := t.TempDir()
	store := newFakeStore(map[string]string{"snapd": "", "hello": ""})

	seed, err := Preseed(store, []Request{{Name: "hello"}, {Name: "snapd", Channel: "edge"}}, rootDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"snapd", "hello"}, seed.Names())
	assert.Equal(t, "edge", seed.Snaps[0].Channel)
}

func TestPreseedCyclicBases(t *testing.T) {
	rootDir := t.TempDir()
	store := newFakeStore(map[string]string{"snapd": "", "a": "b", "b": "a"})

	seed, err := Preseed(store, []Request{{Name: "a"}}, rootDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"snapd", "b", "a"}, seed.Names())
	assert.Equal(t, []string{"snapd", "a", "b"}, store.downloads)
}

func TestPreseedNoRequests(t *testing.T) {
	rootDir := t.TempDir()
	store := newFakeStore(nil)

	seed, err := Preseed(store, nil, rootDir)
	assert.NoError(t, err)
	assert.Nil(t, seed)
	assert.NoDirExists(t, filepath.Join(rootDir, SeedDir))
	assert.Empty(t, store.assertionKinds)
}

func TestPreseedValidationFailure(t *testing.T) {
	rootDir := t.TempDir()
	store := newFakeStore(map[string]string{"snapd": "", "hello": ""})
	store.validateErr = errors.New("cannot find snap")

	_, err := Preseed(store, []Request{{Name: "hello"}}, rootDir)
	assert.ErrorIs(t, err, ErrSeedValidationFailed)
	assert.Empty(t, store.preseeded)
}

func TestPreseedDownloadFailure(t *testing.T) {
	rootDir := t.TempDir()
	store := newFakeStore(map[string]string{"snapd": ""})

	_, err := Preseed(store, []Request{{Name: "missing"}}, rootDir)
	assert.ErrorIs(t, err, ErrSnapFetchFailed)
	assert.Empty(t, store.validated)
}

func TestPreseedAssertionChain(t *testing.T) {
	rootDir := t.TempDir()
	store := newFakeStore(map[string]string{"snapd": ""})

	_, err := Preseed(store, []Request{{Name: "snapd"}}, rootDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"model", "account-key", "account"}, store.assertionKinds)
	assert.Equal(t, []string{"series=16", "model=generic-classic", "brand-id=generic"}, store.assertionKeys[0])
	assert.Equal(t, []string{"public-key-sha3-384=d-JcZF9nD9eBw7bwMnH61x-bklnQOhQud1Is6o_cn2wTj8EYDi9musrIT9z2MdAa"},
		store.assertionKeys[1])
	assert.Equal(t, []string{"account-id=generic"}, store.assertionKeys[2])

	for _, kind := range []string{"model", "account-key", "account"} {
		assert.FileExists(t, filepath.Join(rootDir, SeedDir, "assertions", kind))
	}
}

func TestAssertionHeaderMissing(t *testing.T) {
	_, err := assertionHeader("type: model\n\nsig", "sign-key-sha3-384")
	assert.Error(t, err)
}
