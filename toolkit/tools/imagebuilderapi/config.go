// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderapi

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/asaskevich/govalidator"
)

const (
	DefaultMirror        = "http://archive.ubuntu.com/ubuntu/"
	DefaultKernelPackage = "linux-virtual"
	DefaultImageSizeGiB  = 3
	DefaultHostname      = "ubuntu"
	DefaultOutPath       = "./ubuntu.img"
)

var (
	seriesRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*$`)
	ppaRegex    = regexp.MustCompile(`^ppa:[a-z0-9][a-z0-9.+-]*/[a-z0-9][a-z0-9.+-]*$`)
	// Debian policy for package names.
	packageNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.+-]+$`)
)

// Config describes one image build.
type Config struct {
	// Series is the release codename, e.g. noble.
	Series string `yaml:"series" json:"series" jsonschema:"required"`
	// Mirror is the archive used to bootstrap the root filesystem.
	Mirror string `yaml:"mirror" json:"mirror,omitempty"`
	// SystemMirror is the archive written to the image's sources.list.
	SystemMirror  string   `yaml:"systemMirror" json:"systemMirror,omitempty"`
	KernelPackage string   `yaml:"kernelPackage" json:"kernelPackage,omitempty"`
	ExtraPackages []string `yaml:"extraPackages" json:"extraPackages,omitempty"`
	BuildPpas     []string `yaml:"buildPpas" json:"buildPpas,omitempty"`
	// ImageSize is the size of the disk in GiB.
	ImageSize  uint64         `yaml:"imageSize" json:"imageSize,omitempty"`
	Bootloader BootloaderType `yaml:"bootloader" json:"bootloader,omitempty"`
	Hostname   string         `yaml:"hostname" json:"hostname,omitempty"`
	// AptCache is an HTTP proxy used by apt while building.
	AptCache string `yaml:"aptCache" json:"aptCache,omitempty"`
	// Files maps a path in the image to a local file or directory.
	Files        map[string]string `yaml:"files" json:"files,omitempty"`
	BinaryFormat ImageFormatType   `yaml:"binaryFormat" json:"binaryFormat,omitempty"`
	Compression  CompressionType   `yaml:"compression" json:"compression,omitempty"`
	OutPath      string            `yaml:"outPath" json:"outPath,omitempty"`
	Snaps        map[string]Snap   `yaml:"snaps" json:"snaps,omitempty"`
	User         *User             `yaml:"user" json:"user,omitempty"`
}

// NewConfig returns a config with every optional value set to its default.
func NewConfig() *Config {
	return &Config{
		Mirror:        DefaultMirror,
		SystemMirror:  DefaultMirror,
		KernelPackage: DefaultKernelPackage,
		ImageSize:     DefaultImageSizeGiB,
		Bootloader:    BootloaderTypeGrub,
		Hostname:      DefaultHostname,
		BinaryFormat:  ImageFormatTypeRaw,
		OutPath:       DefaultOutPath,
	}
}

// LoadConfigFile reads a config file on top of the defaults. Relative local paths in the config are resolved
// against the config file's directory.
func LoadConfigFile(configFile string) (*Config, error) {
	config := NewConfig()

	err := UnmarshalAndValidateYamlFile(configFile, config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file (%s):\n%w", configFile, err)
	}

	baseDir := filepath.Dir(configFile)
	for dest, src := range config.Files {
		if !filepath.IsAbs(src) {
			config.Files[dest] = filepath.Join(baseDir, src)
		}
	}

	return config, nil
}

func (c *Config) IsValid() error {
	// Checked first so that an unsupported bootloader is reported as such.
	err := c.Bootloader.IsValid()
	if err != nil {
		return err
	}

	if c.Series == "" {
		return fmt.Errorf("series is required")
	}
	if !seriesRegex.MatchString(c.Series) {
		return fmt.Errorf("invalid series (%s)", c.Series)
	}

	err = urlIsValid("mirror", c.Mirror)
	if err != nil {
		return err
	}

	err = urlIsValid("systemMirror", c.SystemMirror)
	if err != nil {
		return err
	}

	if c.AptCache != "" {
		err = urlIsValid("aptCache", c.AptCache)
		if err != nil {
			return err
		}
	}

	if c.ImageSize < 1 {
		return fmt.Errorf("invalid imageSize (%d): must be at least 1 GiB", c.ImageSize)
	}

	if c.Hostname != "" && (!govalidator.IsDNSName(c.Hostname) || strings.Contains(c.Hostname, "_")) {
		return fmt.Errorf("invalid hostname (%s)", c.Hostname)
	}

	for _, pkg := range append([]string{c.KernelPackage}, c.ExtraPackages...) {
		if !packageNameRegex.MatchString(pkg) {
			return fmt.Errorf("invalid package name (%s)", pkg)
		}
	}

	for _, ppa := range c.BuildPpas {
		if !ppaRegex.MatchString(ppa) {
			return fmt.Errorf("invalid PPA (%s): expected format ppa:<user>/<name>", ppa)
		}
	}

	for dest, src := range c.Files {
		if !filepath.IsAbs(dest) {
			return fmt.Errorf("invalid files entry (%s): destination must be an absolute path", dest)
		}
		if src == "" {
			return fmt.Errorf("invalid files entry (%s): source is empty", dest)
		}
	}

	err = c.BinaryFormat.IsValid()
	if err != nil {
		return err
	}

	err = c.Compression.IsValid()
	if err != nil {
		return err
	}

	if c.OutPath == "" {
		return fmt.Errorf("outPath is required")
	}

	for name := range c.Snaps {
		err := SnapNameIsValid(name)
		if err != nil {
			return err
		}
	}

	if c.User != nil {
		err = c.User.IsValid()
		if err != nil {
			return err
		}
	}

	return nil
}

func urlIsValid(field string, value string) error {
	if !govalidator.IsURL(value) || !(strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")) {
		return fmt.Errorf("invalid %s (%s): must be an http(s) URL", field, value)
	}
	return nil
}
