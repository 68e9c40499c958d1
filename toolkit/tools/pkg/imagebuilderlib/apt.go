// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/safechroot"
	"go.opentelemetry.io/otel/attribute"
)

const (
	sourcesListPath    = "etc/apt/sources.list"
	aptProxyConfigPath = "etc/apt/apt.conf.d/00aptproxy"

	archiveComponents = "main universe multiverse restricted"

	addAptRepositoryPackage = "software-properties-common"
)

type UpdateSystemOptions struct {
	// Mirror is written to the image's sources.list.
	Mirror   string
	Series   string
	AptCache string
	// Ppas are enabled before upgrading, e.g. ppa:user/name.
	Ppas []string
	// ExtraPackages are installed after the upgrade.
	ExtraPackages []string
}

// UpdateSystem points apt at the mirror and upgrades every installed package.
func UpdateSystem(ctx context.Context, chroot safechroot.ChrootInterface, options UpdateSystemOptions) (err error) {
	_, span := startSpan(ctx, "update_system")
	span.SetAttributes(
		attribute.String("series", options.Series),
		attribute.Int("ppas_count", len(options.Ppas)),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	err = writeSourcesList(chroot.RootDir(), options.Mirror, options.Series)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrUpdateSystem, err)
	}

	cleanup, err := setupAptCache(chroot.RootDir(), options.AptCache)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrUpdateSystem, err)
	}
	defer func() {
		err = joinCleanup(err, cleanup())
	}()

	if len(options.Ppas) > 0 {
		err = addPpas(chroot, options.Ppas)
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrUpdateSystem, err)
		}
	}

	logger.Log.Infof("Upgrading system")

	err = chroot.Run([]string{"apt", "update"})
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrUpdateSystem, err)
	}

	err = chroot.Run([]string{"apt", "-y", "full-upgrade"})
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrUpdateSystem, err)
	}

	if len(options.ExtraPackages) > 0 {
		err = aptInstall(chroot, options.ExtraPackages)
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrInstallPackages, err)
		}
	}

	return nil
}

// InstallPackages installs packages from the image's configured archives.
func InstallPackages(ctx context.Context, chroot safechroot.ChrootInterface, packages []string, aptCache string,
) (err error) {
	_, span := startSpan(ctx, "install_packages")
	span.SetAttributes(
		attribute.StringSlice("packages", packages),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	if len(packages) == 0 {
		return nil
	}

	cleanup, err := setupAptCache(chroot.RootDir(), aptCache)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInstallPackages, err)
	}
	defer func() {
		err = joinCleanup(err, cleanup())
	}()

	err = chroot.Run([]string{"apt", "update"})
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInstallPackages, err)
	}

	err = aptInstall(chroot, packages)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInstallPackages, err)
	}

	return nil
}

func aptInstall(chroot safechroot.ChrootInterface, packages []string) error {
	logger.Log.Infof("Installing packages: %s", strings.Join(packages, ", "))

	args := append([]string{"apt", "install", "-y"}, packages...)
	return chroot.Run(args)
}

func writeSourcesList(rootDir string, mirror string, series string) error {
	lines := []string{
		fmt.Sprintf("deb %s %s %s", mirror, series, archiveComponents),
		fmt.Sprintf("deb %s %s-updates %s", mirror, series, archiveComponents),
		fmt.Sprintf("deb %s %s-security %s", mirror, series, archiveComponents),
	}

	return file.Write(strings.Join(lines, "\n")+"\n", filepath.Join(rootDir, sourcesListPath))
}

// setupAptCache makes apt use aptCache as its HTTP proxy. The returned function removes the setting again.
func setupAptCache(rootDir string, aptCache string) (func() error, error) {
	configPath := filepath.Join(rootDir, aptProxyConfigPath)
	if aptCache == "" {
		return func() error { return nil }, nil
	}

	err := file.Write(fmt.Sprintf("Acquire::http::Proxy \"%s\";\n", aptCache), configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to configure apt cache:\n%w", err)
	}

	return func() error {
		return file.RemoveFileIfExists(configPath)
	}, nil
}

func addPpas(chroot safechroot.ChrootInterface, ppas []string) error {
	err := chroot.Run([]string{"apt", "update"})
	if err != nil {
		return err
	}

	err = aptInstall(chroot, []string{addAptRepositoryPackage})
	if err != nil {
		return err
	}

	for _, ppa := range ppas {
		logger.Log.Infof("Adding PPA (%s)", ppa)

		err = chroot.Run([]string{"add-apt-repository", "-y", ppa})
		if err != nil {
			return fmt.Errorf("failed to add PPA (%s):\n%w", ppa, err)
		}
	}

	return nil
}

func joinCleanup(err error, cleanupErr error) error {
	if cleanupErr == nil {
		return err
	}
	if err == nil {
		return cleanupErr
	}
	return fmt.Errorf("%w:\nfailed to clean up:\n%w", err, cleanupErr)
}
