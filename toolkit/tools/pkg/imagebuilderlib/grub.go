// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/resources"
	"github.com/gjolly/genesis/toolkit/tools/internal/safechroot"
	"go.opentelemetry.io/otel/attribute"
)

const (
	grubConfigDir         = "etc/default/grub.d"
	extraGrubConfigName   = "extra-grub-config.cfg"
	grubCfgPath           = "boot/grub/grub.cfg"
	osProberPath          = "/etc/grub.d/30_os-prober"
	osProberDivertPath    = "/etc/grub.d/30_os-prober.dpkg-divert"
	detectVirtPath        = "/usr/bin/systemd-detect-virt"
	detectVirtReplacement = "exit 1\n"
)

var (
	kernelRootArgRegex = regexp.MustCompile(`root=[^ ]*`)
)

// InstallBootloader installs and configures the bootloader on the disk at devicePath. rootfsLabel is what the
// kernel command line uses to find the root filesystem.
func InstallBootloader(ctx context.Context, chroot safechroot.ChrootInterface,
	bootloader imagebuilderapi.BootloaderType, devicePath string, arch string, rootfsLabel string, aptCache string,
) (err error) {
	_, span := startSpan(ctx, "install_bootloader")
	span.SetAttributes(
		attribute.String("bootloader", string(bootloader)),
		attribute.String("arch", arch),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	err = bootloader.IsValid()
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInstallBootloader, err)
	}

	err = installGrub(chroot, devicePath, arch, rootfsLabel, aptCache)
	if err != nil {
		return fmt.Errorf("%w (device='%s'):\n%w", ErrInstallBootloader, devicePath, err)
	}

	return nil
}

func installGrub(chroot safechroot.ChrootInterface, devicePath string, arch string, rootfsLabel string,
	aptCache string,
) (err error) {
	target, err := efiTarget(arch)
	if err != nil {
		return err
	}

	err = writeExtraGrubConfig(chroot.RootDir())
	if err != nil {
		return err
	}

	cleanup, err := setupAptCache(chroot.RootDir(), aptCache)
	if err != nil {
		return err
	}
	defer func() {
		err = joinCleanup(err, cleanup())
	}()

	packages := []string{"shim-signed"}
	if arch == "amd64" {
		// Legacy BIOS boot is only supported on x86.
		packages = append(packages, "grub-pc")
	}

	err = chroot.Run([]string{"apt", "update"})
	if err != nil {
		return err
	}

	err = aptInstall(chroot, packages)
	if err != nil {
		return err
	}

	logger.Log.Infof("Installing grub (%s) on (%s)", target, devicePath)

	err = chroot.Run([]string{
		"grub-install", devicePath,
		"--boot-directory=/boot",
		"--efi-directory=/boot/efi",
		"--target=" + target,
		"--uefi-secure-boot",
		"--no-nvram",
	})
	if err != nil {
		return err
	}

	if arch == "amd64" {
		err = chroot.Run([]string{"grub-install", "--target=i386-pc", devicePath})
		if err != nil {
			return err
		}
	}

	err = updateGrub(chroot)
	if err != nil {
		return err
	}

	return setGrubRootLabel(chroot.RootDir(), rootfsLabel)
}

func efiTarget(arch string) (string, error) {
	switch arch {
	case "amd64":
		return "x86_64-efi", nil
	case "arm64":
		return "arm64-efi", nil
	default:
		return "", fmt.Errorf("%w (%s)", ErrUnsupportedArch, arch)
	}
}

func writeExtraGrubConfig(rootDir string) error {
	contents, err := resources.ResourcesFS.ReadFile(resources.AssetsExtraGrubConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read extra grub config:\n%w", err)
	}

	dst := filepath.Join(rootDir, grubConfigDir, extraGrubConfigName)
	err = file.WriteWithPerm(string(contents), dst, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write extra grub config:\n%w", err)
	}

	return nil
}

// updateGrub generates grub.cfg. os-prober and systemd-detect-virt are diverted while it runs so the build host's
// disks and hypervisor do not leak into the image's config.
func updateGrub(chroot safechroot.ChrootInterface) error {
	undivert, err := divertHostDetection(chroot)
	if err != nil {
		return err
	}

	err = chroot.Run([]string{"update-grub"})
	return joinCleanup(err, undivert())
}

// divertHostDetection replaces os-prober and systemd-detect-virt with stubs. The returned function reverts every
// change in reverse order. If a step fails, the steps already done are reverted before returning.
func divertHostDetection(chroot safechroot.ChrootInterface) (func() error, error) {
	undoSteps := []func() error(nil)
	undo := func() error {
		errs := []error(nil)
		for i := len(undoSteps) - 1; i >= 0; i-- {
			errs = append(errs, undoSteps[i]())
		}
		return errors.Join(errs...)
	}

	err := chroot.Run([]string{"dpkg-divert", "--local", "--divert", osProberDivertPath, "--rename", osProberPath})
	if err != nil {
		return nil, err
	}
	undoSteps = append(undoSteps, func() error {
		return chroot.Run([]string{"dpkg-divert", "--remove", "--local", "--divert", osProberDivertPath, "--rename",
			osProberPath})
	})

	err = chroot.Run([]string{"dpkg-divert", "--local", "--rename", detectVirtPath})
	if err != nil {
		return nil, joinCleanup(err, undo())
	}
	undoSteps = append(undoSteps, func() error {
		return chroot.Run([]string{"dpkg-divert", "--remove", "--local", "--rename", detectVirtPath})
	})

	stubPath := filepath.Join(chroot.RootDir(), detectVirtPath)
	undoSteps = append(undoSteps, func() error {
		return file.RemoveFileIfExists(stubPath)
	})

	err = file.WriteWithPerm(detectVirtReplacement, stubPath, 0o755)
	if err != nil {
		return nil, joinCleanup(err, undo())
	}

	return undo, nil
}

// setGrubRootLabel points the kernel command lines of grub.cfg at the root filesystem's label, since the loop
// device path update-grub saw does not exist at boot.
func setGrubRootLabel(rootDir string, rootfsLabel string) error {
	grubCfg := filepath.Join(rootDir, grubCfgPath)

	stat, err := os.Stat(grubCfg)
	if err != nil {
		return fmt.Errorf("failed to find grub config (%s):\n%w", grubCfg, err)
	}

	contents, err := file.Read(grubCfg)
	if err != nil {
		return err
	}

	lines := strings.Split(contents, "\n")
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == "linux" {
			lines[i] = kernelRootArgRegex.ReplaceAllString(line, "root=LABEL="+rootfsLabel)
		}
	}

	return file.WriteWithPerm(strings.Join(lines, "\n"), grubCfg, stat.Mode().Perm())
}
