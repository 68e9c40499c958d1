// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/imagegen/diskutils"
	"github.com/gjolly/genesis/toolkit/tools/internal/buildererrors"
	"github.com/gjolly/genesis/toolkit/tools/internal/kernelversion"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/gjolly/genesis/toolkit/tools/internal/snapseed"
	"github.com/gjolly/genesis/toolkit/tools/internal/targetos"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

var (
	// Validation errors
	ErrInvalidImageConfig = buildererrors.New("Validation:InvalidImageConfig", "invalid image config")
	ErrToolMustRunAsRoot  = buildererrors.New("Validation:ToolNotRunAsRoot", "tool should be run as root (e.g. by using sudo)")
	ErrUnsupportedArch    = buildererrors.New("Validation:UnsupportedArch", "unsupported architecture")

	// Build errors
	ErrBootstrap         = buildererrors.New("Build:Bootstrap", "failed to bootstrap root filesystem")
	ErrCreateDisk        = buildererrors.New("Build:CreateDisk", "failed to create disk image")
	ErrPopulateDisk      = buildererrors.New("Build:PopulateDisk", "failed to populate disk image")
	ErrConnectImage      = buildererrors.New("Build:ConnectImage", "failed to connect to disk image")
	ErrUpdateSystem      = buildererrors.New("Build:UpdateSystem", "failed to update system")
	ErrInstallPackages   = buildererrors.New("Build:InstallPackages", "failed to install packages")
	ErrInstallBootloader = buildererrors.New("Build:InstallBootloader", "failed to install bootloader")
	ErrCopyFiles         = buildererrors.New("Build:CopyFiles", "failed to copy files")
	ErrDownloadFiles     = buildererrors.New("Build:DownloadFiles", "failed to download files")
	ErrCreateUser        = buildererrors.New("Build:CreateUser", "failed to create user")
	ErrPreseedSnaps      = buildererrors.New("Build:PreseedSnaps", "failed to preseed snaps")
	ErrCheckSeries       = buildererrors.New("Build:CheckSeries", "installed series does not match")
	ErrReleaseResources  = buildererrors.New("Build:ReleaseResources", "failed to release build resources")

	// Output errors
	ErrConvertImage  = buildererrors.New("Output:ConvertImage", "failed to convert image")
	ErrCompressImage = buildererrors.New("Output:CompressImage", "failed to compress image")
)

const (
	OtelTracerName = "imagebuilderlib"

	stagingDirPrefix = "rootfs-"
)

// ToolVersion is set at link time.
var ToolVersion = ""

type BuildOptions struct {
	// KeepArtifactsOnFailure keeps the disk image of a failed build for inspection.
	KeepArtifactsOnFailure bool
	SkipRootCheck          bool
	// Arch is the Go name of the target architecture. Defaults to the host's.
	Arch string
}

func BuildImageWithConfigFile(ctx context.Context, runner shell.Runner, buildDir string, configFile string,
	options BuildOptions,
) error {
	config, err := imagebuilderapi.LoadConfigFile(configFile)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInvalidImageConfig, err)
	}

	return BuildImage(ctx, runner, buildDir, config, options)
}

// BuildImage builds a bootable disk image from scratch. Everything acquired on the host is released before it
// returns, whether the build succeeded or not.
func BuildImage(ctx context.Context, runner shell.Runner, buildDir string, config *imagebuilderapi.Config,
	options BuildOptions,
) (err error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "build_image")
	span.SetAttributes(
		attribute.String("series", config.Series),
		attribute.String("binary_format", string(config.BinaryFormat)),
		attribute.String("compression", string(config.Compression)),
		attribute.Int64("image_size_gib", int64(config.ImageSize)),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	arch, err := validateBuild(config, options)
	if err != nil {
		return err
	}

	buildDirAbs, err := filepath.Abs(buildDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of build dir (%s):\n%w", buildDir, err)
	}

	err = os.MkdirAll(buildDirAbs, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create build dir (%s):\n%w", buildDirAbs, err)
	}

	state := NewBuildState(runner)
	defer func() {
		preserved, releaseErr := state.ReleaseAll(options.KeepArtifactsOnFailure)
		if releaseErr != nil {
			err = errorWithCleanup(err, releaseErr)
		}
		if preserved != "" && err != nil {
			err = fmt.Errorf("%w\ndisk image kept at (%s)", err, preserved)
		}
	}()

	stagingDir, err := bootstrapStaging(ctx, runner, state, buildDirAbs, config)
	if err != nil {
		return err
	}

	imagePath, err := createDisk(ctx, runner, state, buildDirAbs, config.ImageSize)
	if err != nil {
		return err
	}

	checkpoint := state.Checkpoint()

	conn, err := populateDisk(ctx, runner, state, buildDirAbs, imagePath, stagingDir)
	if err != nil {
		return err
	}

	err = provision(ctx, conn, config, arch)
	if err != nil {
		return err
	}

	err = state.ReleaseTo(checkpoint)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrReleaseResources, err)
	}

	err = writeOutput(ctx, runner, imagePath, config.BinaryFormat, config.Compression, config.OutPath)
	if err != nil {
		return err
	}

	state.MarkSuccess()
	logger.Log.Infof("Success!")
	return nil
}

func validateBuild(config *imagebuilderapi.Config, options BuildOptions) (string, error) {
	err := config.IsValid()
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrInvalidImageConfig, err)
	}

	arch := options.Arch
	if arch == "" {
		arch = runtime.GOARCH
	}
	if _, err := efiTarget(arch); err != nil {
		return "", err
	}

	if !options.SkipRootCheck {
		err = CheckRunningAsRoot()
		if err != nil {
			return "", err
		}
	}

	// Mounting cgroup2 in the execution context needs a recent enough host kernel.
	_, err = kernelversion.CheckBuildHostKernelVersion()
	if err != nil {
		logger.Log.Warnf("%v", err)
	}

	return arch, nil
}

// CheckRunningAsRoot fails unless the process has root privileges, which loop devices and mounts need.
func CheckRunningAsRoot() error {
	if unix.Geteuid() != 0 {
		return ErrToolMustRunAsRoot
	}
	return nil
}

func bootstrapStaging(ctx context.Context, runner shell.Runner, state *BuildState, buildDir string,
	config *imagebuilderapi.Config,
) (string, error) {
	stagingDir := filepath.Join(buildDir, stagingDirPrefix+newID())
	err := os.Mkdir(stagingDir, 0o755)
	if err != nil {
		return "", fmt.Errorf("%w:\nfailed to create staging dir (%s):\n%w", ErrBootstrap, stagingDir, err)
	}
	state.RecordTemporaryFile(stagingDir)

	err = Debootstrap(ctx, runner, DebootstrapOptions{
		OutputDir: stagingDir,
		Series:    config.Series,
		Mirror:    config.Mirror,
		Hostname:  config.Hostname,
		AptCache:  config.AptCache,
	})
	if err != nil {
		return "", err
	}

	return stagingDir, nil
}

func provision(ctx context.Context, conn *ImageConnection, config *imagebuilderapi.Config, arch string) error {
	var err error
	chroot := conn.Chroot()

	err = UpdateSystem(ctx, chroot, UpdateSystemOptions{
		Mirror:   config.SystemMirror,
		Series:   config.Series,
		AptCache: config.AptCache,
		Ppas:     config.BuildPpas,
	})
	if err != nil {
		return err
	}

	packages := append([]string{config.KernelPackage}, config.ExtraPackages...)
	err = InstallPackages(ctx, chroot, packages, config.AptCache)
	if err != nil {
		return err
	}

	err = InstallBootloader(ctx, chroot, config.Bootloader, conn.Disk().DevicePath(), arch,
		diskutils.RootfsLabel, config.AptCache)
	if err != nil {
		return err
	}

	err = CopyFiles(ctx, conn.MountDir(), config.Files)
	if err != nil {
		return err
	}

	if config.User != nil {
		err = CreateUser(ctx, chroot, *config.User)
		if err != nil {
			return err
		}
	}

	err = PreseedSnaps(ctx, snapseed.NewCommandStore(conn.Runner()).WithArch(arch), conn.MountDir(), config.Snaps)
	if err != nil {
		return err
	}

	err = targetos.CheckInstalledSeries(conn.MountDir(), config.Series)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCheckSeries, err)
	}

	return nil
}

func finishSpanWithError(span trace.Span, err error) {
	if err != nil {
		errorNames := buildererrors.Names(err)
		if len(errorNames) == 0 {
			errorNames = []string{"Unset"}
		}
		span.SetAttributes(
			attribute.StringSlice("errors.name", errorNames),
		)
		span.SetStatus(codes.Error, errorNames[len(errorNames)-1])
	}
	span.End()
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, name)
}
