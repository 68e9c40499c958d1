// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to build Ubuntu disk images from scratch

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/alecthomas/kong"
	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/imagegen/diskutils"
	"github.com/gjolly/genesis/toolkit/tools/internal/exekong"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/gjolly/genesis/toolkit/tools/internal/telemetry"
	"github.com/gjolly/genesis/toolkit/tools/pkg/imagebuilderlib"
)

type GenesisCmd struct {
	Build           BuildCmd           `cmd:"" name:"build" help:"Build a disk image from a config file."`
	Debootstrap     DebootstrapCmd     `cmd:"" name:"debootstrap" help:"Bootstrap a root filesystem tree."`
	CreateDisk      CreateDiskCmd      `cmd:"" name:"create-disk" help:"Create a disk image from a root filesystem tree."`
	UpdateSystem    UpdateSystemCmd    `cmd:"" name:"update-system" help:"Configure apt and upgrade the image."`
	InstallPackages InstallPackagesCmd `cmd:"" name:"install-packages" help:"Install packages in the image."`
	InstallGrub     InstallGrubCmd     `cmd:"" name:"install-grub" help:"Install and configure grub in the image."`
	CopyFiles       CopyFilesCmd       `cmd:"" name:"copy-files" help:"Copy local files into the image."`
	DownloadFiles   DownloadFilesCmd   `cmd:"" name:"download-files" help:"Download files into the image."`
	CreateUser      CreateUserCmd      `cmd:"" name:"create-user" help:"Create a login user in the image."`
	PreseedSnaps    PreseedSnapsCmd    `cmd:"" name:"preseed-snaps" help:"Seed snaps into the image."`
	Schema          SchemaCmd          `cmd:"" name:"schema" help:"Print the JSON schema of the config file."`

	Version          kong.VersionFlag `name:"version" help:"Print the version and exit."`
	DisableTelemetry bool             `name:"disable-telemetry" help:"Disable sending traces to the configured OTLP endpoint."`
	exekong.LogFlags
}

type runContext struct {
	ctx    context.Context
	runner shell.Runner
}

// ImageFlags select the disk image a step runs against.
type ImageFlags struct {
	DiskImage string `name:"disk-image" help:"Path of the disk image." default:"disk.img"`
	BuildDir  string `name:"build-dir" help:"Directory to mount the image under." default:"${tmpdir}"`
}

func (f ImageFlags) step(rc *runContext) (imagebuilderlib.ImageStep, error) {
	err := imagebuilderlib.CheckRunningAsRoot()
	if err != nil {
		return imagebuilderlib.ImageStep{}, err
	}

	return imagebuilderlib.ImageStep{
		Runner:    rc.runner,
		BuildDir:  f.BuildDir,
		DiskImage: f.DiskImage,
	}, nil
}

type BuildCmd struct {
	ConfigFile             string `name:"config-file" help:"Path of the image config file." required:"" type:"existingfile"`
	BuildDir               string `name:"build-dir" help:"Directory to run build out of." default:"build"`
	Arch                   string `name:"arch" help:"Target architecture." enum:"amd64,arm64" default:"${arch}"`
	KeepArtifactsOnFailure bool   `name:"keep-artifacts-on-failure" help:"Keep the disk image of a failed build."`
}

func (c *BuildCmd) Run(rc *runContext) error {
	return imagebuilderlib.BuildImageWithConfigFile(rc.ctx, rc.runner, c.BuildDir, c.ConfigFile,
		imagebuilderlib.BuildOptions{
			KeepArtifactsOnFailure: c.KeepArtifactsOnFailure,
			Arch:                   c.Arch,
		})
}

type DebootstrapCmd struct {
	Output   string `name:"output" help:"Directory to bootstrap into." default:"rootfs"`
	Series   string `name:"series" help:"Release codename, e.g. noble." required:""`
	Mirror   string `name:"mirror" help:"Archive to bootstrap from." default:"${mirror}"`
	Hostname string `name:"hostname" help:"Hostname of the new system." default:"${hostname}"`
	AptCache string `name:"apt-cache" help:"HTTP proxy fronting the archive."`
}

func (c *DebootstrapCmd) Run(rc *runContext) error {
	err := imagebuilderlib.CheckRunningAsRoot()
	if err != nil {
		return err
	}

	return imagebuilderlib.Debootstrap(rc.ctx, rc.runner, imagebuilderlib.DebootstrapOptions{
		OutputDir: c.Output,
		Series:    c.Series,
		Mirror:    c.Mirror,
		Hostname:  c.Hostname,
		AptCache:  c.AptCache,
	})
}

type CreateDiskCmd struct {
	RootfsDir string `name:"rootfs-dir" help:"Root filesystem tree to copy into the image." default:"rootfs"`
	DiskImage string `name:"disk-image" help:"Path to write the disk image to." default:"disk.img"`
	Size      uint64 `name:"size" help:"Size of the disk image in GiB." default:"${imagesize}"`
	BuildDir  string `name:"build-dir" help:"Directory to create the image in." default:"${tmpdir}"`
}

func (c *CreateDiskCmd) Run(rc *runContext) error {
	err := imagebuilderlib.CheckRunningAsRoot()
	if err != nil {
		return err
	}

	return imagebuilderlib.CreateDisk(rc.ctx, rc.runner, c.BuildDir, imagebuilderlib.CreateDiskOptions{
		RootfsDir: c.RootfsDir,
		DiskImage: c.DiskImage,
		SizeGiB:   c.Size,
	})
}

type UpdateSystemCmd struct {
	ImageFlags
	Mirror        string   `name:"mirror" help:"Archive written to the image's sources.list." default:"${mirror}"`
	Series        string   `name:"series" help:"Release codename, e.g. noble." required:""`
	ExtraPackages []string `name:"extra-package" help:"Package to install after the upgrade."`
	Ppas          []string `name:"ppa" help:"PPA to enable before the upgrade, e.g. ppa:user/name."`
	AptCache      string   `name:"apt-cache" help:"HTTP proxy used by apt."`
}

func (c *UpdateSystemCmd) Run(rc *runContext) error {
	step, err := c.step(rc)
	if err != nil {
		return err
	}

	return step.UpdateSystem(rc.ctx, imagebuilderlib.UpdateSystemOptions{
		Mirror:        c.Mirror,
		Series:        c.Series,
		AptCache:      c.AptCache,
		Ppas:          c.Ppas,
		ExtraPackages: c.ExtraPackages,
	})
}

type InstallPackagesCmd struct {
	ImageFlags
	Packages []string `name:"package" help:"Package to install." required:""`
	AptCache string   `name:"apt-cache" help:"HTTP proxy used by apt."`
}

func (c *InstallPackagesCmd) Run(rc *runContext) error {
	step, err := c.step(rc)
	if err != nil {
		return err
	}

	return step.InstallPackages(rc.ctx, c.Packages, c.AptCache)
}

type InstallGrubCmd struct {
	ImageFlags
	RootfsLabel string `name:"rootfs-label" help:"Label of the root filesystem." default:"${rootfslabel}"`
	Arch        string `name:"arch" help:"Target architecture." enum:"amd64,arm64" default:"${arch}"`
	AptCache    string `name:"apt-cache" help:"HTTP proxy used by apt."`
}

func (c *InstallGrubCmd) Run(rc *runContext) error {
	step, err := c.step(rc)
	if err != nil {
		return err
	}

	return step.InstallGrub(rc.ctx, c.Arch, c.RootfsLabel, c.AptCache)
}

type CopyFilesCmd struct {
	ImageFlags
	Files []string `name:"file" help:"File to copy, as <src>:<dst>." required:""`
	Owner string   `name:"owner" help:"Owner of the copied files, as user[:group]."`
	Mode  string   `name:"mod" help:"Octal mode of the copied files."`
}

func (c *CopyFilesCmd) Run(rc *runContext) error {
	files, err := imagebuilderlib.ParseFileMappings(c.Files)
	if err != nil {
		return err
	}

	step, err := c.step(rc)
	if err != nil {
		return err
	}

	return step.CopyFiles(rc.ctx, files, imagebuilderlib.FileOwnership{
		Owner: c.Owner,
		Mode:  c.Mode,
	})
}

type DownloadFilesCmd struct {
	ImageFlags
	Files []string `name:"files" help:"File to download, as <dst>:<url>." required:""`
}

func (c *DownloadFilesCmd) Run(rc *runContext) error {
	downloads, err := imagebuilderlib.ParseDownloadMappings(c.Files)
	if err != nil {
		return err
	}

	step, err := c.step(rc)
	if err != nil {
		return err
	}

	return step.DownloadFiles(rc.ctx, imagebuilderlib.NewDownloadClient(), downloads)
}

type CreateUserCmd struct {
	ImageFlags
	Username string `name:"username" help:"Name of the user." default:"ubuntu"`
	SshKey   string `name:"ssh-key" help:"Public SSH key allowed to log in as the user."`
	Sudo     bool   `name:"sudo" help:"Add the user to the sudo group." negatable:""`
}

func (c *CreateUserCmd) Run(rc *runContext) error {
	step, err := c.step(rc)
	if err != nil {
		return err
	}

	return step.CreateUser(rc.ctx, imagebuilderapi.User{
		Name:   c.Username,
		SshKey: c.SshKey,
		Sudo:   c.Sudo,
	})
}

type PreseedSnapsCmd struct {
	ImageFlags
	Snaps []string `name:"snap" help:"Snap to seed, as name[=channel][:classic]." required:""`
	Arch  string   `name:"arch" help:"Target architecture." enum:"amd64,arm64" default:"${arch}"`
}

func (c *PreseedSnapsCmd) Run(rc *runContext) error {
	snaps, err := imagebuilderlib.ParseSnapRequests(c.Snaps)
	if err != nil {
		return err
	}

	step, err := c.step(rc)
	if err != nil {
		return err
	}

	return step.PreseedSnaps(rc.ctx, c.Arch, snaps)
}

type SchemaCmd struct{}

func (c *SchemaCmd) Run(rc *runContext) error {
	schemaJSON, err := imagebuilderapi.JSONSchema()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(os.Stdout, string(schemaJSON))
	return err
}

func newParser(cli *GenesisCmd) (*kong.Kong, error) {
	vars := exekong.MergeVars(kong.Vars{
		"arch":        runtime.GOARCH,
		"hostname":    imagebuilderapi.DefaultHostname,
		"imagesize":   fmt.Sprint(imagebuilderapi.DefaultImageSizeGiB),
		"mirror":      imagebuilderapi.DefaultMirror,
		"rootfslabel": diskutils.RootfsLabel,
		"tmpdir":      os.TempDir(),
		"version":     imagebuilderlib.ToolVersion,
	})

	return kong.New(cli,
		vars,
		kong.Name("genesis"),
		kong.Description("Builds bootable Ubuntu disk images from scratch."),
		kong.HelpOptions{
			Compact:   true,
			FlagsLast: true,
		},
		kong.UsageOnError())
}

func main() {
	cli := &GenesisCmd{}

	parser, err := newParser(cli)
	if err != nil {
		log.Fatalf("failed to create parser:\n%v", err)
	}

	kongCtx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	logger.InitBestEffort(cli.LogFlags.AsLoggerFlags())

	err = telemetry.InitTelemetry(cli.DisableTelemetry, imagebuilderlib.ToolVersion)
	if err != nil {
		logger.Log.Warnf("Failed to initialize telemetry: %v", err)
	}

	ctx := context.Background()
	err = kongCtx.Run(&runContext{
		ctx:    ctx,
		runner: shell.NewHostRunner(),
	})

	shutdownErr := telemetry.ShutdownTelemetry(ctx)
	if shutdownErr != nil {
		logger.Log.Warnf("Failed to shut down telemetry: %v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("%s failed:\n%v", kongCtx.Command(), err)
	}
}
