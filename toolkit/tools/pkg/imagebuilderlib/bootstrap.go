// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	debootstrapPath = "/usr/sbin/debootstrap"
)

type DebootstrapOptions struct {
	OutputDir string
	Series    string
	Mirror    string
	Hostname  string
	// AptCache is an HTTP proxy that fronts the mirror.
	AptCache string
}

// Debootstrap creates a minimal root filesystem tree for the series in OutputDir.
func Debootstrap(ctx context.Context, runner shell.Runner, options DebootstrapOptions) (err error) {
	ctx, span := startSpan(ctx, "debootstrap")
	span.SetAttributes(
		attribute.String("series", options.Series),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	logger.Log.Infof("Bootstrapping (%s) into (%s)", options.Series, options.OutputDir)

	err = os.MkdirAll(options.OutputDir, 0o755)
	if err != nil {
		return fmt.Errorf("%w:\nfailed to create output dir (%s):\n%w", ErrBootstrap, options.OutputDir, err)
	}

	mirror := bootstrapMirror(options.Mirror, options.AptCache)

	err = runner.Run(shell.Command(debootstrapPath, options.Series, options.OutputDir, mirror))
	if err != nil {
		return fmt.Errorf("%w (series='%s'):\n%w", ErrBootstrap, options.Series, err)
	}

	if options.Hostname != "" {
		err = file.Write(options.Hostname+"\n", filepath.Join(options.OutputDir, "etc/hostname"))
		if err != nil {
			return fmt.Errorf("%w:\nfailed to write hostname:\n%w", ErrBootstrap, err)
		}
	}

	return nil
}

// bootstrapMirror routes the mirror through the apt cache, which serves archives by host and path.
func bootstrapMirror(mirror string, aptCache string) string {
	if aptCache == "" {
		return mirror
	}

	_, withoutScheme, found := strings.Cut(mirror, "://")
	if !found {
		withoutScheme = mirror
	}
	return strings.TrimSuffix(aptCache, "/") + "/" + withoutScheme
}

func newID() string {
	return uuid.NewString()
}
