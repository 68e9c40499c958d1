// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/userutils"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// Permissions of parent directories created in the image.
	imageDirPerm os.FileMode = 0o755
)

// FileOwnership optionally overrides the owner and mode of copied files.
type FileOwnership struct {
	// Owner as accepted by chown, resolved against the image's users and groups.
	Owner string
	// Mode in octal, e.g. 0644.
	Mode string
}

// CopyFiles copies local files and directories into the root filesystem at rootDir. files maps an absolute path in
// the image to a local path.
func CopyFiles(ctx context.Context, rootDir string, files map[string]string) error {
	return CopyFilesWithOwnership(ctx, rootDir, files, FileOwnership{})
}

func CopyFilesWithOwnership(ctx context.Context, rootDir string, files map[string]string, ownership FileOwnership,
) (err error) {
	_, span := startSpan(ctx, "copy_files")
	span.SetAttributes(
		attribute.Int("files_count", len(files)),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	if len(files) == 0 {
		return nil
	}

	var mode *os.FileMode
	if ownership.Mode != "" {
		parsed, err := strconv.ParseUint(ownership.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("%w:\ninvalid mode (%s):\n%w", ErrCopyFiles, ownership.Mode, err)
		}
		fileMode := os.FileMode(parsed)
		mode = &fileMode
	}

	uid, gid := 0, 0
	if ownership.Owner != "" {
		uid, gid, err = userutils.ResolveOwner(rootDir, ownership.Owner)
		if err != nil {
			return fmt.Errorf("%w:\ninvalid owner (%s):\n%w", ErrCopyFiles, ownership.Owner, err)
		}
	}

	destinations := []string(nil)
	for dest := range files {
		destinations = append(destinations, dest)
	}
	slices.Sort(destinations)

	for _, dest := range destinations {
		src := files[dest]
		dst, err := pathInRoot(rootDir, dest)
		if err != nil {
			return fmt.Errorf("%w (dest='%s'):\n%w", ErrCopyFiles, dest, err)
		}

		logger.Log.Infof("Copying (%s) to (%s)", src, dest)

		isDir, err := file.IsDir(src)
		if err != nil {
			return fmt.Errorf("%w:\nfailed to read source (%s):\n%w", ErrCopyFiles, src, err)
		}

		if isDir {
			builder := file.NewDirCopyBuilder(src, dst)
			if mode != nil {
				builder = builder.SetChildFilePermissions(*mode)
			}
			if ownership.Owner != "" {
				builder = builder.SetOwner(uid, gid)
			}
			err = builder.Run()
		} else {
			builder := file.NewFileCopyBuilder(src, dst).SetDirFileMode(imageDirPerm)
			if mode != nil {
				builder = builder.SetFileMode(*mode)
			}
			if ownership.Owner != "" {
				builder = builder.SetOwner(uid, gid)
			}
			err = builder.Run()
		}
		if err != nil {
			return fmt.Errorf("%w (dest='%s'):\n%w", ErrCopyFiles, dest, err)
		}
	}

	return nil
}

// ParseFileMappings parses "src:dst" pairs into a map from image path to local path.
func ParseFileMappings(mappings []string) (map[string]string, error) {
	files := map[string]string{}
	for _, mapping := range mappings {
		src, dst, found := strings.Cut(mapping, ":")
		if !found || src == "" || dst == "" {
			return nil, fmt.Errorf("invalid file mapping (%s): expected <src>:<dst>", mapping)
		}
		if !filepath.IsAbs(dst) {
			return nil, fmt.Errorf("invalid file mapping (%s): destination must be an absolute path", mapping)
		}
		files[dst] = src
	}
	return files, nil
}

// pathInRoot returns the host path of path inside rootDir. Symlinks are resolved as if rootDir was "/", so a link in
// the image never leads to a host path.
func pathInRoot(rootDir string, path string) (string, error) {
	resolved, err := securejoin.SecureJoin(rootDir, path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve (%s) inside (%s):\n%w", path, rootDir, err)
	}
	return resolved, nil
}
