// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const (
	downloadedFilePerm os.FileMode = 0o644
)

// NewDownloadClient returns an HTTP client whose requests are traced.
func NewDownloadClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// DownloadFiles fetches URLs into the root filesystem at rootDir. downloads maps an absolute path in the image to
// a URL.
func DownloadFiles(ctx context.Context, client *http.Client, rootDir string, downloads map[string]string,
) (err error) {
	ctx, span := startSpan(ctx, "download_files")
	span.SetAttributes(
		attribute.Int("files_count", len(downloads)),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	destinations := []string(nil)
	for dest := range downloads {
		destinations = append(destinations, dest)
	}
	slices.Sort(destinations)

	for _, dest := range destinations {
		dst, err := pathInRoot(rootDir, dest)
		if err != nil {
			return fmt.Errorf("%w (dest='%s'):\n%w", ErrDownloadFiles, dest, err)
		}

		err = downloadFile(ctx, client, downloads[dest], dst)
		if err != nil {
			return fmt.Errorf("%w (dest='%s'):\n%w", ErrDownloadFiles, dest, err)
		}
	}

	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dst string) error {
	logger.Log.Infof("Downloading (%s) to (%s)", url, dst)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for (%s):\n%w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download (%s):\n%w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download (%s): %s", url, resp.Status)
	}

	err = file.CreateDestinationDir(dst, imageDirPerm)
	if err != nil {
		return err
	}

	// A failed download never leaves a truncated file at dst.
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for (%s):\n%w", dst, err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	_, err = io.Copy(tmpFile, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write (%s):\n%w", dst, err)
	}

	err = tmpFile.Chmod(downloadedFilePerm)
	if err != nil {
		return err
	}

	err = tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize (%s):\n%w", dst, err)
	}

	err = os.Rename(tmpFile.Name(), dst)
	if err != nil {
		return fmt.Errorf("failed to move download to (%s):\n%w", dst, err)
	}

	return nil
}

// ParseDownloadMappings parses "dst:url" pairs into a map from image path to URL. The URL keeps its own colons.
func ParseDownloadMappings(mappings []string) (map[string]string, error) {
	downloads := map[string]string{}
	for _, mapping := range mappings {
		dst, url, found := strings.Cut(mapping, ":")
		if !found || dst == "" || url == "" {
			return nil, fmt.Errorf("invalid download (%s): expected <dst>:<url>", mapping)
		}
		if !filepath.IsAbs(dst) {
			return nil, fmt.Errorf("invalid download (%s): destination must be an absolute path", mapping)
		}
		downloads[dst] = url
	}
	return downloads, nil
}
