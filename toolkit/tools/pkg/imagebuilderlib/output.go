// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"
)

// writeOutput converts the raw image to the requested format and compresses it into outPath. The raw image is
// consumed when no conversion is needed.
func writeOutput(ctx context.Context, runner shell.Runner, rawImagePath string,
	format imagebuilderapi.ImageFormatType, compression imagebuilderapi.CompressionType, outPath string,
) (err error) {
	_, span := startSpan(ctx, "write_output")
	span.SetAttributes(
		attribute.String("format", string(format)),
		attribute.String("compression", string(compression)),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	outPathAbs, err := filepath.Abs(outPath)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrConvertImage, err)
	}

	err = os.MkdirAll(filepath.Dir(outPathAbs), os.ModePerm)
	if err != nil {
		return fmt.Errorf("%w:\nfailed to create output dir:\n%w", ErrConvertImage, err)
	}

	convertedPath := outPathAbs
	if compression != imagebuilderapi.CompressionTypeNone {
		convertedPath = rawImagePath + "." + string(format)
		defer file.RemoveFileIfExists(convertedPath)
	}

	err = convertImage(runner, rawImagePath, format, convertedPath)
	if err != nil {
		return err
	}

	if compression == imagebuilderapi.CompressionTypeNone {
		logger.Log.Infof("Image written to (%s)", convertedPath)
		return nil
	}

	compressedPath := outPathAbs + compression.FileExtension()
	err = compressImage(convertedPath, compression, compressedPath)
	if err != nil {
		return err
	}

	logger.Log.Infof("Image written to (%s)", compressedPath)
	return nil
}

func convertImage(runner shell.Runner, rawImagePath string, format imagebuilderapi.ImageFormatType,
	outPath string,
) error {
	if format == imagebuilderapi.ImageFormatTypeRaw {
		err := moveFile(rawImagePath, outPath)
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrConvertImage, err)
		}
		return nil
	}

	logger.Log.Infof("Converting image to (%s)", format)

	err := runner.Run(shell.Command("qemu-img", "convert", "-f", "raw", "-O", string(format), rawImagePath, outPath))
	if err != nil {
		return fmt.Errorf("%w (format='%s'):\n%w", ErrConvertImage, format, err)
	}

	return nil
}

func compressImage(srcPath string, compression imagebuilderapi.CompressionType, dstPath string) (err error) {
	logger.Log.Infof("Compressing image with (%s)", compression)

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCompressImage, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCompressImage, err)
	}
	defer func() {
		closeErr := dst.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("%w:\n%w", ErrCompressImage, closeErr)
		}
		if err != nil {
			os.Remove(dstPath)
		}
	}()

	var writer io.WriteCloser
	switch compression {
	case imagebuilderapi.CompressionTypeZstd:
		writer, err = zstd.NewWriter(dst)
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrCompressImage, err)
		}

	case imagebuilderapi.CompressionTypeGzip:
		writer = pgzip.NewWriter(dst)

	default:
		return fmt.Errorf("%w:\nunsupported compression (%s)", ErrCompressImage, compression)
	}

	_, err = io.Copy(writer, src)
	if err != nil {
		writer.Close()
		return fmt.Errorf("%w:\n%w", ErrCompressImage, err)
	}

	err = writer.Close()
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCompressImage, err)
	}

	return nil
}

// moveFile renames src to dst, copying across filesystems when needed.
func moveFile(src string, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	if !errors.Is(err, unix.EXDEV) {
		return fmt.Errorf("failed to move (%s) to (%s):\n%w", src, dst, err)
	}

	err = file.Copy(src, dst)
	if err != nil {
		return err
	}

	return file.RemoveFileIfExists(src)
}
