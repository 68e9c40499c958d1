// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderapi

import (
	"fmt"
)

// CompressionType is applied to the output image after conversion.
type CompressionType string

const (
	CompressionTypeNone CompressionType = ""
	CompressionTypeZstd CompressionType = "zstd"
	CompressionTypeGzip CompressionType = "gzip"
)

func (c CompressionType) IsValid() error {
	switch c {
	case CompressionTypeNone, CompressionTypeZstd, CompressionTypeGzip:
		return nil

	default:
		return fmt.Errorf("invalid compression type (%s)", c)
	}
}

// FileExtension is the suffix added to the output path.
func (c CompressionType) FileExtension() string {
	switch c {
	case CompressionTypeZstd:
		return ".zst"
	case CompressionTypeGzip:
		return ".gz"
	default:
		return ""
	}
}
