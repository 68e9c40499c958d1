// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderapi

import (
	"fmt"

	"github.com/gjolly/genesis/toolkit/tools/internal/buildererrors"
)

var ErrUnsupportedBootloader = buildererrors.New("Config:UnsupportedBootloader", "unsupported bootloader")

type BootloaderType string

const (
	BootloaderTypeGrub BootloaderType = "grub"
)

func (b BootloaderType) IsValid() error {
	switch b {
	case BootloaderTypeGrub:
		return nil

	default:
		return fmt.Errorf("%w (%s)", ErrUnsupportedBootloader, b)
	}
}
