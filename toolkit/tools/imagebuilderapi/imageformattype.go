// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderapi

import (
	"fmt"
	"slices"
)

// ImageFormatType is a qemu-img output format.
type ImageFormatType string

const (
	ImageFormatTypeRaw   ImageFormatType = "raw"
	ImageFormatTypeQcow2 ImageFormatType = "qcow2"
	ImageFormatTypeVhdx  ImageFormatType = "vhdx"
	ImageFormatTypeVpc   ImageFormatType = "vpc"
	ImageFormatTypeVmdk  ImageFormatType = "vmdk"
)

var supportedImageFormatTypes = []string{
	string(ImageFormatTypeRaw),
	string(ImageFormatTypeQcow2),
	string(ImageFormatTypeVhdx),
	string(ImageFormatTypeVpc),
	string(ImageFormatTypeVmdk),
}

func (ft ImageFormatType) IsValid() error {
	if !slices.Contains(supportedImageFormatTypes, string(ft)) {
		return fmt.Errorf("invalid image format type (%s)", ft)
	}

	return nil
}

// SupportedImageFormatTypes returns all valid image format types.
func SupportedImageFormatTypes() []string {
	return supportedImageFormatTypes
}
