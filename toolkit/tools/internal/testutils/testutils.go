// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"testing"
)

// GetImageFileType sniffs the format of a disk image (or compressed image) from its magic bytes.
func GetImageFileType(filePath string) (string, error) {
	file, err := os.OpenFile(filePath, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer file.Close()

	firstBytes := make([]byte, 512)
	firstBytesCount, err := file.Read(firstBytes)
	if err != nil {
		return "", err
	}

	switch {
	case firstBytesCount >= 8 && bytes.Equal(firstBytes[:8], []byte("vhdxfile")):
		return "vhdx", nil

	case firstBytesCount >= 4 && bytes.Equal(firstBytes[:4], []byte{'Q', 'F', 'I', 0xfb}):
		return "qcow2", nil

	case isZstFile(firstBytes):
		return "zst", nil

	case firstBytesCount >= 2 && firstBytes[0] == 0x1f && firstBytes[1] == 0x8b:
		return "gz", nil

	default:
		return "raw", nil
	}
}

func isZstFile(firstBytes []byte) bool {
	if len(firstBytes) < 4 {
		return false
	}

	magicNumber := binary.LittleEndian.Uint32(firstBytes[:4])

	// 0xFD2FB528 is a zst frame.
	// 0x184D2A50-0x184D2A5F are skippable ztd frames.
	return magicNumber == 0xFD2FB528 || (magicNumber >= 0x184D2A50 && magicNumber <= 0x184D2A5F)
}

// CheckSkipForRootRequirements skips tests that touch real block devices or mounts.
func CheckSkipForRootRequirements(t *testing.T, programs ...string) {
	if os.Geteuid() != 0 {
		t.Skip("Test must be run as root because it uses loop devices and mounts")
	}

	for _, program := range programs {
		_, err := exec.LookPath(program)
		if err != nil {
			t.Skip(fmt.Sprintf("The '%s' command is not available", program))
		}
	}
}
