// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"fmt"
)

const (
	BiosBootPartitionNumber = 14
	EspPartitionNumber      = 15
	RootfsPartitionNumber   = 1

	BiosBootTypeCode        = "ef02"
	EfiSystemTypeCode       = "ef00"
	LinuxFilesystemTypeCode = "8300"

	EfiSystemPartitionTypeUuid       = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	BiosBootPartitionTypeUuid        = "21686148-6449-6E6F-744E-656564454649"
	LinuxFilesystemPartitionTypeUuid = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"

	RootfsLabel = "rootfs"
	EspLabel    = "UEFI"

	sectorSize = 512
	// sgdisk aligns partition starts to 1 MiB.
	alignmentSectors = 2048
	// Backup GPT: 32 sectors of entries + header.
	gptBackupSectors = 33
)

// PartitionSpec is one region of the fixed disk layout. A zero SizeBytes takes the remainder of the disk.
type PartitionSpec struct {
	Number    int
	SizeBytes uint64
	TypeCode  string
	TypeUuid  string
}

// PartitionExtent is where a PartitionSpec lands on a disk of a given size.
type PartitionExtent struct {
	Number      int
	StartSector int64
	SizeSectors int64
	TypeUuid    string
}

// UefiLayout is the layout of every genesis image, in creation order. The partition numbers are fixed so that a
// partition's role never has to be discovered by scanning.
var UefiLayout = []PartitionSpec{
	{Number: BiosBootPartitionNumber, SizeBytes: 4 * MiB, TypeCode: BiosBootTypeCode, TypeUuid: BiosBootPartitionTypeUuid},
	{Number: EspPartitionNumber, SizeBytes: 106 * MiB, TypeCode: EfiSystemTypeCode, TypeUuid: EfiSystemPartitionTypeUuid},
	{Number: RootfsPartitionNumber, SizeBytes: 0, TypeCode: LinuxFilesystemTypeCode, TypeUuid: LinuxFilesystemPartitionTypeUuid},
}

// ComputeLayout returns the extents sgdisk produces when UefiLayout is written to a disk of diskSizeBytes.
func ComputeLayout(diskSizeBytes uint64) ([]PartitionExtent, error) {
	totalSectors := int64(diskSizeBytes / sectorSize)
	lastUsable := totalSectors - gptBackupSectors - 1

	extents := []PartitionExtent(nil)
	next := int64(alignmentSectors)
	for _, spec := range UefiLayout {
		start := alignUp(next, alignmentSectors)

		var size int64
		if spec.SizeBytes == 0 {
			size = lastUsable - start + 1
		} else {
			size = int64(spec.SizeBytes / sectorSize)
		}

		if size <= 0 || start+size-1 > lastUsable {
			return nil, fmt.Errorf("disk of %d bytes is too small for the partition layout", diskSizeBytes)
		}

		extents = append(extents, PartitionExtent{
			Number:      spec.Number,
			StartSector: start,
			SizeSectors: size,
			TypeUuid:    spec.TypeUuid,
		})
		next = start + size
	}

	return extents, nil
}

func alignUp(sector int64, alignment int64) int64 {
	return (sector + alignment - 1) / alignment * alignment
}
