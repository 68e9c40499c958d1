// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Utility to create and manipulate disks and partitions

package diskutils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/internal/buildererrors"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/shell"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var (
	ErrAllocationFailed = buildererrors.New("Disk:AllocationFailed", "failed to allocate disk image")
	ErrAttachFailed     = buildererrors.New("Disk:AttachFailed", "failed to attach disk image")
	ErrPartitionLayout  = buildererrors.New("Disk:PartitionLayout", "disk partition table does not match layout")
)

type blockDevicesOutput struct {
	Devices []blockDeviceInfo `json:"blockdevices"`
}

type blockDeviceInfo struct {
	Name string `json:"name"` // Example: loop3p15
	Path string `json:"path"` // Example: /dev/loop3p15
	Type string `json:"type"` // Example: part
}

type loopbackListOutput struct {
	Devices []loopbackDevice `json:"loopdevices"`
}

type loopbackDevice struct {
	Name        string `json:"name"`
	BackingFile string `json:"back-file"`
}

type PartitionTablePartition struct {
	// Populated from "sfdisk --json":
	Path         string `json:"node"`  // Example: /tmp/genesis-0e1c.img15
	Start        int64  `json:"start"` // Example: 10240
	Size         int64  `json:"size"`  // Example: 217088
	PartTypeUuid string `json:"type"`  // Example: C12A7328-F81F-11D2-BA4B-00A0C93EC93B
	PartUuid     string `json:"uuid"`  // Example: 2789D1BC-3909-4B06-AD2D-DA531DABF7C8
}

type PartitionTable struct {
	Label      string                    `json:"label"`      // Example: gpt
	Id         string                    `json:"id"`         // Example: 1DFD88CF-6214-4574-97A2-C605D411CFBE
	Device     string                    `json:"device"`     // Example: /tmp/genesis-0e1c.img
	Unit       string                    `json:"unit"`       // Example: sectors
	FirstLba   int64                     `json:"firstlba"`   // Example: 34
	LastLba    int64                     `json:"lastlba"`    // Example: 6291422
	SectorSize int                       `json:"sectorsize"` // Example: 512
	Partitions []PartitionTablePartition `json:"partitions"`
}

type partitionTableOutput struct {
	PartitionTable *PartitionTable `json:"partitiontable"`
}

// Unit to byte conversion values
const (
	KiB = 1024
	MiB = 1024 * 1024
	GiB = 1024 * 1024 * 1024
)

const (
	diskImagePerm os.FileMode = 0o644
)

var (
	trailingNumberRegexp = regexp.MustCompile(`(\d+)$`)
)

// CreateImage allocates a sparse, zero-filled backing file of sizeGiB in dir and returns its absolute path.
func CreateImage(dir string, sizeGiB uint64) (string, error) {
	if sizeGiB == 0 {
		return "", fmt.Errorf("%w:\nimage size must be at least 1 GiB", ErrAllocationFailed)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrAllocationFailed, err)
	}

	err = os.MkdirAll(absDir, os.ModePerm)
	if err != nil {
		return "", fmt.Errorf("%w (dir='%s'):\n%w", ErrAllocationFailed, absDir, err)
	}

	size := sizeGiB * GiB
	err = checkFreeSpace(absDir, size)
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrAllocationFailed, err)
	}

	diskPath := filepath.Join(absDir, fmt.Sprintf("genesis-%s.img", uuid.NewString()))
	logger.Log.Infof("Creating disk image (%s) of %d GiB", diskPath, sizeGiB)

	err = CreateSparseDisk(diskPath, size, diskImagePerm)
	if err != nil {
		os.Remove(diskPath)
		return "", fmt.Errorf("%w (path='%s'):\n%w", ErrAllocationFailed, diskPath, err)
	}

	return diskPath, nil
}

// CreateSparseDisk creates an empty sparse disk file of size bytes.
func CreateSparseDisk(diskPath string, size uint64, perm os.FileMode) (err error) {
	file, err := os.OpenFile(diskPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create empty disk file:\n%w", err)
	}
	defer file.Close()

	err = file.Truncate(int64(size))
	if err != nil {
		return fmt.Errorf("failed to set empty disk file's size:\n%w", err)
	}

	return file.Close()
}

// The image is sparse, but it will be filled when the rootfs is copied and must not run the build dir out of space
// halfway through.
func checkFreeSpace(dir string, size uint64) error {
	var stat unix.Statfs_t
	err := unix.Statfs(dir, &stat)
	if err != nil {
		return fmt.Errorf("failed to query free space of (%s):\n%w", dir, err)
	}

	available := stat.Bavail * uint64(stat.Bsize)
	if available < size {
		return fmt.Errorf("not enough free space in (%s): need %d bytes, have %d bytes", dir, size, available)
	}

	return nil
}

// Partition writes the fixed UEFI layout to the disk image at path.
func Partition(runner shell.Runner, path string) error {
	logger.Log.Infof("Partitioning disk image (%s)", path)

	for _, args := range sgdiskCommands(path, UefiLayout) {
		err := runner.Run(shell.Command(args...))
		if err != nil {
			return fmt.Errorf("failed to partition disk image (%s):\n%w", path, err)
		}
	}

	return nil
}

func sgdiskCommands(path string, layout []PartitionSpec) [][]string {
	newArgs := []string{"sgdisk", path}
	typeArgs := []string{"sgdisk", path}
	for _, partition := range layout {
		size := ""
		if partition.SizeBytes != 0 {
			size = fmt.Sprintf("+%dM", partition.SizeBytes/MiB)
		}
		newArgs = append(newArgs, fmt.Sprintf("--new=%d::%s", partition.Number, size))

		if partition.TypeCode != LinuxFilesystemTypeCode {
			typeArgs = append(typeArgs, "-t", fmt.Sprintf("%d:%s", partition.Number, partition.TypeCode))
		}
	}

	return [][]string{
		{"sgdisk", path, "--zap-all"},
		newArgs,
		typeArgs,
		{"sgdisk", path, "--print"},
	}
}

// ReadPartitionTable reads the partition table of a disk image or block device.
func ReadPartitionTable(runner shell.Runner, path string) (*PartitionTable, error) {
	stdout, err := runner.RunCaptured(shell.Command("sfdisk", "--json", path))
	if err != nil {
		return nil, fmt.Errorf("failed to read partition table (%s):\n%w", path, err)
	}

	return parsePartitionTable(path, stdout)
}

func parsePartitionTable(path string, stdout string) (*PartitionTable, error) {
	var output partitionTableOutput
	err := json.Unmarshal([]byte(stdout), &output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse disk (%s) partition table JSON:\n%w", path, err)
	}

	if output.PartitionTable == nil {
		return nil, fmt.Errorf("disk (%s) has no partition table", path)
	}

	if output.PartitionTable.Unit != "sectors" {
		return nil, fmt.Errorf("sfdisk returned unexpected unit size '%s': expecting 'sectors'",
			output.PartitionTable.Unit)
	}

	return output.PartitionTable, nil
}

// VerifyPartitionTable checks that the disk image at path carries exactly the fixed UEFI layout.
func VerifyPartitionTable(runner shell.Runner, path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat disk image (%s):\n%w", path, err)
	}

	expected, err := ComputeLayout(uint64(stat.Size()))
	if err != nil {
		return err
	}

	table, err := ReadPartitionTable(runner, path)
	if err != nil {
		return err
	}

	return checkPartitionTable(table, expected)
}

func checkPartitionTable(table *PartitionTable, expected []PartitionExtent) error {
	if table.Label != "gpt" {
		return fmt.Errorf("%w: expected a gpt table, found (%s)", ErrPartitionLayout, table.Label)
	}

	if len(table.Partitions) != len(expected) {
		return fmt.Errorf("%w: expected %d partitions, found %d", ErrPartitionLayout, len(expected),
			len(table.Partitions))
	}

	found := map[int]PartitionTablePartition{}
	for _, partition := range table.Partitions {
		number, err := partitionNumberFromNode(partition.Path)
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrPartitionLayout, err)
		}
		found[number] = partition
	}

	for _, extent := range expected {
		partition, ok := found[extent.Number]
		if !ok {
			return fmt.Errorf("%w: partition (%d) is missing", ErrPartitionLayout, extent.Number)
		}

		if partition.Start != extent.StartSector || partition.Size != extent.SizeSectors {
			return fmt.Errorf("%w: partition (%d) spans sectors %d+%d, expected %d+%d", ErrPartitionLayout,
				extent.Number, partition.Start, partition.Size, extent.StartSector, extent.SizeSectors)
		}

		if !strings.EqualFold(partition.PartTypeUuid, extent.TypeUuid) {
			return fmt.Errorf("%w: partition (%d) has type (%s), expected (%s)", ErrPartitionLayout,
				extent.Number, partition.PartTypeUuid, extent.TypeUuid)
		}
	}

	return nil
}

func partitionNumberFromNode(node string) (int, error) {
	match := trailingNumberRegexp.FindStringSubmatch(node)
	if match == nil {
		return 0, fmt.Errorf("failed to find partition number in (%s)", node)
	}

	return strconv.Atoi(match[1])
}

// PartitionDevicePath returns the kernel's node for a partition of a partition-scanned loop device.
func PartitionDevicePath(devicePath string, partitionNumber int) string {
	return fmt.Sprintf("%sp%d", devicePath, partitionNumber)
}

// AttachLoopbackDevice attaches diskPath with partition scanning and returns the device losetup allocated.
func AttachLoopbackDevice(runner shell.Runner, diskPath string) (string, error) {
	if !filepath.IsAbs(diskPath) {
		return "", fmt.Errorf("internal error: loopback disk path must be absolute (%s)", diskPath)
	}

	logger.Log.Debugf("Attaching Loopback: %v", diskPath)

	stdout, err := runner.RunCaptured(shell.Command("losetup", "--show", "-P", "-f", diskPath))
	if err != nil {
		return "", fmt.Errorf("%w (path='%s'):\n%w", ErrAttachFailed, diskPath, err)
	}

	devicePath := strings.TrimSpace(stdout)
	if !strings.HasPrefix(devicePath, "/dev/") {
		return "", fmt.Errorf("%w (path='%s'):\nlosetup did not report a loop device (%s)", ErrAttachFailed,
			diskPath, devicePath)
	}

	logger.Log.Debugf("Created loopback device at device path: %v", devicePath)
	return devicePath, nil
}

// DetachLoopbackDevice detaches devicePath. A device that is no longer in the loop table is treated as detached.
func DetachLoopbackDevice(runner shell.Runner, devicePath string) error {
	attached, err := isLoopbackAttached(runner, devicePath)
	if err != nil {
		return err
	}

	if !attached {
		logger.Log.Debugf("Loopback device (%s) already detached", devicePath)
		return nil
	}

	logger.Log.Debugf("Detaching Loopback Device Path: %v", devicePath)

	err = runner.Run(shell.Command("losetup", "-d", devicePath))
	if err != nil {
		return fmt.Errorf("failed to detach loopback device (%s):\n%w", devicePath, err)
	}

	return nil
}

func readLoopbackList(runner shell.Runner) ([]loopbackDevice, error) {
	stdout, err := runner.RunCaptured(shell.Command("losetup", "--list", "--json", "--output", "NAME,BACK-FILE"))
	if err != nil {
		return nil, fmt.Errorf("failed to read loopback list:\n%w", err)
	}

	var output loopbackListOutput
	if strings.TrimSpace(stdout) != "" {
		err = json.Unmarshal([]byte(stdout), &output)
		if err != nil {
			return nil, fmt.Errorf("failed to parse loopback devices list JSON:\n%w", err)
		}
	}

	return output.Devices, nil
}

func isLoopbackAttached(runner shell.Runner, devicePath string) (bool, error) {
	devices, err := readLoopbackList(runner)
	if err != nil {
		return false, err
	}

	for _, device := range devices {
		if device.Name == devicePath {
			return true, nil
		}
	}
	return false, nil
}

// GetDiskPartitions gets the kernel's view of a disk's partitions.
func GetDiskPartitions(runner shell.Runner, devicePath string) (map[int]string, error) {
	stdout, err := runner.RunCaptured(shell.Command("lsblk", "--json", "--list", "--output", "NAME,PATH,TYPE",
		devicePath))
	if err != nil {
		return nil, fmt.Errorf("failed to list disk (%s) partitions:\n%w", devicePath, err)
	}

	var output blockDevicesOutput
	err = json.Unmarshal([]byte(stdout), &output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse disk (%s) partitions JSON:\n%w", devicePath, err)
	}

	partitions := map[int]string{}
	for _, device := range output.Devices {
		if device.Type != "part" {
			continue
		}

		suffix, found := strings.CutPrefix(device.Path, devicePath+"p")
		if !found {
			continue
		}

		number, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}

		partitions[number] = device.Path
	}

	return partitions, nil
}
