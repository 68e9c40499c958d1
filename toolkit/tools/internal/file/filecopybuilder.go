// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"fmt"
	"io"
	"os"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
)

// FileCopyBuilder copies a single file, optionally with new permissions and ownership.
type FileCopyBuilder struct {
	Src           string
	Dst           string
	DirFileMode   os.FileMode
	FileMode      *os.FileMode
	Uid           int
	Gid           int
	ChangeOwner   bool
	NoDereference bool
}

func NewFileCopyBuilder(src string, dst string) FileCopyBuilder {
	return FileCopyBuilder{
		Src:         src,
		Dst:         dst,
		DirFileMode: os.ModePerm,
	}
}

func (b FileCopyBuilder) SetDirFileMode(dirFileMode os.FileMode) FileCopyBuilder {
	b.DirFileMode = dirFileMode
	return b
}

func (b FileCopyBuilder) SetFileMode(fileMode os.FileMode) FileCopyBuilder {
	b.FileMode = &fileMode
	return b
}

// SetOwner makes the copy owned by uid:gid. The ids are those of the target root, not the host.
func (b FileCopyBuilder) SetOwner(uid int, gid int) FileCopyBuilder {
	b.ChangeOwner = true
	b.Uid = uid
	b.Gid = gid
	return b
}

// SetNoDereference copies a symlink as a symlink.
func (b FileCopyBuilder) SetNoDereference() FileCopyBuilder {
	b.NoDereference = true
	return b
}

func (b FileCopyBuilder) Run() error {
	logger.Log.Debugf("Copying (%s) to (%s)", b.Src, b.Dst)

	if b.NoDereference {
		srcLinkInfo, err := os.Lstat(b.Src)
		if err != nil {
			return fmt.Errorf("failed to read source file link info (%s):\n%w", b.Src, err)
		}

		if srcLinkInfo.Mode().Type() == os.ModeSymlink {
			if b.FileMode != nil {
				return fmt.Errorf("cannot modify file permissions of symlink (%s)", b.Src)
			}
			return b.copySymlink()
		}
	}

	srcInfo, err := os.Stat(b.Src)
	if err != nil {
		return fmt.Errorf("failed to read source file info (%s):\n%w", b.Src, err)
	}

	if srcInfo.IsDir() {
		return fmt.Errorf("source (%s) is not a file", b.Src)
	}

	dstFileMode := srcInfo.Mode().Perm()
	if b.FileMode != nil {
		dstFileMode = *b.FileMode
	}

	err = CreateDestinationDir(b.Dst, b.DirFileMode)
	if err != nil {
		return err
	}

	err = b.copyContents(dstFileMode)
	if err != nil {
		return err
	}

	if b.ChangeOwner {
		err = os.Chown(b.Dst, b.Uid, b.Gid)
		if err != nil {
			return fmt.Errorf("failed to set owner of (%s) to (%d:%d):\n%w", b.Dst, b.Uid, b.Gid, err)
		}
	}

	return nil
}

func (b FileCopyBuilder) copySymlink() error {
	target, err := os.Readlink(b.Src)
	if err != nil {
		return fmt.Errorf("failed to read source symlink (%s):\n%w", b.Src, err)
	}

	err = CreateDestinationDir(b.Dst, b.DirFileMode)
	if err != nil {
		return err
	}

	err = RemoveFileIfExists(b.Dst)
	if err != nil {
		return fmt.Errorf("failed to replace (%s):\n%w", b.Dst, err)
	}

	err = os.Symlink(target, b.Dst)
	if err != nil {
		return fmt.Errorf("failed to copy symlink (%s):\n%w", b.Src, err)
	}

	if b.ChangeOwner {
		err = os.Lchown(b.Dst, b.Uid, b.Gid)
		if err != nil {
			return fmt.Errorf("failed to set owner of symlink (%s):\n%w", b.Dst, err)
		}
	}

	return nil
}

func (b FileCopyBuilder) copyContents(perm os.FileMode) error {
	srcFile, err := os.Open(b.Src)
	if err != nil {
		return fmt.Errorf("failed to open source file (%s):\n%w", b.Src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(b.Dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create destination file (%s):\n%w", b.Dst, err)
	}
	defer dstFile.Close()

	// OpenFile's permissions are subject to umask and ignored for existing files.
	err = dstFile.Chmod(perm)
	if err != nil {
		return fmt.Errorf("failed to set permissions of (%s):\n%w", b.Dst, err)
	}

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy (%s) to (%s):\n%w", b.Src, b.Dst, err)
	}

	err = dstFile.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize destination file (%s):\n%w", b.Dst, err)
	}

	return nil
}
