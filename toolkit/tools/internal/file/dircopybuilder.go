// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
)

type DirCopyBuilder struct {
	// Source directory
	Src string
	// Destination directory
	Dst string
	// Permissions of directories that do not exist yet. Defaults to the source directory's.
	NewDirPermissions *fs.FileMode
	// Permissions of copied files. Defaults to the source file's.
	ChildFilePermissions *fs.FileMode
	// Owner of everything copied, in the ids of the target root.
	ChangeOwner bool
	Uid         int
	Gid         int
}

func NewDirCopyBuilder(src string, dst string) DirCopyBuilder {
	return DirCopyBuilder{
		Src: src,
		Dst: dst,
	}
}

func (b DirCopyBuilder) SetChildFilePermissions(perm fs.FileMode) DirCopyBuilder {
	b.ChildFilePermissions = &perm
	return b
}

func (b DirCopyBuilder) SetOwner(uid int, gid int) DirCopyBuilder {
	b.ChangeOwner = true
	b.Uid = uid
	b.Gid = gid
	return b
}

// Run copies the tree under Src into Dst, replacing existing files. Symlinks are copied as symlinks.
func (b DirCopyBuilder) Run() error {
	logger.Log.Debugf("Copying directory (%s) to (%s)", b.Src, b.Dst)

	return filepath.WalkDir(b.Src, func(srcPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(b.Src, srcPath)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(b.Dst, relPath)

		if entry.IsDir() {
			return b.copyDir(srcPath, dstPath)
		}

		exists, err := PathExists(dstPath)
		if err != nil {
			return err
		}

		if exists {
			err = os.Remove(dstPath)
			if err != nil {
				return fmt.Errorf("failed to replace existing file (%s):\n%w", dstPath, err)
			}
		}

		fileBuilder := NewFileCopyBuilder(srcPath, dstPath).SetNoDereference()
		if b.ChildFilePermissions != nil && entry.Type()&fs.ModeSymlink == 0 {
			fileBuilder = NewFileCopyBuilder(srcPath, dstPath).SetFileMode(*b.ChildFilePermissions)
		}
		if b.ChangeOwner {
			fileBuilder = fileBuilder.SetOwner(b.Uid, b.Gid)
		}
		return fileBuilder.Run()
	})
}

func (b DirCopyBuilder) copyDir(srcPath string, dstPath string) error {
	_, err := os.Stat(dstPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return err
	}

	perm := srcInfo.Mode().Perm()
	if b.NewDirPermissions != nil {
		perm = *b.NewDirPermissions
	}

	err = os.Mkdir(dstPath, perm)
	if err != nil {
		return fmt.Errorf("failed to create directory (%s):\n%w", dstPath, err)
	}

	err = os.Chmod(dstPath, perm)
	if err != nil {
		return err
	}

	if b.ChangeOwner {
		err = os.Chown(dstPath, b.Uid, b.Gid)
		if err != nil {
			return fmt.Errorf("failed to set owner of directory (%s):\n%w", dstPath, err)
		}
	}

	return nil
}
