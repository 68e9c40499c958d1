// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package userutils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/internal/file"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/safechroot"
)

const (
	RootUser          = "root"
	UserHomeDirPrefix = "/home"
	SudoGroup         = "sudo"
	DefaultShell      = "/bin/bash"

	PasswdFile                = "/etc/passwd"
	GroupFile                 = "/etc/group"
	SSHDirectoryName          = ".ssh"
	SSHAuthorizedKeysFileName = "authorized_keys"

	SshDirectoryPerm   os.FileMode = 0o700
	AuthorizedKeysPerm os.FileMode = 0o600
)

var (
	// useradd's default NAME_REGEX.
	userNameRegex = regexp.MustCompile(`^[a-z][-a-z0-9_]*\$?$`)
)

// PasswdEntry is one line of /etc/passwd.
type PasswdEntry struct {
	Name          string
	Uid           int
	Gid           int
	HomeDirectory string
	Shell         string
}

// ReadPasswdFile parses the /etc/passwd file of installRoot.
func ReadPasswdFile(installRoot string) ([]PasswdEntry, error) {
	passwdFilePath := filepath.Join(installRoot, PasswdFile)

	lines, err := file.ReadLines(passwdFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read passwd file (%s):\n%w", passwdFilePath, err)
	}

	entries := []PasswdEntry(nil)
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) != 7 {
			return nil, fmt.Errorf("invalid passwd file (%s) line (%s)", passwdFilePath, line)
		}

		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid uid in passwd file (%s) line (%s):\n%w", passwdFilePath, line, err)
		}

		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("invalid gid in passwd file (%s) line (%s):\n%w", passwdFilePath, line, err)
		}

		entries = append(entries, PasswdEntry{
			Name:          fields[0],
			Uid:           uid,
			Gid:           gid,
			HomeDirectory: fields[5],
			Shell:         fields[6],
		})
	}

	return entries, nil
}

func GetPasswdFileEntryForUser(installRoot string, username string) (PasswdEntry, error) {
	entries, err := ReadPasswdFile(installRoot)
	if err != nil {
		return PasswdEntry{}, err
	}

	index := slices.IndexFunc(entries, func(entry PasswdEntry) bool { return entry.Name == username })
	if index < 0 {
		return PasswdEntry{}, fmt.Errorf("failed to find user (%s) in passwd file", username)
	}

	return entries[index], nil
}

func UserExists(installRoot string, username string) (bool, error) {
	entries, err := ReadPasswdFile(installRoot)
	if err != nil {
		return false, err
	}

	exists := slices.ContainsFunc(entries, func(entry PasswdEntry) bool { return entry.Name == username })
	return exists, nil
}

// AddUser creates a user with a bash shell, a home directory and no password.
func AddUser(username string, installChroot safechroot.ChrootInterface) error {
	err := installChroot.Run([]string{
		"adduser", "--quiet", "--shell", DefaultShell, "--gecos", "", "--disabled-password", username,
	})
	if err != nil {
		return fmt.Errorf("failed to add user (%s):\n%w", username, err)
	}

	// --disabled-password only locks the account. Deleting the password allows key-only login.
	err = installChroot.Run([]string{"passwd", "--delete", username})
	if err != nil {
		return fmt.Errorf("failed to delete password of user (%s):\n%w", username, err)
	}

	return nil
}

func AddUserToGroup(username string, group string, installChroot safechroot.ChrootInterface) error {
	err := installChroot.Run([]string{"usermod", "-aG", group, username})
	if err != nil {
		return fmt.Errorf("failed to add user (%s) to group (%s):\n%w", username, group, err)
	}
	return nil
}

// UserSSHDirectory returns the path of the .ssh directory for a user.
func UserSSHDirectory(installRoot string, username string) (string, error) {
	entry, err := GetPasswdFileEntryForUser(installRoot, username)
	if err != nil {
		return "", err
	}

	return filepath.Join(entry.HomeDirectory, SSHDirectoryName), nil
}

// NameIsValid returns an error if the user name would be rejected by useradd.
func NameIsValid(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("invalid value for name (%s), name cannot be empty", name)
	}
	if len(name) > 32 || !userNameRegex.MatchString(name) {
		return fmt.Errorf("invalid value for name (%s)", name)
	}
	return nil
}

// ProvisionUserSSHKeys writes the user's authorized_keys file, replacing any existing one.
func ProvisionUserSSHKeys(installRoot string, username string, sshPubKeys []string) error {
	if len(sshPubKeys) == 0 {
		return nil
	}

	entry, err := GetPasswdFileEntryForUser(installRoot, username)
	if err != nil {
		return fmt.Errorf("failed to get user's (%s) home directory:\n%w", username, err)
	}

	userSSHKeyDirFullPath := filepath.Join(installRoot, entry.HomeDirectory, SSHDirectoryName)
	authorizedKeysFullPath := filepath.Join(userSSHKeyDirFullPath, SSHAuthorizedKeysFileName)

	sshKeyDirExists, err := file.PathExists(userSSHKeyDirFullPath)
	if err != nil {
		return fmt.Errorf("failed to check if user's .ssh directory (%s) exists:\n%w", userSSHKeyDirFullPath, err)
	}

	if !sshKeyDirExists {
		err = os.MkdirAll(userSSHKeyDirFullPath, SshDirectoryPerm)
		if err != nil {
			return fmt.Errorf("failed to create user's .ssh directory (%s):\n%w", userSSHKeyDirFullPath, err)
		}

		// Reapply the permissions to avoid the umask changing the value.
		err = os.Chmod(userSSHKeyDirFullPath, SshDirectoryPerm)
		if err != nil {
			return fmt.Errorf("failed to set permissions on user's .ssh directory (%s):\n%w", userSSHKeyDirFullPath, err)
		}

		err = os.Chown(userSSHKeyDirFullPath, entry.Uid, entry.Gid)
		if err != nil {
			return fmt.Errorf("failed to set ownership on user's .ssh directory (%s):\n%w", userSSHKeyDirFullPath, err)
		}
	}

	contents := strings.Builder{}
	for _, pubKey := range sshPubKeys {
		pubKey = strings.TrimSpace(pubKey)
		if pubKey == "" {
			continue
		}

		logger.Log.Infof("Adding ssh key to user (%s)", username)
		contents.WriteString(pubKey)
		contents.WriteString("\n")
	}

	err = file.WriteWithPerm(contents.String(), authorizedKeysFullPath, AuthorizedKeysPerm)
	if err != nil {
		return fmt.Errorf("failed to write authorized_keys file (%s):\n%w", authorizedKeysFullPath, err)
	}

	err = os.Chown(authorizedKeysFullPath, entry.Uid, entry.Gid)
	if err != nil {
		return fmt.Errorf("failed to set ownership on authorized_keys file (%s):\n%w", authorizedKeysFullPath, err)
	}

	return nil
}

// ResolveOwner turns an owner spec as accepted by chown ("user", "user:group", "uid:gid") into the numeric ids of
// installRoot. A missing group means the user's primary group.
func ResolveOwner(installRoot string, owner string) (int, int, error) {
	userPart, groupPart, hasGroup := strings.Cut(owner, ":")

	uid, gid := -1, -1
	if id, err := strconv.Atoi(userPart); err == nil {
		uid = id
	} else {
		entry, err := GetPasswdFileEntryForUser(installRoot, userPart)
		if err != nil {
			return 0, 0, err
		}
		uid, gid = entry.Uid, entry.Gid
	}

	if hasGroup && groupPart != "" {
		id, err := lookupGroupId(installRoot, groupPart)
		if err != nil {
			return 0, 0, err
		}
		gid = id
	}

	if gid < 0 {
		return 0, 0, fmt.Errorf("owner (%s) has no group", owner)
	}

	return uid, gid, nil
}

func lookupGroupId(installRoot string, group string) (int, error) {
	if id, err := strconv.Atoi(group); err == nil {
		return id, nil
	}

	groupFilePath := filepath.Join(installRoot, GroupFile)
	lines, err := file.ReadLines(groupFilePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read group file (%s):\n%w", groupFilePath, err)
	}

	for _, line := range lines {
		fields := strings.Split(line, ":")
		if len(fields) < 3 || fields[0] != group {
			continue
		}

		gid, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0, fmt.Errorf("invalid gid in group file (%s) line (%s):\n%w", groupFilePath, line, err)
		}
		return gid, nil
	}

	return 0, fmt.Errorf("failed to find group (%s) in group file", group)
}
