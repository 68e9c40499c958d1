// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"

	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"github.com/gjolly/genesis/toolkit/tools/internal/safechroot"
	"github.com/gjolly/genesis/toolkit/tools/internal/userutils"
	"go.opentelemetry.io/otel/attribute"
)

// CreateUser adds a password-less login user, unless it already exists, then applies its SSH key and sudo
// membership.
func CreateUser(ctx context.Context, chroot safechroot.ChrootInterface, user imagebuilderapi.User) (err error) {
	_, span := startSpan(ctx, "create_user")
	span.SetAttributes(
		attribute.Bool("sudo", user.Sudo),
		attribute.Bool("ssh_key", user.SshKey != ""),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	err = user.IsValid()
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCreateUser, err)
	}

	exists, err := userutils.UserExists(chroot.RootDir(), user.Name)
	if err != nil {
		return fmt.Errorf("%w (user='%s'):\n%w", ErrCreateUser, user.Name, err)
	}

	if exists {
		logger.Log.Infof("User (%s) already exists", user.Name)
	} else {
		logger.Log.Infof("Adding user (%s)", user.Name)

		err = userutils.AddUser(user.Name, chroot)
		if err != nil {
			return fmt.Errorf("%w (user='%s'):\n%w", ErrCreateUser, user.Name, err)
		}
	}

	if user.SshKey != "" {
		err = userutils.ProvisionUserSSHKeys(chroot.RootDir(), user.Name, []string{user.SshKey})
		if err != nil {
			return fmt.Errorf("%w (user='%s'):\n%w", ErrCreateUser, user.Name, err)
		}
	}

	if user.Sudo {
		err = userutils.AddUserToGroup(user.Name, userutils.SudoGroup, chroot)
		if err != nil {
			return fmt.Errorf("%w (user='%s'):\n%w", ErrCreateUser, user.Name, err)
		}
	}

	return nil
}
