// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderapi

import (
	"fmt"

	"github.com/gjolly/genesis/toolkit/tools/internal/userutils"
)

type User struct {
	Name   string `yaml:"name" json:"name"`
	SshKey string `yaml:"sshKey" json:"sshKey,omitempty"`
	Sudo   bool   `yaml:"sudo" json:"sudo,omitempty"`
}

func (u *User) IsValid() error {
	err := userutils.NameIsValid(u.Name)
	if err != nil {
		return fmt.Errorf("user (%s) is invalid:\n%w", u.Name, err)
	}

	return nil
}
