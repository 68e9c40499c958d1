// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderapi

import (
	"fmt"
	"regexp"
)

var (
	// snapd's own rules for snap names.
	snapNameRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

type Snap struct {
	Channel string `yaml:"channel" json:"channel,omitempty"`
	Classic bool   `yaml:"classic" json:"classic,omitempty"`
}

func SnapNameIsValid(name string) error {
	if len(name) > 40 || !snapNameRegex.MatchString(name) {
		return fmt.Errorf("invalid snap name (%s)", name)
	}
	return nil
}
