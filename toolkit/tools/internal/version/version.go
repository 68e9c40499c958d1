// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package version

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted numeric version. Missing trailing components compare as 0.
type Version []int

// Parse reads a version such as "6.8.0".
func Parse(versionString string) (Version, error) {
	parts := strings.Split(versionString, ".")

	version := make(Version, 0, len(parts))
	for _, part := range parts {
		number, err := strconv.Atoi(part)
		if err != nil || number < 0 {
			return nil, fmt.Errorf("invalid version (%s)", versionString)
		}
		version = append(version, number)
	}

	return version, nil
}

func (v Version) Cmp(other Version) int {
	count := max(len(v), len(other))
	for i := 0; i < count; i++ {
		c := cmp.Compare(v.component(i), other.component(i))
		if c != 0 {
			return c
		}
	}

	return 0
}

func (v Version) component(i int) int {
	if i < len(v) {
		return v[i]
	}
	return 0
}

func (v Version) Lt(other Version) bool {
	return v.Cmp(other) < 0
}

func (v Version) String() string {
	parts := make([]string, 0, len(v))
	for _, p := range v {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ".")
}
