// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package resources

import (
	"embed"
)

const (
	// Assets
	AssetsExtraGrubConfigFile = "assets/grub/extra-grub-config.cfg"
)

//go:embed assets
var ResourcesFS embed.FS
