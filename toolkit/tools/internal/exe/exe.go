// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package exe defines QoL functions to simplify and unify creating kingpin executables
package exe

import (
	"github.com/gjolly/genesis/toolkit/tools/internal/logger"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	ColorFlag         = "log-color"
	FileFlag          = "log-file"
	LevelsFlag        = "log-level"
	ColorsPlaceholder = "(always|auto|never)"
	LevelsPlaceholder = "(panic|fatal|error|warn|info|debug|trace)"
)

func SetupLogFlags(k *kingpin.Application) *logger.LogFlags {
	lf := &logger.LogFlags{}
	lf.LogColor = k.Flag(ColorFlag, logger.ColorFlagHelp).PlaceHolder(ColorsPlaceholder).Enum(logger.Colors()...)
	lf.LogFile = k.Flag(FileFlag, logger.FileFlagHelp).String()
	lf.LogLevel = k.Flag(LevelsFlag, logger.LevelsHelp).PlaceHolder(LevelsPlaceholder).Enum(logger.Levels()...)
	return lf
}
