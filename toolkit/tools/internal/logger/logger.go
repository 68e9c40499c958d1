// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

var (
	// Log is the shared logger used by every genesis package.
	Log *logrus.Logger

	stderrHook *writerHook
	fileHook   *writerHook
)

const (
	FileFlagHelp  = "Path to the image's log file."
	LevelsHelp    = "The minimum log level."
	ColorFlagHelp = "Color setting for log terminal output."

	ColorAlways = "always"
	ColorAuto   = "auto"
	ColorNever  = "never"

	defaultLogFileLevel   = logrus.DebugLevel
	defaultStderrLogLevel = logrus.InfoLevel
	defaultColorMode      = ColorAuto

	logFileDirPerm  os.FileMode = 0o755
	logFilePerm     os.FileMode = 0o644
	timestampFormat             = "2006-01-02T15:04:05.000Z07:00"
)

// LogFlags holds the log options collected by a CLI.
type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

// Levels returns the names of the supported log levels.
func Levels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Colors returns the supported color modes.
func Colors() []string {
	return []string{ColorAlways, ColorAuto, ColorNever}
}

// InitStderrLog initializes the logger to print to stderr only.
func InitStderrLog() {
	err := initLogger("", defaultLogFileLevel.String(), defaultStderrLogLevel.String(), defaultColorMode)
	if err != nil {
		panic(err)
	}
}

// InitBestEffort initializes the logger using the provided flags. Any invalid value falls back to its default.
func InitBestEffort(lf *LogFlags) {
	logFile := ""
	stderrLevel := defaultStderrLogLevel.String()
	colorMode := defaultColorMode

	if lf != nil {
		if lf.LogFile != nil {
			logFile = *lf.LogFile
		}
		if lf.LogLevel != nil && *lf.LogLevel != "" {
			stderrLevel = *lf.LogLevel
		}
		if lf.LogColor != nil && *lf.LogColor != "" {
			colorMode = *lf.LogColor
		}
	}

	err := initLogger(logFile, defaultLogFileLevel.String(), stderrLevel, colorMode)
	if err != nil {
		InitStderrLog()
		Log.Warnf("Failed to initialize logger:\n%v", err)
	}
}

// SetStderrLogLevel changes the stderr log level.
func SetStderrLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level (%s):\n%w", level, err)
	}

	stderrHook.SetLevel(lvl)
	refreshLoggerLevel()
	return nil
}

// StderrLogLevel returns the current stderr log level.
func StderrLogLevel() logrus.Level {
	return stderrHook.level
}

func initLogger(logFile string, fileLevel string, stderrLevel string, colorMode string) error {
	Log = logrus.New()
	Log.ReportCaller = false
	// Hooks do all of the writing.
	Log.SetOutput(io.Discard)

	lvl, err := logrus.ParseLevel(stderrLevel)
	if err != nil {
		return fmt.Errorf("invalid log level (%s):\n%w", stderrLevel, err)
	}

	forceColors, disableColors, err := parseColorMode(colorMode)
	if err != nil {
		return err
	}

	color.NoColor = disableColors

	stderrHook = newWriterHook(os.Stderr, lvl, &logrus.TextFormatter{
		ForceColors:     forceColors,
		DisableColors:   disableColors,
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})
	Log.AddHook(stderrHook)

	if logFile != "" {
		err = initLogFile(logFile, fileLevel)
		if err != nil {
			return err
		}
	}

	refreshLoggerLevel()
	return nil
}

func initLogFile(logFile string, fileLevel string) error {
	lvl, err := logrus.ParseLevel(fileLevel)
	if err != nil {
		return fmt.Errorf("invalid log file level (%s):\n%w", fileLevel, err)
	}

	err = os.MkdirAll(filepath.Dir(logFile), logFileDirPerm)
	if err != nil {
		return fmt.Errorf("failed to create log file directory:\n%w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open log file (%s):\n%w", logFile, err)
	}

	fileHook = newWriterHook(file, lvl, &logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})
	Log.AddHook(fileHook)
	return nil
}

func parseColorMode(colorMode string) (forceColors bool, disableColors bool, err error) {
	switch strings.ToLower(colorMode) {
	case ColorAlways:
		return true, false, nil

	case ColorNever:
		return false, true, nil

	case ColorAuto, "":
		return false, color.NoColor, nil

	default:
		return false, false, fmt.Errorf("invalid log color mode (%s)", colorMode)
	}
}

// The logger's own level must be the most verbose of all the hooks, otherwise entries are dropped before the hooks
// see them.
func refreshLoggerLevel() {
	level := stderrHook.level
	if fileHook != nil && fileHook.level > level {
		level = fileHook.level
	}
	Log.SetLevel(level)
}
