// Package clicommand defines the batchd CLI commands.
package clicommand

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/claude-batch/batchd/cliconfig"
	"github.com/claude-batch/batchd/logger"
)

const defaultConfigPath = "~/.batchd/batchd.cfg"

// Global flags shared by every command.
var (
	ConfigFlag = cli.StringFlag{
		Name:   "config",
		Value:  "",
		Usage:  "Path to a configuration file",
		EnvVar: "BATCHD_CONFIG",
	}

	DebugFlag = cli.BoolFlag{
		Name:   "debug",
		Usage:  "Enable debug logging",
		EnvVar: "BATCHD_DEBUG",
	}

	LogLevelFlag = cli.StringFlag{
		Name:   "log-level",
		Value:  "notice",
		Usage:  "Set the log level, either debug, info, notice, warn, error or fatal",
		EnvVar: "BATCHD_LOG_LEVEL",
	}

	NoColorFlag = cli.BoolFlag{
		Name:   "no-color",
		Usage:  "Don't show colors in logging",
		EnvVar: "BATCHD_NO_COLOR",
	}
)

// DefaultConfigFilePaths returns the config files tried when --config is
// not given.
func DefaultConfigFilePaths() []string {
	return []string{defaultConfigPath}
}

// loadConfig fills cfg from flags and config files, exiting on malformed
// configuration the way the help output directs.
func loadConfig(c *cli.Context, cfg any) []string {
	loader := cliconfig.Loader{
		CLI:                    c,
		Config:                 cfg,
		DefaultConfigFilePaths: DefaultConfigFilePaths(),
	}
	warnings, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return warnings
}

func createLogger(logLevel string, debug, noColor bool) logger.Logger {
	l := logger.NewTextLogger()
	if noColor {
		l.Colors = false
	}

	if logLevel != "" {
		level, err := logger.LevelFromString(logLevel)
		if err != nil {
			l.Fatal("%v", err)
		}
		l.SetLevel(level)
	}
	if debug {
		l.SetLevel(logger.DEBUG)
	}
	return l
}
