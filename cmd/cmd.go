// Package cmd wires the detector engines, config, and persistence
// packages into a urfave/cli/v2 command table, grounded on the teacher's
// cmd/cmd.go (command table shape, ConfigFlag, Before hook) and
// cmd/validate.go (config validation subcommand).
package cmd

import (
	"errors"

	"github.com/activecm/flowsentry/config"
	"github.com/activecm/flowsentry/logger"
	"github.com/activecm/flowsentry/util"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ErrMissingConfigPath = errors.New("config path parameter is required")
var ErrTooManyArguments = errors.New("too many arguments provided")

// Commands returns the full flowsentry command table: one subcommand per
// detector, plus config validation and the NDJSON replay harness.
func Commands() []*cli.Command {
	return []*cli.Command{
		PCACommand,
		SketchCommand,
		DNSAmpCommand,
		VoIPCommand,
		ValidateConfigCommand,
		ReplayCommand,
	}
}

// ConfigFlag builds the shared --config flag every subcommand exposes,
// validating the path eagerly (before the command's Action runs) the way
// the teacher's ConfigFlag does.
func ConfigFlag(required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Load configuration from `FILE`",
		Value:    config.DefaultConfigPath,
		Required: required,
		Action: func(_ *cli.Context, path string) error {
			return ValidateConfigPath(afero.NewOsFs(), path)
		},
	}
}

// DebugFlag turns on debug-level logging for the whole invocation.
func DebugFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	}
}

// Before flips logger.DebugMode from --debug before any subcommand's
// Action runs, mirroring the teacher's Before hook.
func Before(cCtx *cli.Context) error {
	logger.DebugMode = cCtx.Bool("debug")
	return nil
}

// LoadConfig loads and validates the config file named by --config,
// falling back to config.DefaultConfig when the path is absent (shared by
// every detector subcommand's Action).
func LoadConfig(afs afero.Fs, cCtx *cli.Context) (*config.Config, error) {
	path := cCtx.String("config")
	if path == "" {
		return nil, ErrMissingConfigPath
	}
	return config.LoadConfig(afs, path)
}

// ValidateConfigPath checks that path is non-empty and names an existing,
// non-empty, regular file.
func ValidateConfigPath(afs afero.Fs, configPath string) error {
	if configPath == "" {
		return ErrMissingConfigPath
	}
	if _, err := util.ParseRelativePath(configPath); err != nil {
		return err
	}
	return util.ValidateFile(afs, configPath)
}
