package cmd

import (
	"fmt"

	"github.com/activecm/flowsentry/config"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

// ValidateConfigCommand parses and validates a config file without
// starting any detector, adapted from the teacher's "validate" command.
var ValidateConfigCommand = &cli.Command{
	Name:      "validate",
	Usage:     "validate a configuration file",
	UsageText: "validate [--config FILE]",
	Args:      false,
	Flags: []cli.Flag{
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		if cCtx.String("config") == "" {
			return ErrMissingConfigPath
		}
		if cCtx.NArg() > 0 {
			return ErrTooManyArguments
		}

		afs := afero.NewOsFs()
		cfg, err := RunValidateConfigCommand(afs, cCtx.String("config"))
		if err != nil {
			fmt.Println("\n\t[!] Configuration file is not valid")
			return err
		}

		fmt.Printf("\n\t[ok] Configuration file is valid: %d link(s), window size %d, bin width %s\n\n",
			cfg.LinkCount, cfg.WindowSize, cfg.BinWidth)
		return nil
	},
}

// RunValidateConfigCommand loads and validates configPath, usable both
// from the CLI action and from tests.
func RunValidateConfigCommand(afs afero.Fs, configPath string) (*config.Config, error) {
	if err := ValidateConfigPath(afs, configPath); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
