package main

import (
	"fmt"
	"os"

	"github.com/activecm/flowsentry/cmd"
	"github.com/activecm/flowsentry/logger"

	"github.com/urfave/cli/v2"
)

// Version is populated by build flags with the current Git tag.
var Version string

func main() {
	app := &cli.App{
		EnableBashCompletion: true,
		Commands:             cmd.Commands(),
		Name:                 "flowsentry",
		Usage:                "detect volume, amplification, and VoIP fraud anomalies in flow traffic",
		UsageText:            "flowsentry [-d] command [command options]",
		Version:              Version,
		Args:                 true,
		ExitErrHandler:       exitErrHandler,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "run in debug mode",
				Value:    false,
				Required: false,
			},
		},
		Before: cmd.Before,
	}

	if err := app.Run(os.Args); err != nil {
		zlog := logger.GetLogger()
		zlog.Fatal().Err(err).Send()
	}
}

// exitErrHandler implements cli.ExitErrHandlerFunc, preserving the exit
// code set via cli.Exit in each subcommand's Action.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(c.App.ErrWriter, "\n[!] %+v\n", err.Error())
	if exitErr, ok := err.(cli.ExitCoder); ok {
		cli.OsExiter(exitErr.ExitCode())
		return
	}
	cli.OsExiter(1)
}
