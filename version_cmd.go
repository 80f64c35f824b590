package main

import (
	"fmt"

	"github.com/talonrpc/talonrpc/cli"
	"github.com/talonrpc/talonrpc/version"
)

var versionCmd = &cli.Subcommand{
	Use:             "version",
	Short:           "print version information",
	NoRequireConfig: true,
	Run: func(*cli.Subcommand, []string) error {
		fmt.Println(version.NewVersionInformation().String())
		return nil
	},
}
