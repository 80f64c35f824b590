// See cli package.
package main

import (
	"github.com/talonrpc/talonrpc/bench"
	"github.com/talonrpc/talonrpc/cli"
)

func init() {
	cli.AddSubcommand(bench.ServerCmd)
	cli.AddSubcommand(bench.ClientCmd)
	cli.AddSubcommand(versionCmd)
}

func main() {
	cli.Run()
}
