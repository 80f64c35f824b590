package bench

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/talonrpc/talonrpc/cli"
)

var ServerCmd = &cli.Subcommand{
	Use:   "bench-server",
	Short: "run the echo benchmark server",
	Run: func(subcommand *cli.Subcommand, args []string) error {
		cfg := subcommand.Config()
		if cfg.Bench == nil || cfg.Bench.Mode != "server" {
			return errors.New("config must contain a bench section with mode: server")
		}
		ctx, cancel := sigCtx()
		defer cancel()
		return RunServer(ctx, cfg, subcommand.Log())
	},
}

var ClientCmd = &cli.Subcommand{
	Use:   "bench-client",
	Short: "run the echo benchmark client and print a latency report",
	Run: func(subcommand *cli.Subcommand, args []string) error {
		cfg := subcommand.Config()
		if cfg.Bench == nil || cfg.Bench.Mode != "client" {
			return errors.New("config must contain a bench section with mode: client")
		}
		ctx, cancel := sigCtx()
		defer cancel()
		report, err := RunClient(ctx, cfg, subcommand.Log())
		if err != nil {
			return err
		}
		report.Print(os.Stdout)
		return nil
	},
}

func sigCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx, cancel
}
