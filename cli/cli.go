// Package cli is the cobra command tree shared by the talon tools.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/talonrpc/talonrpc/config"
	"github.com/talonrpc/talonrpc/logger"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "talon",
	Short: "talon user-space RPC runtime tools",
}

var bashcompCmd = &cobra.Command{
	Use:   "bashcomp path/to/out/file",
	Short: "generate bash completions",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "specify exactly one positional argument\n")
			_ = cmd.Usage()
			os.Exit(1)
		}
		if err := rootCmd.GenBashCompletionFile(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "error generating bash completion: %s", err)
			os.Exit(1)
		}
	},
	Hidden: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path")
	rootCmd.AddCommand(bashcompCmd)
}

// Subcommand ties a cobra command to the shared config file handling.
type Subcommand struct {
	Use             string
	Short           string
	Example         string
	NoRequireConfig bool
	Run             func(subcommand *Subcommand, args []string) error
	SetupFlags      func(f *pflag.FlagSet)

	config    *config.Config
	configErr error
}

// Config returns the parsed config file; fatal if parsing failed or no
// config was given for a command that requires one.
func (s *Subcommand) Config() *config.Config {
	if !s.NoRequireConfig && s.config == nil {
		panic("command that requires config called Config() but no config was parsed")
	}
	return s.config
}

// Log builds the logger described by the config's logging section.
func (s *Subcommand) Log() logger.Logger {
	cfg := s.Config()
	level := logger.Info
	switch cfg.Logging.Level {
	case "debug":
		level = logger.Debug
	case "warn":
		level = logger.Warn
	case "error":
		level = logger.Error
	}
	var outlet logger.Outlet
	switch cfg.Logging.Format {
	case "logfmt":
		outlet = logger.NewLogfmtOutlet(os.Stderr)
	default:
		outlet = logger.NewTextOutlet(os.Stderr)
	}
	return logger.NewLogger(outlet, level)
}

func (s *Subcommand) run(cmd *cobra.Command, args []string) {
	s.tryParseConfig()
	err := s.Run(s, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func (s *Subcommand) tryParseConfig() {
	config, err := config.ParseConfig(rootArgs.configPath)
	s.configErr = err
	if err != nil {
		if s.NoRequireConfig {
			return // config file is optional
		}
		fmt.Fprintf(os.Stderr, "could not parse config: %s\n", err)
		os.Exit(1)
	}
	s.config = config
}

// AddSubcommand hooks a subcommand into the root command.
func AddSubcommand(s *Subcommand) {
	addSubcommandToCobraCmd(rootCmd, s)
}

func addSubcommandToCobraCmd(c *cobra.Command, s *Subcommand) {
	cmd := cobra.Command{
		Use:     s.Use,
		Short:   s.Short,
		Example: s.Example,
		Run:     s.run,
	}
	if s.SetupFlags != nil {
		s.SetupFlags(cmd.Flags())
	}
	c.AddCommand(&cmd)
}

func Run() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
