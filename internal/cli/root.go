// Package cli is the strategos command line: it hosts, joins, observes and
// inspects games.
package cli

import (
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"strategos.gg/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Node       string
}

// NewRootCommand creates the root command for the strategos CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "strategos",
		Short: "strategos - turn based strategy engine",
		Long:  "Host a turn based strategy game, join one over the network, or inspect its save files.",
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a yaml config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")
	cmd.PersistentFlags().StringVar(&opts.Node, "node", "", "node name (overrides config)")

	cmd.AddCommand(NewHostCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewObserveCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))

	return cmd
}

// loadConfig reads the config file and environment, then applies the global
// flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Node != "" {
		cfg.Node = o.Node
	}
	return cfg, nil
}

func (o *RootOptions) logger(w io.Writer, prefix string) *log.Logger {
	if !o.Verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(w, fmt.Sprintf("[%s] ", prefix), log.LstdFlags|log.Lmicroseconds)
}
