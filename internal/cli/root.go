// Package cli implements wardenctl, the operator command line for the engine.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/engine"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/version"
)

// Opener builds the service graph for a loaded configuration.
type Opener func(cfg config.Config) (*engine.Components, func() error, error)

type app struct {
	open    Opener
	debug   bool
	c       *engine.Components
	closeFn func() error
}

// NewRootCmd returns the wardenctl command tree. open is called once before any
// subcommand runs.
func NewRootCmd(open Opener) *cobra.Command {
	a := &app{open: open}
	root := &cobra.Command{
		Use:   "wardenctl",
		Short: "Operate the SSH threat scoring and blocking engine",
		Long: `wardenctl runs engine operations directly against the configured store:
score an address, apply the blocking rules, reconcile firewall state,
release expired blocks and manage rule definitions.

Configuration is read from WARDEN_* environment variables and .env.`,
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			logger.Init(a.debug, os.Stderr)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.c, a.closeFn, err = a.open(cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeFn == nil {
				return nil
			}
			return a.closeFn()
		},
	}
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		a.evaluateCmd(),
		a.checkCmd(),
		a.unblockCmd(),
		a.reconcileCmd(),
		a.sweepCmd(),
		a.rulesCmd(),
	)
	return root
}

// Execute runs wardenctl against the store named by the environment.
func Execute() error {
	return NewRootCmd(engine.Open).Execute()
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
