// Package cmd defines and implements the CLI commands for the schedbench
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scrapeloop/schedbench/pkg/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedbench",
		Short: "Stress driver for the per-tenant concurrency queue scheduler.",
		Long: `schedbench drives a priority-ordered, per-tenant concurrency-governed
job scheduler against a live queue service: it generates synthetic load,
overflows jobs into the remote per-tenant queue, promotes them back on
completion, and verifies correctness and latency along the way.`,
		SilenceUsage: true,
	}

	cobra.OnInitialize(func() {
		config.InitConfig(cfgFile)
	})

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.* searched in ., /etc/schedbench/ and $HOME/.schedbench)")
	cmd.PersistentFlags().Bool("verbose", false, "enable verbose logging")
	if err := viper.BindPFlag("verbose", cmd.PersistentFlags().Lookup("verbose")); err != nil {
		panic(err)
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newFlushCmd())
	return cmd
}

// Execute runs the CLI. It exits 1 on any fatal error; normal completion,
// including runs that merely report failures, exits 0.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
