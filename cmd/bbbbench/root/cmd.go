// Package root assembles the bbbbench command tree.
package root

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewCmd builds the top-level bbbbench command.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bbbbench",
		Short: "buffered-delta B-tree benchmark harness",
		Long:  "Load a key/value workload against a BBB-tree or plain B+-tree and report buffer pool telemetry",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Args: cobra.NoArgs,
	}

	cmd.AddCommand(newRunCmd())

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	return cmd
}
