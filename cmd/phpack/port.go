package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Print a free port for a preview server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := eng.GetAvailablePort()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), port)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portCmd)
}
