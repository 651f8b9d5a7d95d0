package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <path>",
	Short: "Detect the framework and entry point of a PHP project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := eng.DetectProject(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Fprintf(out, "%s %s\n", cyan("Type:"), res.Type.DisplayName())
		fmt.Fprintf(out, "%s %s\n", cyan("Entry file:"), res.EntryFile)
		fmt.Fprintf(out, "%s %s\n", cyan("Document root:"), res.DocumentRoot)
		if len(res.Markers) > 0 {
			fmt.Fprintf(out, "%s %s\n", cyan("Markers:"), strings.Join(res.Markers, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
