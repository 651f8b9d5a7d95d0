package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/phpack/phpack/internal/deps"
	"github.com/phpack/phpack/internal/types"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Inspect and install Composer dependencies",
}

var depsListCmd = &cobra.Command{
	Use:   "list <path>",
	Short: "List declared dependencies and their install status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := eng.ListDependencies(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dependencies declared")
			return nil
		}
		t := newTable("NAME", "TYPE", "CONSTRAINT", "INSTALLED", "LATEST", "STATUS")
		for _, d := range list {
			t.add(d.Name, string(d.Type), d.Version, orDash(d.Installed), orDash(d.LatestVersion), statusLabel(d.Status))
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

var depsInstallCmd = &cobra.Command{
	Use:   "install <path>",
	Short: "Run composer install for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, _ := cmd.Flags().GetBool("dev")
		out := cmd.OutOrStdout()

		progress := make(chan deps.Progress)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for p := range progress {
				fmt.Fprintf(out, "[%3.0f%%] %-10s %s\n", p.Fraction*100, p.Phase, p.Message)
			}
		}()
		err := eng.InstallDependencies(cmd.Context(), args[0], !dev, progress)
		close(progress)
		<-done
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintln(out, green("✓ Dependencies installed"))
		return nil
	},
}

func statusLabel(s types.DependencyStatus) string {
	switch s {
	case types.DependencyInstalled:
		return color.GreenString(string(s))
	case types.DependencyOutdated:
		return color.YellowString(string(s))
	}
	return color.RedString(string(s))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	depsInstallCmd.Flags().Bool("dev", false, "Include require-dev packages")
	depsCmd.AddCommand(depsListCmd, depsInstallCmd)
	rootCmd.AddCommand(depsCmd)
}
