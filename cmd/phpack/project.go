package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a project directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		p, err := eng.ImportProject(cmd.Context(), args[0], name)
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) as %s\n", green("✓ Imported"), p.Name, p.Type.DisplayName(), p.ID)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := eng.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects registered")
			return nil
		}
		t := newTable("ID", "NAME", "TYPE", "SERVER", "PATH")
		for _, p := range list {
			server := "-"
			if inst, ok := eng.Servers.ByProject(p.ID); ok {
				server = strconv.Itoa(inst.Port)
			}
			t.add(p.ID, p.Name, p.Type.DisplayName(), server, p.Path)
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <project-id|path>",
	Short: "Unregister a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := eng.Project(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := eng.RemoveProject(cmd.Context(), p.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", p.Name)
		return nil
	},
}

func init() {
	projectAddCmd.Flags().String("name", "", "Display name (default: directory name)")
	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectRemoveCmd)
	rootCmd.AddCommand(projectCmd)
}
