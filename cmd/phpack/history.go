package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <project-id|path>",
	Short: "Show recent builds of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		p, err := eng.Project(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		reports, err := eng.History(cmd.Context(), p.ID, limit)
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No builds recorded for %s\n", p.Name)
			return nil
		}
		t := newTable("SESSION", "STARTED", "VERSION", "SUCCEEDED", "PLATFORMS")
		for _, r := range reports {
			platforms := ""
			for i, res := range r.Results {
				if i > 0 {
					platforms += ", "
				}
				platforms += fmt.Sprintf("%s:%s", res.Platform, res.Status)
			}
			t.add(r.SessionID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.AppVersion,
				fmt.Sprintf("%d/%d", r.Succeeded(), len(r.Results)), platforms)
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 10, "Number of builds to show")
	rootCmd.AddCommand(historyCmd)
}
