package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/phpack/phpack/internal/phpruntime"
	"github.com/phpack/phpack/internal/types"
)

var runtimeCmd = &cobra.Command{
	Use:   "runtime",
	Short: "Manage cached PHP runtimes",
}

var runtimeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached runtimes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		handles, err := eng.Runtimes.List()
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runtimes cached")
			return nil
		}
		t := newTable("PLATFORM", "VERSION", "RESOLVED", "SOURCE", "INSTALLED", "EXTENSIONS")
		for _, h := range handles {
			t.add(string(h.Platform), h.Version, h.ResolvedVersion, h.Source,
				h.InstalledAt.Format("2006-01-02"), strings.Join(h.Extensions, ","))
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

var runtimeFetchCmd = &cobra.Command{
	Use:   "fetch <platform> <version>",
	Short: "Download a runtime into the cache",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, err := types.ParsePlatform(args[0])
		if err != nil {
			return err
		}
		h, err := eng.Runtimes.Provision(cmd.Context(), platform, args[1])
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		where := "downloaded"
		if h.FromCache {
			where = "already cached"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s PHP %s for %s (%s) at %s\n",
			green("✓"), h.ResolvedVersion, platform.DisplayName(), where, h.Dir)
		return nil
	},
}

var runtimePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cached runtimes that are no longer supported",
	Long: `Removes cached runtimes whose version is not in runtime.supported_versions,
plus incomplete downloads. With --all every runtime is removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		var keep []phpruntime.Key
		if !all {
			handles, err := eng.Runtimes.List()
			if err != nil {
				return err
			}
			keep = lo.FilterMap(handles, func(h phpruntime.Handle, _ int) (phpruntime.Key, bool) {
				return phpruntime.Key{Platform: h.Platform, Version: h.Version}, eng.Runtimes.Supported(h.Version)
			})
		}
		removed, err := eng.Runtimes.Prune(keep)
		if err != nil {
			return err
		}
		for _, k := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", k)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d runtime(s) removed\n", len(removed))
		return nil
	},
}

func init() {
	runtimePruneCmd.Flags().Bool("all", false, "Remove every cached runtime")
	runtimeCmd.AddCommand(runtimeListCmd, runtimeFetchCmd, runtimePruneCmd)
	rootCmd.AddCommand(runtimeCmd)
}
