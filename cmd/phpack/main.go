// Command phpack packages PHP projects into desktop applications.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/engine"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/logging"
)

var (
	configPath string
	verbose    bool

	cfg *config.Config
	log *logrus.Entry
	eng *engine.Engine
)

var rootCmd = &cobra.Command{
	Use:   "phpack",
	Short: "Package PHP projects as desktop applications",
	Long: `phpack detects PHP projects, previews them with the built-in PHP server,
manages their Composer dependencies and builds self-contained desktop
executables and installers for Windows, macOS and Linux.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		color.NoColor = color.NoColor || !term.IsTerminal(int(os.Stdout.Fd()))

		var err error
		if configPath != "" {
			cfg, err = config.LoadFrom(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		log, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		eng, err = engine.New(cmd.Context(), cfg, log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeEngine()
	},
}

func closeEngine() {
	if eng == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	eng = nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/phpack/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		closeEngine()
		os.Exit(1)
	}
}

// printError renders a fault with its kind and captured tool output
func printError(err error) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
	if kind := fault.KindOf(err); kind != fault.KindInternal {
		fmt.Fprintf(os.Stderr, "  kind: %s\n", kind)
	}
	if out := fault.OutputOf(err); out != "" {
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s\n", gray(out))
	}
}
