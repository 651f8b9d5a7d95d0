package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/phpack/phpack/internal/engine"
	"github.com/phpack/phpack/internal/events"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

var buildCmd = &cobra.Command{
	Use:   "build <project-id|path>",
	Short: "Build desktop executables for a project",
	Long: `Builds the project for every target platform. Settings come from the
project's last build, then the build file (-f), then flags. Unregistered
project paths are imported first.

Example build file:

  app_name: Calculator
  app_version: 1.2.0
  target_platforms: [windows-x64, linux-x64]
  php_version: "8.3"
  php_extensions: [pdo_sqlite, mbstring]
  installer:
    generate: true
    format: zip`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := eng.Project(ctx, args[0])
		if fault.Is(err, fault.KindNotFound) {
			p, err = eng.ImportProject(ctx, args[0], "")
		}
		if err != nil {
			return err
		}

		cfg, err := eng.BuildConfigFor(ctx, p)
		if err != nil {
			return err
		}
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			if cfg, err = loadBuildFile(file, cfg); err != nil {
				return err
			}
		}
		overrides, err := buildFlags(cmd)
		if err != nil {
			return err
		}
		if cfg, err = engine.Overlay(cfg, overrides); err != nil {
			return err
		}

		sess, err := eng.StartBuild(ctx, p.ID, cfg)
		if err != nil {
			return err
		}

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			select {
			case <-sigCtx.Done():
				if ctx.Err() == nil {
					sess.Cancel()
				}
			case <-sess.Done():
			}
		}()

		out := cmd.OutOrStdout()
		for e := range sess.Events(ctx) {
			printEvent(out, e)
		}
		report, err := sess.Wait(ctx)
		if err != nil {
			return err
		}
		printReport(out, report)
		if report.Succeeded() < len(report.Results) {
			return errors.New("one or more platforms failed")
		}
		return nil
	},
}

// loadBuildFile decodes a YAML build file onto base. Keys missing from the
// file keep their base values; unknown keys are rejected.
func loadBuildFile(path string, base types.BuildConfig) (types.BuildConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fault.Wrapf(fault.KindInvalidConfig, "cli.build", err, "read build file")
	}
	cfg := base.Clone()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fault.Wrapf(fault.KindInvalidConfig, "cli.build", err, "parse %s", path)
	}
	return cfg, nil
}

func buildFlags(cmd *cobra.Command) (types.BuildConfig, error) {
	var o types.BuildConfig
	f := cmd.Flags()
	o.AppName, _ = f.GetString("name")
	o.AppVersion, _ = f.GetString("app-version")
	o.PHPVersion, _ = f.GetString("php")
	o.OutputDir, _ = f.GetString("output")
	o.Extensions, _ = f.GetStringSlice("ext")
	platforms, _ := f.GetStringSlice("platform")
	for _, raw := range platforms {
		p, err := types.ParsePlatform(strings.TrimSpace(raw))
		if err != nil {
			return o, fault.Wrap(fault.KindUnsupportedPlatform, "cli.build", err)
		}
		o.Platforms = append(o.Platforms, p)
	}
	if f.Changed("installer") {
		format, _ := f.GetString("installer")
		o.Installer.Generate = true
		o.Installer.Format = types.InstallerFormat(format)
	}
	return o, nil
}

func printEvent(w io.Writer, e events.BuildEvent) {
	prefix := ""
	if e.Platform != "" {
		prefix = color.New(color.FgCyan).Sprintf("[%s] ", e.Platform)
	}
	switch e.Type {
	case events.EventTypeStageStarted:
		fmt.Fprintf(w, "%s%s\n", prefix, e.Stage.Title())
	case events.EventTypeStageLog:
		for _, line := range e.Logs {
			fmt.Fprintf(w, "%s  %s\n", prefix, severityColor(e.Severity).Sprint(line))
		}
	case events.EventTypeStageFailed:
		fmt.Fprintf(w, "%s%s %s\n", prefix, color.RedString("✗ %s failed:", e.Stage.Title()), e.Error)
	case events.EventTypeSessionStarted, events.EventTypePlatformFinished:
		fmt.Fprintf(w, "%s%s\n", prefix, e.Message)
	}
}

func severityColor(s events.EventSeverity) *color.Color {
	switch s {
	case events.SeverityError:
		return color.New(color.FgRed)
	case events.SeverityWarning:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgHiBlack)
}

func printReport(w io.Writer, r *types.SessionReport) {
	fmt.Fprintln(w)
	t := newTable("PLATFORM", "STATUS", "DURATION", "SIZE", "ARTIFACT")
	for _, res := range r.Results {
		status := color.GreenString(string(res.Status))
		artifact := res.OutputPath
		switch res.Status {
		case types.BuildStatusFailed:
			status = color.RedString(string(res.Status))
			artifact = res.Error
		case types.BuildStatusCancelled:
			status = color.YellowString(string(res.Status))
		}
		size := "-"
		if res.Size > 0 {
			size = humanBytes(res.Size)
		}
		t.add(res.Platform.DisplayName(), status, res.Duration.Round(100*time.Millisecond).String(), size, artifact)
	}
	t.render(w)
	fmt.Fprintf(w, "\n%d of %d platforms built in %s\n", r.Succeeded(), len(r.Results), r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
}

func addBuildFlags(f *pflag.FlagSet) {
	f.StringP("file", "f", "", "YAML build file")
	f.StringSlice("platform", nil, "Target platform, repeatable such as windows-x64, macos-arm64 or linux-x64")
	f.String("php", "", "PHP version")
	f.StringSlice("ext", nil, "PHP extension, repeatable")
	f.StringP("output", "o", "", "Output directory")
	f.String("name", "", "Application name")
	f.String("app-version", "", "Application version")
	f.String("installer", "", "Generate an installer of this format (auto, zip, tar.gz, nsis, dmg)")
}

func init() {
	addBuildFlags(buildCmd.Flags())
	rootCmd.AddCommand(buildCmd)
}
