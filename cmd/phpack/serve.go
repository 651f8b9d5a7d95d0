package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/phpack/phpack/internal/server"
	"github.com/phpack/phpack/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Preview projects with the PHP built-in server",
	Long: `Preview servers belong to the process that started them. "serve start"
runs one in the foreground until interrupted; with --detach it asks a
running "phpack api" process to host it instead. stop, status and logs
talk to that process.`,
}

var serveStartCmd = &cobra.Command{
	Use:   "start <path>",
	Short: "Start a preview server for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		detach, _ := cmd.Flags().GetBool("detach")
		out := cmd.OutOrStdout()
		green := color.New(color.FgGreen).SprintFunc()

		if detach {
			var inst types.ServerInstance
			body := map[string]any{"path": args[0], "port": port}
			if err := newAPIClient(cfg.API.Addr).do(cmd.Context(), "POST", "/servers", nil, body, &inst); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s (pid %d)\n", green("✓ Serving"), inst.URL(), inst.PID)
			return nil
		}

		level, _ := cmd.Flags().GetString("level")
		minLevel := server.LogLevel(level)
		if !minLevel.IsValid() {
			return fmt.Errorf("invalid level %q", level)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		entries := make(chan server.LogEntry, 256)
		eng.Servers.OnLog(func(_ int, e server.LogEntry) {
			select {
			case entries <- e:
			default:
			}
		})

		inst, err := eng.StartServer(ctx, args[0], port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s (pid %d), press Ctrl-C to stop\n", green("✓ Serving"), inst.URL(), inst.PID)

		for {
			select {
			case <-ctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := eng.StopServer(stopCtx, inst.Port); err != nil {
					return err
				}
				fmt.Fprintln(out, "Server stopped")
				return nil
			case e := <-entries:
				if levelRank(e.Level) >= levelRank(minLevel) {
					printLogEntry(out, e)
				}
			}
		}
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop <port>",
	Short: "Stop a preview server hosted by phpack api",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		if err := newAPIClient(cfg.API.Addr).do(cmd.Context(), "DELETE", "/servers/"+strconv.Itoa(port), nil, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stopped server on port %d\n", port)
		return nil
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status [port]",
	Short: "Show preview servers hosted by phpack api",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(cfg.API.Addr)
		var list []types.ServerInstance
		if len(args) == 1 {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			var inst types.ServerInstance
			if err := client.do(cmd.Context(), "GET", "/servers/"+strconv.Itoa(port), nil, nil, &inst); err != nil {
				return err
			}
			list = append(list, inst)
		} else if err := client.do(cmd.Context(), "GET", "/servers", nil, nil, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No servers running")
			return nil
		}
		t := newTable("PORT", "STATUS", "PID", "REQUESTS", "ERRORS", "UPTIME", "ROOT")
		for _, s := range list {
			t.add(strconv.Itoa(s.Port), serverStatusLabel(s.Status), strconv.Itoa(s.PID),
				strconv.FormatInt(s.Stats.Requests, 10), strconv.FormatInt(s.Stats.Errors, 10),
				(time.Duration(s.Stats.UptimeSeconds) * time.Second).String(), s.DocumentRoot)
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

var serveLogsCmd = &cobra.Command{
	Use:   "logs <port>",
	Short: "Print the log of a preview server hosted by phpack api",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		q := url.Values{}
		if level, _ := cmd.Flags().GetString("level"); level != "" {
			q.Set("level", level)
		}
		if search, _ := cmd.Flags().GetString("search"); search != "" {
			q.Set("q", search)
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		var entries []server.LogEntry
		if err := newAPIClient(cfg.API.Addr).do(cmd.Context(), "GET", "/servers/"+strconv.Itoa(port)+"/logs", q, nil, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			printLogEntry(cmd.OutOrStdout(), e)
		}
		return nil
	},
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return port, nil
}

func serverStatusLabel(s types.ServerStatus) string {
	switch s {
	case types.ServerRunning:
		return color.GreenString(string(s))
	case types.ServerCrashed:
		return color.RedString(string(s))
	}
	return color.YellowString(string(s))
}

func levelRank(l server.LogLevel) int {
	switch l {
	case server.LogError:
		return 3
	case server.LogWarning:
		return 2
	case server.LogInfo:
		return 1
	}
	return 0
}

func printLogEntry(w io.Writer, e server.LogEntry) {
	var c *color.Color
	switch e.Level {
	case server.LogError:
		c = color.New(color.FgRed)
	case server.LogWarning:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgHiBlack)
	}
	fmt.Fprintf(w, "%s %s %s\n", e.Time.Format("15:04:05"), c.Sprintf("%-7s", e.Level), e.Message)
}

func init() {
	serveStartCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: first free port)")
	serveStartCmd.Flags().Bool("detach", false, "Host the server in the running phpack api process")
	serveStartCmd.Flags().String("level", "info", "Minimum log level to print (debug, info, warning, error)")
	serveLogsCmd.Flags().String("level", "", "Only show entries of this level")
	serveLogsCmd.Flags().String("search", "", "Only show entries containing this text")
	serveLogsCmd.Flags().IntP("limit", "n", 0, "Maximum number of entries")
	serveCmd.AddCommand(serveStartCmd, serveStopCmd, serveStatusCmd, serveLogsCmd)
	rootCmd.AddCommand(serveCmd)
}
