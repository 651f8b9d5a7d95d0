package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phpack/phpack/internal/api"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API for desktop frontends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.API.Addr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return api.New(eng, log).ListenAndServe(ctx, addr)
	},
}

func init() {
	apiCmd.Flags().String("addr", "", "Listen address (default from config api.addr)")
	rootCmd.AddCommand(apiCmd)
}
