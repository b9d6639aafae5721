package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/settleload/internal/config"
)

func runCmd() *cobra.Command {
	v := config.New()
	var linger bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provisions accounts and runs the load pipeline.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := newApp(cfg, logger)
			a.linger = linger
			return a.Run(ctx)
		},
	}
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	cmd.Flags().BoolVar(&linger, "linger", false, "keep serving the HTTP API after the run ends, until interrupted")
	return cmd
}
