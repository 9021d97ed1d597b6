package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/agrilink/internal/daemon"
)

func newRunCmd() *cobra.Command {
	var (
		configPath    string
		dashboardPort int
		watch         sessionFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client daemon",
		Long: "Connects every configured namespace, keeps the session, request and comment\n" +
			"lists fresh, relays notifications to chat and serves the status dashboard\n" +
			"until interrupted. With --farmer and --expert it also keeps that session\n" +
			"open, so its pushed messages and call invites are applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dashboard") {
				cfg.Dashboard.Enabled = dashboardPort > 0
				cfg.Dashboard.Port = dashboardPort
			}

			d, err := daemon.New(daemon.Opts{
				Config: cfg,
				Out:    cmd.OutOrStdout(),
				Watch:  watch.ref(cmd),
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			return d.Run(ctx)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&dashboardPort, "dashboard", 0, "serve the status dashboard on this port (0 disables)")
	watch.define(cmd, "farmer of the session to keep open", "expert of the session to keep open")
	cmd.MarkFlagsRequiredTogether("farmer", "expert")
	return cmd
}
