package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gantry/internal/logging"
	"gantry/internal/notifications"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			service := notifications.NewFromConfig(cfg, logging.NewNop())
			if _, ok := service.(notifications.NoopService); ok {
				return fmt.Errorf("no ntfy topic configured")
			}
			if err := service.Test(cmd.Context()); err != nil {
				return fmt.Errorf("send test notification: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent.")
			return nil
		},
	}
}
