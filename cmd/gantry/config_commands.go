package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gantry/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand(ctx))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var forceFlag bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			if !forceFlag {
				if _, statErr := os.Stat(path); statErr == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Configuration already exists at %s (use --force to overwrite)\n", path)
					return nil
				}
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite an existing configuration file")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Staging dir:       %s\n", cfg.Paths.StagingDir)
			fmt.Fprintf(out, "Log dir:           %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "Database:          %s\n", cfg.DatabasePath())
			fmt.Fprintf(out, "Approval required: %s\n", yesNo(cfg.Workflow.ApprovalRequired))
			fmt.Fprintf(out, "Poll interval:     %ds\n", cfg.Workflow.QueuePollInterval)
			fmt.Fprintf(out, "Allowed exts:      %s\n", strings.Join(cfg.Scanner.AllowedExtensions, ", "))

			enabled := cfg.EnabledDestinations()
			if len(enabled) == 0 {
				fmt.Fprintln(out, "Destinations:      none enabled")
				return nil
			}
			rows := make([][]string, 0, len(enabled))
			for _, name := range enabled {
				site := cfg.Destinations.Sites[name]
				rows = append(rows, []string{
					name,
					site.BaseURL,
					site.Category,
					fmt.Sprintf("%.1f/s (burst %d)", site.RatePerSecond, site.RateBurst),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Destination", "Base URL", "Category", "Rate"},
				rows, nil))
			return nil
		},
	}
}
