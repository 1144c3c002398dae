package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/pipeline"
	"gantry/internal/queue"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var titleFlag string

	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Queue a media file for publishing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				path, err := config.ExpandPath(args[0])
				if err != nil {
					return err
				}
				job, err := store.NewJob(cmd.Context(), path, strings.TrimSpace(titleFlag))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job #%d for %s\n", job.ID, job.SourcePath)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&titleFlag, "title", "t", "", "Override the title inferred from the filename")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var filters []queue.Status
				if trimmed := strings.TrimSpace(statusFlag); trimmed != "" {
					status, ok := queue.ParseStatus(trimmed)
					if !ok {
						return fmt.Errorf("unknown status %q", trimmed)
					}
					filters = append(filters, status)
				}

				jobs, err := store.List(cmd.Context(), filters...)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
					return nil
				}

				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						job.Title,
						string(job.Status),
						job.ReleaseName,
						truncate(job.ErrorMessage, 60),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Status", "Release", "Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&statusFlag, "status", "s", "", "Filter by job status")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job's stages and destinations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, err := store.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %d not found", id)
				}
				statuses, err := store.DestinationStatuses(cmd.Context(), id)
				if err != nil {
					return err
				}
				printJob(cmd, job, statuses)
				return nil
			})
		},
	}
}

func newApproveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a job waiting at the review gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, err := store.Approve(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved job #%d (%s)\n", job.ID, job.Title)
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Requeue failed jobs from their last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseJobID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				count, err := store.RetryFailed(cmd.Context(), ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d job(s)\n", count)
				return nil
			})
		},
	}
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var stageFlag string

	cmd := &cobra.Command{
		Use:   "reset <job-id>",
		Short: "Rewind a job to re-run from a stage",
		Long: "Rewind a job so it re-runs from the given stage. All later " +
			"checkpoints and destination outcomes are discarded, so the job " +
			"re-publishes everywhere on its next pass.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			from, ok := queue.ParseStage(stageFlag)
			if !ok {
				return fmt.Errorf("unknown stage %q (one of: %s)", stageFlag, stageNames())
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				engine := pipeline.NewEngine(cfg, store, nil, nil, logging.NewNop())
				job, err := engine.Reset(cmd.Context(), id, from)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job #%d reset to %s\n", job.ID, job.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&stageFlag, "from", "f", string(queue.StageUpload), "Stage to re-run from")
	return cmd
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Summarize queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				summary, err := store.Summary(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Total:             %d\n", summary.Total)
				fmt.Fprintf(out, "Pending:           %d\n", summary.Pending)
				fmt.Fprintf(out, "Awaiting approval: %d\n", summary.AwaitingApproval)
				fmt.Fprintf(out, "Processing:        %d\n", summary.Processing)
				fmt.Fprintf(out, "Uploaded:          %d\n", summary.Uploaded)
				fmt.Fprintf(out, "Failed:            %d\n", summary.Failed)
				return nil
			})
		},
	}
}
