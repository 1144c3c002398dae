package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gantry/internal/queue"
)

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func parseJobID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", value)
	}
	return id, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func stageNames() string {
	stages := queue.Stages()
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

func formatTimestamp(at *time.Time) string {
	if at == nil {
		return "-"
	}
	return at.Local().Format("2006-01-02 15:04:05")
}

func printJob(cmd *cobra.Command, job *queue.Job, statuses map[string]queue.DestinationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job #%d: %s\n", job.ID, job.Title)
	fmt.Fprintf(out, "Source:  %s\n", job.SourcePath)
	fmt.Fprintf(out, "Status:  %s\n", job.Status)
	if job.ReleaseName != "" {
		fmt.Fprintf(out, "Release: %s\n", job.ReleaseName)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:   %s (retryable: %s)\n", job.ErrorMessage, yesNo(job.Retryable))
	}

	rows := make([][]string, 0, 8)
	for _, s := range queue.Stages() {
		rows = append(rows, []string{string(s), formatTimestamp(*job.Checkpoint(s))})
	}
	rows = append(rows,
		[]string{"approval requested", formatTimestamp(job.ApprovalRequestedAt)},
		[]string{"approved", formatTimestamp(job.ApprovedAt)},
	)
	fmt.Fprintln(out, renderTable([]string{"Stage", "Completed"}, rows, nil))

	if len(statuses) == 0 {
		return
	}
	destRows := make([][]string, 0, len(statuses))
	for _, name := range sortedKeys(statuses) {
		ds := statuses[name]
		destRows = append(destRows, []string{
			name,
			string(ds.Status),
			strconv.Itoa(ds.RetryCount),
			ds.ExternalURL,
			truncate(ds.LastError, 50),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Destination", "Status", "Retries", "URL", "Error"},
		destRows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
}

func sortedKeys(statuses map[string]queue.DestinationStatus) []string {
	keys := make([]string, 0, len(statuses))
	for key := range statuses {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
