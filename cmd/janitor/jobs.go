package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jxucoder/janitor/internal/config"
	"github.com/jxucoder/janitor/pkg/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled commands",
	Long: `List the jobs found in the jobs directory (JANITOR_JOBS_DIR,
default ~/.janitor/jobs). Each *.yaml file holds one job or a jobs: list:

  name: nightly-ci
  schedule: "0 3 * * *"
  channel: telegram
  chat: "123456789"
  command: CI`,
	RunE: runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	jobs, err := scheduler.LoadJobs(cfg.JobsDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintf(out, "No jobs in %s\n", cfg.JobsDir)
		return nil
	}
	table := newTable(out, []string{"Name", "Schedule", "Channel", "Chat", "Command"})
	for _, j := range jobs {
		_ = table.Append([]string{j.Name, j.Schedule, j.Channel, j.Chat, j.Command})
	}
	return table.Render()
}
