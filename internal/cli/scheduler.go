package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
	"github.com/sazonovanton/SirChatalot-sub000/internal/scheduler"
)

func newSchedulerStore(cfg *config.Config) *scheduler.Store {
	return scheduler.NewStore(cfg.RunsPath())
}

func schedulerJobs(cfg *config.Config) []scheduler.Job {
	schedule := strings.TrimSpace(cfg.Maintenance.Schedule)
	if schedule == "" {
		return nil
	}
	return scheduler.DefaultJobs(schedule)
}

func newSchedulerService(cfg *config.Config, expirer scheduler.Expirer) *scheduler.Service {
	return scheduler.NewService(
		schedulerJobs(cfg),
		newSchedulerStore(cfg),
		scheduler.NewRunner(expirer, cfg.Chat.IdleExpiry),
	)
}

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Inspect and run housekeeping jobs",
	}
	cmd.AddCommand(newMaintenanceListCmd())
	cmd.AddCommand(newMaintenanceRunCmd())
	return cmd
}

func newMaintenanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List housekeeping jobs and their last run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store := newSchedulerStore(cfg)
			jobs := schedulerJobs(cfg)
			if len(jobs) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No housekeeping jobs scheduled.")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCHEDULE\tLAST RUN\tRESULT")
			for _, job := range jobs {
				lastRun, result := "never", "-"
				run, ok, err := store.Last(cmd.Context(), job.ID)
				if err != nil {
					return err
				}
				if ok {
					lastRun = run.StartedAt.Local().Format(time.DateTime)
					result = run.Output
					if run.Error != "" {
						result = "error: " + run.Error
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", job.ID, job.Cron, lastRun, result)
			}
			return w.Flush()
		},
	}
}

func newMaintenanceRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run one housekeeping job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			jobs := scheduler.DefaultJobs(a.cfg.Maintenance.Schedule)
			service := scheduler.NewService(jobs, newSchedulerStore(a.cfg), scheduler.NewRunner(a.engine, a.cfg.Chat.IdleExpiry))
			output, err := service.RunNow(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), output)
			return err
		},
	}
}
