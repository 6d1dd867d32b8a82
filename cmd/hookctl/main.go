package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/server"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "hookctl",
		Short:   "Operate the HookFox webhook pipeline",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			env.SetupEnvFile()
		},
	}

	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(failedCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(redriveCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(pauseCmd(true))
	rootCmd.AddCommand(pauseCmd(false))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withComponents wires the pipeline without starting workers.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *server.Components) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	c, err := server.Setup(ctx, server.RoleWorker)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func providerArg(args []string) ([]string, error) {
	if len(args) == 0 {
		return models.Providers(), nil
	}
	if !models.IsKnownProvider(args[0]) {
		return nil, fmt.Errorf("unknown provider %q (known: %s)", args[0], strings.Join(models.Providers(), ", "))
	}
	return args[:1], nil
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue metrics and ledger counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				m, err := c.Queue.GetMetrics(ctx)
				if err != nil {
					return err
				}
				spooled, err := c.Spool.Len(ctx)
				if err != nil {
					return err
				}
				dead, err := c.Spool.DeadLen(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tWAITING\tDELAYED\tACTIVE\tCOMPLETED\tFAILED\tPAUSED\tSPOOLED\tDEAD")
				fmt.Fprintf(w, "jobs\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", m.Waiting, m.Delayed, m.Active, m.Completed, m.Failed, m.Paused, spooled, dead)
				fmt.Fprintln(w)
				fmt.Fprintln(w, "PROVIDER\tPENDING\tPROCESSING\tPROCESSED\tFAILED")
				for _, provider := range models.Providers() {
					counts, err := c.Events.CountByStatus(ctx, provider)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", provider,
						counts[models.WebhookStatusPending], counts[models.WebhookStatusProcessing],
						counts[models.WebhookStatusProcessed], counts[models.WebhookStatusFailed])
				}

				intake, err := c.Intake.Snapshot(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "PROVIDER\tOUTCOME\tCOUNT")
				for _, provider := range models.Providers() {
					for outcome, n := range intake[provider] {
						fmt.Fprintf(w, "%s\t%s\t%d\n", provider, outcome, n)
					}
				}
				return w.Flush()
			})
		},
	}
}

func failedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed [provider]",
		Short: "List failed events",
		Args:  cobra.MaximumNArgs(1),
	}
	limit := cmd.Flags().IntP("limit", "n", 20, "Maximum events per provider")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		providers, err := providerArg(args)
		if err != nil {
			return err
		}
		return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tEVENT ID\tTYPE\tATTEMPTS\tRECEIVED\tERROR")
			for _, provider := range providers {
				events, err := c.Events.ListByStatus(ctx, provider, models.WebhookStatusFailed, 0, *limit)
				if err != nil {
					return err
				}
				for _, ev := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", provider, ev.EventID, ev.EventType,
						ev.AttemptCount, ev.ReceivedAt.Format(time.RFC3339), truncate(ev.Error, 80))
				}
			}
			return w.Flush()
		})
	}
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <provider> <event-id>...",
		Short: "Reset failed events to pending and enqueue them again",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := providerArg(args[:1]); err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				failed := 0
				for _, eventID := range args[1:] {
					job, err := c.Manager.Replay(ctx, args[0], eventID)
					if err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", eventID, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: enqueued as job %s\n", eventID, job.ID)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d replays failed", failed, len(args)-1)
				}
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Enqueue stale unsettled events whose job was lost",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				n, err := c.Manager.Reconcile(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-enqueued %d events\n", n)
				return nil
			})
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain-spool",
		Short: "Store and enqueue deliveries parked in the intake spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				n, err := c.Manager.DrainSpool(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "drained %d deliveries\n", n)
				return err
			})
		},
	}
}

func redriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive-spool",
		Short: "Move dead-lettered spool entries back into the intake spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				n, err := c.Spool.Redrive(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "moved %d deliveries back to the spool\n", n)
				return err
			})
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive one batch of settled events to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				if c.Archiver == nil {
					return fmt.Errorf("archive is disabled, set ARCHIVE_ENABLED=true")
				}
				n, err := c.Archiver.RunOnce(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "archived %d events\n", n)
				return err
			})
		},
	}
}

func pauseCmd(pause bool) *cobra.Command {
	use, short := "resume", "Let workers take jobs again"
	if pause {
		use, short = "pause", "Stop workers from taking new jobs"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				if pause {
					return c.Queue.Pause(ctx)
				}
				return c.Queue.Resume(ctx)
			})
		},
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
