package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/pipeline"
)

func printSubmission(w io.Writer, what string, sub pipeline.Submission) {
	if sub.AlreadyScheduled {
		fmt.Fprintf(w, "%s already scheduled\n", what)
		return
	}
	fmt.Fprintf(w, "%s queued as %s\n", what, sub.JobID)
}

// --- sync ---

var syncAllCmd = &cobra.Command{
	Use:   "sync-all",
	Short: "Sync every entity of an office from the legacy system",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := office()
		if err != nil {
			return err
		}
		incremental, _ := cmd.Flags().GetBool("incremental")
		mode := models.SyncFull
		if incremental {
			mode = models.SyncIncremental
		}
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			sub, err := b.svc.ScheduleSyncAll(ctx, o, mode)
			if err != nil {
				return err
			}
			printSubmission(cmd.OutOrStdout(), "sync-all", sub)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <entity>",
	Short: "Incrementally sync one entity",
	Long: `Incrementally sync one entity: reference_data, constituents, cases or emails.

Examples:
  jobctl sync emails --office 6f9619ff-8b86-d011-b42d-00c04fc964ff
  jobctl sync cases --since 2026-01-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := office()
		if err != nil {
			return err
		}
		entity, err := models.ParseSyncEntity(args[0])
		if err != nil {
			return err
		}
		var since *time.Time
		if raw, _ := cmd.Flags().GetString("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			since = &t
		}
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			sub, err := b.svc.ScheduleIncrementalSync(ctx, o, entity, since)
			if err != nil {
				return err
			}
			printSubmission(cmd.OutOrStdout(), "sync "+string(entity), sub)
			return nil
		})
	},
}

var cancelSyncCmd = &cobra.Command{
	Use:   "cancel-sync <entity>",
	Short: "Stop a running sync before its next page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := office()
		if err != nil {
			return err
		}
		entity, err := models.ParseSyncEntity(args[0])
		if err != nil {
			return err
		}
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			if err := b.svc.CancelSync(ctx, o, entity); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", entity)
			return nil
		})
	},
}

func init() {
	syncAllCmd.Flags().Bool("incremental", false, "only fetch records changed since the last sync")
	syncCmd.Flags().String("since", "", "RFC3339 lower bound (default: last completed sync)")
	rootCmd.AddCommand(syncAllCmd, syncCmd, cancelSyncCmd)
}

// --- poll / triage ---

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Check the legacy system for changes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := office()
		if err != nil {
			return err
		}
		pollType, _ := cmd.Flags().GetString("type")
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			sub, err := b.svc.SchedulePoll(ctx, o, models.PollType(pollType))
			if err != nil {
				return err
			}
			printSubmission(cmd.OutOrStdout(), "poll", sub)
			return nil
		})
	},
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <email-id>...",
	Short: "Warm the triage cache for the head of an inbox listing",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := office()
		if err != nil {
			return err
		}
		ids, err := pipeline.ParseEmailIDs(args)
		if err != nil {
			return err
		}
		ahead, _ := cmd.Flags().GetInt("ahead")
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			sub, err := b.svc.ScheduleBatchPrefetch(ctx, o, ids, ahead)
			if err != nil {
				return err
			}
			printSubmission(cmd.OutOrStdout(), "prefetch", sub)
			return nil
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process <email-id>",
	Short: "Triage one email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := office()
		if err != nil {
			return err
		}
		id, err := models.ParseExternalID(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			sub, err := b.svc.ScheduleEmailProcessing(ctx, o, id, force)
			if err != nil {
				return err
			}
			printSubmission(cmd.OutOrStdout(), "process "+id.String(), sub)
			return nil
		})
	},
}

func init() {
	pollCmd.Flags().String("type", string(models.PollAll), "all, new_emails, modified_cases or modified_constituents")
	prefetchCmd.Flags().Int("ahead", 0, "how many ids to warm (default: worker setting)")
	processCmd.Flags().Bool("force", false, "bypass the cache and any pending run")
	rootCmd.AddCommand(pollCmd, prefetchCmd, processCmd)
}

// --- queues ---

var queueSizeCmd = &cobra.Command{
	Use:   "queue-size [queue]",
	Short: "Show how many jobs wait in each queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				name, err := queueName(args[0])
				if err != nil {
					return err
				}
				n, err := b.jobs.GetQueueSize(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, n)
				return nil
			}
			sizes, err := b.svc.QueueSizes(ctx)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(sizes))
			for n := range sizes {
				names = append(names, string(n))
			}
			sort.Strings(names)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tWAITING")
			for _, n := range names {
				fmt.Fprintf(tw, "%s\t%d\n", n, sizes[jobtypes.Name(n)])
			}
			return tw.Flush()
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <queue>",
	Short: "Delete every waiting job in a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := queueName(args[0])
		if err != nil {
			return err
		}
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			fmt.Fprintf(cmd.ErrOrStderr(), "This deletes every waiting job in %s. Use --confirm to proceed.\n", name)
			return nil
		}
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			n, err := b.jobs.PurgeQueue(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs from %s\n", n, name)
			return nil
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <queue>",
	Short: "List the newest jobs of a queue, dead-letter queues included",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := queueName(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			items, err := b.jobs.Jobs(ctx, name, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Requeue a failed or cancelled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			if err := b.jobs.Resume(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	purgeCmd.Flags().Bool("confirm", false, "confirm the purge")
	jobsCmd.Flags().Int("limit", 20, "maximum jobs to list")
	rootCmd.AddCommand(queueSizeCmd, purgeCmd, jobsCmd, resumeCmd)
}

func queueName(raw string) (jobtypes.Name, error) {
	name := jobtypes.Name(raw)
	if _, ok := jobtypes.Lookup(name); !ok {
		return "", fmt.Errorf("unknown queue %s", strconv.Quote(raw))
	}
	return name, nil
}
