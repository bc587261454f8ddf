package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/syncengine"
)

func init() {
	rootCmd.AddCommand(syncCmd, pushCmd, pullCmd, statusCmd, outboxCmd)
	outboxCmd.AddCommand(outboxListCmd, outboxDropCmd)

	syncCmd.Flags().Bool("background", false, "ask a running 'logbook serve' to sync instead of syncing here")
	syncCmd.Flags().Duration("timeout", 5*time.Minute, "give up after this long")
	outboxDropCmd.Flags().String("reason", "dropped from the command line", "reason recorded in the log")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued mutations, then pull remote changes",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	background, _ := cmd.Flags().GetBool("background")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	a, ctx, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if background {
		if err := syncengine.Touch(a.cfg.Sync.TriggerFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sync requested via %s\n", a.cfg.Sync.TriggerFile)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	monitor := a.Monitor()
	monitor.Check(ctx)
	c, err := a.Coordinator(ctx, monitor, nil)
	if err != nil {
		return err
	}
	report, err := c.FullSync(ctx, syncengine.ReasonManual)
	if errors.Is(err, domain.ErrSyncInProgress) {
		// Another process (usually "logbook serve") is syncing this store.
		if a.cfg.Sync.TriggerFile != "" {
			if terr := syncengine.Touch(a.cfg.Sync.TriggerFile); terr == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Another process is syncing this store; asked it to sync again")
				return nil
			}
		}
		return err
	}
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Apply queued mutations to the remote store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		monitor := a.Monitor()
		monitor.Check(ctx)
		pusher, err := a.Pusher(ctx, monitor)
		if err != nil {
			return err
		}
		var res syncengine.PushResult
		err = syncengine.HoldLease(ctx, a.store, syncengine.NewLeaseHolder(), syncengine.DefaultLeaseTTL,
			func(ctx context.Context) error {
				var perr error
				res, perr = pusher.Push(ctx)
				return perr
			})
		if errors.Is(err, domain.ErrSyncInProgress) {
			return err
		}
		printPush(cmd.OutOrStdout(), res, err)
		return err
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Refresh the local store from the remote store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		monitor := a.Monitor()
		monitor.Check(ctx)
		puller, err := a.Puller(ctx, monitor)
		if err != nil {
			return err
		}
		var res syncengine.PullResult
		err = syncengine.HoldLease(ctx, a.store, syncengine.NewLeaseHolder(), syncengine.DefaultLeaseTTL,
			func(ctx context.Context) error {
				var perr error
				res, perr = puller.Pull(ctx)
				return perr
			})
		if errors.Is(err, domain.ErrSyncInProgress) {
			return err
		}
		printPull(cmd.OutOrStdout(), res, err)
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		clientID, err := a.store.ClientID(ctx)
		if err != nil {
			return err
		}
		version, err := a.store.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		entries, err := a.store.Outbox().Drain(ctx)
		if err != nil {
			return err
		}
		watermark, ok, err := a.store.Watermark(ctx)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Store:     %s (schema v%d)\n", a.store.Path(), version)
		fmt.Fprintf(w, "Client:    %s\n", clientID)
		fmt.Fprintf(w, "Remote:    %s\n", a.cfg.Remote.Backend)
		if ok {
			fmt.Fprintf(w, "Pulled:    %s\n", watermark.Local().Format(time.DateTime))
		} else {
			fmt.Fprintln(w, "Pulled:    never")
		}

		perTable := map[string]int{}
		for _, e := range entries {
			perTable[e.Table]++
		}
		fmt.Fprintf(w, "Outbox:    %d pending\n", len(entries))
		for _, table := range domain.SyncedTables {
			if n := perTable[table]; n > 0 {
				fmt.Fprintf(w, "  %-20s %d\n", table, n)
			}
		}
		return nil
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the queue of unpushed mutations",
}

var outboxListCmd = &cobra.Command{
	Use:   "list [table]",
	Short: "List queued mutations in push order",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		table := ""
		if len(args) == 1 {
			table = args[0]
		}
		entries, err := a.store.Outbox().Entries(ctx, table)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tID\tTABLE\tOP\tROW\tQUEUED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Seq, e.ID, e.Table, e.Op, e.RowID, e.EnqueuedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var outboxDropCmd = &cobra.Command{
	Use:   "drop ENTRY_ID",
	Short: "Discard a mutation the remote store keeps rejecting",
	Long: `Discard one queued mutation. Push stops at the first rejected entry, so an
entry the remote store can never accept blocks everything behind it. The local
row is left as is; the next pull overwrites it with the remote version.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Outbox().Drop(ctx, args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s\n", args[0])
		return nil
	},
}

func printReport(w io.Writer, r syncengine.Report) {
	fmt.Fprintf(w, "Sync %s (%s) %s in %s\n", r.RunID, r.Reason, r.Status(), r.Finished.Sub(r.Started).Round(time.Millisecond))
	printPush(w, r.Push, r.PushErr)
	printPull(w, r.Pull, r.PullErr)
}

func printPush(w io.Writer, res syncengine.PushResult, err error) {
	switch {
	case res.Offline:
		fmt.Fprintf(w, "  push: offline, %d pending\n", res.Remaining)
	default:
		fmt.Fprintf(w, "  push: %d applied, %d skipped, %d pending\n", res.Applied, res.Skipped, res.Remaining)
	}
	if err != nil {
		fmt.Fprintf(w, "  push error: %v\n", err)
	}
}

func printPull(w io.Writer, res syncengine.PullResult, err error) {
	switch {
	case res.Offline:
		fmt.Fprintln(w, "  pull: offline")
	case res.Interrupted:
		fmt.Fprintf(w, "  pull: interrupted after %d rows\n", res.Upserted())
	default:
		fmt.Fprintf(w, "  pull: %d upserted, %d pruned\n", res.Upserted(), res.Pruned())
	}
	if failed := res.Failed(); len(failed) > 0 {
		fmt.Fprintf(w, "  pull failed for: %s\n", strings.Join(failed, ", "))
	}
	if err != nil {
		fmt.Fprintf(w, "  pull error: %v\n", err)
	}
}
