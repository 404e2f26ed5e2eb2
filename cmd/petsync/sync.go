package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	syncpkg "github.com/aopopov01/TailTracker-sub009/internal/sync"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/changestore"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/scheduler"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var (
		watch bool
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync [entity-id...]",
		Short: "Run a full sync",
		Long: `Reconcile entities against the remote store. Without arguments every
entity in the local store is synced.

With --watch the command stays running: it follows remote changes in real
time and repeats the full sync every scheduler.full_sync_interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if len(args) == 0 {
				if err := a.manager.ResumeAll(ctx); err != nil {
					return err
				}
			}
			for _, id := range args {
				if _, err := a.manager.Engine(ctx, id); err != nil {
					return err
				}
			}

			if watch {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runWatch(ctx, a)
			}

			results, syncErr := a.manager.SyncAll(ctx)
			printResults(cmd.OutOrStdout(), results)

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			for _, id := range a.manager.Entities() {
				e, err := a.manager.Engine(ctx, id)
				if err != nil {
					return err
				}
				if err := waitSettled(waitCtx, e); err != nil {
					return err
				}
			}
			return syncErr
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for pushes started by the sync")
	return cmd
}

// runWatch keeps every open entity subscribed and runs the periodic
// scheduler until ctx ends.
func runWatch(ctx context.Context, a *app) error {
	s := scheduler.NewScheduler(a.manager, &scheduler.SchedulerConfig{
		SyncInterval: a.cfg.Scheduler.FullSyncInterval.Std(),
	})
	// Periodic passes pause while the connection is down. The engines'
	// resubscribe loops redial, and coming back online triggers a pass.
	a.client.OnConnectionChange(func(connected bool) {
		s.SetOnlineStatus(ctx, connected)
	})
	defer a.client.OnConnectionChange(nil)

	for _, id := range a.manager.Entities() {
		e, err := a.manager.Engine(ctx, id)
		if err != nil {
			return err
		}
		if err := e.StartRealTimeSync(ctx); err != nil {
			// Retried by the scheduler's next pass.
			logging.Warn("Real-time sync unavailable", map[string]interface{}{
				"entity_id": id,
				"error":     err.Error(),
			})
		}
	}

	s.Start(ctx)
	defer s.Stop()

	if err := s.SyncNow(ctx); err != nil {
		logging.Warn("Initial full sync failed", map[string]interface{}{"error": err.Error()})
	}
	<-ctx.Done()
	return nil
}

func printResults(w io.Writer, results []*syncpkg.FullSyncResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ENTITY\tADOPTED\tPUSHED\tUNCHANGED\tRESOLVED\tCONFLICTS")
	for _, r := range results {
		if r == nil {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
			r.EntityID, r.Adopted, r.Pushed, r.Unchanged, r.Resolved, len(r.Conflicts))
	}
	_ = tw.Flush()
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [entity-id...]",
		Short: "List queued changes and open conflicts",
		Long: `List the change records waiting to be pushed and the conflicts waiting
for a resolution. Reads the local store only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(afero.NewOsFs(), opts)
			if err != nil {
				return err
			}
			logFile, err := setupLogging(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}

			backend, err := openBackend(cfg.Store)
			if err != nil {
				return err
			}
			defer backend.Close()

			return listPending(cmd.Context(), cmd.OutOrStdout(), backend, args)
		},
	}
}

func listPending(ctx context.Context, w io.Writer, backend changestore.Backend, entityIDs []string) error {
	if len(entityIDs) == 0 {
		ids, err := backend.Entities(ctx)
		if err != nil {
			return err
		}
		entityIDs = ids
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	records, conflicts := 0, 0
	for _, id := range entityIDs {
		store, err := changestore.Open(ctx, backend, id)
		if err != nil {
			return err
		}
		for _, rec := range store.PendingForEntity() {
			if records == 0 {
				_, _ = fmt.Fprintln(tw, "ENTITY\tFIELD\tVALUE\tBASE\tLOCAL\tATTEMPT\tENQUEUED")
			}
			records++
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				id, rec.Field, rec.Value, rec.BaseVersion, rec.LocalVersion, rec.Attempt,
				rec.EnqueuedAt.Local().Format(time.DateTime))
		}
	}
	if records == 0 {
		_, _ = fmt.Fprintln(tw, "No pending changes.")
	}
	_ = tw.Flush()

	for _, id := range entityIDs {
		store, err := changestore.Open(ctx, backend, id)
		if err != nil {
			return err
		}
		for _, c := range store.Conflicts() {
			if conflicts == 0 {
				_, _ = fmt.Fprintln(tw, "\nCONFLICT\tFIELD\tLOCAL\tREMOTE\tREMOTE VERSION")
			}
			conflicts++
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
				id, c.Field, c.LocalValue, c.RemoteValue, c.RemoteVersion)
		}
	}
	_ = tw.Flush()
	return nil
}
