package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-logbook/internal/api"
	"github.com/dvloznov/finance-logbook/internal/config"
	"github.com/dvloznov/finance-logbook/internal/connectivity"
	"github.com/dvloznov/finance-logbook/internal/jobs/inmemory"
	"github.com/dvloznov/finance-logbook/internal/settlement"
	"github.com/dvloznov/finance-logbook/internal/syncengine"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (default api.addr)")
	serveCmd.Flags().Bool("no-metrics", false, "do not serve /metrics")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and HTTP API",
	Long: `Run the sync daemon. A sync cycle starts at startup and then whenever:
  - the remote store becomes reachable again
  - the process receives its foreground signal (SIGCONT or SIGUSR1)
  - a local write is made through this process or the trigger file is touched
  - the sync interval elapses

The HTTP API serves sync status, manual triggers and settlement payments.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	noMetrics, _ := cmd.Flags().GetBool("no-metrics")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, ctx, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log
	if addr == "" {
		addr = a.cfg.API.Addr
	}

	rs, err := a.Remote(ctx)
	if err != nil {
		return err
	}
	monitor := a.Monitor()
	runs := inmemory.NewStore(inmemory.DefaultCapacity)
	coordinator, err := a.Coordinator(ctx, monitor, runs)
	if err != nil {
		return err
	}
	a.store.OnMutation(coordinator.MutationHook())

	sources := []syncengine.TriggerSource{
		syncengine.NewSignalSource(),
		syncengine.FileSource{Path: a.cfg.Sync.TriggerFile},
		syncengine.TickerSource{Interval: a.cfg.Sync.Interval},
	}
	if a.cfg.Remote.Backend != config.BackendMemory {
		sources = append(sources, syncengine.OnlineSource{Transitions: monitor.Subscribe()})
	}

	startSyncing(ctx, monitor, coordinator, sources...)

	settlements := settlement.NewService(rs, settlement.WithRetryPolicy(a.cfg.RetryPolicy()))
	server := api.NewServer(api.Deps{
		Syncer:      coordinator,
		Queue:       a.store.Outbox(),
		Watermarks:  a.store,
		Runs:        runs,
		Settlements: settlements,
		// Settlement writes go straight to the remote store; pull them back.
		AfterSettlement: func() { coordinator.Trigger(syncengine.ReasonExternal) },
	}, log)
	if !noMetrics {
		server.EnableMetrics()
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("store", a.store.Path()).Msg("Starting logbook daemon")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			coordinator.Wait()
			return err
		}
	}

	log.Info().Msg("Shutting down logbook daemon...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let an in-flight cycle observe the cancellation and record its run.
	coordinator.Wait()
	log.Info().Msg("Logbook daemon exited")
	return nil
}

// startSyncing probes connectivity once before the startup cycle, so that
// cycle does not see the monitor's initial offline state.
func startSyncing(ctx context.Context, monitor *connectivity.Monitor, c *syncengine.Coordinator, sources ...syncengine.TriggerSource) {
	monitor.Check(ctx)
	go monitor.Run(ctx)
	c.Install(ctx, sources...)
	c.Trigger(syncengine.ReasonStartup)
}
