package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-logbook/internal/config"
	"github.com/dvloznov/finance-logbook/internal/connectivity"
	infraBQ "github.com/dvloznov/finance-logbook/internal/infra/bigquery"
	"github.com/dvloznov/finance-logbook/internal/jobs"
	"github.com/dvloznov/finance-logbook/internal/localstore"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/remote"
	"github.com/dvloznov/finance-logbook/internal/remote/memory"
	"github.com/dvloznov/finance-logbook/internal/syncengine"
)

const probeTimeout = 5 * time.Second

// app holds what a command needs. The remote store is opened on first use so
// local-only commands work without credentials.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *localstore.Store

	remote      remote.Store
	closeRemote func() error
}

// openApp loads the configuration, builds the logger, and opens the local
// store. The returned context carries the logger.
func openApp(ctx context.Context) (*app, context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, ctx, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log := logger.NewWithOptions(cfg.LoggerOptions())
	ctx = logger.WithContext(ctx, log)

	store, err := localstore.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, ctx, err
	}
	return &app{cfg: cfg, log: log, store: store}, ctx, nil
}

func (a *app) Close() {
	if a.closeRemote != nil {
		if err := a.closeRemote(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close remote store")
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close local store")
	}
}

// Remote opens the configured remote store.
func (a *app) Remote(ctx context.Context) (remote.Store, error) {
	if a.remote != nil {
		return a.remote, nil
	}
	switch a.cfg.Remote.Backend {
	case config.BackendMemory:
		user := a.cfg.Remote.Principal
		if user == "" {
			user = "local"
		}
		a.remote = memory.New(user)
	default:
		bq, err := infraBQ.NewStore(ctx, infraBQ.Config{
			Project:         a.cfg.Remote.Project,
			Dataset:         a.cfg.Remote.Dataset,
			CredentialsFile: a.cfg.Remote.CredentialsFile,
			Principal:       a.cfg.Remote.Principal,
		})
		if err != nil {
			return nil, fmt.Errorf("opening remote store: %w", err)
		}
		a.remote = bq
		a.closeRemote = bq.Close
	}
	return a.remote, nil
}

// Monitor returns a connectivity monitor for the remote store. The in-memory
// backend is always reachable.
func (a *app) Monitor() *connectivity.Monitor {
	probe := connectivity.TCPProbe(a.cfg.Sync.ProbeAddress, probeTimeout)
	if a.cfg.Remote.Backend == config.BackendMemory {
		probe = func(context.Context) error { return nil }
	}
	return connectivity.NewMonitor(probe, a.cfg.Sync.ProbeInterval)
}

func (a *app) engineOptions() []syncengine.Option {
	return []syncengine.Option{
		syncengine.WithRetryPolicy(a.cfg.RetryPolicy()),
		syncengine.WithIncremental(a.cfg.Sync.Incremental),
	}
}

// Pusher returns a Pusher over the local outbox.
func (a *app) Pusher(ctx context.Context, online connectivity.Checker) (*syncengine.Pusher, error) {
	rs, err := a.Remote(ctx)
	if err != nil {
		return nil, err
	}
	return syncengine.NewPusher(a.store.Outbox(), a.store, rs, online, a.engineOptions()...), nil
}

// Puller returns a Puller into the local store.
func (a *app) Puller(ctx context.Context, online connectivity.Checker) (*syncengine.Puller, error) {
	rs, err := a.Remote(ctx)
	if err != nil {
		return nil, err
	}
	return syncengine.NewPuller(a.store, rs, online, a.engineOptions()...), nil
}

// Coordinator wires a push/pull pair into a Coordinator. runs may be nil.
func (a *app) Coordinator(ctx context.Context, online connectivity.Checker, runs jobs.RunStore) (*syncengine.Coordinator, error) {
	pusher, err := a.Pusher(ctx, online)
	if err != nil {
		return nil, err
	}
	puller, err := a.Puller(ctx, online)
	if err != nil {
		return nil, err
	}
	return syncengine.NewCoordinator(pusher, puller, a.store.Outbox(), runs,
		syncengine.WithLease(a.store, syncengine.DefaultLeaseTTL)), nil
}

// notifyDaemon asks a running "logbook serve" to sync by touching the trigger file.
func (a *app) notifyDaemon(ctx context.Context) {
	if a.cfg.Sync.TriggerFile == "" {
		return
	}
	if err := syncengine.Touch(a.cfg.Sync.TriggerFile); err != nil {
		log := logger.FromContext(ctx)
		log.Debug().Err(err).Msg("Could not touch sync trigger file")
	}
}
