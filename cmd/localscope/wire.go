package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"localscope/internal/config"
	"localscope/internal/history"
	"localscope/internal/logging"
	"localscope/internal/scan"
)

// openHistory builds the configured history backend and loads it. The
// returned function releases backend resources. A load error is returned with
// a usable, empty store.
func openHistory(ctx context.Context, cfg *config.Config) (*history.Store, func(), error) {
	var (
		backend history.Backend
		closer  = func() {}
	)

	switch cfg.History.Backend {
	case config.BackendPostgres:
		pool, err := history.NewDB(ctx, cfg.History.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := history.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		pg := history.NewPostgresBackend(pool)
		backend, closer = pg, pg.Close
	default:
		path, err := cfg.HistoryPath()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve history path: %w", err)
		}
		backend = history.NewFileBackend(path)
	}

	// An unreadable history is reported but does not block scanning; the next
	// save replaces it.
	store := history.NewStore(backend, cfg.History.Limit)
	return store, closer, store.Load(ctx)
}

// newManager wires the scan stages selected by cfg.
func newManager(cfg *config.Config, store *history.Store) (*scan.Manager, error) {
	opts := scan.Options{
		Resolver: scan.InterfaceResolver{Preferred: cfg.Interface},
		Prober: scan.TCPProber{
			Timeout:        cfg.Probe.Timeout,
			MaxConcurrency: cfg.Probe.MaxConcurrency,
		},
		History: store,
	}

	switch cfg.Sweep.Method {
	case config.SweepCommand:
		opts.Sweeper = scan.CommandSweeper{Timeout: cfg.Sweep.Timeout}
	case config.SweepARP:
		// The ARP socket is bound up front, so the interface is resolved here.
		local, err := scan.ResolveLocal(cfg.Interface)
		if err != nil {
			return nil, err
		}
		sweeper := scan.NewARPSweeper(local.Interface, 0)
		opts.Sweeper = sweeper
		opts.Neighbors = sweeper
	default:
		opts.Sweeper = scan.ICMPSweeper{Timeout: cfg.Sweep.Timeout}
	}

	if cfg.MDNS.Enabled {
		opts.Namer = scan.MDNSNamer{Timeout: cfg.MDNS.Timeout}
	}

	logging.Debug("scan pipeline configured",
		zap.String("sweep", cfg.Sweep.Method),
		zap.Duration("probe_timeout", cfg.Probe.Timeout),
		zap.Bool("mdns", cfg.MDNS.Enabled),
		zap.String("history", cfg.History.Backend))
	return scan.NewManager(opts), nil
}

// openManager opens history and builds a manager over it.
func (a *app) openManager(ctx context.Context) (*scan.Manager, func(), error) {
	store, closeStore, err := openHistory(ctx, a.cfg)
	if store == nil {
		return nil, nil, err
	}
	if err != nil {
		logging.Warn("history unavailable", zap.Error(err))
		fmt.Fprintf(a.out, "warning: %v\n", err)
	}
	manager, err := newManager(a.cfg, store)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return manager, closeStore, nil
}
