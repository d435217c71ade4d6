package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/foldersyncd/internal/activation"
	"github.com/schaermu/foldersyncd/internal/daemon"
	"github.com/schaermu/foldersyncd/internal/hashing"
	"github.com/schaermu/foldersyncd/internal/mount"
	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/server"
	"github.com/schaermu/foldersyncd/internal/sync"
	"github.com/schaermu/foldersyncd/internal/watcher"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	return serve(ctx, a)
}

// serve runs the daemon until ctx is done.
func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	cache, err := hashing.NewLRU(a.store, cfg.Sync.HashCacheSize)
	if err != nil {
		return err
	}
	engine := sync.NewEngine(cfg, a.store, cache, mount.NewClient(), logger)

	hub := server.NewHub(logger)
	// Runs only start after the watcher below is assigned.
	var w *watcher.Watcher
	runner := daemon.NewRunner(engine, daemon.Options{
		Debounce: cfg.Serve.Debounce,
		OnStart: func(scope string) {
			w.Begin(scope)
		},
		Sinks: func(scope string) progress.Sink {
			return progress.Throttle(
				progress.Tee(progress.Log(logger.With("scope", scope)), hub.Sink(scope)),
				cfg.Sync.ProgressInterval,
			)
		},
		OnReport: func(scope string, report *sync.Report, err error) {
			w.Settle(scope, report.Touched())
			if report == nil || report.Result == nil {
				return
			}
			if n := len(report.Plan.Skipped); n > 0 {
				logger.Warnw("conflicts left unresolved", "scope", scope, "skipped", n)
			}
		},
	}, logger)
	defer runner.Close()

	g, gctx := errgroup.WithContext(ctx)

	watched := 0
	w, err = watcher.New(runner, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()
	for _, scope := range cfg.Scopes() {
		if !scope.Watch {
			continue
		}
		if err := w.Add(scope.ID, scope.Source, scope.Target); err != nil {
			// An unplugged device is not fatal; its scope is synced on request.
			logger.Warnw("not watching scope", "scope", scope.ID, "error", err)
			continue
		}
		watched++
	}
	if watched > 0 {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if cfg.Serve.Enabled {
		srv, err := server.NewServer(cfg, runner, hub, logger)
		if err != nil {
			return err
		}
		ln, activated, err := activation.Listen(cfg.Serve.ListenAddr, "foldersyncd")
		if err != nil {
			return err
		}
		if activated {
			logger.Infow("using systemd-activated socket", "addr", ln.Addr().String())
		}
		g.Go(func() error {
			return srv.Serve(gctx, ln)
		})
	} else if watched == 0 {
		return errors.WithHint(
			errors.New("nothing to serve"),
			"enable serve or set watch on at least one profile or device",
		)
	}

	logger.Info("performing initial sync of every scope")
	for _, scope := range cfg.Scopes() {
		runner.Submit(scope.ID, sync.Options{})
	}

	g.Go(func() error {
		<-gctx.Done()
		runner.Close()
		return nil
	})
	return g.Wait()
}
