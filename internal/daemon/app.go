// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon owns the process lifecycle: it restores configured
// connections, runs the scheduler, API and sinks, applies config reloads and
// persists the connection set on shutdown.
package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/mixlink/internal/api"
	"github.com/ManuGH/mixlink/internal/bus"
	"github.com/ManuGH/mixlink/internal/config"
	"github.com/ManuGH/mixlink/internal/control"
	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/notify"
	"github.com/ManuGH/mixlink/internal/registry"
	"github.com/ManuGH/mixlink/internal/scheduler"
	"github.com/ManuGH/mixlink/internal/telemetry"
	"github.com/rs/zerolog"
)

const closeTimeout = 5 * time.Second

// App owns the long-lived runtime. Build it with New.
type App struct {
	logger       zerolog.Logger
	loader       *config.Loader
	holder       *config.Holder
	reloads      chan config.Config
	bus          bus.Bus
	reg          *registry.Registry
	sched        *scheduler.Scheduler
	svc          *control.Service
	api          *api.Server
	sink         *notify.RedisSink
	telemetry    *telemetry.Provider
	listener     net.Listener
	reloadSignal os.Signal
}

// Control exposes the command surface, mainly for embedding and tests.
func (a *App) Control() *control.Service {
	return a.svc
}

// Run restores the configured connections, then blocks until ctx is
// cancelled or a subsystem fails. The connection set is saved before
// returning.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	// The sink subscribes before Restore so the first observation of every
	// restored host reaches Redis.
	var sinkSub bus.Subscriber
	if a.sink != nil {
		sub, err := a.sink.Subscribe(ctx, a.bus)
		if err != nil {
			return err
		}
		sinkSub = sub
	}

	if err := a.svc.Restore(ctx, a.holder.Get().ConnectionList()); err != nil {
		if control.CodeOf(err) == control.CodeUnavailable {
			if sinkSub != nil {
				_ = sinkSub.Close()
			}
			return err
		}
		a.logger.Warn().Err(err).Str(xglog.FieldEvent, "daemon.restore_partial").Msg("some configured connections could not be opened")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sched.Run(gctx) })

	g.Go(func() error {
		if a.listener != nil {
			return a.api.Serve(gctx, a.listener)
		}
		return a.api.Run(gctx)
	})

	if sinkSub != nil {
		g.Go(func() error { return a.sink.Run(gctx, sinkSub) })
	}

	// Config watcher is best-effort: a watcher failure must not stop the daemon.
	g.Go(func() error {
		if err := a.holder.Watch(gctx); err != nil {
			a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
		}
		return nil
	})

	g.Go(func() error {
		prev := a.holder.Get()
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-a.reloads:
				a.applyConfig(gctx, prev, next)
				prev = next
			}
		}
	})

	// SIGHUP trigger for manual reload.
	if a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str(xglog.FieldEvent, "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")
					_ = a.holder.Reload(gctx)
				}
			}
		})
	}

	err := g.Wait()
	a.persist()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// persist writes the current connection set back to the config file,
// keeping the file's other settings. Environment overrides are not written.
func (a *App) persist() {
	path := a.loader.Path()
	if path == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	records, err := a.svc.Records(ctx)
	if err != nil {
		a.logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.persist_failed").Msg("failed to list connections")
		return
	}
	base, err := a.loader.LoadFile()
	if err != nil {
		a.logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.persist_failed").Str("path", path).Msg("config file unreadable, connections not saved")
		return
	}
	if err := config.Save(path, base.WithConnections(records)); err != nil {
		a.logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.persist_failed").Str("path", path).Msg("failed to save connections")
		return
	}
	a.logger.Info().Str(xglog.FieldEvent, "daemon.persisted").Int("connections", len(records)).Str("path", path).Msg("connections saved")
}

func (a *App) close() {
	a.reg.Stop()
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn().Err(err).Str(xglog.FieldEvent, "redis.close_failed").Msg("failed to close redis sink")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Str(xglog.FieldEvent, "telemetry.shutdown_failed").Msg("failed to flush traces")
	}
	a.logger.Info().Str(xglog.FieldEvent, "daemon.stopped").Msg("daemon stopped")
}
