// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"
	"syscall"

	"github.com/ManuGH/mixlink/internal/api"
	"github.com/ManuGH/mixlink/internal/bus"
	"github.com/ManuGH/mixlink/internal/config"
	"github.com/ManuGH/mixlink/internal/control"
	"github.com/ManuGH/mixlink/internal/health"
	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/notify"
	"github.com/ManuGH/mixlink/internal/registry"
	"github.com/ManuGH/mixlink/internal/scheduler"
	"github.com/ManuGH/mixlink/internal/snapshot"
	"github.com/ManuGH/mixlink/internal/telemetry"
	"github.com/ManuGH/mixlink/internal/vmix/httpapi"
	"github.com/ManuGH/mixlink/internal/vmix/tcpapi"
	"golang.org/x/time/rate"
)

const (
	serviceName = "mixlink"
	busBuffer   = 256
)

// New builds the runtime graph from d. Nothing runs until App.Run.
func New(ctx context.Context, d Deps) (*App, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	cfg := d.Config

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: d.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var sink *notify.RedisSink
	if cfg.Redis.Addr != "" {
		sink, err = notify.NewRedisSink(notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, d.Logger)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("init redis sink: %w", err)
		}
	}

	b := bus.NewMemoryBus(d.Logger, busBuffer)
	notif := notify.New(snapshot.New(), b, d.Logger)
	reg := registry.New(d.Logger)
	sched := scheduler.New(reg, notif, d.Logger, scheduler.Options{Tick: cfg.Scheduler.Tick})

	svc := control.New(control.Deps{
		Registry:  reg,
		Notifier:  notif,
		Scheduler: sched,
		Logger:    d.Logger,
		HTTP: httpapi.Options{
			Timeout:    cfg.Device.HTTPTimeout,
			MaxRetries: cfg.Device.HTTPRetries,
			Username:   cfg.Device.Username,
			Password:   cfg.Device.Password,
			UserAgent:  serviceName + "/" + d.Version,
			RateLimit:  rate.Limit(cfg.Device.HTTPRateLimit),
		},
		TCP: tcpapi.Options{DialTimeout: cfg.Device.TCPDialTimeout},
	})

	hm := health.NewManager(d.Version, d.Logger)
	hm.RegisterChecker(health.NewConnectivityChecker(svc.AllStatus))
	hm.RegisterChecker(health.NewFileChecker("config", d.Loader.Path()))

	tracing := ""
	if cfg.Telemetry.Enabled {
		tracing = serviceName
	}
	srv := api.New(api.Config{
		Listen:          cfg.API.Listen,
		RateLimit:       cfg.API.RateLimit,
		TracingService:  tracing,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, api.Deps{
		Control: svc,
		Bus:     b,
		Health:  hm,
		Logger:  d.Logger,
	})

	holder := config.NewHolder(cfg, d.Loader, d.Logger)
	reloads := make(chan config.Config, 1)
	holder.RegisterListener(reloads)

	return &App{
		logger:       xglog.Component(d.Logger, "daemon"),
		loader:       d.Loader,
		holder:       holder,
		reloads:      reloads,
		bus:          b,
		reg:          reg,
		sched:        sched,
		svc:          svc,
		api:          srv,
		sink:         sink,
		telemetry:    tp,
		listener:     d.Listener,
		reloadSignal: syscall.SIGHUP,
	}, nil
}
