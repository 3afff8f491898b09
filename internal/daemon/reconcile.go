// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"

	"github.com/ManuGH/mixlink/internal/config"
	"github.com/ManuGH/mixlink/internal/control"
	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/mixer"
)

// plan is the set of steps that moves the runtime from one configured
// connection list to the next.
type plan struct {
	Close  []string
	Open   []mixer.Connection
	Update []mixer.Connection
}

func (p plan) empty() bool {
	return len(p.Close) == 0 && len(p.Open) == 0 && len(p.Update) == 0
}

// diffConnections compares two configured lists by host. A changed
// transport or port reopens the host; label and auto refresh changes are
// applied in place.
func diffConnections(prev, next []mixer.Connection) plan {
	var p plan
	before := make(map[string]mixer.Connection, len(prev))
	for _, c := range prev {
		before[c.Host] = c
	}
	after := make(map[string]bool, len(next))
	for _, c := range next {
		after[c.Host] = true
		old, ok := before[c.Host]
		switch {
		case !ok || old.Transport != c.Transport || old.Port != c.Port:
			p.Open = append(p.Open, c)
		case old.Label != c.Label || old.AutoRefresh != c.AutoRefresh:
			p.Update = append(p.Update, c)
		}
	}
	for _, c := range prev {
		if !after[c.Host] {
			p.Close = append(p.Close, c.Host)
		}
	}
	return p
}

// applyConfig applies a reloaded connection list. Failures are logged per
// host; the rest of the plan still runs.
func (a *App) applyConfig(ctx context.Context, prev, next config.Config) {
	p := diffConnections(prev.ConnectionList(), next.ConnectionList())
	if p.empty() {
		return
	}
	a.logger.Info().
		Str(xglog.FieldEvent, "daemon.apply_config").
		Int("close", len(p.Close)).
		Int("open", len(p.Open)).
		Int("update", len(p.Update)).
		Msg("applying reloaded connections")

	for _, host := range p.Close {
		if err := a.svc.Close(ctx, host); err != nil {
			a.logApplyError(err, host, "close")
		}
	}
	for _, c := range p.Open {
		ar := c.AutoRefresh
		_, _, err := a.svc.Open(ctx, control.OpenRequest{
			Host:        c.Host,
			Port:        c.Port,
			Transport:   c.Transport,
			Label:       c.Label,
			AutoRefresh: &ar,
		})
		if err != nil {
			a.logApplyError(err, c.Host, "open")
		}
	}
	for _, c := range p.Update {
		if err := a.svc.SetAutoRefresh(ctx, c.Host, c.AutoRefresh); err != nil {
			a.logApplyError(err, c.Host, "auto_refresh")
		}
		if err := a.svc.SetLabel(ctx, c.Host, c.Label); err != nil {
			a.logApplyError(err, c.Host, "label")
		}
	}
}

func (a *App) logApplyError(err error, host, step string) {
	a.logger.Warn().
		Err(err).
		Str(xglog.FieldHost, host).
		Str("step", step).
		Str(xglog.FieldEvent, "daemon.apply_failed").
		Msg("could not apply reloaded connection")
}
