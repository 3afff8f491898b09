// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scheduler drives periodic refreshes of HTTP hosts and owns their
// Connected -> Reconnecting -> Disconnected ladder.
package scheduler

import (
	"context"
	"sync"
	"time"

	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/metrics"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/registry"
	"github.com/ManuGH/mixlink/internal/snapshot"
	"github.com/rs/zerolog"
)

// Lister is the registry view the scheduler needs.
type Lister interface {
	ListTransport(ctx context.Context, t mixer.Transport) ([]registry.Entry, error)
}

// Observer receives refresh results. notify.Notifier implements it.
type Observer interface {
	Observe(ctx context.Context, host string, st mixer.State) snapshot.Diff
	ObserveStatus(ctx context.Context, host string, update func(prev mixer.StatusSnapshot) mixer.StatusSnapshot) snapshot.Diff
}

type flight struct {
	cancel context.CancelFunc
}

// RetryState is the per-host bookkeeping. It is reset on success.
type RetryState struct {
	NextDueAt           time.Time
	ConsecutiveFailures int
}

// Options tunes the scheduler. Zero values select the defaults.
type Options struct {
	Tick time.Duration
	// Backoffs is the wait before each try; its length is the number of tries.
	Backoffs []time.Duration
	// DisconnectAfter is the failure count at which a host is disconnected.
	DisconnectAfter int
	// ReconnectInterval caps the interval while a host is reconnecting.
	ReconnectInterval time.Duration
	Now               func() time.Time
}

var defaultBackoffs = []time.Duration{0, 500 * time.Millisecond, 1000 * time.Millisecond}

const (
	defaultTick              = time.Second
	defaultDisconnectAfter   = 3
	defaultReconnectInterval = 2 * time.Second
)

func (o Options) normalize() Options {
	if o.Tick <= 0 {
		o.Tick = defaultTick
	}
	if len(o.Backoffs) == 0 {
		o.Backoffs = defaultBackoffs
	}
	if o.DisconnectAfter <= 0 {
		o.DisconnectAfter = defaultDisconnectAfter
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = defaultReconnectInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Scheduler runs one loop on a fixed tick. Each due host is refreshed in its
// own goroutine so a slow host never delays the others.
type Scheduler struct {
	reg    Lister
	obs    Observer
	logger zerolog.Logger
	opts   Options

	mu       sync.Mutex
	retry    map[string]*RetryState
	inflight map[string]*flight
	wg       sync.WaitGroup
}

func New(reg Lister, obs Observer, logger zerolog.Logger, opts Options) *Scheduler {
	return &Scheduler{
		reg:      reg,
		obs:      obs,
		logger:   xglog.Component(logger, "scheduler"),
		opts:     opts.normalize(),
		retry:    make(map[string]*RetryState),
		inflight: make(map[string]*flight),
	}
}

// Run ticks until ctx is done, then waits for in-flight refreshes.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.opts.Tick).Str(xglog.FieldEvent, "scheduler.started").Msg("auto refresh scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info().Str(xglog.FieldEvent, "scheduler.stopped").Msg("auto refresh scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a refresh for every enabled, due host without one in flight and
// forgets hosts that are no longer registered.
func (s *Scheduler) Tick(ctx context.Context) {
	entries, err := s.reg.ListTransport(ctx, mixer.TransportHTTP)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, "scheduler.list_failed").Msg("cannot list connections")
		}
		return
	}

	now := s.opts.Now()
	live := make(map[string]struct{}, len(entries))

	s.mu.Lock()
	for _, e := range entries {
		host := e.Conn.Host
		live[host] = struct{}{}

		cfg := e.Conn.AutoRefresh
		if e.Refresh != nil {
			if p := e.Refresh.Load(); p != nil {
				cfg = *p
			}
		}
		if !cfg.Enabled {
			continue
		}
		rs, ok := s.retry[host]
		if !ok {
			rs = &RetryState{}
			s.retry[host] = rs
		}
		if _, busy := s.inflight[host]; busy || now.Before(rs.NextDueAt) {
			continue
		}

		hostCtx, cancel := context.WithCancel(ctx)
		f := &flight{cancel: cancel}
		s.inflight[host] = f
		s.wg.Add(1)
		go func(e registry.Entry, interval time.Duration) {
			defer s.wg.Done()
			defer cancel()
			s.Refresh(hostCtx, e.Device, interval)
			s.mu.Lock()
			if s.inflight[e.Conn.Host] == f {
				delete(s.inflight, e.Conn.Host)
			}
			s.mu.Unlock()
		}(e, cfg.Interval)
	}
	for host := range s.retry {
		if _, ok := live[host]; !ok {
			s.forgetLocked(host)
		}
	}
	s.mu.Unlock()
}

// Forget cancels any refresh in flight for host and drops its retry state.
func (s *Scheduler) Forget(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(host)
}

func (s *Scheduler) forgetLocked(host string) {
	if f, ok := s.inflight[host]; ok {
		f.cancel()
		delete(s.inflight, host)
	}
	delete(s.retry, host)
}

// Retry returns a copy of host's retry state.
func (s *Scheduler) Retry(host string) (RetryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.retry[host]
	if !ok {
		return RetryState{}, false
	}
	return *rs, true
}

// Refresh performs one refresh of dev: up to len(Backoffs) tries, each a
// Probe followed by FetchSnapshot. The outcome is written through the
// observer and returned. A cancelled refresh writes nothing and returns "".
func (s *Scheduler) Refresh(ctx context.Context, dev mixer.Device, interval time.Duration) mixer.Connectivity {
	host := dev.Host()
	logger := xglog.ForHost(s.logger, host, string(dev.Transport()))

	var (
		st    mixer.State
		ok    bool
		tries int
	)
	for i, wait := range s.opts.Backoffs {
		if err := sleepWithContext(ctx, wait); err != nil {
			return ""
		}
		tries = i + 1
		if !dev.Probe(ctx) {
			logger.Debug().Int(xglog.FieldAttempt, tries).Str(xglog.FieldEvent, "scheduler.probe_failed").Msg("probe failed")
			continue
		}
		var err error
		st, err = dev.FetchSnapshot(ctx)
		if err != nil {
			logger.Debug().Err(err).Int(xglog.FieldAttempt, tries).Str(xglog.FieldEvent, "scheduler.fetch_failed").Msg("snapshot fetch failed")
			continue
		}
		ok = true
		break
	}
	if ctx.Err() != nil {
		return ""
	}
	metrics.SchedulerTries.Observe(float64(tries))

	s.mu.Lock()
	rs, known := s.retry[host]
	if !known {
		rs = &RetryState{}
		s.retry[host] = rs
	}
	var next mixer.Connectivity
	if ok {
		rs.ConsecutiveFailures = 0
		next = mixer.Connected
	} else {
		rs.ConsecutiveFailures++
		next = mixer.Reconnecting
		if rs.ConsecutiveFailures >= s.opts.DisconnectAfter {
			next = mixer.Disconnected
		}
	}
	due := interval
	if next == mixer.Reconnecting && due > s.opts.ReconnectInterval {
		due = s.opts.ReconnectInterval
	}
	rs.NextDueAt = s.opts.Now().Add(due)
	failures := rs.ConsecutiveFailures
	s.mu.Unlock()

	if ok {
		metrics.SchedulerRefreshTotal.WithLabelValues("success").Inc()
		st.Status.Connectivity = mixer.Connected
		s.obs.Observe(ctx, host, st)
		return next
	}

	metrics.SchedulerRefreshTotal.WithLabelValues("failure").Inc()
	logger.Warn().
		Int(xglog.FieldFailures, failures).
		Str(xglog.FieldConnectivity, string(next)).
		Str(xglog.FieldEvent, "scheduler.refresh_failed").
		Msg("refresh failed")
	s.obs.ObserveStatus(ctx, host, func(prev mixer.StatusSnapshot) mixer.StatusSnapshot {
		return prev.WithConnectivity(next)
	})
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
