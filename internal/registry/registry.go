// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package registry owns every open connection handle. One goroutine holds the
// authoritative http and tcp sets; callers reach it only through requests.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/metrics"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/rs/zerolog"
)

// ErrStopped is returned for requests sent after Stop.
var ErrStopped = errors.New("registry: stopped")

// Entry is one registered connection. Refresh is shared with the transport
// (the TCP sender reads it every tick); Conn.AutoRefresh mirrors it.
type Entry struct {
	Conn    mixer.Connection
	Device  mixer.Device
	Refresh *atomic.Pointer[mixer.AutoRefresh]
}

// NewEntry builds an entry whose refresh pointer starts at conn.AutoRefresh.
func NewEntry(conn mixer.Connection, dev mixer.Device) Entry {
	p := &atomic.Pointer[mixer.AutoRefresh]{}
	cfg := conn.AutoRefresh
	p.Store(&cfg)
	return Entry{Conn: conn, Device: dev, Refresh: p}
}

type sets struct {
	byTransport map[mixer.Transport]map[string]*Entry
	order       []string
}

func (s *sets) find(host string) (*Entry, mixer.Transport, bool) {
	for t, set := range s.byTransport {
		if e, ok := set[host]; ok {
			return e, t, true
		}
	}
	return nil, "", false
}

func (s *sets) remove(host string) (*Entry, bool) {
	e, t, ok := s.find(host)
	if !ok {
		return nil, false
	}
	delete(s.byTransport[t], host)
	s.order = slices.DeleteFunc(s.order, func(h string) bool { return h == host })
	return e, true
}

func (s *sets) publishGauges() {
	for t, set := range s.byTransport {
		metrics.RegistryConnections.WithLabelValues(string(t)).Set(float64(len(set)))
	}
}

type request struct {
	fn   func(*sets)
	done chan struct{}
}

// Registry is the connection registry actor. Handlers run on the actor
// goroutine and never perform network I/O; Device.Close is non-blocking.
type Registry struct {
	reqs     chan request
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New starts the actor goroutine.
func New(logger zerolog.Logger) *Registry {
	r := &Registry{
		reqs:    make(chan request),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  xglog.Component(logger, "registry"),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)
	s := &sets{byTransport: map[mixer.Transport]map[string]*Entry{
		mixer.TransportHTTP: {},
		mixer.TransportTCP:  {},
	}}
	for {
		select {
		case req := <-r.reqs:
			req.fn(s)
			close(req.done)
		case <-r.quit:
			for _, host := range s.order {
				if e, _, ok := s.find(host); ok {
					e.Device.Close()
				}
			}
			s.byTransport[mixer.TransportHTTP] = map[string]*Entry{}
			s.byTransport[mixer.TransportTCP] = map[string]*Entry{}
			s.order = nil
			s.publishGauges()
			return
		}
	}
}

func (r *Registry) do(ctx context.Context, fn func(*sets)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case r.reqs <- req:
	case <-r.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// Insert stores e under its transport. An existing entry for the same host,
// under either transport, is removed first and its device closed. The
// replaced entry is returned.
func (r *Registry) Insert(ctx context.Context, e Entry) (*Entry, error) {
	if e.Device == nil || e.Conn.Host == "" {
		return nil, fmt.Errorf("%w: registry entry needs a host and a device", mixer.ErrConfig)
	}
	if _, err := mixer.ParseTransport(string(e.Conn.Transport)); err != nil {
		return nil, err
	}
	if e.Refresh == nil {
		e = NewEntry(e.Conn, e.Device)
	}

	var replaced *Entry
	err := r.do(ctx, func(s *sets) {
		pos := slices.Index(s.order, e.Conn.Host)
		if old, ok := s.remove(e.Conn.Host); ok {
			if old.Device != e.Device {
				old.Device.Close()
			}
			cp := *old
			replaced = &cp
		}
		stored := e
		s.byTransport[e.Conn.Transport][e.Conn.Host] = &stored
		if pos >= 0 && pos <= len(s.order) {
			s.order = slices.Insert(s.order, pos, e.Conn.Host)
		} else {
			s.order = append(s.order, e.Conn.Host)
		}
		s.publishGauges()
	})
	if err != nil {
		return nil, err
	}

	ev := r.logger.Info().
		Str(xglog.FieldHost, e.Conn.Host).
		Str(xglog.FieldTransport, string(e.Conn.Transport)).
		Str(xglog.FieldEvent, "registry.inserted")
	if replaced != nil {
		ev = ev.Str("replaced_transport", string(replaced.Conn.Transport))
	}
	ev.Msg("connection registered")
	return replaced, nil
}

// Remove drops host from whichever set holds it and closes its device.
// Removing an unknown host succeeds and reports false.
func (r *Registry) Remove(ctx context.Context, host string) (bool, error) {
	var removed bool
	err := r.do(ctx, func(s *sets) {
		old, ok := s.remove(host)
		if !ok {
			return
		}
		old.Device.Close()
		removed = true
		s.publishGauges()
	})
	if err != nil {
		return false, err
	}
	if removed {
		r.logger.Info().Str(xglog.FieldHost, host).Str(xglog.FieldEvent, "registry.removed").Msg("connection removed")
	}
	return removed, nil
}

// Get returns a copy of host's entry.
func (r *Registry) Get(ctx context.Context, host string) (Entry, bool, error) {
	var out Entry
	var found bool
	err := r.do(ctx, func(s *sets) {
		if e, _, ok := s.find(host); ok {
			out, found = *e, true
		}
	})
	return out, found, err
}

// List returns copies of all entries in registration order.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := r.do(ctx, func(s *sets) {
		out = make([]Entry, 0, len(s.order))
		for _, host := range s.order {
			if e, _, ok := s.find(host); ok {
				out = append(out, *e)
			}
		}
	})
	return out, err
}

// ListTransport is List restricted to one transport set.
func (r *Registry) ListTransport(ctx context.Context, t mixer.Transport) ([]Entry, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(e Entry) bool { return e.Conn.Transport != t }), nil
}

// SetAutoRefresh replaces host's auto refresh config. The transport sees the
// new value on its next tick.
func (r *Registry) SetAutoRefresh(ctx context.Context, host string, cfg mixer.AutoRefresh) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	found := false
	err := r.do(ctx, func(s *sets) {
		e, _, ok := s.find(host)
		if !ok {
			return
		}
		c := cfg
		e.Conn.AutoRefresh = c
		e.Refresh.Store(&c)
		found = true
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: host %q", mixer.ErrNotFound, host)
	}
	r.logger.Debug().
		Str(xglog.FieldHost, host).
		Bool("enabled", cfg.Enabled).
		Dur("interval", cfg.Interval).
		Str(xglog.FieldEvent, "registry.auto_refresh_set").
		Msg("auto refresh updated")
	return nil
}

// SetLabel replaces host's display name.
func (r *Registry) SetLabel(ctx context.Context, host, label string) error {
	found := false
	err := r.do(ctx, func(s *sets) {
		if e, _, ok := s.find(host); ok {
			e.Conn.Label = label
			found = true
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: host %q", mixer.ErrNotFound, host)
	}
	return nil
}

// Stop closes every device and ends the actor. It is idempotent and waits
// for the actor to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.stopped
}
