// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package control is the command surface over the registry, the transports
// and the snapshot cache. Every exported method returns *Error on failure.
package control

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/notify"
	"github.com/ManuGH/mixlink/internal/registry"
	"github.com/ManuGH/mixlink/internal/vmix"
	"github.com/ManuGH/mixlink/internal/vmix/httpapi"
	"github.com/ManuGH/mixlink/internal/vmix/tcpapi"
	"github.com/rs/zerolog"
)

// Forgetter drops per-host scheduling state.
type Forgetter interface {
	Forget(host string)
}

// Deps wires a Service.
type Deps struct {
	Registry  *registry.Registry
	Notifier  *notify.Notifier
	Scheduler Forgetter
	Logger    zerolog.Logger
	HTTP      httpapi.Options
	TCP       tcpapi.Options
}

// OpenRequest describes one connection to open. Port 0 selects the
// transport's default port; a nil AutoRefresh selects the default settings.
type OpenRequest struct {
	Host        string
	Port        int
	Transport   mixer.Transport
	Label       string
	AutoRefresh *mixer.AutoRefresh
}

// ConnectionInfo pairs a registered connection with its current status.
type ConnectionInfo struct {
	Connection mixer.Connection     `json:"connection"`
	Status     mixer.StatusSnapshot `json:"status"`
}

type Service struct {
	reg    *registry.Registry
	notif  *notify.Notifier
	sched  Forgetter
	logger zerolog.Logger
	httpO  httpapi.Options
	tcpO   tcpapi.Options

	// parked holds configured connections that could not be opened, so they
	// survive a save of the connection set.
	mu     sync.Mutex
	parked []mixer.Connection
}

func New(d Deps) *Service {
	return &Service{
		reg:    d.Registry,
		notif:  d.Notifier,
		sched:  d.Scheduler,
		logger: xglog.Component(d.Logger, "control"),
		httpO:  d.HTTP,
		tcpO:   d.TCP,
	}
}

func (r OpenRequest) connection() (mixer.Connection, error) {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		return mixer.Connection{}, fmt.Errorf("%w: host is required", mixer.ErrConfig)
	}
	t, err := mixer.ParseTransport(string(r.Transport))
	if err != nil {
		return mixer.Connection{}, err
	}
	port := r.Port
	if port == 0 {
		port = t.DefaultPort()
	}
	if port < 1 || port > 65535 {
		return mixer.Connection{}, fmt.Errorf("%w: port %d out of range", mixer.ErrConfig, r.Port)
	}
	ar := mixer.DefaultAutoRefresh()
	if r.AutoRefresh != nil {
		ar = *r.AutoRefresh
	}
	if err := ar.Validate(); err != nil {
		return mixer.Connection{}, err
	}
	return mixer.Connection{Host: host, Port: port, Transport: t, Label: r.Label, AutoRefresh: ar}, nil
}

// Open connects to a host and registers it, replacing any existing
// registration of the same host. HTTP hosts are probed and, when reachable,
// fetched once; an unreachable HTTP host is still registered as disconnected
// and left to the scheduler. TCP hosts must accept the dial; the returned
// status is provisional until the first snapshot arrives.
func (s *Service) Open(ctx context.Context, req OpenRequest) (mixer.Connection, mixer.StatusSnapshot, error) {
	conn, err := req.connection()
	if err != nil {
		return mixer.Connection{}, mixer.StatusSnapshot{}, flatten(err)
	}
	var st mixer.StatusSnapshot
	switch conn.Transport {
	case mixer.TransportTCP:
		st, err = s.openTCP(ctx, conn)
	default:
		st, err = s.openHTTP(ctx, conn)
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Str(xglog.FieldHost, conn.Host).
			Str(xglog.FieldTransport, string(conn.Transport)).
			Str(xglog.FieldEvent, "control.open_failed").
			Msg("open failed")
		return mixer.Connection{}, mixer.StatusSnapshot{}, flatten(err)
	}
	s.unpark(conn.Host)
	s.logger.Info().
		Str(xglog.FieldHost, conn.Host).
		Str(xglog.FieldTransport, string(conn.Transport)).
		Str(xglog.FieldConnectivity, string(st.Connectivity)).
		Str(xglog.FieldEvent, "control.opened").
		Msg("connection opened")
	return conn, st, nil
}

func (s *Service) openHTTP(ctx context.Context, conn mixer.Connection) (mixer.StatusSnapshot, error) {
	client := httpapi.New(conn.Host, conn.Port, s.httpO, s.logger)

	var (
		state   mixer.State
		fetched bool
	)
	if client.Probe(ctx) {
		st, err := client.FetchSnapshot(ctx)
		if err == nil {
			state, fetched = st, true
		} else if ctx.Err() != nil {
			client.Close()
			return mixer.StatusSnapshot{}, err
		}
	}
	if ctx.Err() != nil {
		client.Close()
		return mixer.StatusSnapshot{}, ctx.Err()
	}

	if _, err := s.reg.Insert(ctx, registry.NewEntry(conn, client)); err != nil {
		client.Close()
		return mixer.StatusSnapshot{}, err
	}
	s.sched.Forget(conn.Host)

	if fetched {
		state.Status.Connectivity = mixer.Connected
		s.notif.Observe(ctx, conn.Host, state)
		return state.Status, nil
	}
	s.notif.ObserveStatus(ctx, conn.Host, func(prev mixer.StatusSnapshot) mixer.StatusSnapshot {
		return prev.WithConnectivity(mixer.Disconnected)
	})
	return s.notif.Cache().Status(conn.Host), nil
}

func (s *Service) openTCP(ctx context.Context, conn mixer.Connection) (mixer.StatusSnapshot, error) {
	refresh := &atomic.Pointer[mixer.AutoRefresh]{}
	ar := conn.AutoRefresh
	refresh.Store(&ar)

	// An existing session is shut down before the dial so two sessions never
	// run against one host. Its entry stays registered until the insert.
	old, found, err := s.reg.Get(ctx, conn.Host)
	if err != nil {
		return mixer.StatusSnapshot{}, err
	}
	stopped := found && old.Conn.Transport == mixer.TransportTCP
	if stopped {
		old.Device.Close()
	}

	sess, err := tcpapi.Dial(ctx, conn.Host, conn.Port, refresh, s.notif, s.logger, s.tcpO)
	if err != nil {
		if stopped {
			s.notif.ObserveStatus(context.WithoutCancel(ctx), conn.Host, func(prev mixer.StatusSnapshot) mixer.StatusSnapshot {
				return prev.WithConnectivity(mixer.Disconnected)
			})
		}
		return mixer.StatusSnapshot{}, err
	}
	if _, err := s.reg.Insert(ctx, registry.Entry{Conn: conn, Device: sess, Refresh: refresh}); err != nil {
		sess.Close()
		return mixer.StatusSnapshot{}, err
	}
	// A host moving from HTTP to TCP leaves the scheduler's set.
	s.sched.Forget(conn.Host)
	return provisional(), nil
}

func provisional() mixer.StatusSnapshot {
	return mixer.StatusSnapshot{Connectivity: mixer.Reconnecting}
}

// Close unregisters host and drops its cached state. Closing a host that is
// not registered succeeds.
func (s *Service) Close(ctx context.Context, host string) error {
	removed, err := s.reg.Remove(ctx, host)
	if err != nil {
		return flatten(err)
	}
	s.sched.Forget(host)
	s.notif.Forget(host)
	unparked := s.unpark(host)
	if removed || unparked {
		s.logger.Info().Str(xglog.FieldHost, host).Str(xglog.FieldEvent, "control.closed").Msg("connection closed")
	}
	return nil
}

func (s *Service) entry(ctx context.Context, host string) (registry.Entry, error) {
	e, ok, err := s.reg.Get(ctx, host)
	if err != nil {
		return registry.Entry{}, err
	}
	if !ok {
		return registry.Entry{}, fmt.Errorf("%w: host %q is not connected", mixer.ErrNotFound, host)
	}
	return e, nil
}

func (s *Service) statusOf(host string) mixer.StatusSnapshot {
	e, ok := s.notif.Cache().Get(host)
	if !ok || !e.Known() {
		return provisional()
	}
	return e.Status
}

// Connections lists every registered connection in registration order.
func (s *Service) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	entries, err := s.reg.List(ctx)
	if err != nil {
		return nil, flatten(err)
	}
	out := make([]ConnectionInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, ConnectionInfo{Connection: e.Conn, Status: s.statusOf(e.Conn.Host)})
	}
	return out, nil
}

// Status returns host's cached status.
func (s *Service) Status(ctx context.Context, host string) (mixer.StatusSnapshot, error) {
	if _, err := s.entry(ctx, host); err != nil {
		return mixer.StatusSnapshot{}, flatten(err)
	}
	return s.statusOf(host), nil
}

// AllStatus returns the cached status of every registered host.
func (s *Service) AllStatus(ctx context.Context) (map[string]mixer.StatusSnapshot, error) {
	entries, err := s.reg.List(ctx)
	if err != nil {
		return nil, flatten(err)
	}
	out := make(map[string]mixer.StatusSnapshot, len(entries))
	for _, e := range entries {
		out[e.Conn.Host] = s.statusOf(e.Conn.Host)
	}
	return out, nil
}

// Inputs returns host's cached input roster.
func (s *Service) Inputs(ctx context.Context, host string) ([]mixer.InputRecord, error) {
	if _, err := s.entry(ctx, host); err != nil {
		return nil, flatten(err)
	}
	e, _ := s.notif.Cache().Get(host)
	if e.Inputs == nil {
		return []mixer.InputRecord{}, nil
	}
	return e.Inputs, nil
}

// VideoLists returns host's cached video list inputs.
func (s *Service) VideoLists(ctx context.Context, host string) ([]mixer.VideoListInput, error) {
	if _, err := s.entry(ctx, host); err != nil {
		return nil, flatten(err)
	}
	e, _ := s.notif.Cache().Get(host)
	if e.VideoLists == nil {
		return []mixer.VideoListInput{}, nil
	}
	return e.VideoLists, nil
}

// Invoke calls a named remote function on host.
func (s *Service) Invoke(ctx context.Context, host, function string, params mixer.Params) error {
	if err := vmix.ValidateFunctionName(function); err != nil {
		return flatten(err)
	}
	e, err := s.entry(ctx, host)
	if err != nil {
		return flatten(err)
	}
	if err := e.Device.Invoke(ctx, function, params); err != nil {
		return flatten(err)
	}
	s.logger.Debug().
		Str(xglog.FieldHost, host).
		Str(xglog.FieldFunction, function).
		Str(xglog.FieldEvent, "control.invoked").
		Msg("function invoked")
	return nil
}

// SelectListItem selects the 0-based index of a video list input, then
// re-reads the device so the cache reflects the confirmed selection.
func (s *Service) SelectListItem(ctx context.Context, host, inputKey string, index int) (mixer.VideoListInput, error) {
	e, err := s.entry(ctx, host)
	if err != nil {
		return mixer.VideoListInput{}, flatten(err)
	}
	cached, _ := s.notif.Cache().Get(host)
	list, ok := mixer.State{VideoLists: cached.VideoLists}.FindVideoList(inputKey)
	if !ok {
		return mixer.VideoListInput{}, flatten(fmt.Errorf("%w: video list %q on %s", mixer.ErrNotFound, inputKey, host))
	}
	if index < 0 || index >= len(list.Items) {
		return mixer.VideoListInput{}, flatten(fmt.Errorf("%w: index %d outside list of %d items", mixer.ErrConfig, index, len(list.Items)))
	}

	if err := e.Device.Invoke(ctx, mixer.SelectIndexFunction, mixer.SelectIndexParams(inputKey, index)); err != nil {
		return mixer.VideoListInput{}, flatten(err)
	}
	st, err := e.Device.FetchSnapshot(ctx)
	if err != nil {
		return mixer.VideoListInput{}, flatten(err)
	}
	if _, reports := e.Device.(mixer.Reporter); !reports {
		st.Status.Connectivity = mixer.Connected
		s.notif.Observe(ctx, host, st)
	}

	updated, ok := st.FindVideoList(inputKey)
	if !ok {
		return mixer.VideoListInput{}, flatten(fmt.Errorf("%w: video list %q vanished on %s", mixer.ErrNotFound, inputKey, host))
	}
	if updated.SelectedIndex != index {
		s.logger.Debug().
			Str(xglog.FieldHost, host).
			Str(xglog.FieldInputKey, inputKey).
			Int("requested", index).
			Int("selected", updated.SelectedIndex).
			Str(xglog.FieldEvent, "control.select_unconfirmed").
			Msg("device did not confirm list selection")
	}
	return updated, nil
}

// AutoRefresh returns host's current auto refresh settings.
func (s *Service) AutoRefresh(ctx context.Context, host string) (mixer.AutoRefresh, error) {
	e, err := s.entry(ctx, host)
	if err != nil {
		return mixer.AutoRefresh{}, flatten(err)
	}
	if cfg := e.Refresh.Load(); cfg != nil {
		return *cfg, nil
	}
	return e.Conn.AutoRefresh, nil
}

// SetAutoRefresh replaces host's auto refresh settings. Both transports pick
// the change up on their next tick.
func (s *Service) SetAutoRefresh(ctx context.Context, host string, cfg mixer.AutoRefresh) error {
	return flatten(s.reg.SetAutoRefresh(ctx, host, cfg))
}

// SetLabel replaces host's display name.
func (s *Service) SetLabel(ctx context.Context, host, label string) error {
	return flatten(s.reg.SetLabel(ctx, host, label))
}

// Records returns the connection set to persist: registered connections in
// registration order followed by configured ones that failed to open.
func (s *Service) Records(ctx context.Context) ([]mixer.Connection, error) {
	entries, err := s.reg.List(ctx)
	if err != nil {
		return nil, flatten(err)
	}
	out := make([]mixer.Connection, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Conn)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parked {
		if !slices.ContainsFunc(out, func(c mixer.Connection) bool { return c.Host == p.Host }) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Restore opens every configured connection. Connections that cannot be
// opened are kept for Records; the returned error joins their failures.
func (s *Service) Restore(ctx context.Context, conns []mixer.Connection) error {
	var errs []error
	for _, c := range conns {
		ar := c.AutoRefresh
		_, _, err := s.Open(ctx, OpenRequest{
			Host:        c.Host,
			Port:        c.Port,
			Transport:   c.Transport,
			Label:       c.Label,
			AutoRefresh: &ar,
		})
		if err == nil {
			continue
		}
		if CodeOf(err) == CodeUnavailable {
			return err
		}
		s.park(c)
		errs = append(errs, fmt.Errorf("%s: %w", c.Host, err))
	}
	if len(errs) == 0 {
		return nil
	}
	return &Error{Code: CodeConnect, Message: errors.Join(errs...).Error()}
}

func (s *Service) park(c mixer.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parked = slices.DeleteFunc(s.parked, func(p mixer.Connection) bool { return p.Host == c.Host })
	s.parked = append(s.parked, c)
}

func (s *Service) unpark(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.parked)
	s.parked = slices.DeleteFunc(s.parked, func(p mixer.Connection) bool { return p.Host == host })
	return len(s.parked) != n
}
