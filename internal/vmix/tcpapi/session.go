// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package tcpapi is the persistent TCP event session to a device: one socket,
// a sender loop for periodic snapshot requests and a receiver loop that turns
// frames into cache observations.
package tcpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/metrics"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/snapshot"
	"github.com/ManuGH/mixlink/internal/vmix"
	"github.com/rs/zerolog"
)

// State is the session lifecycle position. Disconnected is terminal.
type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Observer receives everything the receiver decodes. notify.Notifier is the
// production implementation.
type Observer interface {
	Observe(ctx context.Context, host string, st mixer.State) snapshot.Diff
	ObserveStatus(ctx context.Context, host string, update func(prev mixer.StatusSnapshot) mixer.StatusSnapshot) snapshot.Diff
}

// Options tunes the session timings. Zero values select the defaults.
type Options struct {
	DialTimeout     time.Duration
	ReadDeadline    time.Duration
	WriteTimeout    time.Duration
	SendTick        time.Duration
	MaxSendFailures int
	MaxReadErrors   int
	// DialContext replaces the default dialer.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)
}

const (
	defaultDialTimeout     = 3 * time.Second
	defaultReadDeadline    = 250 * time.Millisecond
	defaultWriteTimeout    = 2 * time.Second
	defaultSendTick        = time.Second
	defaultMaxSendFailures = 3
	defaultMaxReadErrors   = 3
	quitWriteTimeout       = 100 * time.Millisecond
	readBufferSize         = 64 << 10
)

func (o Options) normalize() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.ReadDeadline <= 0 {
		o.ReadDeadline = defaultReadDeadline
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.SendTick <= 0 {
		o.SendTick = defaultSendTick
	}
	if o.MaxSendFailures <= 0 {
		o.MaxSendFailures = defaultMaxSendFailures
	}
	if o.MaxReadErrors <= 0 {
		o.MaxReadErrors = defaultMaxReadErrors
	}
	return o
}

// Session owns one TCP connection. Both loops share ctx; once it is cancelled
// the receiver exits within one read deadline and the sender within one tick,
// and neither writes to the observer again.
type Session struct {
	host    string
	port    int
	conn    net.Conn
	opts    Options
	refresh *atomic.Pointer[mixer.AutoRefresh]
	obs     Observer
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	state   atomic.Int32
	endOnce sync.Once
	orderly atomic.Bool
	version atomic.Value // string

	writeMu sync.Mutex

	// The device answers XML requests in order, so the n-th XML frame is the
	// reply to the n-th request. Guarded by waitMu.
	waitMu  sync.Mutex
	waiters []xmlWaiter
	xmlSent uint64
	xmlSeen uint64
	last    mixer.State
	lastSeq uint64
}

type xmlWaiter struct {
	seq uint64
	ch  chan mixer.State
}

// Dial connects to host:port and starts the loops. refresh is read on every
// sender tick, so updates through the pointer apply without restarting the
// session. A failed dial returns an ErrConnect error and no session.
func Dial(ctx context.Context, host string, port int, refresh *atomic.Pointer[mixer.AutoRefresh], obs Observer, logger zerolog.Logger, opts Options) (*Session, error) {
	if port <= 0 {
		port = mixer.TransportTCP.DefaultPort()
	}
	opts = opts.normalize()
	logger = xglog.ForHost(xglog.Component(logger, "tcpapi"), host, string(mixer.TransportTCP))
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dial := opts.DialContext
	if dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		dial = d.DialContext
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	conn, err := dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Str(xglog.FieldAddr, addr).Str(xglog.FieldEvent, "tcp.dial_failed").Msg("tcp connect failed")
		return nil, mixer.NewError(mixer.ErrConnect, "dial", host, err)
	}

	if refresh == nil {
		refresh = &atomic.Pointer[mixer.AutoRefresh]{}
		def := mixer.DefaultAutoRefresh()
		refresh.Store(&def)
	}

	s := &Session{
		host:    host,
		port:    port,
		conn:    conn,
		opts:    opts,
		refresh: refresh,
		obs:     obs,
		logger:  logger,
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.version.Store("")
	s.state.Store(int32(StateConnecting))
	s.setState(StateEstablished)

	if _, err := s.requestXML(); err != nil {
		s.cancel()
		_ = conn.Close()
		return nil, mixer.NewError(mixer.ErrConnect, "dial", host, err)
	}

	metrics.TCPSessionsActive.Inc()
	s.wg.Add(2)
	go s.receiveLoop()
	go s.sendLoop()
	go func() {
		s.wg.Wait()
		metrics.TCPSessionsActive.Dec()
		close(s.done)
	}()

	logger.Info().Str(xglog.FieldAddr, addr).Str(xglog.FieldEvent, "tcp.connected").Msg("tcp session established")
	return s, nil
}

func (s *Session) Host() string { return s.host }

func (s *Session) Port() int { return s.port }

func (s *Session) Transport() mixer.Transport { return mixer.TransportTCP }

// State returns the current lifecycle position.
func (s *Session) State() State { return State(s.state.Load()) }

// Version is the device version announced in the greeting, if seen yet.
func (s *Session) Version() string { return s.version.Load().(string) }

// Done is closed once both loops have exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Probe reports whether the session is still alive.
func (s *Session) Probe(context.Context) bool {
	return s.State() != StateDisconnected
}

// FetchSnapshot requests a state document and waits for the reply to that
// request. Replies to earlier requests are not taken for it.
func (s *Session) FetchSnapshot(ctx context.Context) (mixer.State, error) {
	const op = "fetch_snapshot"
	if s.State() == StateDisconnected {
		return mixer.State{}, mixer.NewError(mixer.ErrTransport, op, s.host, errSessionClosed)
	}

	seq, err := s.requestXML()
	if err != nil {
		return mixer.State{}, mixer.NewError(mixer.ErrTransport, op, s.host, err)
	}

	ch := make(chan mixer.State, 1)
	s.waitMu.Lock()
	if s.lastSeq >= seq {
		st := s.last
		s.waitMu.Unlock()
		return st, nil
	}
	s.waiters = append(s.waiters, xmlWaiter{seq: seq, ch: ch})
	s.waitMu.Unlock()
	defer s.dropWaiter(ch)

	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return mixer.State{}, mixer.NewError(mixer.ErrTransport, op, s.host, ctx.Err())
	case <-s.ctx.Done():
		return mixer.State{}, mixer.NewError(mixer.ErrTransport, op, s.host, errSessionClosed)
	}
}

// Invoke writes a FUNCTION command. The device's reply is only logged.
func (s *Session) Invoke(_ context.Context, function string, params mixer.Params) error {
	const op = "invoke"
	frame, err := vmix.EncodeFunction(function, params)
	if err != nil {
		return mixer.NewError(mixer.ErrConfig, op, s.host, err)
	}
	if s.State() == StateDisconnected {
		return mixer.NewError(mixer.ErrTransport, op, s.host, errSessionClosed)
	}
	if err := s.write(frame); err != nil {
		return mixer.NewError(mixer.ErrTransport, op, s.host, err)
	}
	s.logger.Debug().Str(xglog.FieldFunction, function).Str(xglog.FieldEvent, "tcp.function_sent").Msg("function sent")
	return nil
}

// Close signals both loops to stop and returns immediately. The receiver
// sends QUIT and closes the socket on its way out.
func (s *Session) Close() {
	s.end("closed", nil, false)
}

var errSessionClosed = errors.New("session closed")

func (s *Session) setState(next State) {
	old := State(s.state.Swap(int32(next)))
	if old == next {
		return
	}
	s.logger.Debug().
		Str(xglog.FieldOldState, old.String()).
		Str(xglog.FieldNewState, next.String()).
		Str(xglog.FieldEvent, "tcp.state_changed").
		Msg("session state changed")
}

// end moves the session to Disconnected exactly once. A fault emits the final
// disconnected status before the token is cancelled; an orderly close does not.
func (s *Session) end(reason string, cause error, fault bool) {
	s.endOnce.Do(func() {
		s.orderly.Store(!fault)
		s.setState(StateDisconnected)
		metrics.TCPDisconnectsTotal.WithLabelValues(reason).Inc()

		if fault {
			s.logger.Warn().
				Err(cause).
				Str("reason", reason).
				Str(xglog.FieldEvent, "tcp.disconnected").
				Msg("tcp session lost")
			s.obs.ObserveStatus(s.ctx, s.host, func(prev mixer.StatusSnapshot) mixer.StatusSnapshot {
				return prev.WithConnectivity(mixer.Disconnected)
			})
		} else {
			s.logger.Info().Str(xglog.FieldEvent, "tcp.closed").Msg("tcp session closed")
		}
		s.cancel()
	})
}

func (s *Session) write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(p)
}

// requestXML writes an XML request and returns its sequence number.
func (s *Session) requestXML() (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeLocked(vmix.EncodeXML()); err != nil {
		return 0, err
	}
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.xmlSent++
	return s.xmlSent, nil
}

func (s *Session) writeLocked(p []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := s.conn.Write(p); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *Session) dropWaiter(ch chan mixer.State) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	for i, w := range s.waiters {
		if w.ch == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// replied accounts for one XML frame. A malformed document still answers its
// request; its waiters stay for the next valid one.
func (s *Session) replied(st mixer.State, valid bool) {
	s.waitMu.Lock()
	if s.xmlSeen < s.xmlSent {
		s.xmlSeen++
	}
	if !valid {
		s.waitMu.Unlock()
		return
	}
	s.last, s.lastSeq = st, s.xmlSeen

	var ready []chan mixer.State
	pending := s.waiters[:0:0]
	for _, w := range s.waiters {
		if w.seq <= s.xmlSeen {
			ready = append(ready, w.ch)
		} else {
			pending = append(pending, w)
		}
	}
	s.waiters = pending
	s.waitMu.Unlock()

	for _, ch := range ready {
		ch <- st
	}
}

func (s *Session) sendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SendTick)
	defer ticker.Stop()

	lastSent := time.Now()
	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			cfg := s.refresh.Load()
			if cfg == nil || !cfg.Enabled || now.Sub(lastSent) < cfg.Interval {
				continue
			}
			if _, err := s.requestXML(); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				failures++
				s.logger.Warn().
					Err(err).
					Int(xglog.FieldFailures, failures).
					Str(xglog.FieldEvent, "tcp.send_failed").
					Msg("snapshot request failed")
				if failures >= s.opts.MaxSendFailures {
					s.end("send_failed", err, true)
					return
				}
				continue
			}
			failures = 0
			lastSent = now
		}
	}
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	defer s.teardown()

	var dec vmix.Decoder
	buf := make([]byte, readBufferSize)
	readErrors := 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadDeadline)); err != nil {
			reason := classify(err)
			if reason == "" {
				reason = "read_failed"
			}
			s.end(reason, err, true)
			return
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			s.drain(&dec)
		}
		if err == nil {
			readErrors = 0
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		if isTimeout(err) {
			continue
		}
		if reason := classify(err); reason != "" {
			s.end(reason, err, true)
			return
		}
		readErrors++
		s.logger.Warn().
			Err(err).
			Int(xglog.FieldFailures, readErrors).
			Str(xglog.FieldEvent, "tcp.read_failed").
			Msg("socket read failed")
		if readErrors >= s.opts.MaxReadErrors {
			s.end("read_failed", err, true)
			return
		}
	}
}

// teardown runs when the receiver exits: the socket is closed here and
// nowhere else, after a best-effort QUIT on orderly close.
func (s *Session) teardown() {
	if s.orderly.Load() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(quitWriteTimeout))
		_, _ = s.conn.Write(vmix.EncodeQuit())
		s.writeMu.Unlock()
	}
	_ = s.conn.Close()
}

func (s *Session) drain(dec *vmix.Decoder) {
	for {
		f, ok, err := dec.Next()
		if err != nil {
			metrics.TCPFramesTotal.WithLabelValues("corrupt").Inc()
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, "tcp.frame_corrupt").Msg("discarding undecodable bytes")
			return
		}
		if !ok {
			return
		}
		metrics.TCPFramesTotal.WithLabelValues(f.Kind.String()).Inc()
		s.handle(f)
	}
}

func (s *Session) handle(f vmix.Frame) {
	switch f.Kind {
	case vmix.FrameXML:
		st, err := vmix.ParseState(f.Payload)
		if err != nil {
			s.replied(mixer.State{}, false)
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, "tcp.snapshot_invalid").Msg("ignoring malformed state document")
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.obs.Observe(s.ctx, s.host, st)
		s.replied(st, true)

	case vmix.FrameVersion:
		s.version.Store(f.Message)
		if s.State() != StateEstablished {
			return
		}
		if err := s.write(vmix.EncodeSubscribe(vmix.CategoryActs)); err != nil {
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, "tcp.subscribe_failed").Msg("subscribe failed")
			return
		}
		if s.state.CompareAndSwap(int32(StateEstablished), int32(StateSubscribed)) {
			s.logger.Debug().
				Str(xglog.FieldOldState, StateEstablished.String()).
				Str(xglog.FieldNewState, StateSubscribed.String()).
				Str("version", f.Message).
				Str(xglog.FieldEvent, "tcp.state_changed").
				Msg("session state changed")
		}

	case vmix.FrameActs:
		ev, ok := f.Acts()
		if !ok || !ev.Active {
			return
		}
		switch ev.Name {
		case "Input":
			s.obs.ObserveStatus(s.ctx, s.host, func(prev mixer.StatusSnapshot) mixer.StatusSnapshot {
				prev.Connectivity = mixer.Connected
				prev.Active = ev.Input
				return prev
			})
		case "InputPreview":
			s.obs.ObserveStatus(s.ctx, s.host, func(prev mixer.StatusSnapshot) mixer.StatusSnapshot {
				prev.Connectivity = mixer.Connected
				prev.Preview = ev.Input
				return prev
			})
		}

	case vmix.FrameFunction:
		if !f.OK {
			s.logger.Warn().Str("message", f.Message).Str(xglog.FieldEvent, "tcp.function_rejected").Msg("device rejected function")
			return
		}
		s.logger.Debug().Str("message", f.Message).Str(xglog.FieldEvent, "tcp.function_ok").Msg("function acknowledged")

	case vmix.FrameSubscribe, vmix.FrameUnsubscribe:
		s.logger.Debug().Str(xglog.FieldFrame, f.Command).Bool("ok", f.OK).Str("message", f.Message).Str(xglog.FieldEvent, "tcp.subscription").Msg("subscription acknowledged")

	default:
		s.logger.Debug().Str(xglog.FieldFrame, f.Command).Str(xglog.FieldEvent, "tcp.frame_ignored").Msg("ignoring frame")
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, os.ErrDeadlineExceeded)
}

// classify names fatal socket conditions; "" means the error may be transient.
func classify(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	case errors.Is(err, syscall.ECONNRESET):
		return "reset"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	case errors.Is(err, syscall.ECONNABORTED):
		return "aborted"
	case errors.Is(err, syscall.EPIPE):
		return "broken_pipe"
	case errors.Is(err, syscall.ENOTCONN):
		return "not_connected"
	}
	return ""
}

// ReportsObservations marks the session as its own observation source.
func (s *Session) ReportsObservations() {}

var _ mixer.Reporter = (*Session)(nil)
