// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/mixlink/internal/bus"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/notify"
	"github.com/ManuGH/mixlink/internal/registry"
	"github.com/ManuGH/mixlink/internal/snapshot"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// scriptedDevice answers probes from a script; true entries succeed.
type scriptedDevice struct {
	host   string
	mu     sync.Mutex
	script []bool
	block  time.Duration
	probes atomic.Int32
	active int
}

func (d *scriptedDevice) Host() string { return d.host }

func (d *scriptedDevice) Transport() mixer.Transport { return mixer.TransportHTTP }

func (d *scriptedDevice) Close() {}

func (d *scriptedDevice) Invoke(context.Context, string, mixer.Params) error { return nil }

func (d *scriptedDevice) Probe(ctx context.Context) bool {
	d.probes.Add(1)
	if d.block > 0 {
		select {
		case <-time.After(d.block):
		case <-ctx.Done():
			return false
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.script) == 0 {
		return true
	}
	ok := d.script[0]
	d.script = d.script[1:]
	return ok
}

func (d *scriptedDevice) FetchSnapshot(context.Context) (mixer.State, error) {
	return mixer.State{
		Status: mixer.StatusSnapshot{Connectivity: mixer.Connected, Active: d.active, Preview: 2},
		Inputs: []mixer.InputRecord{{Key: "a", Number: 1}},
	}, nil
}

func failing(n int) []bool {
	return make([]bool, n)
}

type fixture struct {
	cache *snapshot.Cache
	sched *Scheduler

	mu     sync.Mutex
	now    time.Time
	events []notify.Event
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, reg Lister) *fixture {
	t.Helper()
	b := bus.NewMemoryBus(zerolog.Nop(), 256)
	f := &fixture{cache: snapshot.New(), now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := notify.New(f.cache, b, zerolog.Nop())

	sub, err := b.Subscribe(context.Background(), notify.Topic)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.C() {
			f.mu.Lock()
			f.events = append(f.events, msg.(notify.Event))
			f.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = sub.Close()
		<-done
	})

	f.sched = New(reg, n, zerolog.Nop(), Options{
		Tick:     10 * time.Millisecond,
		Backoffs: []time.Duration{0, 0, 0},
		Now:      f.clock,
	})
	return f
}

func (f *fixture) connectivities(host string) []mixer.Connectivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mixer.Connectivity
	for _, ev := range f.events {
		if ev.Host == host {
			out = append(out, ev.Status.Connectivity)
		}
	}
	return out
}

func (f *fixture) waitEvents(t *testing.T, host string, n int) []mixer.Connectivity {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.connectivities(host)) >= n }, time.Second, 5*time.Millisecond)
	return f.connectivities(host)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRefresh_RetryLadder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	dev := &scriptedDevice{host: "h", active: 4}
	require.Equal(t, mixer.Connected, f.sched.Refresh(ctx, dev, 5*time.Second))

	dev.script = failing(9)
	got := []mixer.Connectivity{
		f.sched.Refresh(ctx, dev, 5*time.Second),
		f.sched.Refresh(ctx, dev, 5*time.Second),
		f.sched.Refresh(ctx, dev, 5*time.Second),
	}
	require.Equal(t, []mixer.Connectivity{mixer.Reconnecting, mixer.Reconnecting, mixer.Disconnected}, got)
	require.Equal(t, int32(1+9), dev.probes.Load())

	// The second reconnecting result is not news; only changes are published.
	events := f.waitEvents(t, "h", 3)
	require.Equal(t, []mixer.Connectivity{mixer.Connected, mixer.Reconnecting, mixer.Disconnected}, events)

	st := f.cache.Status("h")
	require.Equal(t, mixer.Disconnected, st.Connectivity)
	require.Equal(t, 4, st.Active, "previous status is kept with connectivity replaced")

	rs, ok := f.sched.Retry("h")
	require.True(t, ok)
	require.Equal(t, 3, rs.ConsecutiveFailures)
}

func TestRefresh_NeverConnectedWithoutSuccess(t *testing.T) {
	f := newFixture(t, nil)
	dev := &scriptedDevice{host: "h", script: failing(30)}

	for i := 0; i < 10; i++ {
		require.NotEqual(t, mixer.Connected, f.sched.Refresh(context.Background(), dev, time.Second))
	}
	for _, c := range f.connectivities("h") {
		require.NotEqual(t, mixer.Connected, c)
	}
}

func TestRefresh_SuccessResetsFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dev := &scriptedDevice{host: "h", script: failing(6)}

	f.sched.Refresh(ctx, dev, time.Second)
	f.sched.Refresh(ctx, dev, time.Second)
	rs, _ := f.sched.Retry("h")
	require.Equal(t, 2, rs.ConsecutiveFailures)

	require.Equal(t, mixer.Connected, f.sched.Refresh(ctx, dev, time.Second))
	rs, _ = f.sched.Retry("h")
	require.Equal(t, 0, rs.ConsecutiveFailures)
}

func TestRefresh_LaterTrySucceeds(t *testing.T) {
	f := newFixture(t, nil)
	dev := &scriptedDevice{host: "h", script: []bool{false, false, true}}

	require.Equal(t, mixer.Connected, f.sched.Refresh(context.Background(), dev, time.Second))
	require.Equal(t, int32(3), dev.probes.Load())
	rs, _ := f.sched.Retry("h")
	require.Equal(t, 0, rs.ConsecutiveFailures)
}

func TestRefresh_NextDue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	dev := &scriptedDevice{host: "h"}
	f.sched.Refresh(ctx, dev, 5*time.Second)
	rs, _ := f.sched.Retry("h")
	require.Equal(t, f.clock().Add(5*time.Second), rs.NextDueAt)

	dev.script = failing(3)
	f.sched.Refresh(ctx, dev, 5*time.Second)
	rs, _ = f.sched.Retry("h")
	require.Equal(t, f.clock().Add(2*time.Second), rs.NextDueAt, "reconnecting hosts are retried sooner")

	dev.script = failing(3)
	f.sched.Refresh(ctx, dev, time.Second)
	rs, _ = f.sched.Retry("h")
	require.Equal(t, f.clock().Add(time.Second), rs.NextDueAt, "a shorter interval is kept")

	dev.script = failing(3)
	f.sched.Refresh(ctx, dev, 5*time.Second)
	rs, _ = f.sched.Retry("h")
	require.Equal(t, 3, rs.ConsecutiveFailures)
	require.Equal(t, f.clock().Add(5*time.Second), rs.NextDueAt)
}

func TestRefresh_CancelledWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dev := &scriptedDevice{host: "h"}
	require.Equal(t, mixer.Connectivity(""), f.sched.Refresh(ctx, dev, time.Second))
	_, known := f.cache.Get("h")
	require.False(t, known)
	_, tracked := f.sched.Retry("h")
	require.False(t, tracked)
}

type staticLister struct {
	mu      sync.Mutex
	entries []registry.Entry
	err     error
}

func (l *staticLister) ListTransport(_ context.Context, t mixer.Transport) ([]registry.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var out []registry.Entry
	for _, e := range l.entries {
		if e.Conn.Transport == t {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *staticLister) set(entries ...registry.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
}

func httpEntry(dev mixer.Device, enabled bool) registry.Entry {
	return registry.NewEntry(mixer.Connection{
		Host:        dev.Host(),
		Transport:   mixer.TransportHTTP,
		AutoRefresh: mixer.AutoRefresh{Enabled: enabled, Interval: 5 * time.Second},
	}, dev)
}

func TestTick_SlowHostDoesNotDelayOthers(t *testing.T) {
	lister := &staticLister{}
	f := newFixture(t, lister)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := &scriptedDevice{host: "slow", block: 300 * time.Millisecond}
	fast := &scriptedDevice{host: "fast"}
	lister.set(httpEntry(slow, true), httpEntry(fast, true))

	f.sched.Tick(ctx)
	f.waitEvents(t, "fast", 1)
	require.Empty(t, f.connectivities("slow"))

	// Due again, but the slow refresh is still in flight and is not doubled.
	f.advance(time.Minute)
	f.sched.Tick(ctx)
	require.Equal(t, int32(1), slow.probes.Load())

	f.waitEvents(t, "slow", 1)
	f.sched.wg.Wait()
}

func TestTick_SkipsDisabledAndForgetsRemoved(t *testing.T) {
	lister := &staticLister{}
	f := newFixture(t, lister)
	ctx := context.Background()

	on := &scriptedDevice{host: "on"}
	off := &scriptedDevice{host: "off"}
	lister.set(httpEntry(on, true), httpEntry(off, false))

	f.sched.Tick(ctx)
	f.sched.wg.Wait()
	require.Equal(t, int32(1), on.probes.Load())
	require.Equal(t, int32(0), off.probes.Load())

	// Not due yet.
	f.sched.Tick(ctx)
	f.sched.wg.Wait()
	require.Equal(t, int32(1), on.probes.Load())

	lister.set()
	f.sched.Tick(ctx)
	_, tracked := f.sched.Retry("on")
	require.False(t, tracked)
}

func TestTick_ReadsLiveAutoRefresh(t *testing.T) {
	lister := &staticLister{}
	f := newFixture(t, lister)

	dev := &scriptedDevice{host: "h"}
	e := httpEntry(dev, true)
	lister.set(e)
	e.Refresh.Store(&mixer.AutoRefresh{Enabled: false, Interval: time.Second})

	f.sched.Tick(context.Background())
	f.sched.wg.Wait()
	require.Equal(t, int32(0), dev.probes.Load())
}

func TestTick_ListErrorIsTolerated(t *testing.T) {
	lister := &staticLister{err: errors.New("registry: stopped")}
	f := newFixture(t, lister)
	f.sched.Tick(context.Background())
}

func TestRun_StopsOnCancel(t *testing.T) {
	lister := &staticLister{}
	f := newFixture(t, lister)
	dev := &scriptedDevice{host: "h"}
	lister.set(httpEntry(dev, true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	f.waitEvents(t, "h", 1)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
