// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeDevice struct {
	host      string
	transport mixer.Transport
	closed    atomic.Int32
}

func (d *fakeDevice) Host() string { return d.host }

func (d *fakeDevice) Transport() mixer.Transport { return d.transport }

func (d *fakeDevice) Probe(context.Context) bool { return true }

func (d *fakeDevice) Close() { d.closed.Add(1) }

func (d *fakeDevice) Invoke(context.Context, string, mixer.Params) error { return nil }

func (d *fakeDevice) FetchSnapshot(context.Context) (mixer.State, error) {
	return mixer.State{}, nil
}

func entry(host string, t mixer.Transport) (Entry, *fakeDevice) {
	dev := &fakeDevice{host: host, transport: t}
	conn := mixer.Connection{Host: host, Port: t.DefaultPort(), Transport: t, AutoRefresh: mixer.DefaultAutoRefresh()}
	return NewEntry(conn, dev), dev
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(zerolog.Nop())
	t.Cleanup(r.Stop)
	return r
}

func TestInsert_ReplacesAcrossTransports(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newRegistry(t)
	ctx := context.Background()

	httpEntry, httpDev := entry("10.0.0.1", mixer.TransportHTTP)
	replaced, err := r.Insert(ctx, httpEntry)
	require.NoError(t, err)
	require.Nil(t, replaced)

	tcpEntry, tcpDev := entry("10.0.0.1", mixer.TransportTCP)
	replaced, err = r.Insert(ctx, tcpEntry)
	require.NoError(t, err)
	require.NotNil(t, replaced)
	require.Equal(t, mixer.TransportHTTP, replaced.Conn.Transport)
	require.Equal(t, int32(1), httpDev.closed.Load())

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, mixer.TransportTCP, all[0].Conn.Transport)

	httpOnly, err := r.ListTransport(ctx, mixer.TransportHTTP)
	require.NoError(t, err)
	require.Empty(t, httpOnly)

	r.Stop()
	require.Equal(t, int32(1), tcpDev.closed.Load())
}

func TestInsert_ReplacingTCPSessionClosesOldOne(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	first, firstDev := entry("mixer", mixer.TransportTCP)
	second, secondDev := entry("mixer", mixer.TransportTCP)
	_, err := r.Insert(ctx, first)
	require.NoError(t, err)
	_, err = r.Insert(ctx, second)
	require.NoError(t, err)

	require.Equal(t, int32(1), firstDev.closed.Load())
	require.Equal(t, int32(0), secondDev.closed.Load())

	got, ok, err := r.Get(ctx, "mixer")
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, secondDev, got.Device)
}

func TestInsert_KeepsRegistrationOrder(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for _, h := range []string{"c", "a", "b"} {
		e, _ := entry(h, mixer.TransportHTTP)
		_, err := r.Insert(ctx, e)
		require.NoError(t, err)
	}
	// Reconnecting "a" over TCP keeps its slot.
	e, _ := entry("a", mixer.TransportTCP)
	_, err := r.Insert(ctx, e)
	require.NoError(t, err)

	all, err := r.List(ctx)
	require.NoError(t, err)
	hosts := make([]string, 0, len(all))
	for _, e := range all {
		hosts = append(hosts, e.Conn.Host)
	}
	require.Equal(t, []string{"c", "a", "b"}, hosts)
}

func TestInsert_RejectsIncompleteEntries(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Insert(context.Background(), Entry{Conn: mixer.Connection{Host: "x", Transport: mixer.TransportHTTP}})
	require.ErrorIs(t, err, mixer.ErrConfig)

	e, _ := entry("x", mixer.Transport("udp"))
	_, err = r.Insert(context.Background(), e)
	require.ErrorIs(t, err, mixer.ErrConfig)
}

func TestRemove_IsIdempotent(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	removed, err := r.Remove(ctx, "never-opened")
	require.NoError(t, err)
	require.False(t, removed)

	e, dev := entry("h", mixer.TransportHTTP)
	_, err = r.Insert(ctx, e)
	require.NoError(t, err)

	removed, err = r.Remove(ctx, "h")
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, int32(1), dev.closed.Load())

	removed, err = r.Remove(ctx, "h")
	require.NoError(t, err)
	require.False(t, removed)
	require.Equal(t, int32(1), dev.closed.Load())
}

func TestSetAutoRefresh_SharedWithTransport(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	e, _ := entry("h", mixer.TransportTCP)
	shared := e.Refresh
	_, err := r.Insert(ctx, e)
	require.NoError(t, err)

	cfg := mixer.AutoRefresh{Enabled: false, Interval: 30 * time.Second}
	require.NoError(t, r.SetAutoRefresh(ctx, "h", cfg))
	require.Equal(t, cfg, *shared.Load())

	got, _, err := r.Get(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, cfg, got.Conn.AutoRefresh)

	err = r.SetAutoRefresh(ctx, "h", mixer.AutoRefresh{Enabled: true, Interval: time.Millisecond})
	require.ErrorIs(t, err, mixer.ErrConfig)
	require.Equal(t, cfg, *shared.Load())

	err = r.SetAutoRefresh(ctx, "missing", cfg)
	require.ErrorIs(t, err, mixer.ErrNotFound)
}

func TestSetLabel(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	e, _ := entry("h", mixer.TransportHTTP)
	_, err := r.Insert(ctx, e)
	require.NoError(t, err)

	require.NoError(t, r.SetLabel(ctx, "h", "Studio B"))
	got, _, err := r.Get(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, "Studio B", got.Conn.Label)

	require.ErrorIs(t, r.SetLabel(ctx, "missing", "x"), mixer.ErrNotFound)
}

func TestConcurrentInsertsKeepOneEntryPerHost(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr := mixer.TransportHTTP
			if i%2 == 0 {
				tr = mixer.TransportTCP
			}
			e, _ := entry("shared", tr)
			_, err := r.Insert(ctx, e)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStop_RejectsFurtherRequests(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(zerolog.Nop())
	r.Stop()
	r.Stop()

	_, err := r.List(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	_, err = r.Remove(context.Background(), "h")
	require.ErrorIs(t, err, ErrStopped)
}
