// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/vmix/vmixtest"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mock *MockServer, opts Options) *Client {
	t.Helper()
	host, port := mock.HostPort()
	c := New(host, port, opts, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestNew_DefaultPortAndNoIO(t *testing.T) {
	c := New("192.0.2.10", 0, Options{}, zerolog.Nop())
	require.Equal(t, "http://192.0.2.10:8088", c.BaseURL())
	require.Equal(t, mixer.TransportHTTP, c.Transport())
	require.Equal(t, "192.0.2.10", c.Host())

	v6 := New("::1", 9000, Options{}, zerolog.Nop())
	require.Equal(t, "http://[::1]:9000", v6.BaseURL())
}

func TestFetchSnapshot(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := newTestClient(t, mock, Options{})

	st, err := c.FetchSnapshot(context.Background())
	require.NoError(t, err)

	want := vmixtest.DefaultState()
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchSnapshot_Errors(t *testing.T) {
	t.Run("non-2xx is a transport error", func(t *testing.T) {
		mock := NewMockServer()
		defer mock.Close()
		mock.SetDown(true)
		c := newTestClient(t, mock, Options{})

		_, err := c.FetchSnapshot(context.Background())
		require.ErrorIs(t, err, mixer.ErrTransport)

		var merr *mixer.Error
		require.True(t, errors.As(err, &merr))
		require.Equal(t, http.StatusServiceUnavailable, merr.Status)
		require.Equal(t, "fetch_snapshot", merr.Op)
	})

	t.Run("malformed document is a parse error", func(t *testing.T) {
		mock := NewMockServer()
		defer mock.Close()
		mock.SetMalformed(true)
		c := newTestClient(t, mock, Options{})

		_, err := c.FetchSnapshot(context.Background())
		require.ErrorIs(t, err, mixer.ErrParse)
	})

	t.Run("unreachable device is a transport error", func(t *testing.T) {
		mock := NewMockServer()
		c := newTestClient(t, mock, Options{Timeout: time.Second})
		mock.Close()

		_, err := c.FetchSnapshot(context.Background())
		require.ErrorIs(t, err, mixer.ErrTransport)
	})

	t.Run("cancelled caller", func(t *testing.T) {
		mock := NewMockServer()
		defer mock.Close()
		mock.SetDelay(500 * time.Millisecond)
		c := newTestClient(t, mock, Options{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.FetchSnapshot(ctx)
		require.ErrorIs(t, err, mixer.ErrTransport)
	})
}

func TestFetchSnapshot_ConcurrentCallsShareOneRequest(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	mock.SetDelay(200 * time.Millisecond)
	c := newTestClient(t, mock, Options{})

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.FetchSnapshot(context.Background())
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, mock.Requests(""))
}

func TestProbe(t *testing.T) {
	mock := NewMockServer()
	c := newTestClient(t, mock, Options{Timeout: time.Second})

	require.True(t, c.Probe(context.Background()))

	mock.SetDown(true)
	require.False(t, c.Probe(context.Background()))

	mock.Close()
	require.False(t, c.Probe(context.Background()))
}

func TestInvoke_SelectIndex(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := newTestClient(t, mock, Options{})

	err := c.Invoke(context.Background(), mixer.SelectIndexFunction, mixer.SelectIndexParams(vmixtest.ListKey, 2))
	require.NoError(t, err)

	calls := mock.Device.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "SelectIndex", calls[0].Function)
	require.Equal(t, "3", calls[0].Params["Value"])
	require.Equal(t, vmixtest.ListKey, calls[0].Params["Input"])

	st, err := c.FetchSnapshot(context.Background())
	require.NoError(t, err)
	vl, ok := st.FindVideoList(vmixtest.ListKey)
	require.True(t, ok)
	require.Equal(t, 2, vl.SelectedIndex)
}

func TestInvoke_Errors(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	c := newTestClient(t, mock, Options{})

	mock.Device.Reject("Fade", "busy")
	err := c.Invoke(context.Background(), "Fade", nil)
	require.ErrorIs(t, err, mixer.ErrTransport)
	var merr *mixer.Error
	require.True(t, errors.As(err, &merr))
	require.Equal(t, http.StatusInternalServerError, merr.Status)

	err = c.Invoke(context.Background(), "Bad Name", nil)
	require.ErrorIs(t, err, mixer.ErrConfig)
	require.Equal(t, 0, mock.Requests("Bad Name"))
}

func TestRetries(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	mock.SetFailures(2)
	c := newTestClient(t, mock, Options{MaxRetries: 2, Backoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond})

	_, err := c.FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, mock.Requests(""))
}

func TestNoRetriesByDefault(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()
	mock.SetFailures(1)
	c := newTestClient(t, mock, Options{})

	_, err := c.FetchSnapshot(context.Background())
	require.ErrorIs(t, err, mixer.ErrTransport)
	require.Equal(t, 1, mock.Requests(""))
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		err    error
		status int
		want   string
	}{
		{errors.New("x"), 200, "error"},
		{nil, 503, "5xx"},
		{nil, 404, "4xx"},
		{nil, 302, "3xx"},
		{nil, 200, "2xx"},
		{nil, 101, "1xx"},
		{nil, 0, "unknown"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.err, tt.status); got != tt.want {
			t.Errorf("statusClass(%v, %d) = %q, want %q", tt.err, tt.status, got, tt.want)
		}
	}
}
