// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ManuGH/mixlink/internal/bus"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/snapshot"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// setupMiniRedis creates a test Redis server using miniredis.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisSink, *redis.Client) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, newRedisSink(client, "test", zerolog.Nop()), client
}

func TestRedisSink_ForwardStoresStateAndPublishes(t *testing.T) {
	mr, sink, client := setupMiniRedis(t)
	ctx := context.Background()

	ps := client.Subscribe(ctx, sink.EventsChannel())
	t.Cleanup(func() { _ = ps.Close() })
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	ev := Event{
		Seq:     7,
		Host:    "10.0.0.9",
		Changed: Changed{Status: true, Roster: true},
		Status:  mixer.StatusSnapshot{Connectivity: mixer.Connected, Active: 3},
		Inputs:  []mixer.InputRecord{{Key: "k", Number: 1}},
	}
	require.NoError(t, sink.Forward(ctx, ev))

	select {
	case msg := <-ps.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, uint64(7), got.Seq)
		require.Equal(t, 3, got.Status.Active)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	require.True(t, mr.Exists(sink.StateKey("10.0.0.9")))
	statusJSON := mr.HGet(sink.StateKey("10.0.0.9"), "status")
	var st mixer.StatusSnapshot
	require.NoError(t, json.Unmarshal([]byte(statusJSON), &st))
	require.Equal(t, mixer.Connected, st.Connectivity)
	require.NotEmpty(t, mr.HGet(sink.StateKey("10.0.0.9"), "inputs"))
	require.Empty(t, mr.HGet(sink.StateKey("10.0.0.9"), "video_lists"))
	require.Equal(t, int64(1), sink.Published())
}

func TestRedisSink_RunForwardsBusEvents(t *testing.T) {
	mr, sink, _ := setupMiniRedis(t)

	b := bus.NewMemoryBus(zerolog.Nop(), 16)
	n := New(snapshot.New(), b, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := sink.Subscribe(ctx, b)
	require.NoError(t, err)

	// Published before Run starts draining: the subscription already holds it.
	n.Observe(context.Background(), "h1", mixer.State{
		Status: mixer.StatusSnapshot{Connectivity: mixer.Connected, Active: 1},
	})

	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, sub) }()

	require.Eventually(t, func() bool {
		return mr.Exists(sink.StateKey("h1"))
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop")
	}
}
