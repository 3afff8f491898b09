// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package notify turns raw device observations into change notifications.
// It is the only writer of the snapshot cache.
package notify

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/mixlink/internal/bus"
	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/metrics"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/snapshot"
	"github.com/rs/zerolog"
)

// Topic carries every Event on the bus.
const Topic = "mixer.events"

const defaultPublishTimeout = 2 * time.Second

// Changed flags the parts of an Event that differ from the previous observation.
type Changed struct {
	Status     bool `json:"status"`
	Roster     bool `json:"roster"`
	VideoLists bool `json:"video_lists"`
}

// Event is one change notification. Status is always the current status;
// Inputs and VideoLists are set only when flagged in Changed.
type Event struct {
	Seq        uint64                 `json:"seq"`
	Host       string                 `json:"host"`
	At         time.Time              `json:"at"`
	Changed    Changed                `json:"changed"`
	Status     mixer.StatusSnapshot   `json:"status"`
	Inputs     []mixer.InputRecord    `json:"inputs,omitempty"`
	VideoLists []mixer.VideoListInput `json:"video_lists,omitempty"`
}

// Notifier serialises observations per host: cache update, diff and publish
// happen in one critical section, so a host's events are never concurrent and
// keep observation order. Different hosts never share a lock.
type Notifier struct {
	cache          *snapshot.Cache
	bus            bus.Bus
	logger         zerolog.Logger
	publishTimeout time.Duration
	now            func() time.Time
	seq            atomic.Uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithPublishTimeout bounds how long a slow subscriber may hold up a host.
func WithPublishTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.publishTimeout = d }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

func New(cache *snapshot.Cache, b bus.Bus, logger zerolog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		cache:          cache,
		bus:            b,
		logger:         xglog.Component(logger, "notify"),
		publishTimeout: defaultPublishTimeout,
		now:            time.Now,
		locks:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Cache exposes the read side of the snapshot cache.
func (n *Notifier) Cache() *snapshot.Cache {
	return n.cache
}

func (n *Notifier) hostLock(host string) *sync.Mutex {
	n.locksMu.Lock()
	defer n.locksMu.Unlock()
	mu, ok := n.locks[host]
	if !ok {
		mu = &sync.Mutex{}
		n.locks[host] = mu
	}
	return mu
}

// Observe records a full observation (status, roster, video lists) and emits
// at most one Event. Once ctx is done the observation is dropped without
// touching the cache: a cancelled writer no longer owns the host.
func (n *Notifier) Observe(ctx context.Context, host string, st mixer.State) snapshot.Diff {
	mu := n.hostLock(host)
	mu.Lock()
	defer mu.Unlock()

	if ctx.Err() != nil {
		return snapshot.Diff{}
	}

	d := n.cache.DiffAndUpdate(host, st.Status, st.Inputs)
	vd := n.cache.DiffAndUpdateVideoLists(host, st.VideoLists)
	d.VideoLists = vd.VideoLists

	for _, vl := range st.VideoLists {
		if vl.SelectedCount() > 1 {
			n.logger.Debug().
				Str(xglog.FieldHost, host).
				Str(xglog.FieldInputKey, vl.Key).
				Int("selected", vl.SelectedCount()).
				Str(xglog.FieldEvent, "notify.multiple_selected").
				Msg("device reports more than one selected list item")
		}
	}

	n.emit(ctx, host, st, d)
	return d
}

// ObserveStatus applies update to the cached status and emits an Event if the
// result differs. The roster and video lists are left as they are.
func (n *Notifier) ObserveStatus(ctx context.Context, host string, update func(prev mixer.StatusSnapshot) mixer.StatusSnapshot) snapshot.Diff {
	mu := n.hostLock(host)
	mu.Lock()
	defer mu.Unlock()

	if ctx.Err() != nil {
		return snapshot.Diff{}
	}

	next := update(n.cache.Status(host))
	d := n.cache.DiffAndUpdateStatus(host, next)
	n.emit(ctx, host, mixer.State{Status: next}, d)
	return d
}

// Forget drops everything known about host. The host's lock is kept: an
// observer may already hold it, and a fresh one would let two critical
// sections for the host run at once.
func (n *Notifier) Forget(host string) {
	mu := n.hostLock(host)
	mu.Lock()
	n.cache.Forget(host)
	mu.Unlock()
	metrics.ForgetHost(host)
}

// emit publishes while the caller holds the host lock.
func (n *Notifier) emit(ctx context.Context, host string, st mixer.State, d snapshot.Diff) {
	if d.Status {
		metrics.SetConnectivity(host, string(st.Status.Connectivity))
	}
	if !d.Changed() {
		metrics.SuppressedTotal.Inc()
		return
	}

	ev := Event{
		Seq:     n.seq.Add(1),
		Host:    host,
		At:      n.now(),
		Changed: Changed{Status: d.Status, Roster: d.Roster, VideoLists: d.VideoLists},
		Status:  st.Status,
	}
	if d.Status {
		metrics.NotificationsTotal.WithLabelValues("status").Inc()
	}
	if d.Roster {
		ev.Inputs = slices.Clone(st.Inputs)
		if ev.Inputs == nil {
			ev.Inputs = []mixer.InputRecord{}
		}
		metrics.NotificationsTotal.WithLabelValues("roster").Inc()
	}
	if d.VideoLists {
		ev.VideoLists = slices.Clone(st.VideoLists)
		if ev.VideoLists == nil {
			ev.VideoLists = []mixer.VideoListInput{}
		}
		metrics.NotificationsTotal.WithLabelValues("video_lists").Inc()
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.publishTimeout)
	defer cancel()
	if err := n.bus.Publish(pubCtx, Topic, ev); err != nil {
		n.logger.Warn().
			Err(err).
			Str(xglog.FieldHost, host).
			Uint64("seq", ev.Seq).
			Str(xglog.FieldEvent, "notify.publish_failed").
			Msg("change notification dropped")
		return
	}

	n.logger.Debug().
		Str(xglog.FieldHost, host).
		Uint64("seq", ev.Seq).
		Bool("status", d.Status).
		Bool("roster", d.Roster).
		Bool("video_lists", d.VideoLists).
		Str(xglog.FieldConnectivity, string(st.Status.Connectivity)).
		Str(xglog.FieldEvent, "notify.emitted").
		Msg("change notification emitted")
}
