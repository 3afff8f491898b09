// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/mixlink/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	defaultSubscriberBuffer = 64
	dropLogEvery            = 100
)

// ErrSubscriberLagging reports a message skipped because the subscriber's
// buffer was still full from an earlier timeout.
var ErrSubscriberLagging = errors.New("subscriber lagging")

// MemoryBus is an in-process pub/sub. Delivery to each subscriber is ordered
// and independent: a full subscriber never delays delivery to the others.
// A subscriber that stays full past the publish context is marked lagging and
// skipped without waiting until it drains.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      map[string][]*memSub
	buffer    int
	logger    zerolog.Logger
	dropCount atomic.Uint64
}

// NewMemoryBus creates a bus whose subscribers buffer up to buffer messages
// (defaults to 64 when buffer <= 0).
func NewMemoryBus(logger zerolog.Logger, buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &MemoryBus{
		subs:   make(map[string][]*memSub),
		buffer: buffer,
		logger: logger,
	}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, ErrSubscriberLagging):
		return "lagging"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

// Publish offers msg to every subscriber of topic. Subscribers with room get
// it at once; full ones are waited for until ctx is done. The error reports
// how many subscribers missed msg.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.RLock()
	subs := append([]*memSub(nil), b.subs[topic]...)
	b.mu.RUnlock()

	var full []*memSub
	for _, s := range subs {
		if !s.offer(msg) {
			full = append(full, s)
		}
	}

	var missed int
	var cause error
	for _, s := range full {
		if err := s.send(ctx, msg); err != nil {
			missed++
			cause = err
			b.recordDrop(topic, err)
		}
	}
	if missed > 0 {
		return fmt.Errorf("publish topic %q: %d of %d subscribers missed the message: %w", topic, missed, len(subs), cause)
	}
	return nil
}

func (b *MemoryBus) recordDrop(topic string, err error) {
	reason := publishDropReason(err)
	metrics.IncBusDropReason(topic, reason)
	count := b.dropCount.Add(1)
	if count%dropLogEvery == 1 {
		b.logger.Warn().
			Str("topic", topic).
			Str("reason", reason).
			Uint64("dropped", count).
			Msg("memory bus dropped a message for a slow subscriber")
	}
}

// Subscribe registers a new subscriber. The subscription ends when ctx is
// done or Close is called, whichever happens first.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscriber, error) {
	if ctx == nil {
		return nil, fmt.Errorf("subscribe context is nil")
	}
	s := &memSub{
		b:     b,
		topic: topic,
		ch:    make(chan Message, b.buffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-s.done:
			}
		}()
	}
	return s, nil
}

type memSub struct {
	b     *MemoryBus
	topic string
	ch    chan Message

	// sendMu guards ch against close while a send is in flight.
	sendMu  sync.RWMutex
	closed  bool
	lagging atomic.Bool

	once sync.Once
	done chan struct{}
}

// offer is a non-blocking send. It reports whether msg was taken or the
// subscriber is gone.
func (s *memSub) offer(msg Message) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		s.lagging.Store(false)
		return true
	default:
		return false
	}
}

// send waits for room until ctx or the subscription ends. A lagging
// subscriber is not waited for.
func (s *memSub) send(ctx context.Context, msg Message) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return nil
	}
	if s.lagging.Load() {
		select {
		case s.ch <- msg:
			s.lagging.Store(false)
			return nil
		default:
			return ErrSubscriberLagging
		}
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.lagging.Store(true)
		return ctx.Err()
	}
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		close(s.done)

		s.b.mu.Lock()
		lst := s.b.subs[s.topic]
		out := make([]*memSub, 0, len(lst))
		for _, c := range lst {
			if c != s {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.topic)
		} else {
			s.b.subs[s.topic] = out
		}
		s.b.mu.Unlock()

		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
	})
	return nil
}

// Ensure compliance
var _ Bus = (*MemoryBus)(nil)
