package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

var (
	ErrClosed             = errors.New("events: bus closed")
	ErrTooManySubscribers = errors.New("events: subscriber limit reached")
)

// Message is the envelope delivered to subscribers.
type Message[T any] struct {
	ID      string
	Time    time.Time
	Topic   string
	Payload T
}

type subscriber[T any] struct {
	ch     chan Message[T]
	topics map[string]struct{}
	gone   chan struct{}
	once   sync.Once
}

func (s *subscriber[T]) wants(topic string) bool {
	if _, ok := s.topics[AllTopics]; ok {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus is a typed publish/subscribe channel with a bounded number of
// listeners. One bus is constructed per process and torn down with Close.
type Bus[T any] struct {
	bufferSize     int
	maxSubscribers int
	logger         zerolog.Logger

	mu     sync.RWMutex
	subs   []*subscriber[T]
	closed bool

	activePublishes sync.WaitGroup
	done            chan struct{}
	closeOnce       sync.Once
}

func New[T any](bufferSize, maxSubscribers int, logger zerolog.Logger) *Bus[T] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	if maxSubscribers <= 0 {
		maxSubscribers = 16
	}
	return &Bus[T]{
		bufferSize:     bufferSize,
		maxSubscribers: maxSubscribers,
		logger:         logger.With().Str("comp", "events").Logger(),
		done:           make(chan struct{}),
	}
}

// Subscribe registers a listener for topics (AllTopics when none are given).
// The returned channel is closed by Close unless it was unsubscribed first.
func (b *Bus[T]) Subscribe(topics ...string) (<-chan Message[T], func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}
	if len(b.subs) >= b.maxSubscribers {
		return nil, nil, ErrTooManySubscribers
	}
	if len(topics) == 0 {
		topics = []string{AllTopics}
	}
	sub := &subscriber[T]{
		ch:     make(chan Message[T], b.bufferSize),
		topics: make(map[string]struct{}, len(topics)),
		gone:   make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.subs = append(b.subs, sub)

	unsubscribe := func() {
		sub.once.Do(func() { close(sub.gone) })
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
	return sub.ch, unsubscribe, nil
}

// Publish delivers payload to every matching subscriber, blocking on full
// buffers until ctx ends or the bus closes.
func (b *Bus[T]) Publish(ctx context.Context, topic string, payload T) error {
	msg, targets, err := b.begin(topic, payload)
	if err != nil {
		return err
	}
	defer b.activePublishes.Done()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.gone:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

// TryPublish never blocks; subscribers with a full buffer miss the message.
// It returns how many deliveries were dropped.
func (b *Bus[T]) TryPublish(topic string, payload T) int {
	msg, targets, err := b.begin(topic, payload)
	if err != nil {
		return 0
	}
	defer b.activePublishes.Done()

	dropped := 0
	for _, s := range targets {
		select {
		case s.ch <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Debug().Str("topic", topic).Int("dropped", dropped).Msg("slow subscribers skipped")
	}
	return dropped
}

func (b *Bus[T]) begin(topic string, payload T) (Message[T], []*subscriber[T], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Message[T]{}, nil, ErrClosed
	}
	b.activePublishes.Add(1)

	var targets []*subscriber[T]
	for _, s := range b.subs {
		if s.wants(topic) {
			targets = append(targets, s)
		}
	}
	return Message[T]{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Topic:   topic,
		Payload: payload,
	}, targets, nil
}

// Close stops new publishes, waits for in-flight ones and closes every
// subscriber channel.
func (b *Bus[T]) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := b.subs
		b.subs = nil
		b.mu.Unlock()

		close(b.done)
		b.activePublishes.Wait()

		for _, s := range subs {
			close(s.ch)
		}
		b.logger.Debug().Int("subscribers", len(subs)).Msg("bus closed")
	})
}
