package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/common/logger"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer size.
const DefaultSubscriberBuffer = 64

// MemoryEventBus implements EventBus in process. Each subscriber owns a
// bounded buffer drained by its own dispatch goroutine, so one slow
// handler cannot stall publishers or other subscribers. A full buffer
// drops the oldest event and marks the subscriber lossy.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	bufferSize    int
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact match
	handler EventHandler

	mu      sync.Mutex
	buf     []*Event // FIFO, bounded
	active  bool
	lossy   bool
	wake    chan struct{}
	done    chan struct{}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return NewMemoryEventBusSize(log, DefaultSubscriberBuffer)
}

// NewMemoryEventBusSize creates an in-memory bus with a custom
// per-subscriber buffer size.
func NewMemoryEventBusSize(log *logger.Logger, bufferSize int) *MemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		bufferSize:    bufferSize,
		logger:        log,
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// at-most-once per subscriber; Publish never blocks on a subscriber.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !matches(subject, pattern, sub.pattern) {
				continue
			}
			sub.enqueue(event)
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go sub.dispatchLoop()

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus and stops all dispatchers.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0)
	for _, list := range b.subscriptions {
		subs = append(subs, list...)
	}
	b.closed = true
	b.subscriptions = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) enqueue(event *Event) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.bus.bufferSize {
		// Drop the oldest event; the subscriber stays connected.
		s.buf = s.buf[1:]
		if !s.lossy {
			s.lossy = true
			s.bus.logger.Warn("slow subscriber dropped event",
				zap.String("subject", s.subject))
		}
	}
	s.buf = append(s.buf, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.buf) == 0 || !s.active {
				s.mu.Unlock()
				break
			}
			event := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()

			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", s.subject),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.stop()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Lossy reports whether this subscriber has dropped events.
func (s *memorySubscription) Lossy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossy
}

// matches checks if a subject matches a pattern. Supports NATS-style
// wildcards: * (single token) and > (remaining tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
