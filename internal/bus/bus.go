// internal/bus/bus.go
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is the envelope for data transmitted over the Bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Channel   string
	Payload   interface{}
}

// subscriber pairs a delivery channel with the patterns it asked for.
type subscriber struct {
	patterns []string
	ch       chan Message
}

// Bus is an in-process pub/sub fabric keyed by channel name. Subscribers
// may register an exact channel name, the global wildcard "*", or a
// prefix pattern such as "behavior.*". Delivery is fire-and-forget,
// at-least-once within the process lifetime.
type Bus struct {
	logger *zap.Logger

	subscribers []*subscriber
	mu          sync.RWMutex
	bufferSize  int

	// WaitGroup to track active Publish operations.
	activePublishWg sync.WaitGroup

	// Shutdown mechanism
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// New initializes the Bus.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}

	return &Bus{
		logger:       logger.Named("bus"),
		subscribers:  make([]*subscriber, 0),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// matches reports whether a subscription pattern covers a channel name.
func matches(pattern, channel string) bool {
	if pattern == "*" || pattern == channel {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(channel, prefix+".")
	}
	return false
}

// Publish sends a message on a channel. Blocks if subscriber buffers are
// full, honoring ctx for cancellation.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	// Check shutdown state and track the in-flight publish.
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot publish on %q: bus is shut down", channel)
	}
	b.activePublishWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePublishWg.Done()

	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Payload:   payload,
	}

	b.logger.Debug("Publishing message", zap.String("channel", channel), zap.String("id", msg.ID))

	// Snapshot matching subscribers so the lock is not held during sends.
	b.mu.RLock()
	var targets []chan Message
	for _, sub := range b.subscribers {
		for _, pattern := range sub.patterns {
			if matches(pattern, channel) {
				targets = append(targets, sub.ch)
				break
			}
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdownChan:
			return fmt.Errorf("failed to publish on %q: bus is shutting down", channel)
		}
	}
	return nil
}

// Subscribe returns a channel delivering messages for the given patterns
// and a function to cancel the subscription.
func (b *Bus) Subscribe(patterns ...string) (<-chan Message, func()) {
	if len(patterns) == 0 {
		panic("must subscribe with at least one pattern")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		closedCh := make(chan Message)
		close(closedCh)
		return closedCh, func() {}
	}

	sub := &subscriber{
		patterns: append([]string(nil), patterns...),
		ch:       make(chan Message, b.bufferSize),
	}
	b.subscribers = append(b.subscribers, sub)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, s := range b.subscribers {
			if s == sub {
				copy(b.subscribers[i:], b.subscribers[i+1:])
				b.subscribers = b.subscribers[:len(b.subscribers)-1]
				break
			}
		}
		// The channel itself is closed by Shutdown, never here, so a
		// racing Publish can never send on a closed channel.
	}

	return sub.ch, unsubscribe
}

// Shutdown gracefully closes the bus. In-flight publishes finish their
// delivery attempts before subscriber channels are closed.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Info("Shutting down bus...")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePublishWg.Wait()

		b.mu.Lock()
		for _, sub := range b.subscribers {
			close(sub.ch)
		}
		b.subscribers = nil
		b.mu.Unlock()

		b.logger.Info("Bus shut down gracefully.")
	})
}
