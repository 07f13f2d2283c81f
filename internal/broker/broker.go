// Package broker routes committed messages to live subscription streams.
// Each subscriber owns a bounded queue drained by its connection's write
// pump; the broker never blocks on a slow consumer.
package broker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/replichat/replichat/internal/monitoring"
	"github.com/replichat/replichat/internal/store"
)

// queueSize is the per-subscriber buffer. A client that falls this far
// behind is disconnected rather than allowed to stall delivery; the
// undelivered backlog catches it up on reconnect.
const queueSize = 256

// Subscriber is one user's live stream. Messages arrives in commit order.
// Dropped closes when the broker evicts the subscriber for falling behind.
type Subscriber struct {
	user string

	Messages chan store.Message
	Dropped  chan struct{}

	once sync.Once
}

func (s *Subscriber) drop() {
	s.once.Do(func() { close(s.Dropped) })
}

// Broker holds at most one live subscription per user. A second
// subscription for the same user evicts the first, so a reconnecting
// client does not fight its own stale stream.
type Broker struct {
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscriber
}

func New(logger zerolog.Logger) *Broker {
	return &Broker{
		logger: logger.With().Str("component", "broker").Logger(),
		subs:   make(map[string]*Subscriber),
	}
}

// Subscribe registers a live stream for user, evicting any previous one.
func (b *Broker) Subscribe(user string) *Subscriber {
	sub := &Subscriber{
		user:     user,
		Messages: make(chan store.Message, queueSize),
		Dropped:  make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.subs[user]; ok {
		old.drop()
	}
	b.subs[user] = sub
	b.mu.Unlock()

	monitoring.ActiveSubscriptions.Inc()
	b.logger.Debug().Str("user", user).Msg("subscription opened")
	return sub
}

// Unsubscribe removes the stream if it is still the registered one.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if cur, ok := b.subs[sub.user]; ok && cur == sub {
		delete(b.subs, sub.user)
		monitoring.ActiveSubscriptions.Dec()
	}
	b.mu.Unlock()
	sub.drop()
}

// Publish hands a committed message to its recipient's stream, if any.
// The send never blocks: a full queue evicts the subscriber, preserving
// in-order delivery for everyone else.
func (b *Broker) Publish(msg store.Message) {
	b.mu.Lock()
	sub, ok := b.subs[msg.Recipient]
	b.mu.Unlock()
	if !ok {
		return
	}

	select {
	case sub.Messages <- msg:
		monitoring.MessagesPushed.Inc()
	default:
		b.logger.Warn().Str("user", msg.Recipient).Int("queue", queueSize).
			Msg("subscriber queue full, dropping subscriber")
		monitoring.DroppedSubscribers.Inc()
		b.Unsubscribe(sub)
	}
}

// Subscribed reports whether user has a live stream on this node.
func (b *Broker) Subscribed(user string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[user]
	return ok
}
