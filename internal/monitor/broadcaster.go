package monitor

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const defaultSubscriberBuffer = 8

// Broadcaster fans status snapshots out to any number of subscribers. Publish
// never blocks: a subscriber whose buffer is full misses that snapshot.
type Broadcaster struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	subs    map[uint64]chan model.StatusSnapshot
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewBroadcaster creates a new broadcaster
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.Named("broadcaster"),
		subs:   make(map[uint64]chan model.StatusSnapshot),
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan model.StatusSnapshot, func(), error) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrBroadcasterClosed
	}

	b.nextID++
	id := b.nextID
	ch := make(chan model.StatusSnapshot, buffer)
	b.subs[id] = ch

	b.logger.Debug("Subscriber added", zap.Uint64("subscriber", id), zap.Int("subscribers", len(b.subs)))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel, nil
}

// Publish delivers a snapshot to every subscriber that has room
func (b *Broadcaster) Publish(snapshot model.StatusSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- snapshot:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Snapshot dropped for slow subscriber", zap.Uint64("subscriber", id))
		}
	}
}

// Subscribers returns the number of registered subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unregisters every subscriber and closes their channels
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
