package feed

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"go.uber.org/zap"
)

const defaultBufferSize = 16

// Dispatcher fans committed changes out to the subscribers of their owner. A
// subscriber that cannot keep up is disconnected: its stream is closed so the client
// reconnects and reseeds instead of silently missing events.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	owner  string
	mu     sync.Mutex
	closed bool
	stream chan bookmarks.Change
}

// NewDispatcher builds a dispatcher whose subscribers buffer bufferSize changes.
func NewDispatcher(bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a stream for owner. The stream is closed by the returned cleanup
// function, by ctx cancellation, or by a buffer overflow.
func (d *Dispatcher) Subscribe(ctx context.Context, owner string) (<-chan bookmarks.Change, func()) {
	if owner == "" {
		ch := make(chan bookmarks.Change)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		owner:  owner,
		stream: make(chan bookmarks.Change, d.bufferSize),
	}
	d.registerSubscriber(sub)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(owner, sub.id)
			sub.close()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers change to every subscriber of change.Owner.
func (d *Dispatcher) Publish(change bookmarks.Change) {
	if change.Owner == "" || change.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[change.Owner]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	for _, sub := range copies {
		if sub.deliver(change) {
			continue
		}
		d.unregisterSubscriber(sub.owner, sub.id)
		d.logger.Warn("feed subscriber overflowed; disconnecting",
			zap.String("owner", sub.owner),
			zap.Int64("subscriber_id", sub.id),
			zap.Int("buffer_size", d.bufferSize))
	}
}

// SubscriberCount reports the live subscribers of owner.
func (d *Dispatcher) SubscriberCount(owner string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[owner])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[sub.owner]; !ok {
		d.subscribers[sub.owner] = make(map[int64]*subscriber)
	}
	d.subscribers[sub.owner][sub.id] = sub
}

func (d *Dispatcher) unregisterSubscriber(owner string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[owner]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, owner)
		}
	}
	d.mu.Unlock()
}

// deliver reports false when the subscriber is gone or has just been closed because
// its buffer was full.
func (s *subscriber) deliver(change bookmarks.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.stream <- change:
		return true
	default:
		s.closed = true
		close(s.stream)
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stream)
}
