package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type subscription struct {
	eventType string
	handler   Handler
}

// channelBus is a Bus backed by a buffered channel drained by a single
// dispatch goroutine.
type channelBus struct {
	logger *zap.Logger
	ch     chan Event

	mu     sync.RWMutex
	closed bool
	subs   map[uint64]subscription
	nextID atomic.Uint64

	wg sync.WaitGroup
}

// NewBus returns a Bus that queues up to bufferSize events.
func NewBus(bufferSize int, logger *zap.Logger) Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &channelBus{
		logger: logger,
		ch:     make(chan Event, bufferSize),
		subs:   make(map[uint64]subscription),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

func (b *channelBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		b.logger.Warn("event bus full, dropping event", zap.String("type", e.Type()))
	}
}

func (b *channelBus) Subscribe(eventType string, handler Handler) uint64 {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs[id] = subscription{eventType: eventType, handler: handler}
	b.mu.Unlock()
	return id
}

func (b *channelBus) Unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *channelBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *channelBus) dispatch() {
	defer b.wg.Done()
	for e := range b.ch {
		b.deliver(e)
	}
}

func (b *channelBus) deliver(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == "" || s.eventType == e.Type() {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", zap.String("type", e.Type()), zap.Any("panic", r))
				}
			}()
			h(e)
		}()
	}
}
