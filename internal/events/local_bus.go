package events

import (
	"context"
	"slices"
	"sync"
	"time"
)

// LocalBus delivers events in-process, synchronously and in subscription order.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
	order    map[string][]int
}

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: map[string]map[int]Handler{}, order: map[string][]int{}}
}

func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	var hs []Handler
	for _, topic := range []string{e.Topic, AllTopics} {
		for _, id := range b.order[topic] {
			if h, ok := b.handlers[topic][id]; ok {
				hs = append(hs, h)
			}
		}
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ctx, e)
	}
	return nil
}

func (b *LocalBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = map[int]Handler{}
	}
	b.handlers[topic][id] = h
	b.order[topic] = append(b.order[topic], id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.handlers[topic][id]; !ok {
			return
		}
		delete(b.handlers[topic], id)
		b.order[topic] = slices.DeleteFunc(b.order[topic], func(v int) bool { return v == id })
		if len(b.order[topic]) == 0 {
			delete(b.order, topic)
			delete(b.handlers, topic)
		}
	}, nil
}

func (b *LocalBus) Close() error { return nil }
