// Coweave
// Copyright (C) 2025 Coweave, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"

	coweave "github.com/coweave/coweave"
)

// memorySubQueueSize bounds the per-subscription delivery queue of the
// in-memory transport. A subscriber that falls this far behind loses
// messages, same as it would across a real bus outage.
const memorySubQueueSize = 1024

// MemoryBus is a process-local Bus. It backs tests and single instance
// deployments where cross-instance propagation has nothing to do.
type MemoryBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	topics map[string][]*memorySub
}

// NewMemoryBus returns an empty in-memory transport.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		logger: slog.With(coweave.ComponentKey, coweave.Component(coweave.ComponentBus, "memory")),
		topics: make(map[string][]*memorySub),
	}
}

// Publish delivers payload to every subscription of the topic. Each
// subscription receives messages in publish order on its own pump
// goroutine.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return trace.Wrap(ErrBusClosed)
	}
	subs := append([]*memorySub(nil), b.topics[topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- payload:
		case <-sub.done:
		default:
			b.logger.WarnContext(ctx, "Dropping message for slow in-memory subscriber", "topic", topic)
		}
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, trace.Wrap(ErrBusClosed)
	}
	sub := &memorySub{
		bus:   b,
		topic: topic,
		queue: make(chan []byte, memorySubQueueSize),
		done:  make(chan struct{}),
	}
	b.topics[topic] = append(b.topics[topic], sub)
	go sub.pump(handler)
	return sub, nil
}

// Close shuts the transport down and cancels every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.done) })
		}
	}
	b.topics = make(map[string][]*memorySub)
	return nil
}

type memorySub struct {
	bus       *MemoryBus
	topic     string
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySub) pump(handler func(payload []byte)) {
	for {
		select {
		case payload := <-s.queue:
			handler(payload)
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.topics[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.topics[s.topic]) == 0 {
		delete(s.bus.topics, s.topic)
	}
	return nil
}
