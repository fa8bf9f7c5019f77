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
	"github.com/redis/go-redis/v9"

	coweave "github.com/coweave/coweave"
)

// RedisBusConfig configures a RedisBus.
type RedisBusConfig struct {
	// Client is the shared redis client. The bus does not own it; the
	// caller decides when to close it.
	Client redis.UniversalClient
	// Logger emits transport diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisBusConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Logger == nil {
		c.Logger = slog.With(coweave.ComponentKey, coweave.Component(coweave.ComponentBus, "redis"))
	}
	return nil
}

// RedisBus is a Bus over redis pub/sub. go-redis reconnects and
// resubscribes a dropped PubSub on its own, which is exactly the
// recovery contract the Bus interface asks for: no replay, just a
// restored stream.
type RedisBus struct {
	cfg RedisBusConfig

	mu     sync.Mutex
	closed bool
	subs   map[*redisSub]struct{}
}

// NewRedisBus returns a Bus over the given redis client.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RedisBus{
		cfg:  cfg,
		subs: make(map[*redisSub]struct{}),
	}, nil
}

// Publish sends one message on a topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return trace.Wrap(ErrBusClosed)
	}
	if err := b.cfg.Client.Publish(ctx, topic, payload).Err(); err != nil {
		return trace.ConnectionProblem(err, "publishing to redis channel %v", topic)
	}
	return nil
}

// Subscribe opens a redis subscription on a topic and pumps deliveries
// into handler until the subscription is closed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, trace.Wrap(ErrBusClosed)
	}
	b.mu.Unlock()

	ps := b.cfg.Client.Subscribe(ctx, topic)
	// Force the subscription onto the wire so a broken transport fails
	// the caller now rather than silently dropping messages later.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, trace.ConnectionProblem(err, "subscribing to redis channel %v", topic)
	}

	sub := &redisSub{bus: b, topic: topic, ps: ps}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump(handler)
	return sub, nil
}

// Close cancels every open subscription. The redis client itself stays
// open for its owner.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*redisSub]struct{})
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.ps.Close())
	}
	return trace.NewAggregate(errs...)
}

type redisSub struct {
	bus   *RedisBus
	topic string
	ps    *redis.PubSub
}

func (s *redisSub) pump(handler func(payload []byte)) {
	// Channel terminates when the PubSub is closed; transient
	// disconnects are handled inside go-redis and do not end the range.
	for msg := range s.ps.Channel() {
		handler([]byte(msg.Payload))
	}
	s.bus.cfg.Logger.Debug("Redis subscription closed", "topic", s.topic)
}

func (s *redisSub) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return trace.Wrap(s.ps.Close())
}
