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

// Package bus propagates document updates and awareness changes between
// server instances. Every instance publishes its locally originated
// changes on a per-document topic and subscribes to the topics of the
// documents it hosts; deliveries tagged with the instance's own
// identifier are echoes and get dropped before they reach a hub.
//
// The transport is pluggable: the Redis implementation backs multi
// instance deployments, the in-memory one backs tests and single node
// runs. The envelope codec, chunking of oversized payloads and publish
// retries live above the transport in DocBus, so every transport gets
// them for free.
package bus

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coweave/coweave/lib/utils"
)

// Bus is a raw topic transport. Implementations must make Publish safe
// for concurrent use and must restore dropped subscriptions on their
// own; missed messages are not replayed, the next sync exchange repairs
// the gap.
type Bus interface {
	// Publish sends one message on a topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers every message published on a topic to handler,
	// one at a time and in publish order. The handler must not block.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (Subscription, error)
	// Close releases the transport and every open subscription.
	Close() error
}

// Subscription is one active topic subscription.
type Subscription interface {
	// Close cancels the subscription. Messages already in flight may
	// still be delivered.
	Close() error
}

var (
	messagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_bus_messages_published_total",
		Help: "Number of messages published on the instance bus.",
	})
	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_bus_messages_received_total",
		Help: "Number of messages received from the instance bus, echoes excluded.",
	})
	publishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_bus_publish_errors_total",
		Help: "Number of publishes that failed after retries.",
	})
	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_bus_decode_errors_total",
		Help: "Number of bus deliveries dropped because the envelope could not be decoded.",
	})
	chunksExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_bus_chunks_expired_total",
		Help: "Number of chunked envelopes dropped because reassembly timed out.",
	})
)

func init() {
	// Registration failures here mean a duplicate collector, which the
	// helper tolerates; anything else is a programming error.
	if err := utils.RegisterPrometheusCollectors(
		messagesPublished, messagesReceived, publishErrors, decodeErrors, chunksExpired,
	); err != nil {
		panic(err)
	}
}

// ErrBusClosed is returned by operations on a closed transport.
var ErrBusClosed = &trace.ConnectionProblemError{Message: "bus is closed"}
