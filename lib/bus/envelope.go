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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/jonboulle/clockwork"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/defaults"
	"github.com/coweave/coweave/lib/utils"
)

// Kind distinguishes what an envelope carries.
type Kind string

const (
	// KindUpdate is an encoded document update.
	KindUpdate Kind = "update"
	// KindAwareness is an encoded awareness update.
	KindAwareness Kind = "awareness"
)

// Envelope is the message exchanged between instances. Payload rides as
// base64 inside the JSON, which keeps the envelope self-describing
// without ballooning it into an integer array.
type Envelope struct {
	DocumentID  string `json:"document_id"`
	Kind        Kind   `json:"kind"`
	Payload     []byte `json:"payload"`
	Origin      string `json:"origin,omitempty"`
	InstanceID  string `json:"instance_id"`
	MessageID   string `json:"message_id"`
	Timestamp   int64  `json:"timestamp"`
	Chunked     bool   `json:"chunked,omitempty"`
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler receives reassembled, echo-filtered envelopes for one
// document. It runs on the subscription's delivery goroutine and must
// not block.
type Handler func(env Envelope)

// Stats is a snapshot of the bus counters backing the inspector.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Errors   uint64 `json:"errors"`
}

// DocBusConfig configures a DocBus.
type DocBusConfig struct {
	// Bus is the underlying transport.
	Bus Bus
	// InstanceID identifies this process; deliveries carrying it are
	// dropped as echoes.
	InstanceID string
	// Prefix namespaces topics on a shared transport.
	Prefix string
	// ChunkThreshold is the payload size above which publishes are
	// split into chunks.
	ChunkThreshold int
	// ReassemblyTimeout bounds how long partial chunk sets are kept.
	ReassemblyTimeout time.Duration
	// Clock is used for timestamps and reassembly expiry.
	Clock clockwork.Clock
	// Logger emits bus diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *DocBusConfig) CheckAndSetDefaults() error {
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.InstanceID == "" {
		return trace.BadParameter("missing parameter InstanceID")
	}
	if c.Prefix == "" {
		c.Prefix = defaults.BusPrefix
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = defaults.BusChunkThreshold
	}
	if c.ReassemblyTimeout <= 0 {
		c.ReassemblyTimeout = defaults.BusChunkReassemblyTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(coweave.ComponentKey, coweave.ComponentBus)
	}
	return nil
}

// DocBus speaks the envelope protocol on top of a raw transport: one
// topic per document, chunking above the threshold, a bounded publish
// retry, and echo suppression on delivery.
type DocBus struct {
	cfg DocBusConfig

	sent     atomic.Uint64
	received atomic.Uint64
	errors   atomic.Uint64
}

// NewDocBus returns a DocBus over the configured transport.
func NewDocBus(cfg DocBusConfig) (*DocBus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DocBus{cfg: cfg}, nil
}

// Topic returns the transport topic of a document.
func (b *DocBus) Topic(documentID string) string {
	return b.cfg.Prefix + "doc:" + documentID + ":updates"
}

// InstanceID returns the identifier stamped on published envelopes.
func (b *DocBus) InstanceID() string {
	return b.cfg.InstanceID
}

// Stats returns a snapshot of the publish/delivery counters.
func (b *DocBus) Stats() Stats {
	return Stats{
		Sent:     b.sent.Load(),
		Received: b.received.Load(),
		Errors:   b.errors.Load(),
	}
}

// Close closes the underlying transport.
func (b *DocBus) Close() error {
	return trace.Wrap(b.cfg.Bus.Close())
}

// Publish sends one payload for a document. Payloads above the chunk
// threshold are split; all chunks share a message id so the receiver
// can put them back together. A failed publish is retried with backoff
// before the update is declared lost; losing it is survivable, the
// next sync exchange carries the operations again.
func (b *DocBus) Publish(ctx context.Context, documentID string, kind Kind, payload []byte, origin string) error {
	env := Envelope{
		DocumentID: documentID,
		Kind:       kind,
		Origin:     origin,
		InstanceID: b.cfg.InstanceID,
		MessageID:  uuid.NewString(),
		Timestamp:  b.cfg.Clock.Now().UnixMilli(),
	}

	var frames [][]byte
	if len(payload) > b.cfg.ChunkThreshold {
		chunks := splitChunks(payload, b.cfg.ChunkThreshold)
		env.Chunked = true
		env.TotalChunks = len(chunks)
		for i, chunk := range chunks {
			env.ChunkIndex = i
			env.Payload = chunk
			data, err := json.Marshal(env)
			if err != nil {
				return trace.Wrap(err)
			}
			frames = append(frames, data)
		}
	} else {
		env.Payload = payload
		data, err := json.Marshal(env)
		if err != nil {
			return trace.Wrap(err)
		}
		frames = append(frames, data)
	}

	topic := b.Topic(documentID)
	for _, frame := range frames {
		if err := b.publishWithRetry(ctx, topic, frame); err != nil {
			b.errors.Add(1)
			publishErrors.Inc()
			return trace.Wrap(err)
		}
		b.sent.Add(1)
		messagesPublished.Inc()
	}
	return nil
}

func (b *DocBus) publishWithRetry(ctx context.Context, topic string, frame []byte) error {
	retry, err := utils.NewLinear(utils.LinearConfig{
		First:  100 * time.Millisecond,
		Step:   400 * time.Millisecond,
		Max:    time.Second,
		Jitter: utils.NewHalfJitter(),
		Clock:  b.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var lastErr error
	for attempt := 0; attempt <= defaults.BusPublishRetries; attempt++ {
		if lastErr != nil {
			retry.Inc()
			select {
			case <-retry.After():
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
		}
		lastErr = b.cfg.Bus.Publish(ctx, topic, frame)
		if lastErr == nil {
			return nil
		}
		b.cfg.Logger.WarnContext(ctx, "Bus publish failed",
			"topic", topic, "attempt", attempt+1, "error", lastErr)
	}
	return trace.ConnectionProblem(lastErr, "publishing to %v", topic)
}

// Subscribe delivers every foreign envelope published for a document to
// handler. Echoes and undecodable deliveries are dropped here; chunked
// envelopes are handed over only once complete.
func (b *DocBus) Subscribe(ctx context.Context, documentID string, handler Handler) (Subscription, error) {
	re := &reassembler{
		bus:     b,
		timeout: b.cfg.ReassemblyTimeout,
		pending: make(map[string]*partial),
	}
	sub, err := b.cfg.Bus.Subscribe(ctx, b.Topic(documentID), func(payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			decodeErrors.Inc()
			b.cfg.Logger.WarnContext(ctx, "Dropping undecodable bus delivery",
				"document", documentID, "error", err)
			return
		}
		if env.InstanceID == b.cfg.InstanceID {
			return
		}
		if env.Chunked {
			env2, ok := re.add(env)
			if !ok {
				return
			}
			env = env2
		}
		b.received.Add(1)
		messagesReceived.Inc()
		handler(env)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &docSubscription{sub: sub, re: re}, nil
}

type docSubscription struct {
	sub Subscription
	re  *reassembler
}

func (s *docSubscription) Close() error {
	s.re.close()
	return trace.Wrap(s.sub.Close())
}

type partial struct {
	chunks [][]byte
	got    int
	timer  clockwork.Timer
}

// reassembler collects the chunks of oversized envelopes. Incomplete
// sets expire after the configured timeout; the next sync exchange
// repairs whatever the lost chunk carried.
type reassembler struct {
	bus     *DocBus
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	pending map[string]*partial
}

// add folds one chunk in. It returns the reassembled envelope and true
// once every chunk of the message has arrived.
func (r *reassembler) add(env Envelope) (Envelope, bool) {
	if env.TotalChunks <= 0 || env.ChunkIndex < 0 || env.ChunkIndex >= env.TotalChunks {
		decodeErrors.Inc()
		return Envelope{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Envelope{}, false
	}

	p, ok := r.pending[env.MessageID]
	if !ok {
		p = &partial{chunks: make([][]byte, env.TotalChunks)}
		id := env.MessageID
		p.timer = r.bus.cfg.Clock.AfterFunc(r.timeout, func() {
			r.expire(id)
		})
		r.pending[env.MessageID] = p
	}
	if len(p.chunks) != env.TotalChunks || p.chunks[env.ChunkIndex] != nil {
		// Conflicting chunk metadata under one message id.
		decodeErrors.Inc()
		return Envelope{}, false
	}
	p.chunks[env.ChunkIndex] = env.Payload
	p.got++
	if p.got < env.TotalChunks {
		return Envelope{}, false
	}

	p.timer.Stop()
	delete(r.pending, env.MessageID)

	var size int
	for _, chunk := range p.chunks {
		size += len(chunk)
	}
	payload := make([]byte, 0, size)
	for _, chunk := range p.chunks {
		payload = append(payload, chunk...)
	}
	env.Payload = payload
	env.Chunked = false
	env.ChunkIndex = 0
	env.TotalChunks = 0
	return env, true
}

func (r *reassembler) expire(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[messageID]; !ok {
		return
	}
	delete(r.pending, messageID)
	chunksExpired.Inc()
	r.bus.cfg.Logger.Warn("Dropping incomplete chunked envelope", "message_id", messageID)
}

func (r *reassembler) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
}

func splitChunks(payload []byte, size int) [][]byte {
	var chunks [][]byte
	for len(payload) > size {
		chunks = append(chunks, payload[:size])
		payload = payload[size:]
	}
	return append(chunks, payload)
}
