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

package collab

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/auth"
	"github.com/coweave/coweave/lib/awareness"
	"github.com/coweave/coweave/lib/bus"
	"github.com/coweave/coweave/lib/crdt"
	"github.com/coweave/coweave/lib/defaults"
	"github.com/coweave/coweave/lib/wire"
)

// counters are process-wide traffic totals shared by every hub of a
// registry. Updated with atomics, read by the inspector.
type counters struct {
	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
}

// HubConfig configures a document hub.
type HubConfig struct {
	// DocumentID is the document this hub is authoritative for.
	DocumentID string
	// Replica is the hub's materialized document.
	Replica crdt.Replica
	// Bus propagates changes to and from peer instances.
	Bus *bus.DocBus
	// Clock drives awareness staleness bookkeeping.
	Clock clockwork.Clock
	// Logger emits hub diagnostics.
	Logger *slog.Logger
	// MaxClients caps concurrent attachments.
	MaxClients int
	// QueueCap is the outbound queue capacity of each client.
	QueueCap int
	// AwarenessTimeout expires presence entries that stop refreshing.
	AwarenessTimeout time.Duration
	// AwarenessGCInterval is how often expiry is checked.
	AwarenessGCInterval time.Duration

	// counters is set by the owning registry; standalone hubs get their
	// own.
	counters *counters
	// events is an optional channel for test synchronization.
	events chan testEvent
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HubConfig) CheckAndSetDefaults() error {
	if c.DocumentID == "" {
		return trace.BadParameter("missing parameter DocumentID")
	}
	if c.Replica == nil {
		return trace.BadParameter("missing parameter Replica")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(coweave.ComponentKey, coweave.ComponentHub)
	}
	if c.MaxClients <= 0 {
		c.MaxClients = defaults.MaxClientsPerHub
	}
	if c.QueueCap <= 0 {
		c.QueueCap = defaults.OutboundQueueCap
	}
	if c.AwarenessTimeout <= 0 {
		c.AwarenessTimeout = defaults.AwarenessTimeout
	}
	if c.AwarenessGCInterval <= 0 {
		c.AwarenessGCInterval = defaults.AwarenessGCInterval
	}
	if c.counters == nil {
		c.counters = &counters{}
	}
	return nil
}

// Hub is the in-memory authority for one document on this instance. All
// state transitions run under one lock; the lock is never held across
// network I/O. Outbound frames are enqueued under the lock, bus
// publishes are collected under it and sent after it is released.
type Hub struct {
	cfg      HubConfig
	log      *slog.Logger
	counters *counters

	ctx    context.Context
	cancel context.CancelFunc
	sub    bus.Subscription

	mu           sync.Mutex
	clients      map[uint64]*Client
	aware        *awareness.Table
	nextClientID uint64
	lastActive   time.Time
	closed       bool
	// pending collects bus publishes decided under the lock. The
	// goroutine that released the lock flushes them.
	pending []pendingPublish

	appliedBytes atomic.Uint64
}

type pendingPublish struct {
	kind    bus.Kind
	payload []byte
	origin  string
}

// NewHub builds a hub and opens its bus subscription. If the
// subscription cannot be established the hub is not viable and an error
// is returned instead.
func NewHub(ctx context.Context, cfg HubConfig) (*Hub, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	hubCtx, cancel := context.WithCancel(ctx)
	h := &Hub{
		cfg:          cfg,
		log:          cfg.Logger.With("document", cfg.DocumentID),
		counters:     cfg.counters,
		ctx:          hubCtx,
		cancel:       cancel,
		clients:      make(map[uint64]*Client),
		aware:        awareness.NewTable(cfg.Clock),
		nextClientID: 1,
		lastActive:   cfg.Clock.Now(),
	}
	// The handler fires inside Replica.Apply, which the hub only ever
	// calls with its lock held.
	cfg.Replica.OnChange(h.onReplicaChange)

	sub, err := cfg.Bus.Subscribe(hubCtx, cfg.DocumentID, h.handleBus)
	if err != nil {
		cancel()
		return nil, trace.Wrap(err)
	}
	h.sub = sub

	go h.sweepLoop()
	return h, nil
}

// DocumentID returns the document this hub serves.
func (h *Hub) DocumentID() string {
	return h.cfg.DocumentID
}

// Register attaches a new client and primes its queue with the opening
// sync step 1 and, when anyone is present, the awareness snapshot.
func (h *Hub) Register(principal auth.Principal) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, trace.Wrap(ErrShutdown)
	}
	if len(h.clients) >= h.cfg.MaxClients {
		return nil, trace.LimitExceeded("document %v is full: %v", h.cfg.DocumentID, ErrHubFull)
	}

	id := h.nextClientID
	h.nextClientID++
	c := &Client{
		hub:        h,
		id:         id,
		principal:  principal,
		originTag:  clientOrigin(id),
		frames:     make(chan []byte, h.cfg.QueueCap),
		done:       make(chan struct{}),
		controlled: make(map[uint64]struct{}),
	}
	h.clients[id] = c
	h.lastActive = h.cfg.Clock.Now()
	clientsOpen.Inc()

	c.enqueue(wire.EncodeSyncStep1(h.cfg.Replica.StateVector()))
	if snapshot := h.aware.Snapshot(); snapshot != nil {
		c.enqueue(wire.EncodeAwareness(snapshot))
	}

	h.log.DebugContext(h.ctx, "Registered client", "client", id, "user", principal.UserID)
	return c, nil
}

// Unregister detaches a client, removes the awareness entries it
// controlled and broadcasts their departure. Safe to call more than
// once. If this was the last client the hub stays resident until the
// registry's idle grace expires.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	clientsOpen.Dec()
	h.lastActive = h.cfg.Clock.Now()

	ids := make([]uint64, 0, len(c.controlled))
	for id := range c.controlled {
		ids = append(ids, id)
	}
	clear(c.controlled)
	if removed := h.aware.Remove(ids); len(removed) > 0 {
		payload := awareness.Encode(removed...)
		h.fanoutLocked(wire.EncodeAwareness(payload), c.id)
		h.pending = append(h.pending, pendingPublish{kind: bus.KindAwareness, payload: payload, origin: c.originTag})
	}
	pending := h.takePendingLocked()
	h.mu.Unlock()

	c.Close(nil)
	h.flush(pending)
	h.log.DebugContext(h.ctx, "Unregistered client", "client", c.id)
}

// HandleInbound runs one client frame through the sync protocol. The
// returned error says what the peer did wrong; the transport maps it to
// a close code and tears down only that client.
func (h *Hub) HandleInbound(c *Client, frame []byte) error {
	framesIn.Inc()
	h.counters.framesIn.Add(1)
	h.counters.bytesIn.Add(uint64(len(frame)))

	msg, err := wire.Decode(frame)
	if err != nil {
		return trace.Wrap(err)
	}

	switch msg.Kind {
	case wire.KindSyncStep1:
		h.mu.Lock()
		diff, err := h.cfg.Replica.Diff(msg.Payload)
		h.lastActive = h.cfg.Clock.Now()
		if err == nil && diff != nil {
			c.enqueue(wire.EncodeSyncStep2(diff))
		}
		h.mu.Unlock()
		return trace.Wrap(err)

	case wire.KindSyncStep2, wire.KindUpdate:
		h.mu.Lock()
		err := h.cfg.Replica.Apply(msg.Payload, c.originTag)
		h.lastActive = h.cfg.Clock.Now()
		pending := h.takePendingLocked()
		h.mu.Unlock()
		if err != nil {
			return trace.Wrap(err)
		}
		h.appliedBytes.Add(uint64(len(msg.Payload)))
		h.flush(pending)
		return nil

	case wire.KindAwareness:
		updates, err := awareness.Decode(msg.Payload)
		if err != nil {
			return trace.Wrap(err)
		}
		h.mu.Lock()
		applied := h.aware.Merge(updates)
		for _, u := range applied {
			if u.Removal() {
				delete(c.controlled, u.ClientID)
			} else {
				c.controlled[u.ClientID] = struct{}{}
			}
		}
		if len(applied) > 0 {
			payload := awareness.Encode(applied...)
			h.fanoutLocked(wire.EncodeAwareness(payload), c.id)
			h.pending = append(h.pending, pendingPublish{kind: bus.KindAwareness, payload: payload, origin: c.originTag})
		}
		h.lastActive = h.cfg.Clock.Now()
		pending := h.takePendingLocked()
		h.mu.Unlock()
		h.flush(pending)
		return nil

	default:
		return trace.BadParameter("unhandled message kind %v", msg.Kind)
	}
}

// handleBus applies one foreign envelope. Echoes never get here, the
// bus drops them on delivery. Bus-borne failures are counted and
// dropped; they must not cascade into client disconnects.
func (h *Hub) handleBus(env bus.Envelope) {
	switch env.Kind {
	case bus.KindUpdate:
		h.mu.Lock()
		err := h.cfg.Replica.Apply(env.Payload, busOrigin)
		h.lastActive = h.cfg.Clock.Now()
		// Applying with the bus origin queues no publish, so there is
		// nothing to flush.
		h.takePendingLocked()
		h.mu.Unlock()
		if err != nil {
			busUpdateErrors.Inc()
			h.emit(busApplyErr)
			h.log.WarnContext(h.ctx, "Dropping bus update that failed to apply",
				"instance", env.InstanceID, "error", err)
			return
		}
		h.appliedBytes.Add(uint64(len(env.Payload)))
		h.emit(busApplied)

	case bus.KindAwareness:
		updates, err := awareness.Decode(env.Payload)
		if err != nil {
			busUpdateErrors.Inc()
			h.emit(busApplyErr)
			h.log.WarnContext(h.ctx, "Dropping undecodable bus awareness update",
				"instance", env.InstanceID, "error", err)
			return
		}
		h.mu.Lock()
		if applied := h.aware.Merge(updates); len(applied) > 0 {
			h.fanoutLocked(wire.EncodeAwareness(awareness.Encode(applied...)), 0)
		}
		h.mu.Unlock()
		h.emit(busApplied)

	default:
		busUpdateErrors.Inc()
		h.log.WarnContext(h.ctx, "Dropping bus envelope of unknown kind",
			"kind", env.Kind, "instance", env.InstanceID)
	}
}

// onReplicaChange fans a committed change out to local clients and, for
// locally originated changes, queues a bus publish. Runs inside
// Replica.Apply with the hub lock held, so it only performs bounded
// non-blocking work.
func (h *Hub) onReplicaChange(update []byte, origin string) {
	h.fanoutLocked(wire.EncodeUpdate(update), originClientID(origin))
	if origin != busOrigin {
		h.pending = append(h.pending, pendingPublish{kind: bus.KindUpdate, payload: update, origin: origin})
	}
}

// fanoutLocked enqueues a frame to every client except the originator.
// Callers hold the hub lock.
func (h *Hub) fanoutLocked(frame []byte, exceptID uint64) {
	for id, c := range h.clients {
		if id == exceptID {
			continue
		}
		c.enqueue(frame)
	}
}

func (h *Hub) takePendingLocked() []pendingPublish {
	pending := h.pending
	h.pending = nil
	return pending
}

// flush publishes what was decided under the lock. Publish failures are
// logged and counted inside the bus; the hub and its clients carry on,
// the next sync exchange redelivers the operations.
func (h *Hub) flush(pending []pendingPublish) {
	for _, p := range pending {
		if err := h.cfg.Bus.Publish(h.ctx, h.cfg.DocumentID, p.kind, p.payload, p.origin); err != nil {
			h.log.WarnContext(h.ctx, "Failed to publish change", "kind", p.kind, "error", err)
		}
	}
}

// sweepLoop periodically expires awareness entries whose owners went
// silent, locally or on a crashed peer instance, and broadcasts their
// departure.
func (h *Hub) sweepLoop() {
	ticker := h.cfg.Clock.NewTicker(h.cfg.AwarenessGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			h.mu.Lock()
			removed := h.aware.Sweep(h.cfg.AwarenessTimeout)
			if len(removed) > 0 {
				payload := awareness.Encode(removed...)
				h.fanoutLocked(wire.EncodeAwareness(payload), 0)
				h.pending = append(h.pending, pendingPublish{kind: bus.KindAwareness, payload: payload})
				for _, c := range h.clients {
					for _, u := range removed {
						delete(c.controlled, u.ClientID)
					}
				}
			}
			pending := h.takePendingLocked()
			h.mu.Unlock()
			if len(removed) > 0 {
				h.flush(pending)
				h.emit(sweepBroadcast)
			}
		case <-h.ctx.Done():
			return
		}
	}
}

// Close shuts the hub down: the bus subscription is cancelled, every
// client is finished with the shutdown reason and further registrations
// are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	clientsOpen.Sub(float64(len(h.clients)))
	clear(h.clients)
	h.mu.Unlock()

	h.cancel()
	err := h.sub.Close()
	for _, c := range clients {
		c.Close(ErrShutdown)
	}
	return trace.Wrap(err)
}

// NumClients counts attached clients.
func (h *Hub) NumClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// AwarenessLen counts live awareness entries.
func (h *Hub) AwarenessLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aware.Len()
}

// LastActive reports when the hub last saw a registration, departure or
// applied change.
func (h *Hub) LastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActive
}

// Size reports the accumulated bytes of applied updates, a cheap proxy
// for document weight.
func (h *Hub) Size() uint64 {
	return h.appliedBytes.Load()
}

func (h *Hub) emit(event testEvent) {
	if h.cfg.events == nil {
		return
	}
	select {
	case h.cfg.events <- event:
	default:
	}
}
