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
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/bus"
	"github.com/coweave/coweave/lib/crdt"
	"github.com/coweave/coweave/lib/defaults"
	"github.com/coweave/coweave/lib/utils"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Engine builds replicas for new hubs.
	Engine crdt.Engine
	// Bus propagates document changes between instances.
	Bus *bus.DocBus
	// Clock drives idle reaping and is handed down to hubs.
	Clock clockwork.Clock
	// Logger emits registry diagnostics.
	Logger *slog.Logger
	// MaxHubs caps resident hubs; zero means unlimited.
	MaxHubs int
	// MaxClientsPerHub caps attachments per document.
	MaxClientsPerHub int
	// QueueCap is the per-client outbound queue capacity.
	QueueCap int
	// IdleGrace is how long an empty hub lingers before reaping.
	IdleGrace time.Duration
	// IdleJitter spreads reap timers so bursts do not expire together.
	IdleJitter utils.Jitter
	// AwarenessTimeout and AwarenessGCInterval are handed down to hubs.
	AwarenessTimeout    time.Duration
	AwarenessGCInterval time.Duration

	// events is an optional channel for test synchronization.
	events chan testEvent
}

// RegistryOption mutates optional registry behavior.
type RegistryOption func(*RegistryConfig)

// WithTestEventsChannel installs a channel that receives internal
// transition events, letting tests await async state changes.
func WithTestEventsChannel(ch chan testEvent) RegistryOption {
	return func(cfg *RegistryConfig) {
		cfg.events = ch
	}
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(coweave.ComponentKey, coweave.ComponentRegistry)
	}
	if c.MaxHubs < 0 {
		return trace.BadParameter("MaxHubs must not be negative")
	}
	if c.MaxClientsPerHub <= 0 {
		c.MaxClientsPerHub = defaults.MaxClientsPerHub
	}
	if c.QueueCap <= 0 {
		c.QueueCap = defaults.OutboundQueueCap
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = defaults.HubIdleGrace
	}
	if c.IdleJitter == nil {
		jitter := utils.NewFullJitter()
		c.IdleJitter = func(time.Duration) time.Duration {
			return jitter(defaults.HubIdleGraceJitterMax)
		}
	}
	return nil
}

// Registry is the process-wide document table: one hub per document,
// created on first use by exactly one caller, reaped after sitting
// empty past the idle grace. It is the sole owner of its hubs.
type Registry struct {
	cfg      RegistryConfig
	log      *slog.Logger
	counters *counters

	ctx    context.Context
	cancel context.CancelFunc
	sf     singleflight.Group

	mu     sync.Mutex
	hubs   map[string]*hubEntry
	closed bool
}

type hubEntry struct {
	hub *Hub
	// idleTimer is armed while the hub has no clients; nil otherwise.
	idleTimer clockwork.Timer
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) (*Registry, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		counters: &counters{},
		ctx:      ctx,
		cancel:   cancel,
		hubs:     make(map[string]*hubEntry),
	}, nil
}

// Get returns the hub of a document, creating it when absent.
// Concurrent calls for the same document share one creation; only one
// hub per document is ever installed. A caller whose context expires
// stops waiting, but the creation itself continues for the others.
func (r *Registry) Get(ctx context.Context, documentID string) (*Hub, error) {
	documentID = SanitizeDocumentID(documentID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, trace.Wrap(ErrShutdown)
	}
	if entry, ok := r.hubs[documentID]; ok {
		r.disarmLocked(entry)
		r.mu.Unlock()
		return entry.hub, nil
	}
	r.mu.Unlock()

	ch := r.sf.DoChan(documentID, func() (any, error) {
		return r.create(documentID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, trace.Wrap(res.Err)
		}
		return res.Val.(*Hub), nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func (r *Registry) create(documentID string) (*Hub, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, trace.Wrap(ErrShutdown)
	}
	// Another leader may have installed the hub between the fast path
	// and the singleflight.
	if entry, ok := r.hubs[documentID]; ok {
		r.disarmLocked(entry)
		r.mu.Unlock()
		return entry.hub, nil
	}
	if r.cfg.MaxHubs > 0 && len(r.hubs) >= r.cfg.MaxHubs {
		r.mu.Unlock()
		return nil, trace.LimitExceeded("instance holds %v documents: %v", r.cfg.MaxHubs, ErrCapacity)
	}
	r.mu.Unlock()

	hub, err := NewHub(r.ctx, HubConfig{
		DocumentID:          documentID,
		Replica:             r.cfg.Engine.NewReplica(),
		Bus:                 r.cfg.Bus,
		Clock:               r.cfg.Clock,
		Logger:              r.cfg.Logger.With("document", documentID),
		MaxClients:          r.cfg.MaxClientsPerHub,
		QueueCap:            r.cfg.QueueCap,
		AwarenessTimeout:    r.cfg.AwarenessTimeout,
		AwarenessGCInterval: r.cfg.AwarenessGCInterval,
		counters:            r.counters,
		events:              r.cfg.events,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		hub.Close()
		return nil, trace.Wrap(ErrShutdown)
	}
	if r.cfg.MaxHubs > 0 && len(r.hubs) >= r.cfg.MaxHubs {
		r.mu.Unlock()
		hub.Close()
		return nil, trace.LimitExceeded("instance holds %v documents: %v", r.cfg.MaxHubs, ErrCapacity)
	}
	r.hubs[documentID] = &hubEntry{hub: hub}
	hubsOpen.Set(float64(len(r.hubs)))
	r.mu.Unlock()

	r.log.InfoContext(r.ctx, "Created document hub", "document", documentID)
	r.emit(hubCreated)
	return hub, nil
}

// Release tells the registry a client detached from a document. When
// the hub has no clients left, the idle grace timer is armed; the hub
// is reaped once it fires with the hub still empty.
func (r *Registry) Release(documentID string) {
	documentID = SanitizeDocumentID(documentID)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.hubs[documentID]
	if !ok || r.closed || entry.idleTimer != nil || entry.hub.NumClients() > 0 {
		return
	}
	grace := r.cfg.IdleGrace + r.cfg.IdleJitter(defaults.HubIdleGraceJitterMax)
	hub := entry.hub
	entry.idleTimer = r.cfg.Clock.AfterFunc(grace, func() {
		r.reapIdle(documentID, hub)
	})
	r.emit(idleTimerSet)
}

func (r *Registry) reapIdle(documentID string, hub *Hub) {
	r.mu.Lock()
	entry, ok := r.hubs[documentID]
	if !ok || entry.hub != hub {
		r.mu.Unlock()
		return
	}
	entry.idleTimer = nil
	if hub.NumClients() > 0 {
		// Someone attached between arming and firing.
		r.mu.Unlock()
		r.emit(hubReapAbort)
		return
	}
	delete(r.hubs, documentID)
	hubsOpen.Set(float64(len(r.hubs)))
	r.mu.Unlock()

	hub.Close()
	r.log.InfoContext(r.ctx, "Reaped idle document hub", "document", documentID)
	r.emit(hubReaped)
}

func (r *Registry) disarmLocked(entry *hubEntry) {
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
		entry.idleTimer = nil
	}
}

// ForceRemove destroys a document hub on the admin's say-so. It fails
// while clients are attached.
func (r *Registry) ForceRemove(documentID string) error {
	documentID = SanitizeDocumentID(documentID)

	r.mu.Lock()
	entry, ok := r.hubs[documentID]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("document %v is not resident", documentID)
	}
	if entry.hub.NumClients() > 0 {
		r.mu.Unlock()
		return trace.CompareFailed("document %v: %v", documentID, ErrActiveClients)
	}
	r.disarmLocked(entry)
	delete(r.hubs, documentID)
	hubsOpen.Set(float64(len(r.hubs)))
	r.mu.Unlock()

	entry.hub.Close()
	r.log.InfoContext(r.ctx, "Force-removed document hub", "document", documentID)
	return nil
}

// DocumentSummary is one row of the document listing.
type DocumentSummary struct {
	ID               string `json:"id"`
	Clients          int    `json:"clients"`
	AwarenessEntries int    `json:"awareness_entries"`
}

// List enumerates resident documents, ordered by id.
func (r *Registry) List() []DocumentSummary {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, entry := range r.hubs {
		hubs = append(hubs, entry.hub)
	}
	r.mu.Unlock()

	out := make([]DocumentSummary, 0, len(hubs))
	for _, hub := range hubs {
		out = append(out, DocumentSummary{
			ID:               hub.DocumentID(),
			Clients:          hub.NumClients(),
			AwarenessEntries: hub.AwarenessLen(),
		})
	}
	slices.SortFunc(out, func(a, b DocumentSummary) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// DocumentInfo describes one resident document.
type DocumentInfo struct {
	ID         string    `json:"id"`
	Clients    int       `json:"clients"`
	Size       uint64    `json:"size"`
	LastActive time.Time `json:"last_active"`
}

// Info returns details of one resident document.
func (r *Registry) Info(documentID string) (DocumentInfo, error) {
	documentID = SanitizeDocumentID(documentID)

	r.mu.Lock()
	entry, ok := r.hubs[documentID]
	r.mu.Unlock()
	if !ok {
		return DocumentInfo{}, trace.NotFound("document %v is not resident", documentID)
	}
	return DocumentInfo{
		ID:         documentID,
		Clients:    entry.hub.NumClients(),
		Size:       entry.hub.Size(),
		LastActive: entry.hub.LastActive(),
	}, nil
}

// Stats is the instance-level snapshot served by the inspector.
type Stats struct {
	Hubs       int       `json:"hubs"`
	Clients    int       `json:"clients"`
	FramesIn   uint64    `json:"frames_in"`
	FramesOut  uint64    `json:"frames_out"`
	BytesIn    uint64    `json:"bytes_in"`
	BytesOut   uint64    `json:"bytes_out"`
	Bus        bus.Stats `json:"bus"`
	InstanceID string    `json:"instance_id"`
}

// Stats returns the instance-level counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	hubs := len(r.hubs)
	clients := 0
	for _, entry := range r.hubs {
		clients += entry.hub.NumClients()
	}
	r.mu.Unlock()

	return Stats{
		Hubs:       hubs,
		Clients:    clients,
		FramesIn:   r.counters.framesIn.Load(),
		FramesOut:  r.counters.framesOut.Load(),
		BytesIn:    r.counters.bytesIn.Load(),
		BytesOut:   r.counters.bytesOut.Load(),
		Bus:        r.cfg.Bus.Stats(),
		InstanceID: r.cfg.Bus.InstanceID(),
	}
}

// Drain closes every hub for shutdown: clients get the shutdown close
// reason, then the registry waits up to deadline for their sessions to
// detach before returning. New Gets fail immediately.
func (r *Registry) Drain(ctx context.Context, deadline time.Duration) {
	r.mu.Lock()
	r.closed = true
	entries := make([]*hubEntry, 0, len(r.hubs))
	for _, entry := range r.hubs {
		r.disarmLocked(entry)
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.hub.Close()
	}

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		attached := 0
		for _, entry := range entries {
			attached += entry.hub.NumClients()
		}
		if attached == 0 {
			break
		}
		select {
		case <-waitCtx.Done():
			r.log.WarnContext(ctx, "Drain deadline passed with clients still attached", "clients", attached)
			return
		case <-time.After(defaults.HighResPollingPeriod):
		}
	}
	r.log.InfoContext(ctx, "Drained all document hubs")
}

// Close drains with the default deadline and releases the registry.
func (r *Registry) Close() error {
	r.Drain(context.Background(), defaults.DrainDeadline)
	r.cancel()
	return nil
}

func (r *Registry) emit(event testEvent) {
	if r.cfg.events == nil {
		return
	}
	select {
	case r.cfg.events <- event:
	default:
	}
}
