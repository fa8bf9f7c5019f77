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
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/coweave/coweave/lib/auth"
	"github.com/coweave/coweave/lib/awareness"
	"github.com/coweave/coweave/lib/bus"
	"github.com/coweave/coweave/lib/crdt"
	"github.com/coweave/coweave/lib/utils"
	"github.com/coweave/coweave/lib/wire"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type hubHarness struct {
	transport *bus.MemoryBus
	bus       *bus.DocBus
	hub       *Hub
	clock     *clockwork.FakeClock
	events    chan testEvent
}

func newHubHarness(t *testing.T, instanceID string, transport *bus.MemoryBus, opts ...func(*HubConfig)) *hubHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	docBus, err := bus.NewDocBus(bus.DocBusConfig{
		Bus:        transport,
		InstanceID: instanceID,
		Clock:      clock,
	})
	require.NoError(t, err)

	events := make(chan testEvent, 128)
	cfg := HubConfig{
		DocumentID: "doc1",
		Replica:    crdt.NewOplogEngine().NewReplica(),
		Bus:        docBus,
		Clock:      clock,
		Logger:     utils.DiscardLogger,
		events:     events,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	hub, err := NewHub(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })
	// Wait for the sweeper's ticker so clock advances cannot race past it.
	clock.BlockUntil(1)
	return &hubHarness{transport: transport, bus: docBus, hub: hub, clock: clock, events: events}
}

func (h *hubHarness) awaitEvent(t *testing.T, want testEvent) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-h.events:
			if event == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

func register(t *testing.T, hub *Hub, user string) *Client {
	t.Helper()
	c, err := hub.Register(auth.Principal{UserID: user, Username: user})
	require.NoError(t, err)
	return c
}

// nextFrame pops one outbound frame, decoded.
func nextFrame(t *testing.T, c *Client) wire.Message {
	t.Helper()
	select {
	case frame := <-c.Frames():
		msg, err := wire.Decode(frame)
		require.NoError(t, err)
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a frame on %v", c)
		return wire.Message{}
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.Frames():
		msg, _ := wire.Decode(frame)
		t.Fatalf("unexpected frame %v on %v", msg.Kind, c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterPrimesNewClient(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus())

	// Pre-populate the replica and awareness table through a first client.
	c1 := register(t, h.hub, "alice")
	require.Equal(t, uint64(1), c1.ID())
	nextFrame(t, c1) // its own step 1
	require.NoError(t, h.hub.HandleInbound(c1, wire.EncodeUpdate(crdt.EncodeOps(
		crdt.Op{Actor: 1, Seq: 1, Body: []byte("x")},
	))))
	require.NoError(t, h.hub.HandleInbound(c1, wire.EncodeAwareness(awareness.Encode(
		awareness.Update{ClientID: 1, Clock: 1, State: []byte("cursor")},
	))))

	c2 := register(t, h.hub, "bob")
	require.Equal(t, uint64(2), c2.ID(), "client ids are never reused")

	step1 := nextFrame(t, c2)
	require.Equal(t, wire.KindSyncStep1, step1.Kind)
	require.Equal(t, h.hub.cfg.Replica.StateVector(), step1.Payload)

	aware := nextFrame(t, c2)
	require.Equal(t, wire.KindAwareness, aware.Kind)
	updates, err := awareness.Decode(aware.Payload)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, []byte("cursor"), updates[0].State)
}

func TestStep1CatchUp(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus())

	seed := register(t, h.hub, "seed")
	nextFrame(t, seed)
	require.NoError(t, h.hub.HandleInbound(seed, wire.EncodeUpdate(crdt.EncodeOps(
		crdt.Op{Actor: 7, Seq: 1, Body: []byte("o1")},
		crdt.Op{Actor: 7, Seq: 2, Body: []byte("o2")},
		crdt.Op{Actor: 7, Seq: 3, Body: []byte("o3")},
	))))

	joiner := register(t, h.hub, "joiner")
	serverStep1 := nextFrame(t, joiner)
	require.Equal(t, wire.KindSyncStep1, serverStep1.Kind)

	// The joiner answers with its own (empty) state vector.
	empty := crdt.NewOplogEngine().NewReplica()
	require.NoError(t, h.hub.HandleInbound(joiner, wire.EncodeSyncStep1(empty.StateVector())))

	step2 := nextFrame(t, joiner)
	require.Equal(t, wire.KindSyncStep2, step2.Kind)
	require.NoError(t, empty.Apply(step2.Payload, "test"))
	require.Equal(t, h.hub.cfg.Replica.StateVector(), empty.StateVector())

	// A peer that lacks nothing gets no step 2 at all.
	require.NoError(t, h.hub.HandleInbound(joiner, wire.EncodeSyncStep1(empty.StateVector())))
	requireNoFrame(t, joiner)
}

func TestUpdateFanOutSkipsOriginator(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus())

	c1, c2, c3 := register(t, h.hub, "a"), register(t, h.hub, "b"), register(t, h.hub, "c")
	for _, c := range []*Client{c1, c2, c3} {
		nextFrame(t, c)
	}

	update := crdt.EncodeOps(crdt.Op{Actor: 1, Seq: 1, Body: []byte("edit")})
	require.NoError(t, h.hub.HandleInbound(c1, wire.EncodeUpdate(update)))

	for _, c := range []*Client{c2, c3} {
		msg := nextFrame(t, c)
		require.Equal(t, wire.KindUpdate, msg.Kind)
		require.Equal(t, update, msg.Payload)
	}
	requireNoFrame(t, c1)
}

func TestLocalUpdatePublishesOnBus(t *testing.T) {
	t.Parallel()
	transport := bus.NewMemoryBus()
	t.Cleanup(func() { transport.Close() })
	h := newHubHarness(t, "a", transport)

	peerBus, err := bus.NewDocBus(bus.DocBusConfig{Bus: transport, InstanceID: "b"})
	require.NoError(t, err)
	got := make(chan bus.Envelope, 1)
	sub, err := peerBus.Subscribe(context.Background(), "doc1", func(env bus.Envelope) { got <- env })
	require.NoError(t, err)
	defer sub.Close()

	c1 := register(t, h.hub, "alice")
	nextFrame(t, c1)
	update := crdt.EncodeOps(crdt.Op{Actor: 1, Seq: 1, Body: []byte("edit")})
	require.NoError(t, h.hub.HandleInbound(c1, wire.EncodeUpdate(update)))

	select {
	case env := <-got:
		require.Equal(t, bus.KindUpdate, env.Kind)
		require.Equal(t, update, env.Payload)
		require.Equal(t, "a", env.InstanceID)
	case <-time.After(5 * time.Second):
		t.Fatal("local update never reached the bus")
	}
}

func TestBusDeliveryFansOutWithoutRepublish(t *testing.T) {
	t.Parallel()
	transport := bus.NewMemoryBus()
	t.Cleanup(func() { transport.Close() })
	h := newHubHarness(t, "a", transport)

	c1 := register(t, h.hub, "alice")
	nextFrame(t, c1)

	peerBus, err := bus.NewDocBus(bus.DocBusConfig{Bus: transport, InstanceID: "b"})
	require.NoError(t, err)
	echo := make(chan bus.Envelope, 4)
	sub, err := peerBus.Subscribe(context.Background(), "doc1", func(env bus.Envelope) { echo <- env })
	require.NoError(t, err)
	defer sub.Close()

	update := crdt.EncodeOps(crdt.Op{Actor: 9, Seq: 1, Body: []byte("remote")})
	require.NoError(t, peerBus.Publish(context.Background(), "doc1", bus.KindUpdate, update, ""))
	h.awaitEvent(t, busApplied)

	// Every local client sees the foreign update.
	msg := nextFrame(t, c1)
	require.Equal(t, wire.KindUpdate, msg.Kind)
	require.Equal(t, update, msg.Payload)

	// But the instance does not publish it back.
	select {
	case env := <-echo:
		require.NotEqual(t, "a", env.InstanceID, "bus-origin changes must not be republished")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEchoAppliesExactlyOnce(t *testing.T) {
	t.Parallel()
	transport := bus.NewMemoryBus()
	t.Cleanup(func() { transport.Close() })

	// Two instances of the same document on one transport.
	hubA := newHubHarness(t, "a", transport)
	hubB := newHubHarness(t, "b", transport)

	ca := register(t, hubA.hub, "alice")
	nextFrame(t, ca)

	update := crdt.EncodeOps(crdt.Op{Actor: 1, Seq: 1, Body: []byte("op")})
	require.NoError(t, hubA.hub.HandleInbound(ca, wire.EncodeUpdate(update)))

	// B applies the foreign update; A never re-applies its own echo, so
	// both end up with identical vectors and one copy of the op.
	hubB.awaitEvent(t, busApplied)
	require.Equal(t, hubA.hub.cfg.Replica.StateVector(), hubB.hub.cfg.Replica.StateVector())
	require.Equal(t, uint64(len(update)), hubA.hub.Size(), "echo must not inflate the applied byte count")
}

func TestTwoInstanceConvergence(t *testing.T) {
	t.Parallel()
	transport := bus.NewMemoryBus()
	t.Cleanup(func() { transport.Close() })
	hubA := newHubHarness(t, "a", transport)
	hubB := newHubHarness(t, "b", transport)

	ca, cb := register(t, hubA.hub, "alice"), register(t, hubB.hub, "bob")
	nextFrame(t, ca)
	nextFrame(t, cb)

	op1 := crdt.EncodeOps(crdt.Op{Actor: 1, Seq: 1, Body: []byte("op1")})
	op2 := crdt.EncodeOps(crdt.Op{Actor: 2, Seq: 1, Body: []byte("op2")})
	require.NoError(t, hubA.hub.HandleInbound(ca, wire.EncodeUpdate(op1)))
	require.NoError(t, hubB.hub.HandleInbound(cb, wire.EncodeUpdate(op2)))

	hubA.awaitEvent(t, busApplied)
	hubB.awaitEvent(t, busApplied)
	require.Equal(t, hubA.hub.cfg.Replica.StateVector(), hubB.hub.cfg.Replica.StateVector())

	// Each client receives exactly the other's update.
	msg := nextFrame(t, ca)
	require.Equal(t, op2, msg.Payload)
	requireNoFrame(t, ca)
	msg = nextFrame(t, cb)
	require.Equal(t, op1, msg.Payload)
	requireNoFrame(t, cb)
}

func TestCorruptUpdateClosesOnlyOriginator(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus())

	c1, c2 := register(t, h.hub, "a"), register(t, h.hub, "b")
	nextFrame(t, c1)
	nextFrame(t, c2)

	err := h.hub.HandleInbound(c1, wire.EncodeUpdate([]byte{0xff, 0xff}))
	require.ErrorIs(t, err, crdt.ErrCorruptUpdate)

	// The hub survives and keeps serving the other client.
	update := crdt.EncodeOps(crdt.Op{Actor: 2, Seq: 1, Body: []byte("fine")})
	require.NoError(t, h.hub.HandleInbound(c2, wire.EncodeUpdate(update)))
	require.Equal(t, 2, h.hub.NumClients())
}

func TestCorruptBusUpdateIsDropped(t *testing.T) {
	t.Parallel()
	transport := bus.NewMemoryBus()
	t.Cleanup(func() { transport.Close() })
	h := newHubHarness(t, "a", transport)

	peerBus, err := bus.NewDocBus(bus.DocBusConfig{Bus: transport, InstanceID: "b"})
	require.NoError(t, err)
	require.NoError(t, peerBus.Publish(context.Background(), "doc1", bus.KindUpdate, []byte{0xff, 0xff}, ""))
	h.awaitEvent(t, busApplyErr)
	require.Equal(t, uint64(0), h.hub.Size())
}

func TestSlowConsumerIsolation(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus(), func(cfg *HubConfig) {
		cfg.QueueCap = 4
	})

	slow, fast, editor := register(t, h.hub, "slow"), register(t, h.hub, "fast"), register(t, h.hub, "editor")
	nextFrame(t, fast)
	nextFrame(t, editor)
	// slow never reads; its queue already holds the step 1, so it
	// overflows one update before the fast client's queue would.

	for seq := uint64(1); seq <= 4; seq++ {
		update := crdt.EncodeOps(crdt.Op{Actor: 3, Seq: seq, Body: []byte("edit")})
		require.NoError(t, h.hub.HandleInbound(editor, wire.EncodeUpdate(update)))
	}

	select {
	case <-slow.Done():
		require.ErrorIs(t, slow.CloseReason(), ErrSlowConsumer)
	case <-time.After(5 * time.Second):
		t.Fatal("slow client was never closed")
	}

	// The fast client got every update, in order.
	for seq := uint64(1); seq <= 4; seq++ {
		msg := nextFrame(t, fast)
		require.Equal(t, wire.KindUpdate, msg.Kind)
		ops := decodeTestOps(t, msg.Payload)
		require.Equal(t, seq, ops[0].Seq)
	}
	select {
	case <-fast.Done():
		t.Fatal("fast client must be unaffected by the slow one")
	default:
	}
}

func TestAwarenessMergeAndOwnership(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus())

	c1, c2 := register(t, h.hub, "a"), register(t, h.hub, "b")
	nextFrame(t, c1)
	nextFrame(t, c2)

	require.NoError(t, h.hub.HandleInbound(c1, wire.EncodeAwareness(awareness.Encode(
		awareness.Update{ClientID: 7, Clock: 1, State: []byte("cursor")},
	))))
	require.Contains(t, c1.controlled, uint64(7))

	// Peers hear about it, the originator does not.
	msg := nextFrame(t, c2)
	require.Equal(t, wire.KindAwareness, msg.Kind)
	requireNoFrame(t, c1)

	// Disconnecting c1 removes its awareness ids and tells the peers.
	h.hub.Unregister(c1)
	msg = nextFrame(t, c2)
	require.Equal(t, wire.KindAwareness, msg.Kind)
	updates, err := awareness.Decode(msg.Payload)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, uint64(7), updates[0].ClientID)
	require.True(t, updates[0].Removal())
	require.Equal(t, 0, h.hub.AwarenessLen())
}

func TestAwarenessStaleEntrySwept(t *testing.T) {
	t.Parallel()
	transport := bus.NewMemoryBus()
	t.Cleanup(func() { transport.Close() })
	h := newHubHarness(t, "a", transport)

	c1 := register(t, h.hub, "watcher")
	nextFrame(t, c1)

	// A remote instance announces presence, then goes silent.
	peerBus, err := bus.NewDocBus(bus.DocBusConfig{Bus: transport, InstanceID: "b"})
	require.NoError(t, err)
	require.NoError(t, peerBus.Publish(context.Background(), "doc1", bus.KindAwareness,
		awareness.Encode(awareness.Update{ClientID: 42, Clock: 1, State: []byte("ghost")}), ""))
	h.awaitEvent(t, busApplied)
	msg := nextFrame(t, c1)
	require.Equal(t, wire.KindAwareness, msg.Kind)
	require.Equal(t, 1, h.hub.AwarenessLen())

	h.clock.Advance(time.Minute)
	h.awaitEvent(t, sweepBroadcast)

	msg = nextFrame(t, c1)
	updates, err := awareness.Decode(msg.Payload)
	require.NoError(t, err)
	require.True(t, updates[0].Removal())
	require.Equal(t, 0, h.hub.AwarenessLen())
}

func TestMalformedFrameIsProtocolError(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus())
	c1 := register(t, h.hub, "a")
	nextFrame(t, c1)

	for _, frame := range [][]byte{nil, {9}, {0, 9, 0}, append(wire.EncodeUpdate(nil), 0x01)} {
		err := h.hub.HandleInbound(c1, frame)
		require.Error(t, err)
		require.False(t, errors.Is(err, crdt.ErrCorruptUpdate), "framing errors are protocol errors, not corrupt updates")
	}
	require.Equal(t, 1, h.hub.NumClients(), "the hub leaves closing to the transport")
}

func TestHubFull(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus(), func(cfg *HubConfig) {
		cfg.MaxClients = 2
	})
	register(t, h.hub, "a")
	register(t, h.hub, "b")
	_, err := h.hub.Register(auth.Principal{UserID: "c"})
	require.ErrorIs(t, err, ErrHubFull)
}

func TestHubCloseFinishesClients(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t, "a", bus.NewMemoryBus())
	c1 := register(t, h.hub, "a")

	require.NoError(t, h.hub.Close())
	select {
	case <-c1.Done():
		require.ErrorIs(t, c1.CloseReason(), ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("client not finished by hub close")
	}
	_, err := h.hub.Register(auth.Principal{UserID: "late"})
	require.ErrorIs(t, err, ErrShutdown)
}

// decodeTestOps peeks inside an oplog update for assertions.
func decodeTestOps(t *testing.T, update []byte) []crdt.Op {
	t.Helper()
	r := wire.NewReader(update)
	count, err := r.Uvarint()
	require.NoError(t, err)
	ops := make([]crdt.Op, 0, count)
	for i := uint64(0); i < count; i++ {
		actor, err := r.Uvarint()
		require.NoError(t, err)
		seq, err := r.Uvarint()
		require.NoError(t, err)
		body, err := r.Bytes()
		require.NoError(t, err)
		ops = append(ops, crdt.Op{Actor: actor, Seq: seq, Body: body})
	}
	return ops
}
