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

package crdt

import (
	"cmp"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/coweave/coweave/lib/wire"
)

// Op is one operation in the oplog encoding. (Actor, Seq) is the
// operation's identity; Body is opaque. Seq numbering starts at 1 and is
// contiguous per actor.
type Op struct {
	Actor uint64
	Seq   uint64
	Body  []byte
}

// EncodeOps encodes operations in the oplog update format. Exposed for
// clients and tests that fabricate updates outside a replica.
func EncodeOps(ops ...Op) []byte {
	buf := wire.AppendUvarint(nil, uint64(len(ops)))
	for _, o := range ops {
		buf = wire.AppendUvarint(buf, o.Actor)
		buf = wire.AppendUvarint(buf, o.Seq)
		buf = wire.AppendBytes(buf, o.Body)
	}
	return buf
}

// NewOplogEngine returns the reference engine: a per-actor operation log
// merged by set union. Applies commute and duplicates are dropped, so
// replicas converge no matter how update delivery is ordered or
// repeated.
func NewOplogEngine() Engine {
	return oplogEngine{}
}

type oplogEngine struct{}

func (oplogEngine) Name() string { return "oplog" }

func (oplogEngine) NewReplica() Replica {
	return &oplogReplica{
		log:     make(map[uint64][][]byte),
		pending: make(map[uint64]map[uint64][]byte),
	}
}

type oplogReplica struct {
	mu sync.Mutex
	// log holds committed op bodies per actor, index seq-1. An op is
	// committed only once every lower seq of its actor is present.
	log map[uint64][][]byte
	// pending holds ops that arrived ahead of a gap, keyed actor/seq.
	// They commit the moment the gap fills.
	pending  map[uint64]map[uint64][]byte
	handlers []ChangeHandler
}

// Append records a new operation authored locally by actor and returns
// it as an encoded update, for callers that drive a replica directly
// rather than over a socket. Each actor must append from one goroutine
// at a time; distinct actors may append concurrently.
func (r *oplogReplica) Append(actor uint64, body []byte) []byte {
	r.mu.Lock()
	seq := uint64(len(r.log[actor])) + 1
	r.mu.Unlock()
	update := EncodeOps(Op{Actor: actor, Seq: seq, Body: body})
	// Committing through Apply keeps handler semantics uniform.
	if err := r.Apply(update, "local"); err != nil {
		panic("oplog: self-encoded update failed to apply: " + err.Error())
	}
	return update
}

func (r *oplogReplica) Apply(update []byte, origin string) error {
	ops, err := decodeOps(update)
	if err != nil {
		return trace.Wrap(err)
	}

	r.mu.Lock()
	for _, o := range ops {
		if o.Seq <= uint64(len(r.log[o.Actor])) {
			continue
		}
		stash := r.pending[o.Actor]
		if stash == nil {
			stash = make(map[uint64][]byte)
			r.pending[o.Actor] = stash
		}
		stash[o.Seq] = o.Body
	}

	var inserted []Op
	for actor, stash := range r.pending {
		next := uint64(len(r.log[actor])) + 1
		for {
			body, ok := stash[next]
			if !ok {
				break
			}
			r.log[actor] = append(r.log[actor], body)
			delete(stash, next)
			inserted = append(inserted, Op{Actor: actor, Seq: next, Body: body})
			next++
		}
		if len(stash) == 0 {
			delete(r.pending, actor)
		}
	}
	handlers := r.handlers
	r.mu.Unlock()

	if len(inserted) == 0 {
		return nil
	}
	sortOps(inserted)
	delta := EncodeOps(inserted...)
	for _, handler := range handlers {
		handler(delta, origin)
	}
	return nil
}

func (r *oplogReplica) StateVector() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	actors := make([]uint64, 0, len(r.log))
	for actor := range r.log {
		actors = append(actors, actor)
	}
	slices.Sort(actors)

	buf := wire.AppendUvarint(nil, uint64(len(actors)))
	for _, actor := range actors {
		buf = wire.AppendUvarint(buf, actor)
		buf = wire.AppendUvarint(buf, uint64(len(r.log[actor])))
	}
	return buf
}

func (r *oplogReplica) Diff(peerVector []byte) ([]byte, error) {
	peer, err := decodeVector(peerVector)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.mu.Lock()
	var missing []Op
	for actor, bodies := range r.log {
		for seq := peer[actor] + 1; seq <= uint64(len(bodies)); seq++ {
			missing = append(missing, Op{Actor: actor, Seq: seq, Body: bodies[seq-1]})
		}
	}
	r.mu.Unlock()

	if len(missing) == 0 {
		return nil, nil
	}
	sortOps(missing)
	return EncodeOps(missing...), nil
}

func (r *oplogReplica) OnChange(handler ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func sortOps(ops []Op) {
	slices.SortFunc(ops, func(a, b Op) int {
		if c := cmp.Compare(a.Actor, b.Actor); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

func decodeOps(update []byte) ([]Op, error) {
	r := wire.NewReader(update)
	count, err := r.Uvarint()
	if err != nil {
		return nil, trace.Wrap(ErrCorruptUpdate, "unreadable op count")
	}
	// Every op takes at least three bytes, so a count beyond the buffer
	// size is garbage rather than a huge update.
	if count > uint64(len(update)) {
		return nil, trace.Wrap(ErrCorruptUpdate, "op count %d exceeds update size", count)
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		actor, err := r.Uvarint()
		if err != nil {
			return nil, trace.Wrap(ErrCorruptUpdate, "truncated op header")
		}
		seq, err := r.Uvarint()
		if err != nil {
			return nil, trace.Wrap(ErrCorruptUpdate, "truncated op header")
		}
		if seq == 0 {
			return nil, trace.Wrap(ErrCorruptUpdate, "op sequence numbers start at 1")
		}
		body, err := r.Bytes()
		if err != nil {
			return nil, trace.Wrap(ErrCorruptUpdate, "truncated op body")
		}
		ops = append(ops, Op{Actor: actor, Seq: seq, Body: slices.Clone(body)})
	}
	if r.Remaining() != 0 {
		return nil, trace.Wrap(ErrCorruptUpdate, "%d trailing bytes in update", r.Remaining())
	}
	return ops, nil
}

func decodeVector(vector []byte) (map[uint64]uint64, error) {
	r := wire.NewReader(vector)
	count, err := r.Uvarint()
	if err != nil {
		return nil, trace.Wrap(ErrCorruptUpdate, "unreadable state vector")
	}
	if count > uint64(len(vector)) {
		return nil, trace.Wrap(ErrCorruptUpdate, "vector entry count %d exceeds vector size", count)
	}
	peer := make(map[uint64]uint64, count)
	for i := uint64(0); i < count; i++ {
		actor, err := r.Uvarint()
		if err != nil {
			return nil, trace.Wrap(ErrCorruptUpdate, "truncated state vector")
		}
		seq, err := r.Uvarint()
		if err != nil {
			return nil, trace.Wrap(ErrCorruptUpdate, "truncated state vector")
		}
		if seq > peer[actor] {
			peer[actor] = seq
		}
	}
	if r.Remaining() != 0 {
		return nil, trace.Wrap(ErrCorruptUpdate, "%d trailing bytes in state vector", r.Remaining())
	}
	return peer, nil
}
