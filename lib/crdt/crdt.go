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

// Package crdt defines the replica contract the collaboration core is
// built against, and ships a reference operation-log engine.
//
// The core never interprets update or state vector bytes. It moves them
// between sockets, replicas and the bus, and relies on the engine for
// exactly four things: apply, state vector, diff and change
// notification. Any conflict-free replicated data type that can encode
// its operations as bytes can be plugged in.
package crdt

import (
	"errors"
)

// ErrCorruptUpdate is returned when update or state vector bytes cannot
// be decoded or violate the engine's sequencing rules. The connection
// that produced the bytes is torn down; the document survives.
var ErrCorruptUpdate = errors.New("corrupt document update")

// ChangeHandler observes committed applies. The update carries only the
// operations the apply actually inserted, re-encoded, and origin carries
// the tag given to Apply. Handlers run synchronously inside Apply and
// must not call back into the replica.
type ChangeHandler func(update []byte, origin string)

// Replica is one materialized document.
type Replica interface {
	// Apply merges an encoded update into the replica. Duplicate
	// operations are ignored, which makes Apply idempotent; an apply
	// that inserts nothing fires no change handlers. origin is an
	// opaque tag handed through to change handlers unmodified.
	Apply(update []byte, origin string) error

	// StateVector encodes what the replica has. Two replicas holding
	// the same operations encode identical vectors.
	StateVector() []byte

	// Diff encodes every operation the holder of peerVector lacks.
	// It returns nil when the peer lacks nothing, so callers can test
	// for emptiness without looking inside the bytes.
	Diff(peerVector []byte) ([]byte, error)

	// OnChange registers a handler fired on every apply that changed
	// the replica.
	OnChange(handler ChangeHandler)
}

// Engine builds empty replicas for one CRDT implementation.
type Engine interface {
	// Name identifies the engine in logs and stats.
	Name() string
	// NewReplica returns an empty replica.
	NewReplica() Replica
}
