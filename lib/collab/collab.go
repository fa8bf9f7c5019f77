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

// Package collab is the in-memory authority for shared documents on one
// server instance. A Hub owns one document: its replica, its awareness
// table and its attached clients. The Registry owns the hubs: it
// creates them on first use, one per document, and reaps them once they
// have sat empty past the idle grace.
//
// Hubs serialize everything behind one lock. Outbound traffic never
// holds it: frames are enqueued to bounded per-client queues under the
// lock and written to sockets by each client's own writer, so one stuck
// socket cannot stall a document.
package collab

import (
	"errors"
	"regexp"

	"github.com/coweave/coweave/lib/defaults"
)

var (
	// ErrSlowConsumer means a client's outbound queue overflowed. The
	// client is disconnected; everyone else keeps editing.
	ErrSlowConsumer = errors.New("client cannot keep up with the document")

	// ErrShutdown means the client or hub was closed by the server,
	// either a draining process or a reaped document.
	ErrShutdown = errors.New("server is draining")

	// ErrHubFull means a document has reached its client cap.
	ErrHubFull = errors.New("document has reached its client limit")

	// ErrCapacity means the instance has reached its hub cap.
	ErrCapacity = errors.New("instance has reached its document limit")

	// ErrActiveClients rejects a forced document removal while clients
	// are still attached.
	ErrActiveClients = errors.New("document has active clients")
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SanitizeDocumentID maps a raw document identifier to a valid one.
// Anything empty, over the length cap or outside [A-Za-z0-9_-] falls
// back to the default document rather than failing the connection.
func SanitizeDocumentID(raw string) string {
	if raw == "" || len(raw) > defaults.MaxDocumentIDLength || !documentIDPattern.MatchString(raw) {
		return defaults.FallbackDocumentID
	}
	return raw
}

// testEvent is emitted on an optional channel so tests can await
// asynchronous transitions instead of sleeping.
type testEvent string

const (
	hubCreated     testEvent = "hub-created"
	hubReaped      testEvent = "hub-reaped"
	hubReapAbort   testEvent = "hub-reap-abort"
	idleTimerSet   testEvent = "idle-timer-set"
	busApplied     testEvent = "bus-applied"
	busApplyErr    testEvent = "bus-apply-err"
	slowConsumer   testEvent = "slow-consumer"
	sweepBroadcast testEvent = "sweep-broadcast"
)
