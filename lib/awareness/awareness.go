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

// Package awareness tracks ephemeral per-participant presence state
// (cursor position, name, anything the client application chooses to
// share) for one document. Presence is not part of the document: it is
// never persisted, and a participant that goes silent is expired rather
// than merged forever.
//
// Each participant owns a monotonic clock. An update wins over the
// stored entry only with a higher clock, so refreshes and removals
// arriving out of order settle on the same final table everywhere.
package awareness

import (
	"cmp"
	"slices"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/coweave/coweave/lib/wire"
)

// Update is one participant's awareness refresh. A zero-length State
// announces the participant is gone.
type Update struct {
	ClientID uint64
	Clock    uint64
	State    []byte
}

// Removal reports whether the update removes the participant rather
// than refreshing it.
func (u Update) Removal() bool {
	return len(u.State) == 0
}

// Encode packs updates into the awareness payload format carried inside
// awareness frames and bus envelopes.
func Encode(updates ...Update) []byte {
	buf := wire.AppendUvarint(nil, uint64(len(updates)))
	for _, u := range updates {
		buf = wire.AppendUvarint(buf, u.ClientID)
		buf = wire.AppendUvarint(buf, u.Clock)
		buf = wire.AppendBytes(buf, u.State)
	}
	return buf
}

// Decode unpacks an awareness payload. Any structural defect fails the
// whole payload; the caller treats that as a protocol violation.
func Decode(payload []byte) ([]Update, error) {
	r := wire.NewReader(payload)
	count, err := r.Uvarint()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if count > uint64(len(payload)) {
		return nil, trace.BadParameter("awareness entry count %d exceeds payload size", count)
	}
	updates := make([]Update, 0, count)
	for i := uint64(0); i < count; i++ {
		var u Update
		if u.ClientID, err = r.Uvarint(); err != nil {
			return nil, trace.Wrap(err)
		}
		if u.Clock, err = r.Uvarint(); err != nil {
			return nil, trace.Wrap(err)
		}
		state, err := r.Bytes()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(state) > 0 {
			u.State = append([]byte(nil), state...)
		}
		updates = append(updates, u)
	}
	if r.Remaining() != 0 {
		return nil, trace.BadParameter("%d trailing bytes in awareness payload", r.Remaining())
	}
	return updates, nil
}

type entry struct {
	clock uint64
	state []byte // nil marks a tombstone
	seen  time.Time
}

// Table is the awareness state of one document. It is not safe for
// concurrent use; the owning hub serializes access under its lock.
//
// Removed participants are kept as tombstones so that a stale refresh
// arriving after the removal loses the clock comparison instead of
// resurrecting the entry. Tombstones expire through Sweep.
type Table struct {
	entries map[uint64]*entry
	clock   clockwork.Clock
}

// NewTable returns an empty awareness table using the given clock for
// staleness bookkeeping.
func NewTable(clock clockwork.Clock) *Table {
	return &Table{
		entries: make(map[uint64]*entry),
		clock:   clock,
	}
}

// Merge folds updates into the table entry by entry. An update is
// accepted if its participant is unknown, its clock is higher than the
// stored one, or it is a removal at the stored clock. Accepted updates
// are returned for broadcast; rejected ones vanish.
func (t *Table) Merge(updates []Update) []Update {
	now := t.clock.Now()
	var applied []Update
	for _, u := range updates {
		state := u.State
		if u.Removal() {
			state = nil
		}
		existing, ok := t.entries[u.ClientID]
		switch {
		case !ok:
			// Unknown participant: removals still enter as tombstones
			// so the removal propagates and later stale refreshes lose.
			t.entries[u.ClientID] = &entry{clock: u.Clock, state: state, seen: now}
		case u.Clock > existing.clock,
			u.Clock == existing.clock && u.Removal() && existing.state != nil:
			existing.clock = u.Clock
			existing.state = state
			existing.seen = now
		default:
			continue
		}
		applied = append(applied, u)
	}
	return applied
}

// Remove drops the given participants on behalf of a departed socket
// and returns the removal updates to broadcast. Participants already
// removed or unknown are skipped.
func (t *Table) Remove(ids []uint64) []Update {
	now := t.clock.Now()
	var removed []Update
	for _, id := range ids {
		existing, ok := t.entries[id]
		if !ok || existing.state == nil {
			continue
		}
		existing.clock++
		existing.state = nil
		existing.seen = now
		removed = append(removed, Update{ClientID: id, Clock: existing.clock})
	}
	return removed
}

// Sweep expires entries that have not been refreshed within timeout.
// Live entries become removals, returned for broadcast; expired
// tombstones are deleted outright.
func (t *Table) Sweep(timeout time.Duration) []Update {
	now := t.clock.Now()
	var removed []Update
	for id, existing := range t.entries {
		if now.Sub(existing.seen) < timeout {
			continue
		}
		if existing.state == nil {
			delete(t.entries, id)
			continue
		}
		existing.clock++
		existing.state = nil
		existing.seen = now
		removed = append(removed, Update{ClientID: id, Clock: existing.clock})
	}
	slices.SortFunc(removed, func(a, b Update) int {
		return cmp.Compare(a.ClientID, b.ClientID)
	})
	return removed
}

// Snapshot encodes every live entry for a joining client, or nil when
// nobody is present. Entries are ordered by participant so equal tables
// produce equal snapshots.
func (t *Table) Snapshot() []byte {
	var live []Update
	for id, existing := range t.entries {
		if existing.state == nil {
			continue
		}
		live = append(live, Update{ClientID: id, Clock: existing.clock, State: existing.state})
	}
	if len(live) == 0 {
		return nil
	}
	slices.SortFunc(live, func(a, b Update) int {
		return cmp.Compare(a.ClientID, b.ClientID)
	})
	return Encode(live...)
}

// Len counts live entries.
func (t *Table) Len() int {
	n := 0
	for _, existing := range t.entries {
		if existing.state != nil {
			n++
		}
	}
	return n
}
