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

// Package wire implements the binary framing spoken on collaboration
// sockets. Every frame is a single message: a varuint tag (0 = sync,
// 1 = awareness), for sync frames a varuint sub-tag, and one
// varuint-length-prefixed payload. The payload bytes are opaque to this
// package; sync payloads belong to the document engine and awareness
// payloads to the awareness table.
package wire

import (
	"encoding/binary"

	"github.com/gravitational/trace"
)

// Top-level frame tags.
const (
	tagSync      = 0
	tagAwareness = 1
)

// Sync frame sub-tags.
const (
	syncStep1  = 0
	syncStep2  = 1
	syncUpdate = 2
)

// Kind identifies a decoded message.
type Kind int

const (
	// KindSyncStep1 carries the sender's state vector and asks for
	// everything the sender lacks.
	KindSyncStep1 Kind = iota
	// KindSyncStep2 carries the diff answering a step 1.
	KindSyncStep2
	// KindUpdate carries an unsolicited incremental edit.
	KindUpdate
	// KindAwareness carries an encoded awareness update.
	KindAwareness
)

// String returns a short name used in logs.
func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync-step1"
	case KindSyncStep2:
		return "sync-step2"
	case KindUpdate:
		return "update"
	case KindAwareness:
		return "awareness"
	default:
		return "unknown"
	}
}

// Message is a decoded frame.
type Message struct {
	Kind    Kind
	Payload []byte
}

// EncodeSyncStep1 frames a state vector as a sync step 1 message.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encode(tagSync, syncStep1, stateVector)
}

// EncodeSyncStep2 frames an update blob as the answer to a step 1.
func EncodeSyncStep2(update []byte) []byte {
	return encode(tagSync, syncStep2, update)
}

// EncodeUpdate frames an update blob as an unsolicited edit.
func EncodeUpdate(update []byte) []byte {
	return encode(tagSync, syncUpdate, update)
}

// EncodeAwareness frames an encoded awareness update.
func EncodeAwareness(update []byte) []byte {
	buf := make([]byte, 0, 2+binary.MaxVarintLen64+len(update))
	buf = binary.AppendUvarint(buf, tagAwareness)
	buf = AppendBytes(buf, update)
	return buf
}

func encode(tag, sub uint64, payload []byte) []byte {
	buf := make([]byte, 0, 2+binary.MaxVarintLen64+len(payload))
	buf = binary.AppendUvarint(buf, tag)
	buf = binary.AppendUvarint(buf, sub)
	buf = AppendBytes(buf, payload)
	return buf
}

// AppendUvarint appends v in varuint form.
func AppendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// AppendBytes appends b prefixed with its varuint length. Engine and
// awareness encodings reuse it so every payload in the system shares one
// primitive vocabulary.
func AppendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// Decode parses a single frame. Unknown tags, truncated payloads and
// trailing garbage are all rejected; the caller treats any error as a
// protocol violation by the peer.
func Decode(frame []byte) (Message, error) {
	r := NewReader(frame)
	tag, err := r.Uvarint()
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	var msg Message
	switch tag {
	case tagSync:
		sub, err := r.Uvarint()
		if err != nil {
			return Message{}, trace.Wrap(err)
		}
		switch sub {
		case syncStep1:
			msg.Kind = KindSyncStep1
		case syncStep2:
			msg.Kind = KindSyncStep2
		case syncUpdate:
			msg.Kind = KindUpdate
		default:
			return Message{}, trace.BadParameter("unknown sync sub-tag %d", sub)
		}
	case tagAwareness:
		msg.Kind = KindAwareness
	default:
		return Message{}, trace.BadParameter("unknown frame tag %d", tag)
	}
	msg.Payload, err = r.Bytes()
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	if r.Remaining() != 0 {
		return Message{}, trace.BadParameter("%d trailing bytes after payload", r.Remaining())
	}
	return msg, nil
}

// Reader is a cursor over an encoded buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Uvarint consumes one varuint.
func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, trace.BadParameter("truncated varuint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

// Bytes consumes one varuint-length-prefixed byte string. The returned
// slice aliases the underlying buffer.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if n > uint64(r.Remaining()) {
		return nil, trace.BadParameter("payload length %d exceeds frame size", n)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// Remaining reports how many bytes are left unconsumed.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}
