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
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/coweave/coweave/lib/auth"
)

// busOrigin tags replica changes that came in over the bus. The change
// handler uses it to decide against publishing the change right back.
const busOrigin = "bus"

// clientOriginPrefix tags replica changes with the local client that
// produced them, so fan-out can skip the originator.
const clientOriginPrefix = "client:"

func clientOrigin(id uint64) string {
	return clientOriginPrefix + strconv.FormatUint(id, 10)
}

// originClientID extracts the client id from an origin tag, or 0 when
// the origin is not a local client.
func originClientID(origin string) uint64 {
	raw, ok := strings.CutPrefix(origin, clientOriginPrefix)
	if !ok {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Client is one attached collaboration session. The hub enqueues
// outbound frames without blocking; the transport layer drains Frames
// from a single writer goroutine, preserving enqueue order on the wire.
//
// A client holds its hub only as a borrowed handle. The hub owns the
// client set and is itself owned by the registry.
type Client struct {
	hub       *Hub
	id        uint64
	principal auth.Principal
	originTag string

	frames chan []byte
	done   chan struct{}

	// closeMu guards closed and closeErr; CloseReason may be called
	// from any goroutine while another is inside Close.
	closeMu  sync.Mutex
	closed   bool
	closeErr error

	// controlled is the set of awareness ids this socket has written
	// and is therefore responsible for. Guarded by the hub lock.
	controlled map[uint64]struct{}
}

// ID returns the hub-scoped client identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// Principal returns the authenticated identity behind the session.
func (c *Client) Principal() auth.Principal {
	return c.principal
}

// DocumentID returns the document this client is attached to.
func (c *Client) DocumentID() string {
	return c.hub.DocumentID()
}

// Frames is the outbound queue. Messages must be read by exactly one
// writer goroutine and written to the socket in order.
func (c *Client) Frames() <-chan []byte {
	return c.frames
}

// Done is closed when the client is finished, whether by queue
// overflow, hub shutdown or an explicit Close.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns why the client was closed, nil while it is still
// running.
func (c *Client) CloseReason() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// Close finishes the client with the given reason. The first reason
// wins; later calls are no-ops. Closing does not detach the client from
// its hub; the session owner calls Hub.Unregister when its pumps exit.
func (c *Client) Close(reason error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = reason
	close(c.done)
}

// enqueue appends a frame to the outbound queue without blocking. A
// full queue means the reader on the other end is not keeping up with
// the document, and stalling the hub for it is not an option: the
// client is closed instead.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.frames <- frame:
		framesOut.Inc()
		c.hub.counters.framesOut.Add(1)
		c.hub.counters.bytesOut.Add(uint64(len(frame)))
	default:
		slowConsumerCloses.Inc()
		c.hub.emit(slowConsumer)
		c.Close(ErrSlowConsumer)
	}
}

// String is used in logs.
func (c *Client) String() string {
	return fmt.Sprintf("client(%v@%v)", c.id, c.hub.DocumentID())
}
