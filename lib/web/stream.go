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

package web

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/coweave/coweave/lib/collab"
	"github.com/coweave/coweave/lib/crdt"
	"github.com/coweave/coweave/lib/defaults"
)

// ErrPingTimeout means the client failed to answer a liveness ping
// within one interval.
var ErrPingTimeout = errors.New("client liveness ping timed out")

// errNonBinaryFrame means the client sent a text frame; the protocol is
// binary only.
var errNonBinaryFrame = errors.New("protocol is binary; text frame received")

// controlWriteTimeout bounds writes of ping and close control frames. A
// connection that cannot take a control frame this long is gone.
const controlWriteTimeout = time.Second

type docStreamConfig struct {
	ws           *websocket.Conn
	hub          *collab.Hub
	client       *collab.Client
	clock        clockwork.Clock
	logger       *slog.Logger
	pingInterval time.Duration
	writeTimeout time.Duration
}

// docStream pumps one websocket against one hub client: a reader
// feeding inbound frames to the hub, a writer draining the client's
// outbound queue, and a liveness loop pinging idle connections. The
// stream owns the socket; the hub never touches it.
type docStream struct {
	docStreamConfig

	// inboundSinceTick records traffic between liveness ticks; an idle
	// interval triggers a ping.
	inboundSinceTick atomic.Bool
	// pingOutstanding is set when a ping goes out and cleared by the
	// pong. Still set at the next tick means the peer is gone.
	pingOutstanding atomic.Bool
}

func newDocStream(cfg docStreamConfig) *docStream {
	return &docStream{docStreamConfig: cfg}
}

// run pumps until the session ends for any reason: peer close, liveness
// failure, protocol violation, hub shutdown. It returns with the socket
// closed and the client finished; detaching from the hub is the
// caller's job.
func (s *docStream) run(ctx context.Context) {
	s.ws.SetReadLimit(defaults.MaxFrameSize)
	s.ws.SetReadDeadline(s.deadlineForInterval())
	s.ws.SetPongHandler(func(string) error {
		s.inboundSinceTick.Store(true)
		s.pingOutstanding.Store(false)
		s.ws.SetReadDeadline(s.deadlineForInterval())
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readPump()
	}()

	s.writePump(ctx)

	// The writer has sent the close frame (or failed trying); closing
	// the socket unblocks a reader still parked in ReadMessage.
	s.ws.Close()
	<-readerDone
}

func (s *docStream) readPump() {
	for {
		messageType, frame, err := s.ws.ReadMessage()
		if err != nil {
			// Peer close, socket teardown by the writer, or a read
			// deadline that the liveness loop will turn into a ping
			// timeout. Either way the session is over; an earlier
			// close reason stands.
			s.client.Close(nil)
			return
		}
		s.inboundSinceTick.Store(true)
		s.ws.SetReadDeadline(s.deadlineForInterval())
		if messageType != websocket.BinaryMessage {
			s.client.Close(errNonBinaryFrame)
			return
		}
		if err := s.hub.HandleInbound(s.client, frame); err != nil {
			s.logger.Debug("Closing session on inbound error", "error", err)
			s.client.Close(err)
			return
		}
	}
}

func (s *docStream) writePump(ctx context.Context) {
	for {
		select {
		case frame := <-s.client.Frames():
			if err := s.writeFrame(frame); err != nil {
				s.client.Close(nil)
				return
			}
		case <-s.client.Done():
			s.drainAndClose()
			return
		case <-ctx.Done():
			s.client.Close(collab.ErrShutdown)
			s.drainAndClose()
			return
		}
	}
}

// writeFrame writes one data frame under the write deadline. A peer
// that stops reading fails the write within the deadline instead of
// parking the writer forever on a full socket buffer.
func (s *docStream) writeFrame(frame []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// drainAndClose flushes whatever the hub enqueued before the close
// decision, then sends the close control frame with the mapped reason.
func (s *docStream) drainAndClose() {
	for {
		select {
		case frame := <-s.client.Frames():
			if err := s.writeFrame(frame); err != nil {
				return
			}
		default:
			reason := s.client.CloseReason()
			message := websocket.FormatCloseMessage(closeCodeForError(reason), closeReasonText(reason))
			s.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(controlWriteTimeout))
			return
		}
	}
}

// pingLoop implements liveness: an interval with no inbound traffic
// sends a ping, an unanswered ping by the next tick ends the session.
func (s *docStream) pingLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if s.pingOutstanding.Load() {
				s.logger.Debug("Client missed liveness ping")
				s.client.Close(ErrPingTimeout)
				return
			}
			if s.inboundSinceTick.Swap(false) {
				continue
			}
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				s.client.Close(nil)
				return
			}
			s.pingOutstanding.Store(true)
		case <-ctx.Done():
			return
		}
	}
}

// deadlineForInterval gives the reader two intervals of slack: one for
// the idle detection, one for the pong to come back.
func (s *docStream) deadlineForInterval() time.Time {
	return time.Now().Add(s.pingInterval * 2)
}

// closeCodeForError maps a session's end reason to the websocket close
// code told to the peer.
func closeCodeForError(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case errors.Is(err, collab.ErrSlowConsumer):
		return websocket.ClosePolicyViolation
	case errors.Is(err, collab.ErrShutdown), errors.Is(err, ErrPingTimeout):
		return websocket.CloseGoingAway
	case errors.Is(err, crdt.ErrCorruptUpdate):
		return websocket.CloseUnsupportedData
	default:
		return websocket.CloseProtocolError
	}
}

// closeReasonText renders a close reason short enough for a control
// frame, which caps the whole payload at 125 bytes.
func closeReasonText(err error) string {
	if err == nil {
		return ""
	}
	text := err.Error()
	if len(text) > 120 {
		text = text[:120]
	}
	return text
}
