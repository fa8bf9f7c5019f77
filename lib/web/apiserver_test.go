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
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coweave/coweave/lib/auth"
	"github.com/coweave/coweave/lib/awareness"
	"github.com/coweave/coweave/lib/bus"
	"github.com/coweave/coweave/lib/collab"
	"github.com/coweave/coweave/lib/crdt"
	"github.com/coweave/coweave/lib/utils"
	"github.com/coweave/coweave/lib/wire"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

var testSecret = []byte("web-test-signing-secret")

func signToken(t *testing.T, subject string) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

type webOptions struct {
	maxClientsPerHub int
	denyAll          bool
	queueCap         int
	writeTimeout     time.Duration
}

type webHarness struct {
	registry *collab.Registry
	srv      *httptest.Server
}

func newWebHarness(t *testing.T, opts webOptions) *webHarness {
	t.Helper()

	docBus, err := bus.NewDocBus(bus.DocBusConfig{
		Bus:        bus.NewMemoryBus(),
		InstanceID: "web-test",
		Logger:     utils.DiscardLogger,
	})
	require.NoError(t, err)

	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Engine:           crdt.NewOplogEngine(),
		Bus:              docBus,
		Logger:           utils.DiscardLogger,
		MaxClientsPerHub: opts.maxClientsPerHub,
		QueueCap:         opts.queueCap,
	})
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		HMACSecret: testSecret,
		Logger:     utils.DiscardLogger,
	})
	require.NoError(t, err)

	handler, err := NewHandler(HandlerConfig{
		Registry:     registry,
		Validator:    validator,
		Policy:       auth.OpenPolicy{DefaultOpen: !opts.denyAll},
		Logger:       utils.DiscardLogger,
		WriteTimeout: opts.writeTimeout,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &webHarness{registry: registry, srv: srv}
}

func (h *webHarness) wsURL(document string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/" + document
}

func (h *webHarness) dial(t *testing.T, document, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.Dial(h.wsURL(document), header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

// dialExpectStatus asserts that the upgrade is rejected with the given
// HTTP status before a websocket is ever established.
func (h *webHarness) dialExpectStatus(t *testing.T, document string, header http.Header, status int) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(h.wsURL(document), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Nil(t, ws)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)
}

func readFrame(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)
	msg, err := wire.Decode(frame)
	require.NoError(t, err)
	return msg
}

// decodeOpBodies unpacks the oplog update format into the operation
// bodies, in encoded order.
func decodeOpBodies(t *testing.T, update []byte) []string {
	t.Helper()
	r := wire.NewReader(update)
	count, err := r.Uvarint()
	require.NoError(t, err)
	bodies := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		_, err := r.Uvarint() // actor
		require.NoError(t, err)
		_, err = r.Uvarint() // seq
		require.NoError(t, err)
		body, err := r.Bytes()
		require.NoError(t, err)
		bodies = append(bodies, string(body))
	}
	return bodies
}

func TestSessionPrimesSyncStep1(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{})

	ws := h.dial(t, "doc1", signToken(t, "alice"))
	msg := readFrame(t, ws)
	require.Equal(t, wire.KindSyncStep1, msg.Kind)
}

func TestUpdateFanOutBetweenSessions(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{})

	alice := h.dial(t, "doc1", signToken(t, "alice"))
	bob := h.dial(t, "doc1", signToken(t, "bob"))
	require.Equal(t, wire.KindSyncStep1, readFrame(t, alice).Kind)
	require.Equal(t, wire.KindSyncStep1, readFrame(t, bob).Kind)

	update := crdt.EncodeOps(crdt.Op{Actor: 1, Seq: 1, Body: []byte("hello")})
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, wire.EncodeUpdate(update)))

	msg := readFrame(t, bob)
	require.Equal(t, wire.KindUpdate, msg.Kind)
	require.Equal(t, []string{"hello"}, decodeOpBodies(t, msg.Payload))

	// The originator must not get its own edit back.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
}

// A peer that stops reading must not wedge the hub: once its queue
// overflows the session is torn down, even while the writer is parked
// on the stalled socket, and the remaining sessions stay live.
func TestSlowConsumerSessionDetaches(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{queueCap: 4, writeTimeout: 250 * time.Millisecond})

	slow := h.dial(t, "doc1", signToken(t, "slug"))
	fast := h.dial(t, "doc1", signToken(t, "speedy"))
	require.Equal(t, wire.KindSyncStep1, readFrame(t, fast).Kind)
	_ = slow // never reads, not even its priming frame

	// Push enough bytes at the stalled peer to fill both its queue and
	// the socket buffers underneath it.
	body := bytes.Repeat([]byte("x"), 256*1024)
	for seq := uint64(1); seq <= 64; seq++ {
		update := crdt.EncodeOps(crdt.Op{Actor: 9, Seq: seq, Body: body})
		require.NoError(t, fast.WriteMessage(websocket.BinaryMessage, wire.EncodeUpdate(update)))
	}

	require.Eventually(t, func() bool {
		info, err := h.registry.Info("doc1")
		return err == nil && info.Clients == 1
	}, 10*time.Second, 25*time.Millisecond)
}

func TestSyncStep1AnsweredWithDiff(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{})

	ws := h.dial(t, "doc1", signToken(t, "alice"))
	require.Equal(t, wire.KindSyncStep1, readFrame(t, ws).Kind)

	update := crdt.EncodeOps(crdt.Op{Actor: 7, Seq: 1, Body: []byte("first")})
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, wire.EncodeUpdate(update)))

	// An empty state vector asks for the entire document.
	emptyVector := wire.AppendUvarint(nil, 0)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, wire.EncodeSyncStep1(emptyVector)))

	msg := readFrame(t, ws)
	require.Equal(t, wire.KindSyncStep2, msg.Kind)
	require.Equal(t, []string{"first"}, decodeOpBodies(t, msg.Payload))
}

func TestAwarenessFanOut(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{})

	alice := h.dial(t, "doc1", signToken(t, "alice"))
	bob := h.dial(t, "doc1", signToken(t, "bob"))
	require.Equal(t, wire.KindSyncStep1, readFrame(t, alice).Kind)
	require.Equal(t, wire.KindSyncStep1, readFrame(t, bob).Kind)

	presence := awareness.Encode(awareness.Update{ClientID: 11, Clock: 1, State: []byte(`{"cursor":3}`)})
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, wire.EncodeAwareness(presence)))

	msg := readFrame(t, bob)
	require.Equal(t, wire.KindAwareness, msg.Kind)
	updates, err := awareness.Decode(msg.Payload)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, uint64(11), updates[0].ClientID)
}

func TestSubprotocolAuthEcho(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{})

	offered := authSubprotocolPrefix + base64.RawURLEncoding.EncodeToString([]byte(signToken(t, "alice")))
	dialer := websocket.Dialer{Subprotocols: []string{offered}}
	ws, resp, err := dialer.Dial(h.wsURL("doc1"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	require.Equal(t, offered, ws.Subprotocol())
	require.Equal(t, wire.KindSyncStep1, readFrame(t, ws).Kind)
}

func TestRejectsMissingCredential(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{})
	h.dialExpectStatus(t, "doc1", nil, http.StatusUnauthorized)
}

func TestRejectsInvalidToken(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{})
	header := http.Header{}
	header.Set("Authorization", "Bearer not.a.token")
	h.dialExpectStatus(t, "doc1", header, http.StatusUnauthorized)
}

func TestRejectsDeniedDocument(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{denyAll: true})
	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, "alice"))
	h.dialExpectStatus(t, "doc1", header, http.StatusForbidden)
}

func TestRejectsFullHub(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{maxClientsPerHub: 1})

	ws := h.dial(t, "doc1", signToken(t, "alice"))
	require.Equal(t, wire.KindSyncStep1, readFrame(t, ws).Kind)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, "bob"))
	h.dialExpectStatus(t, "doc1", header, http.StatusServiceUnavailable)
}

func TestDocumentIDSanitized(t *testing.T) {
	t.Parallel()
	h := newWebHarness(t, webOptions{})

	ws := h.dial(t, "bad@id", signToken(t, "alice"))
	require.Equal(t, wire.KindSyncStep1, readFrame(t, ws).Kind)

	docs := h.registry.List()
	require.Len(t, docs, 1)
	require.Equal(t, "default", docs[0].ID)
}

func TestCloseCodeForError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "clean shutdown", err: nil, code: websocket.CloseNormalClosure},
		{name: "slow consumer", err: collab.ErrSlowConsumer, code: websocket.ClosePolicyViolation},
		{name: "server shutdown", err: collab.ErrShutdown, code: websocket.CloseGoingAway},
		{name: "ping timeout", err: ErrPingTimeout, code: websocket.CloseGoingAway},
		{name: "corrupt update", err: crdt.ErrCorruptUpdate, code: websocket.CloseUnsupportedData},
		{name: "protocol violation", err: errNonBinaryFrame, code: websocket.CloseProtocolError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, closeCodeForError(tt.err))
		})
	}
}
