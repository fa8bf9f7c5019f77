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

// Package web is the client-facing surface: it authenticates websocket
// upgrade requests, attaches the resulting session to its document hub
// and pumps frames between the socket and the hub. A separate handler
// serves the read-only diagnostics and the document inspector.
package web

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/auth"
	"github.com/coweave/coweave/lib/collab"
	"github.com/coweave/coweave/lib/defaults"
)

// authSubprotocolPrefix marks the subprotocol value carrying a bearer
// token for clients that cannot set headers on the upgrade request
// (browsers).
const authSubprotocolPrefix = "auth."

// TokenValidator checks a serialized credential and returns the
// principal behind it.
type TokenValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

// HandlerConfig configures the collaboration endpoint.
type HandlerConfig struct {
	// Registry resolves documents to hubs.
	Registry *collab.Registry
	// Validator authenticates upgrade requests.
	Validator TokenValidator
	// Policy authorizes principals per document.
	Policy auth.AccessPolicy
	// Clock drives session liveness.
	Clock clockwork.Clock
	// Logger emits session diagnostics.
	Logger *slog.Logger
	// PingInterval is the liveness tick of attached sessions.
	PingInterval time.Duration
	// WriteTimeout bounds a single outbound data frame write.
	WriteTimeout time.Duration
	// TraceProvider supplies the tracer for session spans.
	TraceProvider oteltrace.TracerProvider
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HandlerConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Validator == nil {
		return trace.BadParameter("missing parameter Validator")
	}
	if c.Policy == nil {
		return trace.BadParameter("missing parameter Policy")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(coweave.ComponentKey, coweave.ComponentWeb)
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.TraceProvider == nil {
		c.TraceProvider = otel.GetTracerProvider()
	}
	return nil
}

// Handler upgrades authenticated requests into collaboration sessions.
type Handler struct {
	cfg    HandlerConfig
	log    *slog.Logger
	router *httprouter.Router
	tracer oteltrace.Tracer

	// sessions tracks running session pumps so shutdown can wait for
	// their close frames to flush.
	sessions sync.WaitGroup
}

// NewHandler returns the collaboration endpoint handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		log:    cfg.Logger,
		tracer: cfg.TraceProvider.Tracer("coweave/web"),
	}
	router := httprouter.New()
	router.GET("/:document", h.handleSession)
	h.router = router
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Wait blocks until every running session has finished or the context
// expires. Used by graceful shutdown after the registry drained.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx, span := h.tracer.Start(r.Context(), "collab/session")
	defer span.End()

	token, fromSubprotocol, err := bearerToken(r)
	if err != nil {
		http.Error(w, "missing or malformed credential", http.StatusUnauthorized)
		return
	}
	principal, err := h.cfg.Validator.ValidateToken(token)
	if err != nil {
		h.log.InfoContext(ctx, "Rejected upgrade with invalid token", "error", err)
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	documentID := collab.SanitizeDocumentID(params.ByName("document"))
	if !h.cfg.Policy.MayOpen(principal, documentID) {
		h.log.InfoContext(ctx, "Denied document access",
			"user", principal.UserID, "document", documentID)
		http.Error(w, "not permitted to open this document", http.StatusForbidden)
		return
	}

	hub, err := h.cfg.Registry.Get(ctx, documentID)
	if err != nil {
		h.log.WarnContext(ctx, "Failed to resolve document hub",
			"document", documentID, "error", err)
		http.Error(w, "document unavailable", statusForError(err))
		return
	}
	client, err := hub.Register(principal)
	if err != nil {
		h.cfg.Registry.Release(documentID)
		h.log.WarnContext(ctx, "Failed to register client",
			"document", documentID, "error", err)
		http.Error(w, "document unavailable", statusForError(err))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	if fromSubprotocol {
		// RFC 6455 requires echoing a subprotocol the client offered.
		upgrader.Subprotocols = []string{authSubprotocolPrefix + base64.RawURLEncoding.EncodeToString([]byte(token))}
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		hub.Unregister(client)
		h.cfg.Registry.Release(documentID)
		h.log.WarnContext(ctx, "Websocket upgrade failed", "error", err)
		return
	}

	log := slog.With(coweave.ComponentKey, coweave.ComponentSession,
		"document", documentID, "client", client.ID(), "user", principal.UserID)
	log.DebugContext(ctx, "Session established")
	span.AddEvent("session established")

	h.sessions.Add(1)
	defer h.sessions.Done()
	stream := newDocStream(docStreamConfig{
		ws:           ws,
		hub:          hub,
		client:       client,
		clock:        h.cfg.Clock,
		logger:       log,
		pingInterval: h.cfg.PingInterval,
		writeTimeout: h.cfg.WriteTimeout,
	})
	stream.run(ctx)

	hub.Unregister(client)
	h.cfg.Registry.Release(documentID)
	log.DebugContext(ctx, "Session finished", "reason", client.CloseReason())
}

// bearerToken extracts the credential from the Authorization header or,
// failing that, from an auth.<base64url(token)> subprotocol offer. The
// second return says which one it was.
func bearerToken(r *http.Request) (token string, fromSubprotocol bool, err error) {
	if header := r.Header.Get("Authorization"); header != "" {
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return "", false, trace.AccessDenied("authorization header is not a bearer credential")
		}
		return raw, false, nil
	}
	for _, proto := range websocket.Subprotocols(r) {
		encoded, ok := strings.CutPrefix(proto, authSubprotocolPrefix)
		if !ok {
			continue
		}
		if len(encoded) > defaults.MaxTokenLength {
			return "", false, trace.AccessDenied("subprotocol token exceeds %v characters", defaults.MaxTokenLength)
		}
		raw, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return "", false, trace.AccessDenied("subprotocol token is not base64url")
		}
		return string(raw), true, nil
	}
	return "", false, trace.AccessDenied("request carries no credential")
}

// statusForError maps hub resolution failures to upgrade rejection
// codes. Capacity problems are retryable, hence 503.
func statusForError(err error) int {
	switch {
	case errors.Is(err, collab.ErrCapacity),
		errors.Is(err, collab.ErrHubFull),
		errors.Is(err, collab.ErrShutdown):
		return http.StatusServiceUnavailable
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
