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

package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/defaults"
)

// Config holds everything a collaboration server process needs to
// start. Zero values mean defaults; only the signing secret is
// mandatory.
type Config struct {
	// ListenAddr is the address of the client-facing websocket
	// endpoint.
	ListenAddr string
	// DiagAddr is the address of the diagnostics endpoint. Defaults to
	// the local diagnostics port.
	DiagAddr string
	// InstanceID identifies this process on the bus. Defaults to a
	// random id per start.
	InstanceID string
	// Logger is the process logger.
	Logger *slog.Logger
	// Clock drives liveness and reaping throughout the process.
	Clock clockwork.Clock

	// Auth configures token validation and document authorization.
	Auth AuthConfig
	// Redis configures the cross-instance bus transport. An empty Addr
	// runs the process on an in-memory bus, which is single-instance
	// only.
	Redis RedisConfig
	// Bus configures the envelope layer on top of the transport.
	Bus BusConfig
	// Limits bounds resident hubs, attachments and queues.
	Limits LimitsConfig
	// Timeouts holds the process's liveness and shutdown knobs.
	Timeouts TimeoutConfig
	// TLS enables serving both endpoints over TLS when set.
	TLS TLSConfig
}

// AuthConfig configures the auth gate.
type AuthConfig struct {
	// HMACSecret signs and verifies client tokens. Required.
	HMACSecret []byte
	// AllowedAlgorithms restricts token signing algorithms.
	AllowedAlgorithms []string
	// DefaultOpen is the access verdict for documents a token does not
	// mention.
	DefaultOpen bool
}

// RedisConfig points at the shared redis used for cross-instance
// fan-out.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BusConfig tunes the envelope layer.
type BusConfig struct {
	Prefix            string
	ChunkThreshold    int
	ReassemblyTimeout time.Duration
}

// LimitsConfig bounds process-wide resource usage.
type LimitsConfig struct {
	// MaxHubs caps resident document hubs; zero means unlimited.
	MaxHubs int
	// MaxClientsPerHub caps attachments per document.
	MaxClientsPerHub int
	// OutboundQueue is the per-client outbound frame queue capacity.
	OutboundQueue int
}

// TimeoutConfig holds the process's time knobs.
type TimeoutConfig struct {
	// PingInterval is the websocket liveness tick.
	PingInterval time.Duration
	// IdleGrace is how long an empty document hub lingers.
	IdleGrace time.Duration
	// Drain is how long graceful shutdown waits for sessions.
	Drain time.Duration
}

// TLSConfig carries the serving certificate. Both fields set enables
// TLS; both empty disables it.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Auth.HMACSecret) == 0 {
		return trace.BadParameter("missing auth signing secret")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return trace.BadParameter("tls requires both a certificate and a key file")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("%s:%d", defaults.AnyAddress, defaults.HTTPListenPort)
	}
	if c.DiagAddr == "" {
		c.DiagAddr = fmt.Sprintf("%s:%d", defaults.Localhost, defaults.DiagListenPort)
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = slog.With(coweave.ComponentKey, coweave.ComponentCoweave)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Timeouts.PingInterval <= 0 {
		c.Timeouts.PingInterval = defaults.PingInterval
	}
	if c.Timeouts.IdleGrace <= 0 {
		c.Timeouts.IdleGrace = defaults.HubIdleGrace
	}
	if c.Timeouts.Drain <= 0 {
		c.Timeouts.Drain = defaults.DrainDeadline
	}
	return nil
}
