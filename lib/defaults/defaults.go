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

// Package defaults contains default constants set in various parts of
// the coweave codebase.
package defaults

import (
	"time"
)

// Default port numbers used by coweave tools.
const (
	// HTTPListenPort is the port the collaboration endpoint listens on
	// for websocket upgrades.
	HTTPListenPort = 7625

	// DiagListenPort is the port of the diagnostic HTTP endpoint
	// (healthz, readyz, metrics and the document inspector).
	DiagListenPort = 7626
)

const (
	// Localhost is the address of localhost. Used as the default binding
	// address for the diagnostic endpoint.
	Localhost = "127.0.0.1"

	// AnyAddress is the non-routable meta-address used to refer to all
	// addresses on the machine. Used as the default binding address for
	// the collaboration endpoint.
	AnyAddress = "0.0.0.0"
)

const (
	// PingInterval is the interval at which document streams send
	// websocket ping frames to idle clients. A client that stays silent
	// for two intervals is considered gone.
	PingInterval = 30 * time.Second

	// OutboundQueueCap is the capacity of the per-client outbound frame
	// queue. A client whose queue stays full is too slow to keep up with
	// the document and gets disconnected rather than stall the hub.
	OutboundQueueCap = 256

	// MaxClientsPerHub is the maximum number of concurrently attached
	// clients a single document hub accepts.
	MaxClientsPerHub = 50

	// MaxHubs caps the number of resident document hubs per process.
	// Zero means unlimited.
	MaxHubs = 0

	// HubIdleGrace is how long an empty document hub lingers before it
	// is garbage collected. Keeps hot documents warm across brief
	// disconnect/reconnect cycles.
	HubIdleGrace = 30 * time.Minute

	// HubIdleGraceJitterMax is the maximum random delay added to
	// HubIdleGrace so that hubs created in a burst do not expire in a
	// burst.
	HubIdleGraceJitterMax = time.Minute

	// DrainDeadline is how long graceful shutdown waits for document
	// hubs to flush and close their clients before giving up.
	DrainDeadline = 5 * time.Second
)

const (
	// BusPrefix is prepended to every bus topic so that multiple
	// applications can share one redis deployment.
	BusPrefix = "collab:"

	// BusChunkThreshold is the payload size in bytes above which a bus
	// envelope is split into chunks before publishing. Redis handles
	// large values poorly and some managed deployments cap message
	// sizes outright.
	BusChunkThreshold = 64 * 1024

	// BusChunkReassemblyTimeout is how long a partially reassembled
	// chunked envelope is retained before it is dropped. Loss of a
	// single chunk is repaired by the next sync exchange, so waiting
	// longer buys nothing.
	BusChunkReassemblyTimeout = 10 * time.Second

	// BusPublishRetries is how many times a failed publish is retried
	// before the update is counted as lost. A lost update is repaired
	// by the next sync exchange.
	BusPublishRetries = 1
)

const (
	// AwarenessTimeout is how long a presence entry survives without a
	// refresh before the hub declares the client gone and broadcasts a
	// removal on its behalf.
	AwarenessTimeout = 30 * time.Second

	// AwarenessGCInterval is how often the hub sweeps for expired
	// presence entries.
	AwarenessGCInterval = 10 * time.Second
)

const (
	// MaxTokenLength is the maximum accepted length of a serialized
	// bearer token, before any decoding.
	MaxTokenLength = 1000

	// MaxDocumentIDLength is the maximum accepted length of a document
	// identifier. Longer identifiers are replaced with
	// FallbackDocumentID rather than rejected.
	MaxDocumentIDLength = 100

	// FallbackDocumentID is the document identifier used when a request
	// carries a missing or malformed one.
	FallbackDocumentID = "default"
)

const (
	// ReadHeaderTimeout is the read header timeout of the HTTP servers.
	ReadHeaderTimeout = 10 * time.Second

	// WriteTimeout bounds a single websocket data frame write. A peer
	// that cannot take a frame this long is treated as gone, so a
	// stalled connection never parks the session's writer for good.
	WriteTimeout = 10 * time.Second

	// ShutdownTimeout is how long HTTP servers get to finish in-flight
	// requests when the process is asked to stop.
	ShutdownTimeout = 10 * time.Second

	// MaxFrameSize is the maximum accepted websocket message size in
	// bytes. Updates larger than this indicate a runaway client.
	MaxFrameSize = 16 * 1024 * 1024
)

var (
	// HighResPollingPeriod is the polling period used by tests and
	// debug tooling that watch for state transitions.
	HighResPollingPeriod = 10 * time.Millisecond
)
