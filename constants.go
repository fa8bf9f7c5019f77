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

// Package coweave holds constants and build information shared across the
// whole codebase.
package coweave

import "strings"

// Version is the semantic version of this build. Overridden at link time
// by the release pipeline.
var Version = "0.7.0"

// Gitref is the git reference this binary was built from. Overridden at
// link time by the release pipeline.
var Gitref = ""

// ComponentKey is the attribute key used to report which component emitted
// a structured log line.
const ComponentKey = "component"

const (
	// ComponentCoweave is the server process as a whole.
	ComponentCoweave = "coweave"

	// ComponentHub is the per-document synchronization hub.
	ComponentHub = "hub"

	// ComponentRegistry is the process-wide document hub registry.
	ComponentRegistry = "registry"

	// ComponentBus is the cross-instance broadcast bus.
	ComponentBus = "bus"

	// ComponentWeb is the client-facing websocket and diagnostics surface.
	ComponentWeb = "web"

	// ComponentAuth is the token validation gate.
	ComponentAuth = "auth"

	// ComponentSession is a single client session on a document.
	ComponentSession = "session"

	// DebugOutputEnvVar tells tests to emit verbose debug output.
	DebugOutputEnvVar = "COWEAVE_DEBUG_TESTS"
)

// Component generates a colon-joined component name from its parts, e.g.
// Component(ComponentBus, "redis") returns "bus:redis".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}
