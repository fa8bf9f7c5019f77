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

package utils

import (
	"io"
	"log/slog"
	"os"

	"github.com/gravitational/trace"

	coweave "github.com/coweave/coweave"
)

// InitLogger configures the process-wide default slog logger and returns
// it. Level is one of "debug", "info", "warn", "error" and format is
// either "text" or "json".
func InitLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, trace.BadParameter("unsupported log level %q", level)
	}
	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, trace.BadParameter("unsupported log output format %q", format)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// InitLoggerForTests configures the default logger for a test binary:
// silent unless the debug env variable asks for everything.
func InitLoggerForTests() {
	if os.Getenv(coweave.DebugOutputEnvVar) != "" {
		slog.SetDefault(NewSlogLoggerForTests())
		return
	}
	slog.SetDefault(DiscardLogger)
}

// NewSlogLoggerForTests creates a new slog logger for test purposes.
// Logging is enabled at debug level so failed runs carry the full
// picture.
func NewSlogLoggerForTests() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// DiscardLogger is a logger that drops everything. Handy for components
// that require a logger in tests that assert on other outputs.
var DiscardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
