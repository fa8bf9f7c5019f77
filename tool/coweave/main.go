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

// Command coweave runs the realtime collaboration server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/config"
	"github.com/coweave/coweave/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("coweave", "Coweave realtime collaboration server.")

	var clf config.CommandLineFlags
	start := app.Command("start", "Start the collaboration server.")
	start.Flag("config", "Path to the YAML configuration file.").
		Short('c').Envar("COWEAVE_CONFIG").StringVar(&clf.ConfigFile)
	start.Flag("listen", "Websocket listen address, overrides the config file.").
		StringVar(&clf.ListenAddr)
	start.Flag("diag", "Diagnostics listen address, overrides the config file.").
		StringVar(&clf.DiagAddr)
	start.Flag("auth-secret", "Token signing secret, overrides the config file.").
		Envar("COWEAVE_AUTH_SECRET").StringVar(&clf.AuthSecret)
	start.Flag("debug", "Enable debug logging.").
		Short('d').BoolVar(&clf.Debug)

	version := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	switch command {
	case start.FullCommand():
		return onStart(clf)
	case version.FullCommand():
		fmt.Println("coweave", coweave.Version)
	}
	return nil
}

func onStart(clf config.CommandLineFlags) error {
	cfg, err := config.Configure(clf)
	if err != nil {
		return trace.Wrap(err)
	}
	process, err := service.New(*cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	// SIGINT and SIGTERM start graceful shutdown; sessions get their
	// close frames before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return trace.Wrap(process.Run(ctx))
}
