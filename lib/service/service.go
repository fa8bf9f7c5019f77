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

// Package service assembles and supervises a collaboration server
// process: the bus transport, the document registry, the auth gate and
// both HTTP surfaces, with ordered graceful shutdown.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/auth"
	"github.com/coweave/coweave/lib/bus"
	"github.com/coweave/coweave/lib/collab"
	"github.com/coweave/coweave/lib/crdt"
	"github.com/coweave/coweave/lib/defaults"
	"github.com/coweave/coweave/lib/web"
)

// Process is one running collaboration server. Build it with New, run
// it with Run; cancelling Run's context starts graceful shutdown.
type Process struct {
	cfg Config
	log *slog.Logger

	redisClient redis.UniversalClient
	docBus      *bus.DocBus
	registry    *collab.Registry
	handler     *web.Handler
	webServer   *http.Server
	diagServer  *http.Server

	mu       sync.Mutex
	webAddr  net.Addr
	diagAddr net.Addr
}

// New assembles a process from the config. Nothing listens yet; that
// happens in Run.
func New(cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Process{
		cfg: cfg,
		log: cfg.Logger,
	}

	var transport bus.Bus
	if cfg.Redis.Addr != "" {
		p.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisBus, err := bus.NewRedisBus(bus.RedisBusConfig{Client: p.redisClient})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		transport = redisBus
	} else {
		p.log.Warn("No redis configured; running on an in-memory bus, documents will not sync across instances")
		transport = bus.NewMemoryBus()
	}

	docBus, err := bus.NewDocBus(bus.DocBusConfig{
		Bus:               transport,
		InstanceID:        cfg.InstanceID,
		Prefix:            cfg.Bus.Prefix,
		ChunkThreshold:    cfg.Bus.ChunkThreshold,
		ReassemblyTimeout: cfg.Bus.ReassemblyTimeout,
		Clock:             cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.docBus = docBus

	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Engine:           crdt.NewOplogEngine(),
		Bus:              docBus,
		Clock:            cfg.Clock,
		MaxHubs:          cfg.Limits.MaxHubs,
		MaxClientsPerHub: cfg.Limits.MaxClientsPerHub,
		QueueCap:         cfg.Limits.OutboundQueue,
		IdleGrace:        cfg.Timeouts.IdleGrace,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.registry = registry

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		HMACSecret:        cfg.Auth.HMACSecret,
		AllowedAlgorithms: cfg.Auth.AllowedAlgorithms,
		Clock:             cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.HandlerConfig{
		Registry:     registry,
		Validator:    validator,
		Policy:       auth.OpenPolicy{DefaultOpen: cfg.Auth.DefaultOpen},
		Clock:        cfg.Clock,
		PingInterval: cfg.Timeouts.PingInterval,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.handler = handler
	p.webServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: defaults.ReadHeaderTimeout,
	}

	diag, err := web.NewDiagHandler(web.DiagConfig{Registry: registry})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.diagServer = &http.Server{
		Handler:           diag,
		ReadHeaderTimeout: defaults.ReadHeaderTimeout,
	}

	return p, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully:
// document hubs drain, sessions flush their close frames, the HTTP
// servers finish, the bus closes.
func (p *Process) Run(ctx context.Context) error {
	if p.redisClient != nil {
		pingCtx, cancel := context.WithTimeout(ctx, defaults.ShutdownTimeout)
		err := p.redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return trace.ConnectionProblem(err, "redis is unreachable at %v", p.cfg.Redis.Addr)
		}
	}

	webListener, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	diagListener, err := net.Listen("tcp", p.cfg.DiagAddr)
	if err != nil {
		webListener.Close()
		return trace.Wrap(err)
	}
	p.mu.Lock()
	p.webAddr = webListener.Addr()
	p.diagAddr = diagListener.Addr()
	p.mu.Unlock()

	p.log.Info("Collaboration server is starting",
		"version", coweave.Version,
		"listen_addr", webListener.Addr().String(),
		"diag_addr", diagListener.Addr().String(),
		"instance_id", p.cfg.InstanceID,
		"tls", p.cfg.TLS.Enabled())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.serve(p.webServer, webListener)
	})
	group.Go(func() error {
		return p.serve(p.diagServer, diagListener)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		p.shutdown()
		return nil
	})
	return trace.Wrap(group.Wait())
}

func (p *Process) serve(server *http.Server, listener net.Listener) error {
	var err error
	if p.cfg.TLS.Enabled() {
		err = server.ServeTLS(listener, p.cfg.TLS.CertFile, p.cfg.TLS.KeyFile)
	} else {
		err = server.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return trace.Wrap(err)
}

// shutdown tears the process down in dependency order. Hubs close
// first so every session learns the reason, then the transports get a
// bounded window to flush.
func (p *Process) shutdown() {
	p.log.Info("Collaboration server is shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeouts.Drain)
	p.registry.Drain(drainCtx, p.cfg.Timeouts.Drain)
	if err := p.handler.Wait(drainCtx); err != nil {
		p.log.Warn("Sessions still running after drain deadline", "error", err)
	}
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if err := p.webServer.Shutdown(shutdownCtx); err != nil {
		p.log.Warn("Web server shutdown failed", "error", err)
	}
	if err := p.diagServer.Shutdown(shutdownCtx); err != nil {
		p.log.Warn("Diagnostics server shutdown failed", "error", err)
	}

	p.registry.Close()
	if err := p.docBus.Close(); err != nil {
		p.log.Warn("Bus close failed", "error", err)
	}
	if p.redisClient != nil {
		if err := p.redisClient.Close(); err != nil {
			p.log.Warn("Redis client close failed", "error", err)
		}
	}
	p.log.Info("Collaboration server stopped")
}

// WebAddr returns the bound client-facing address. Valid once Run has
// started serving; nil before that.
func (p *Process) WebAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.webAddr
}

// DiagAddr returns the bound diagnostics address. Valid once Run has
// started serving; nil before that.
func (p *Process) DiagAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.diagAddr
}
