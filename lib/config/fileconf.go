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

// Package config reads the YAML configuration file and turns it, plus
// any command line overrides, into a service config.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/coweave/coweave/lib/service"
	"github.com/coweave/coweave/lib/utils"
)

// FileConfig is the on-disk YAML configuration. Unknown keys are
// rejected so typos fail the start instead of silently meaning their
// default.
type FileConfig struct {
	// ListenAddr is the client-facing websocket listen address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// DiagAddr is the diagnostics listen address.
	DiagAddr string `yaml:"diag_addr,omitempty"`
	// InstanceID overrides the per-start random bus identity. Only set
	// it when every instance gets a distinct value.
	InstanceID string `yaml:"instance_id,omitempty"`

	Log      Log      `yaml:"log,omitempty"`
	Auth     Auth     `yaml:"auth,omitempty"`
	Redis    Redis    `yaml:"redis,omitempty"`
	Bus      Bus      `yaml:"bus,omitempty"`
	Limits   Limits   `yaml:"limits,omitempty"`
	Timeouts Timeouts `yaml:"timeouts,omitempty"`
	TLS      TLS      `yaml:"tls,omitempty"`
}

// Log configures process logging.
type Log struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// Auth configures token validation.
type Auth struct {
	// HMACSecret is the token signing secret, inline.
	HMACSecret string `yaml:"hmac_secret,omitempty"`
	// HMACSecretFile reads the secret from a file instead; wins over
	// the inline value.
	HMACSecretFile string `yaml:"hmac_secret_file,omitempty"`
	// AllowedAlgorithms restricts token signing algorithms.
	AllowedAlgorithms []string `yaml:"allowed_algorithms,omitempty"`
	// DefaultOpen is the verdict for documents a token does not
	// mention. Unset means open.
	DefaultOpen *bool `yaml:"default_open,omitempty"`
}

// Redis points at the shared redis.
type Redis struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Bus tunes the cross-instance envelope layer.
type Bus struct {
	Prefix            string `yaml:"prefix,omitempty"`
	ChunkThreshold    int    `yaml:"chunk_threshold,omitempty"`
	ReassemblyTimeout string `yaml:"reassembly_timeout,omitempty"`
}

// Limits bounds resource usage.
type Limits struct {
	MaxHubs          int `yaml:"max_hubs,omitempty"`
	MaxClientsPerHub int `yaml:"max_clients_per_hub,omitempty"`
	OutboundQueue    int `yaml:"outbound_queue,omitempty"`
}

// Timeouts holds the duration knobs, written as Go durations ("30s",
// "15m").
type Timeouts struct {
	PingInterval string `yaml:"ping_interval,omitempty"`
	IdleGrace    string `yaml:"idle_grace,omitempty"`
	Drain        string `yaml:"drain,omitempty"`
}

// TLS carries the serving certificate paths.
type TLS struct {
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// ReadConfigFile loads and parses the YAML file at path.
func ReadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return ReadConfig(bytes.NewReader(data))
}

// ReadConfig parses YAML configuration from a reader.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, trace.BadParameter("failed to parse config file: %v", err)
	}
	return &fc, nil
}

// CommandLineFlags are the start command's overrides; they win over the
// file.
type CommandLineFlags struct {
	// ConfigFile is the path of the YAML config, empty for none.
	ConfigFile string
	// ListenAddr overrides the websocket listen address.
	ListenAddr string
	// DiagAddr overrides the diagnostics listen address.
	DiagAddr string
	// AuthSecret overrides the token signing secret. Meant for dev
	// setups without a config file.
	AuthSecret string
	// Debug forces debug-level logging.
	Debug bool
}

// Configure assembles the service config from the config file named in
// the flags, then applies the flag overrides on top.
func Configure(clf CommandLineFlags) (*service.Config, error) {
	fc := &FileConfig{}
	if clf.ConfigFile != "" {
		var err error
		fc, err = ReadConfigFile(clf.ConfigFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	cfg := &service.Config{}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	if clf.ListenAddr != "" {
		cfg.ListenAddr = clf.ListenAddr
	}
	if clf.DiagAddr != "" {
		cfg.DiagAddr = clf.DiagAddr
	}
	if clf.AuthSecret != "" {
		cfg.Auth.HMACSecret = []byte(clf.AuthSecret)
	}

	level := fc.Log.Level
	if level == "" {
		level = "info"
	}
	if clf.Debug {
		level = "debug"
	}
	logger, err := utils.InitLogger(level, fc.Log.Format)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Logger = logger

	return cfg, nil
}

// ApplyFileConfig copies the parsed file into the service config,
// validating what the YAML layer cannot.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	cfg.ListenAddr = fc.ListenAddr
	cfg.DiagAddr = fc.DiagAddr
	cfg.InstanceID = fc.InstanceID

	switch {
	case fc.Auth.HMACSecretFile != "":
		secret, err := os.ReadFile(fc.Auth.HMACSecretFile)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		cfg.Auth.HMACSecret = []byte(strings.TrimSpace(string(secret)))
	case fc.Auth.HMACSecret != "":
		cfg.Auth.HMACSecret = []byte(fc.Auth.HMACSecret)
	}
	cfg.Auth.AllowedAlgorithms = fc.Auth.AllowedAlgorithms
	cfg.Auth.DefaultOpen = fc.Auth.DefaultOpen == nil || *fc.Auth.DefaultOpen

	cfg.Redis.Addr = fc.Redis.Addr
	cfg.Redis.Password = fc.Redis.Password
	cfg.Redis.DB = fc.Redis.DB

	cfg.Bus.Prefix = fc.Bus.Prefix
	cfg.Bus.ChunkThreshold = fc.Bus.ChunkThreshold

	var err error
	if cfg.Bus.ReassemblyTimeout, err = parseDuration("bus.reassembly_timeout", fc.Bus.ReassemblyTimeout); err != nil {
		return trace.Wrap(err)
	}

	cfg.Limits.MaxHubs = fc.Limits.MaxHubs
	cfg.Limits.MaxClientsPerHub = fc.Limits.MaxClientsPerHub
	cfg.Limits.OutboundQueue = fc.Limits.OutboundQueue
	if fc.Limits.MaxHubs < 0 {
		return trace.BadParameter("limits.max_hubs must not be negative")
	}

	if cfg.Timeouts.PingInterval, err = parseDuration("timeouts.ping_interval", fc.Timeouts.PingInterval); err != nil {
		return trace.Wrap(err)
	}
	if cfg.Timeouts.IdleGrace, err = parseDuration("timeouts.idle_grace", fc.Timeouts.IdleGrace); err != nil {
		return trace.Wrap(err)
	}
	if cfg.Timeouts.Drain, err = parseDuration("timeouts.drain", fc.Timeouts.Drain); err != nil {
		return trace.Wrap(err)
	}

	cfg.TLS.CertFile = fc.TLS.CertFile
	cfg.TLS.KeyFile = fc.TLS.KeyFile
	return nil
}

// parseDuration parses a duration knob; empty means zero, which the
// service layer replaces with its default.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, trace.BadParameter("%v: invalid duration %q", name, value)
	}
	if d < 0 {
		return 0, trace.BadParameter("%v: duration must not be negative", name)
	}
	return d, nil
}
