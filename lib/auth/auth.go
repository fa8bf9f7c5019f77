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

// Package auth validates the bearer tokens clients present before a
// collaboration session is opened, and decides whether the resulting
// principal may open a given document. Tokens are minted elsewhere;
// this package only consumes them.
package auth

import (
	"encoding/base64"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/jonboulle/clockwork"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/defaults"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PermissionDocAdmin grants a principal access to every document
// regardless of the per-document access claim and the default policy.
const PermissionDocAdmin = "doc:admin"

// Principal is the authenticated identity behind a client session.
type Principal struct {
	// UserID is the stable identifier of the user (the token subject).
	UserID string
	// Username is the display name carried by the token.
	Username string
	// Permissions are the coarse capabilities granted to the user.
	Permissions []string
	// DocumentAccess holds explicit per-document verdicts. Absent
	// documents fall through to permissions and the default policy.
	DocumentAccess map[string]bool
	// Expires is when the backing token stops being valid.
	Expires time.Time
}

// HasPermission reports whether the principal carries a permission.
func (p Principal) HasPermission(permission string) bool {
	return slices.Contains(p.Permissions, permission)
}

type tokenClaims struct {
	Username       string          `json:"username,omitempty"`
	Permissions    []string        `json:"permissions,omitempty"`
	DocumentAccess map[string]bool `json:"document_access,omitempty"`
	jwt.RegisteredClaims
}

// ValidatorConfig configures a token Validator.
type ValidatorConfig struct {
	// HMACSecret is the shared secret tokens are signed with.
	HMACSecret []byte
	// AllowedAlgorithms is the signing algorithm allowlist. Defaults to
	// the HMAC family; anything outside the list is rejected before the
	// signature is even checked.
	AllowedAlgorithms []string
	// Clock is used for expiry checks.
	Clock clockwork.Clock
	// Logger emits validation diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ValidatorConfig) CheckAndSetDefaults() error {
	if len(c.HMACSecret) == 0 {
		return trace.BadParameter("missing parameter HMACSecret")
	}
	if len(c.AllowedAlgorithms) == 0 {
		c.AllowedAlgorithms = []string{"HS256", "HS384", "HS512"}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(coweave.ComponentKey, coweave.ComponentAuth)
	}
	return nil
}

// Validator checks bearer tokens and extracts the principal they carry.
type Validator struct {
	cfg    ValidatorConfig
	parser *jwt.Parser
}

// NewValidator returns a Validator for the given signing configuration.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Validator{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.AllowedAlgorithms),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(cfg.Clock.Now),
		),
	}, nil
}

// ValidateToken verifies a serialized token and returns the principal
// it asserts. Structure is checked before any cryptography so obvious
// garbage is rejected cheaply.
func (v *Validator) ValidateToken(token string) (Principal, error) {
	if err := checkTokenStructure(token); err != nil {
		return Principal{}, trace.Wrap(err)
	}

	var claims tokenClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.cfg.HMACSecret, nil
	}); err != nil {
		return Principal{}, trace.AccessDenied("invalid token: %v", err)
	}
	if claims.Subject == "" {
		return Principal{}, trace.AccessDenied("token has no subject")
	}

	principal := Principal{
		UserID:         claims.Subject,
		Username:       claims.Username,
		Permissions:    claims.Permissions,
		DocumentAccess: claims.DocumentAccess,
	}
	if claims.ExpiresAt != nil {
		principal.Expires = claims.ExpiresAt.Time
	}
	if principal.Username == "" {
		principal.Username = principal.UserID
	}
	return principal, nil
}

// checkTokenStructure verifies that a serialized token has the shape of
// a JWS compact serialization: three dot-separated base64url segments
// with a JWT header, within the accepted length.
func checkTokenStructure(token string) error {
	if token == "" {
		return trace.AccessDenied("empty token")
	}
	if len(token) > defaults.MaxTokenLength {
		return trace.AccessDenied("token exceeds %v characters", defaults.MaxTokenLength)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return trace.AccessDenied("token is not a compact JWT serialization")
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return trace.AccessDenied("token header is not base64url")
	}
	var header struct {
		Typ string `json:"typ"`
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return trace.AccessDenied("token header is not an object")
	}
	if header.Typ != "" && !strings.EqualFold(header.Typ, "JWT") {
		return trace.AccessDenied("unexpected token type %q", header.Typ)
	}
	if header.Alg == "" {
		return trace.AccessDenied("token header names no algorithm")
	}
	return nil
}
