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

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, clock clockwork.Clock, mutate func(*tokenClaims)) string {
	t.Helper()
	claims := tokenClaims{
		Username:    "alice",
		Permissions: []string{"doc:edit"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(&claims)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func newTestValidator(t *testing.T, clock clockwork.Clock) *Validator {
	t.Helper()
	v, err := NewValidator(ValidatorConfig{
		HMACSecret: testSecret,
		Clock:      clock,
	})
	require.NoError(t, err)
	return v
}

func TestValidateToken(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Now())
	v := newTestValidator(t, clock)

	principal, err := v.ValidateToken(signToken(t, clock, nil))
	require.NoError(t, err)
	require.Equal(t, "user-1", principal.UserID)
	require.Equal(t, "alice", principal.Username)
	require.Equal(t, []string{"doc:edit"}, principal.Permissions)
	require.WithinDuration(t, clock.Now().Add(time.Hour), principal.Expires, time.Second)
}

func TestValidateTokenUsernameFallsBackToSubject(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Now())
	v := newTestValidator(t, clock)

	principal, err := v.ValidateToken(signToken(t, clock, func(c *tokenClaims) {
		c.Username = ""
	}))
	require.NoError(t, err)
	require.Equal(t, "user-1", principal.Username)
}

func TestValidateTokenRejections(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Now())
	v := newTestValidator(t, clock)

	expired := signToken(t, clock, func(c *tokenClaims) {
		c.ExpiresAt = jwt.NewNumericDate(clock.Now().Add(-time.Minute))
	})
	noSubject := signToken(t, clock, func(c *tokenClaims) {
		c.Subject = ""
	})
	noExpiry := signToken(t, clock, func(c *tokenClaims) {
		c.ExpiresAt = nil
	})
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	}).SignedString([]byte("some other secret"))
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "not a jwt", token: "definitely not a token"},
		{name: "two segments", token: "aaaa.bbbb"},
		{name: "header not base64url", token: "???.bbbb.cccc"},
		{name: "header not json", token: "bm90IGpzb24.bbbb.cccc"},
		{name: "oversized", token: signToken(t, clock, nil) + strings.Repeat("a", 1001)},
		{name: "expired", token: expired},
		{name: "no subject", token: noSubject},
		{name: "no expiry", token: noExpiry},
		{name: "wrong key", token: wrongKey},
		{name: "alg none", token: unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(tt.token)
			require.Error(t, err)
		})
	}
}

func TestValidateTokenHonorsClock(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Now())
	v := newTestValidator(t, clock)

	token := signToken(t, clock, nil)
	_, err := v.ValidateToken(token)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = v.ValidateToken(token)
	require.Error(t, err, "token must expire when the injected clock passes exp")
}

func TestMayOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    OpenPolicy
		principal Principal
		document  string
		want      bool
	}{
		{
			name:     "default open",
			policy:   OpenPolicy{DefaultOpen: true},
			document: "doc1",
			want:     true,
		},
		{
			name:     "default closed",
			policy:   OpenPolicy{DefaultOpen: false},
			document: "doc1",
			want:     false,
		},
		{
			name:      "explicit grant beats default closed",
			policy:    OpenPolicy{DefaultOpen: false},
			principal: Principal{DocumentAccess: map[string]bool{"doc1": true}},
			document:  "doc1",
			want:      true,
		},
		{
			name:      "explicit deny beats default open",
			policy:    OpenPolicy{DefaultOpen: true},
			principal: Principal{DocumentAccess: map[string]bool{"doc1": false}},
			document:  "doc1",
			want:      false,
		},
		{
			name:      "doc admin beats default closed",
			policy:    OpenPolicy{DefaultOpen: false},
			principal: Principal{Permissions: []string{PermissionDocAdmin}},
			document:  "doc1",
			want:      true,
		},
		{
			name:      "explicit deny beats doc admin",
			policy:    OpenPolicy{DefaultOpen: true},
			principal: Principal{Permissions: []string{PermissionDocAdmin}, DocumentAccess: map[string]bool{"doc1": false}},
			document:  "doc1",
			want:      false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.policy.MayOpen(tt.principal, tt.document))
		})
	}
}
