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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinearRetry(t *testing.T) {
	t.Parallel()

	r, err := NewLinear(LinearConfig{
		First: 100 * time.Millisecond,
		Step:  400 * time.Millisecond,
		Max:   time.Second,
	})
	require.NoError(t, err)

	require.Equal(t, 100*time.Millisecond, r.Duration())
	r.Inc()
	require.Equal(t, 500*time.Millisecond, r.Duration())
	r.Inc()
	require.Equal(t, 900*time.Millisecond, r.Duration())
	r.Inc()
	// Saturates at Max.
	require.Equal(t, time.Second, r.Duration())

	r.Reset()
	require.Equal(t, 100*time.Millisecond, r.Duration())
}

func TestLinearRetryZeroFirst(t *testing.T) {
	t.Parallel()

	r, err := NewLinear(LinearConfig{Step: time.Second, Max: time.Minute})
	require.NoError(t, err)

	// A zero duration fires immediately through the closed channel.
	select {
	case <-r.After():
	default:
		t.Fatal("expected closed channel for zero duration")
	}
}

func TestLinearConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLinear(LinearConfig{Max: time.Second})
	require.Error(t, err)
	_, err = NewLinear(LinearConfig{Step: time.Second})
	require.Error(t, err)
}

func TestJitterRanges(t *testing.T) {
	t.Parallel()

	half := NewHalfJitter()
	full := NewFullJitter()
	for i := 0; i < 100; i++ {
		d := half(time.Second)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.Less(t, d, time.Second)

		d = full(time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, time.Second)
	}
	require.Zero(t, half(0))
	require.Zero(t, full(0))
}
