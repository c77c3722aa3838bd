// Copyright 2026 The mitmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOrdersByPriorityThenName(t *testing.T) {
	r := NewRegistry()
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, rc any) (bool, error) {
			order = append(order, name)
			return false, nil
		}
	}
	r.Register(Entry{Name: "zeta", Priority: 5, Handler: record("zeta")})
	r.Register(Entry{Name: "alpha", Priority: 5, Handler: record("alpha")})
	r.Register(Entry{Name: "first", Priority: 1, Handler: record("first")})

	_, err := r.Run(context.Background(), BeforeRequest, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "alpha", "zeta"}, order)
}

func TestRegisterReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register(Entry{Name: "x", Priority: 1, Handler: func(ctx context.Context, rc any) (bool, error) { return false, nil }})
	r.Register(Entry{Name: "x", Priority: 9, Handler: func(ctx context.Context, rc any) (bool, error) { return false, nil }})
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 9, snap[0].Priority)
}

func TestRunStopsChainOnStop(t *testing.T) {
	r := NewRegistry()
	var ran []string
	r.Register(Entry{Name: "a", Priority: 1, Handler: func(ctx context.Context, rc any) (bool, error) {
		ran = append(ran, "a")
		return true, nil
	}})
	r.Register(Entry{Name: "b", Priority: 2, Handler: func(ctx context.Context, rc any) (bool, error) {
		ran = append(ran, "b")
		return false, nil
	}})

	stopped, err := r.Run(context.Background(), BeforeRequest, nil)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, []string{"a"}, ran)
}

func TestRunPropagatesHandlerError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register(Entry{Name: "a", Handler: func(ctx context.Context, rc any) (bool, error) { return false, boom }})

	_, err := r.Run(context.Background(), BeforeRequest, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRunTimesOutSlowHandler(t *testing.T) {
	r := NewRegistry()
	r.Timeout = 10 * time.Millisecond
	r.Register(Entry{Name: "slow", Handler: func(ctx context.Context, rc any) (bool, error) {
		<-ctx.Done()
		return false, nil
	}})

	_, err := r.Run(context.Background(), BeforeRequest, nil)
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.Offender)
}

func TestRunRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(Entry{Name: "panicky", Handler: func(ctx context.Context, rc any) (bool, error) {
		panic("boom")
	}})

	_, err := r.Run(context.Background(), BeforeRequest, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestPhaseFilterSkipsNonApplicableEntries(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register(Entry{
		Name:    "only-after",
		Phases:  map[Phase]bool{AfterRequest: true},
		Handler: func(ctx context.Context, rc any) (bool, error) { ran = true; return false, nil },
	})

	_, err := r.Run(context.Background(), BeforeRequest, nil)
	require.NoError(t, err)
	assert.False(t, ran)

	_, err = r.Run(context.Background(), AfterRequest, nil)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunRejectsOverCapacity(t *testing.T) {
	r := NewRegistry()
	r.MaxConcurrent = 1
	r.inFlight.Store(1)
	r.Register(Entry{Name: "a", Handler: func(ctx context.Context, rc any) (bool, error) { return false, nil }})

	_, err := r.Run(context.Background(), BeforeRequest, nil)
	require.Error(t, err)
	var oe *OverloadError
	require.ErrorAs(t, err, &oe)
}
