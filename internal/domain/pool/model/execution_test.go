// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		ok       bool
	}{
		{ExecutionAcquiring, ExecutionRunning, true},
		{ExecutionAcquiring, ExecutionFailed, true},
		{ExecutionAcquiring, ExecutionCompleted, true}, // release racing acquire
		{ExecutionRunning, ExecutionCompleted, true},
		{ExecutionRunning, ExecutionFailed, false},
		{ExecutionCompleted, ExecutionRunning, false},
		{ExecutionFailed, ExecutionCompleted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	e := &Execution{ID: "t1", Status: ExecutionAcquiring, CreatedAt: now}

	require.NoError(t, e.Transition(ExecutionRunning, now.Add(time.Second)))
	assert.Equal(t, now.Add(time.Second), e.AcquiredAt)

	require.NoError(t, e.Transition(ExecutionCompleted, now.Add(2*time.Second)))
	assert.Equal(t, now.Add(2*time.Second), e.CompletedAt)

	err := e.Transition(ExecutionRunning, now)
	require.Error(t, err)
}

func TestValidateRequirements(t *testing.T) {
	assert.NoError(t, ValidateRequirements(map[string]int{"client": 2, "vendor": 1}))
	assert.ErrorIs(t, ValidateRequirements(nil), ErrInvalidRequirements)
	assert.ErrorIs(t, ValidateRequirements(map[string]int{"client": 0}), ErrInvalidRequirements)
	assert.ErrorIs(t, ValidateRequirements(map[string]int{"": 1}), ErrInvalidRequirements)
}

func TestEntityLeaseRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	e := &Entity{ID: 1, Role: "client", IsHealthy: true}
	require.True(t, e.Available())

	e.Lease("t1", now)
	assert.True(t, e.IsLeased)
	assert.Equal(t, "t1", e.LeasedBy)
	assert.False(t, e.Available())

	e.Unlease(now.Add(time.Minute))
	assert.False(t, e.IsLeased)
	assert.Empty(t, e.LeasedBy)
	assert.True(t, e.LeasedAt.IsZero())
}
