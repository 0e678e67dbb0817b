// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreBeginBlocksUntilCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn, err := s.Begin(ctx)
	require.NoError(t, err)

	// A second Begin must wait for the first transaction to finish.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.Begin(blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, txn.Commit())

	txn2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn2.Rollback())
}

func TestMemoryStoreRollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedEntities(t, s, "client", 1)

	txn, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.CreateExecution(ctx, newAcquiringExecution("ghost")))
	require.NoError(t, txn.Rollback())

	txn, err = s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = txn.Rollback() }()
	_, err = txn.GetExecution(ctx, "ghost")
	assert.Error(t, err)
}
