// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerTestStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, newBadgerTestStore)
}

func TestBadgerStoreConflictingClaimsCannotBothCommit(t *testing.T) {
	s := newBadgerTestStore(t)
	ctx := context.Background()
	seedEntities(t, s, "client", 1)

	t1, err := s.Begin(ctx)
	require.NoError(t, err)
	t2, err := s.Begin(ctx)
	require.NoError(t, err)

	ids1, err := t1.ClaimCandidates(ctx, "client", 1)
	require.NoError(t, err)
	ids2, err := t2.ClaimCandidates(ctx, "client", 1)
	require.NoError(t, err)
	require.Equal(t, ids1, ids2)

	now := time.Now().UTC()
	require.NoError(t, t1.MarkLeased(ctx, ids1, "a", now))
	require.NoError(t, t2.MarkLeased(ctx, ids2, "b", now))

	require.NoError(t, t1.Commit())
	// The second writer read-then-wrote the same key; badger rejects
	// the commit instead of double-leasing.
	assert.Error(t, t2.Commit())

	e, err := s.GetEntity(ctx, ids1[0])
	require.NoError(t, err)
	assert.Equal(t, "a", e.LeasedBy)
}
