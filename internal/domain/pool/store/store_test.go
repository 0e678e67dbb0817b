// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
)

// seedEntities inserts n healthy unleased accounts for role.
func seedEntities(t *testing.T, s Store, role string, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		e := &model.Entity{
			Role:      role,
			IsHealthy: true,
			Credentials: model.Credentials{
				Email:    fmt.Sprintf("%s-%d-%d@example.test", role, time.Now().UnixNano(), i),
				Password: "secret",
			},
		}
		require.NoError(t, s.CreateEntity(context.Background(), e))
		ids = append(ids, e.ID)
	}
	return ids
}

func newAcquiringExecution(id string) *model.Execution {
	return &model.Execution{
		ID:             id,
		RequestedRoles: map[string]int{"client": 1},
		Status:         model.ExecutionAcquiring,
		CreatedAt:      time.Now().UTC(),
	}
}

func claimAll(t *testing.T, s Store, role string, count int, execID string) []int64 {
	t.Helper()
	ctx := context.Background()
	txn, err := s.Begin(ctx)
	require.NoError(t, err)
	ids, err := txn.ClaimCandidates(ctx, role, count)
	require.NoError(t, err)
	require.NoError(t, txn.MarkLeased(ctx, ids, execID, time.Now().UTC()))
	require.NoError(t, txn.Commit())
	return ids
}

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("claim orders never-leased first then LRU", func(t *testing.T) {
		s := open(t)
		ids := seedEntities(t, s, "client", 3)

		// Lease and release ids[0] so it carries the oldest leased_at.
		claimed := claimAll(t, s, "client", 1, "warmup")
		require.Equal(t, []int64{ids[0]}, claimed)

		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		n, err := txn.ReleaseByExecution(ctx, "warmup")
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.NoError(t, txn.Commit())

		// ids[0] was released (leased_at cleared), so all three are
		// never-leased again; order falls back to id.
		claimed = claimAll(t, s, "client", 2, "e1")
		assert.Equal(t, []int64{ids[0], ids[1]}, claimed)

		// The remaining unleased entity goes next.
		claimed = claimAll(t, s, "client", 5, "e2")
		assert.Equal(t, []int64{ids[2]}, claimed)
	})

	t.Run("committed claims are invisible to later claimers", func(t *testing.T) {
		s := open(t)
		seedEntities(t, s, "vendor", 3)

		first := claimAll(t, s, "vendor", 2, "a")
		second := claimAll(t, s, "vendor", 2, "b")

		require.Len(t, first, 2)
		require.Len(t, second, 1)
		for _, id := range second {
			assert.NotContains(t, first, id)
		}
	})

	t.Run("rollback returns reserved rows", func(t *testing.T) {
		s := open(t)
		seedEntities(t, s, "client", 2)

		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		ids, err := txn.ClaimCandidates(ctx, "client", 2)
		require.NoError(t, err)
		require.Len(t, ids, 2)
		require.NoError(t, txn.MarkLeased(ctx, ids, "doomed", time.Now().UTC()))
		require.NoError(t, txn.Rollback())

		claimed := claimAll(t, s, "client", 2, "after")
		assert.Len(t, claimed, 2)
	})

	t.Run("unhealthy entities are never claimed", func(t *testing.T) {
		s := open(t)
		ids := seedEntities(t, s, "client", 2)
		require.NoError(t, s.SetEntityHealth(ctx, ids[1], false))

		claimed := claimAll(t, s, "client", 2, "e1")
		assert.Equal(t, []int64{ids[0]}, claimed)

		avail := availability(t, s)
		assert.Equal(t, 0, avail["client"])
	})

	t.Run("release by execution is idempotent", func(t *testing.T) {
		s := open(t)
		seedEntities(t, s, "client", 3)
		claimAll(t, s, "client", 3, "e1")

		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		n, err := txn.ReleaseByExecution(ctx, "e1")
		require.NoError(t, err)
		require.NoError(t, txn.Commit())
		assert.Equal(t, 3, n)

		txn, err = s.Begin(ctx)
		require.NoError(t, err)
		n, err = txn.ReleaseByExecution(ctx, "e1")
		require.NoError(t, err)
		require.NoError(t, txn.Commit())
		assert.Equal(t, 0, n)
	})

	t.Run("entities by execution", func(t *testing.T) {
		s := open(t)
		seedEntities(t, s, "client", 3)
		want := claimAll(t, s, "client", 2, "e1")

		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = txn.Rollback() }()

		held, err := txn.EntitiesByExecution(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, held, 2)
		got := []int64{held[0].ID, held[1].ID}
		assert.Equal(t, want, got)

		none, err := txn.EntitiesByExecution(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("lease fields stay consistent", func(t *testing.T) {
		s := open(t)
		seedEntities(t, s, "client", 2)
		claimAll(t, s, "client", 1, "e1")

		entities, err := s.ListEntities(ctx)
		require.NoError(t, err)
		for _, e := range entities {
			assert.Equal(t, e.IsLeased, e.LeasedBy != "",
				"entity %d: is_leased and leased_by out of sync", e.ID)
			assert.Equal(t, e.IsLeased, !e.LeasedAt.IsZero(),
				"entity %d: is_leased and leased_at out of sync", e.ID)
		}
	})

	t.Run("duplicate execution id rejected", func(t *testing.T) {
		s := open(t)
		exec := &model.Execution{
			ID:             "dup",
			RequestedRoles: map[string]int{"client": 1},
			Status:         model.ExecutionAcquiring,
			CreatedAt:      time.Now().UTC(),
		}

		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.CreateExecution(ctx, exec))
		require.NoError(t, txn.Commit())

		txn, err = s.Begin(ctx)
		require.NoError(t, err)
		err = txn.CreateExecution(ctx, exec)
		assert.ErrorIs(t, err, model.ErrDuplicateExecution)
		require.NoError(t, txn.Rollback())
	})

	t.Run("execution status round trip", func(t *testing.T) {
		s := open(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		exec := &model.Execution{
			ID:             "rt",
			RequestedRoles: map[string]int{"client": 2, "vendor": 1},
			Status:         model.ExecutionAcquiring,
			CreatedAt:      now,
		}

		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.CreateExecution(ctx, exec))
		require.NoError(t, txn.UpdateExecutionStatus(ctx, "rt", model.ExecutionRunning, now.Add(time.Second)))
		require.NoError(t, txn.Commit())

		txn, err = s.Begin(ctx)
		require.NoError(t, err)
		got, err := txn.GetExecution(ctx, "rt")
		require.NoError(t, err)
		require.NoError(t, txn.Rollback())

		assert.Equal(t, model.ExecutionRunning, got.Status)
		assert.Equal(t, map[string]int{"client": 2, "vendor": 1}, got.RequestedRoles)
		assert.True(t, got.AcquiredAt.Equal(now.Add(time.Second)),
			"acquired_at: want %v, got %v", now.Add(time.Second), got.AcquiredAt)
	})

	t.Run("unknown execution yields not found", func(t *testing.T) {
		s := open(t)
		txn, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = txn.GetExecution(ctx, "nope")
		assert.ErrorIs(t, err, model.ErrExecutionNotFound)
		require.NoError(t, txn.Rollback())
	})

	t.Run("availability counts by role", func(t *testing.T) {
		s := open(t)
		seedEntities(t, s, "client", 3)
		seedEntities(t, s, "vendor", 2)
		claimAll(t, s, "client", 1, "e1")

		avail := availability(t, s)
		assert.Equal(t, map[string]int{"client": 2, "vendor": 2}, avail)
	})

	t.Run("entity CRUD", func(t *testing.T) {
		s := open(t)
		e := &model.Entity{
			Role:      "client",
			IsHealthy: true,
			Credentials: model.Credentials{
				Email:    fmt.Sprintf("crud-%d@example.test", time.Now().UnixNano()),
				Password: "pw",
				Tenant:   "acme",
			},
		}
		require.NoError(t, s.CreateEntity(ctx, e))
		require.NotZero(t, e.ID)

		got, err := s.GetEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.Credentials.Tenant)

		require.NoError(t, s.DeleteEntity(ctx, e.ID))
		_, err = s.GetEntity(ctx, e.ID)
		assert.ErrorIs(t, err, model.ErrEntityNotFound)
		assert.ErrorIs(t, s.DeleteEntity(ctx, e.ID), model.ErrEntityNotFound)
	})

	t.Run("concurrent claimers never share an entity", func(t *testing.T) {
		s := open(t)
		seedEntities(t, s, "client", 8)

		var mu sync.Mutex
		seen := make(map[int64]string)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			execID := fmt.Sprintf("worker-%d", w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				txn, err := s.Begin(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				ids, err := txn.ClaimCandidates(ctx, "client", 1)
				if err != nil {
					_ = txn.Rollback()
					return // backend reported contention; fine
				}
				if err := txn.MarkLeased(ctx, ids, execID, time.Now().UTC()); err != nil {
					_ = txn.Rollback()
					return
				}
				if err := txn.Commit(); err != nil {
					return // serializable conflict; claim simply failed
				}
				mu.Lock()
				defer mu.Unlock()
				for _, id := range ids {
					if prev, dup := seen[id]; dup {
						t.Errorf("entity %d leased by both %s and %s", id, prev, execID)
					}
					seen[id] = execID
				}
			}()
		}
		wg.Wait()
	})
}

func availability(t *testing.T, s Store) map[string]int {
	t.Helper()
	ctx := context.Background()
	txn, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = txn.Rollback() }()
	avail, err := txn.AvailabilityByRole(ctx)
	require.NoError(t, err)
	return avail
}
