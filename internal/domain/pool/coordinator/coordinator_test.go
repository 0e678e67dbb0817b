// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
	"github.com/certa-qa/userpool/internal/domain/pool/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	c := New(s, Options{})
	c.sleep = func(time.Duration) {} // attempts run back to back in tests
	return c, s
}

func seed(t *testing.T, s store.Store, role string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.CreateEntity(context.Background(), &model.Entity{
			Role:      role,
			IsHealthy: true,
			Credentials: model.Credentials{
				Email:    fmt.Sprintf("%s-%d@example.test", role, i),
				Password: "pw",
			},
		}))
	}
}

func TestAcquireGrantsExactCounts(t *testing.T) {
	c, s := newTestCoordinator(t)
	seed(t, s, "client", 3)
	seed(t, s, "vendor", 2)
	ctx := context.Background()

	res, err := c.Acquire(ctx, "e1", map[string]int{"client": 2, "vendor": 1}, 0)
	require.NoError(t, err)

	assert.Equal(t, "e1", res.ExecutionID)
	assert.False(t, res.AcquiredAt.IsZero())

	byRole := make(map[string]int)
	for _, e := range res.Entities {
		byRole[e.Role]++
		assert.True(t, e.IsLeased)
		assert.Equal(t, "e1", e.LeasedBy)
	}
	assert.Equal(t, map[string]int{"client": 2, "vendor": 1}, byRole)

	exec, held, err := c.Execution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRunning, exec.Status)
	assert.Len(t, held, 3)

	avail, err := c.Availability(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"client": 1, "vendor": 1}, avail)
}

func TestAcquireDuplicateExecutionID(t *testing.T) {
	c, s := newTestCoordinator(t)
	seed(t, s, "client", 2)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "e1", map[string]int{"client": 1}, 0)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "e1", map[string]int{"client": 1}, 0)
	assert.ErrorIs(t, err, model.ErrDuplicateExecution)

	// The collision must not have touched the survivor's leases.
	avail, err := c.Availability(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, avail["client"])
}

func TestAcquireInvalidRequirements(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "e1", nil, 0)
	assert.ErrorIs(t, err, model.ErrInvalidRequirements)

	_, err = c.Acquire(ctx, "e2", map[string]int{"client": 0}, 0)
	assert.ErrorIs(t, err, model.ErrInvalidRequirements)

	_, err = c.Acquire(ctx, "", map[string]int{"client": 1}, 0)
	assert.ErrorIs(t, err, model.ErrInvalidRequirements)
}

func TestAcquireTimesOutOnShortage(t *testing.T) {
	c, s := newTestCoordinator(t)
	seed(t, s, "client", 1)
	ctx := context.Background()

	var sleeps int
	c.sleep = func(time.Duration) { sleeps++ }

	_, err := c.Acquire(ctx, "e1", map[string]int{"client": 2}, 3)
	require.Error(t, err)

	var timedOut *model.AcquisitionTimedOutError
	require.ErrorAs(t, err, &timedOut)
	assert.Equal(t, "e1", timedOut.ExecutionID)
	assert.Equal(t, 3, timedOut.Attempts)
	assert.Equal(t, "client", timedOut.Role)
	assert.Equal(t, 2, timedOut.Required)
	assert.Equal(t, 1, timedOut.Available)
	assert.True(t, model.IsTimeout(err))

	// No sleep after the final attempt.
	assert.Equal(t, 2, sleeps)

	// Nothing stays leased and the execution ends up failed.
	avail, aerr := c.Availability(ctx)
	require.NoError(t, aerr)
	assert.Equal(t, 1, avail["client"])

	exec, _, eerr := c.Execution(ctx, "e1")
	require.NoError(t, eerr)
	assert.Equal(t, model.ExecutionFailed, exec.Status)
	assert.False(t, exec.CompletedAt.IsZero())
}

func TestAcquireMultiRoleShortageHoldsNothing(t *testing.T) {
	c, s := newTestCoordinator(t)
	seed(t, s, "client", 2)
	// No vendor entities at all.
	ctx := context.Background()

	_, err := c.Acquire(ctx, "e1", map[string]int{"client": 2, "vendor": 1}, 2)
	var timedOut *model.AcquisitionTimedOutError
	require.ErrorAs(t, err, &timedOut)
	assert.Equal(t, "vendor", timedOut.Role)

	// The clients claimed inside the failed attempts were rolled back.
	avail, aerr := c.Availability(ctx)
	require.NoError(t, aerr)
	assert.Equal(t, 2, avail["client"])
}

func TestAcquireRetriesUntilPeerReleases(t *testing.T) {
	c, s := newTestCoordinator(t)
	seed(t, s, "client", 1)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "holder", map[string]int{"client": 1}, 0)
	require.NoError(t, err)

	released := false
	c.sleep = func(time.Duration) {
		if !released {
			released = true
			n, rerr := c.Release(ctx, "holder")
			require.NoError(t, rerr)
			require.Equal(t, 1, n)
		}
	}

	res, err := c.Acquire(ctx, "waiter", map[string]int{"client": 1}, 5)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "waiter", res.Entities[0].LeasedBy)
}

func TestAcquireClampsRetriesToCeiling(t *testing.T) {
	s := store.NewMemoryStore()
	c := New(s, Options{MaxRetriesCeiling: 5})
	var sleeps int
	c.sleep = func(time.Duration) { sleeps++ }
	seed(t, s, "client", 0)

	_, err := c.Acquire(context.Background(), "e1", map[string]int{"client": 1}, 100)
	var timedOut *model.AcquisitionTimedOutError
	require.ErrorAs(t, err, &timedOut)
	assert.Equal(t, 5, timedOut.Attempts)
	assert.Equal(t, 4, sleeps)
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, s := newTestCoordinator(t)
	seed(t, s, "client", 2)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "e1", map[string]int{"client": 2}, 0)
	require.NoError(t, err)

	n, err := c.Release(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exec, _, err := c.Execution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.False(t, exec.CompletedAt.IsZero())

	n, err = c.Release(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Terminal state is sticky across repeated releases.
	exec, _, err = c.Execution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
}

func TestReleaseUnknownExecutionReturnsZero(t *testing.T) {
	c, _ := newTestCoordinator(t)
	n, err := c.Release(context.Background(), "never-acquired")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReleaseFailedExecutionStaysFailed(t *testing.T) {
	c, s := newTestCoordinator(t)
	seed(t, s, "client", 1)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "e1", map[string]int{"client": 2}, 1)
	require.Error(t, err)

	n, err := c.Release(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	exec, _, err := c.Execution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, exec.Status)
}

func TestConcurrentAcquisitionsNeverOverlap(t *testing.T) {
	c, s := newTestCoordinator(t)
	seed(t, s, "client", 4)
	ctx := context.Background()

	var mu sync.Mutex
	owner := make(map[int64]string)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		execID := fmt.Sprintf("e%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Acquire(ctx, execID, map[string]int{"client": 1}, 10)
			if err != nil {
				t.Errorf("%s: %v", execID, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range res.Entities {
				if prev, dup := owner[e.ID]; dup {
					t.Errorf("entity %d leased by both %s and %s", e.ID, prev, execID)
				}
				owner[e.ID] = execID
			}
		}()
	}
	wg.Wait()

	avail, err := c.Availability(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, avail["client"])
}

// hookStore lets tests inject failures into execution-status writes.
type hookStore struct {
	store.Store
	updateErr func(status model.ExecutionStatus) error
}

func (h *hookStore) Begin(ctx context.Context) (store.Txn, error) {
	txn, err := h.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &hookTxn{Txn: txn, parent: h}, nil
}

type hookTxn struct {
	store.Txn
	parent *hookStore
}

func (t *hookTxn) UpdateExecutionStatus(ctx context.Context, id string, status model.ExecutionStatus, ts time.Time) error {
	if err := t.parent.updateErr(status); err != nil {
		return err
	}
	return t.Txn.UpdateExecutionStatus(ctx, id, status, ts)
}

func TestAcquireKeepsLeaseWhenRunningTransitionFails(t *testing.T) {
	mem := store.NewMemoryStore()
	hooked := &hookStore{
		Store: mem,
		updateErr: func(status model.ExecutionStatus) error {
			if status == model.ExecutionRunning {
				return fmt.Errorf("status write lost")
			}
			return nil
		},
	}
	c := New(hooked, Options{})
	c.sleep = func(time.Duration) {}
	seed(t, mem, "client", 1)
	ctx := context.Background()

	// The grant already committed, so the caller keeps the entities even
	// though the running transition was lost.
	res, err := c.Acquire(ctx, "e1", map[string]int{"client": 1}, 0)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	exec, held, err := c.Execution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionAcquiring, exec.Status)
	assert.Len(t, held, 1)

	// Release still sweeps the stuck execution to completed.
	n, err := c.Release(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec, _, err = c.Execution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
}
