// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
// A capacity-1 semaphore plays the role of the database write lock: one
// transaction at a time, so the claim contract holds trivially.
type MemoryStore struct {
	sem chan struct{}

	mu         sync.Mutex // guards the maps for the non-transactional CRUD
	entities   map[int64]*model.Entity
	executions map[string]*model.Execution
	nextID     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sem:        make(chan struct{}, 1),
		entities:   make(map[int64]*model.Entity),
		executions: make(map[string]*model.Execution),
	}
}

func (s *MemoryStore) Close() error               { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Begin(ctx context.Context) (Txn, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	backup := &memorySnapshot{
		entities:   cloneEntities(s.entities),
		executions: cloneExecutions(s.executions),
		nextID:     s.nextID,
	}
	s.mu.Unlock()

	return &memoryTxn{store: s, backup: backup}, nil
}

type memorySnapshot struct {
	entities   map[int64]*model.Entity
	executions map[string]*model.Execution
	nextID     int64
}

type memoryTxn struct {
	store  *MemoryStore
	backup *memorySnapshot
	done   bool
}

func (t *memoryTxn) Commit() error {
	if t.done {
		return fmt.Errorf("memory txn: already finished")
	}
	t.done = true
	<-t.store.sem
	return nil
}

func (t *memoryTxn) Rollback() error {
	if t.done {
		return nil // rollback after commit is a no-op, mirroring database/sql
	}
	t.done = true
	t.store.mu.Lock()
	t.store.entities = t.backup.entities
	t.store.executions = t.backup.executions
	t.store.nextID = t.backup.nextID
	t.store.mu.Unlock()
	<-t.store.sem
	return nil
}

func (t *memoryTxn) ClaimCandidates(_ context.Context, role string, count int) ([]int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	var candidates []*model.Entity
	for _, e := range t.store.entities {
		if e.Role == role && e.Available() {
			candidates = append(candidates, e)
		}
	}
	// Never-leased first, then least recently used, id as tiebreak.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.LeasedAt.IsZero() != b.LeasedAt.IsZero() {
			return a.LeasedAt.IsZero()
		}
		if !a.LeasedAt.Equal(b.LeasedAt) {
			return a.LeasedAt.Before(b.LeasedAt)
		}
		return a.ID < b.ID
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	ids := make([]int64, len(candidates))
	for i, e := range candidates {
		ids[i] = e.ID
	}
	return ids, nil
}

func (t *memoryTxn) MarkLeased(_ context.Context, ids []int64, executionID string, now time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, id := range ids {
		e, ok := t.store.entities[id]
		if !ok || e.IsLeased {
			return fmt.Errorf("mark leased: entity %d no longer claimable", id)
		}
		e.Lease(executionID, now)
	}
	return nil
}

func (t *memoryTxn) GetEntities(_ context.Context, ids []int64) ([]*model.Entity, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make([]*model.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.store.entities[id]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memoryTxn) EntitiesByExecution(_ context.Context, executionID string) ([]*model.Entity, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []*model.Entity
	for _, e := range t.store.entities {
		if e.LeasedBy == executionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTxn) ReleaseByExecution(_ context.Context, executionID string) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	released := 0
	now := time.Now().UTC()
	for _, e := range t.store.entities {
		if e.LeasedBy == executionID {
			e.Unlease(now)
			released++
		}
	}
	return released, nil
}

func (t *memoryTxn) CreateExecution(_ context.Context, exec *model.Execution) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, exists := t.store.executions[exec.ID]; exists {
		return fmt.Errorf("%w: %s", model.ErrDuplicateExecution, exec.ID)
	}
	cp := *exec
	t.store.executions[exec.ID] = &cp
	return nil
}

func (t *memoryTxn) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	e, ok := t.store.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrExecutionNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (t *memoryTxn) UpdateExecutionStatus(_ context.Context, id string, status model.ExecutionStatus, ts time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	e, ok := t.store.executions[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrExecutionNotFound, id)
	}
	switch status {
	case model.ExecutionRunning:
		e.AcquiredAt = ts
	case model.ExecutionCompleted, model.ExecutionFailed:
		e.CompletedAt = ts
	}
	e.Status = status
	return nil
}

func (t *memoryTxn) AvailabilityByRole(_ context.Context) (map[string]int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make(map[string]int)
	for _, e := range t.store.entities {
		if e.Available() {
			out[e.Role]++
		}
	}
	return out, nil
}

// --- Directory CRUD ---
// Each CRUD call takes the transaction semaphore so it cannot interleave
// with (or be undone by the rollback of) an in-flight transaction.

func (s *MemoryStore) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.sem }()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	cp := *e
	s.entities[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, id int64) (*model.Entity, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-s.sem }()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-s.sem }()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteEntity(ctx context.Context, id int64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.sem }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
	}
	delete(s.entities, id)
	return nil
}

func (s *MemoryStore) SetEntityHealth(ctx context.Context, id int64, healthy bool) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.sem }()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
	}
	e.IsHealthy = healthy
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneEntities(in map[int64]*model.Entity) map[int64]*model.Entity {
	out := make(map[int64]*model.Entity, len(in))
	for k, v := range in {
		cp := *v
		out[k] = &cp
	}
	return out
}

func cloneExecutions(in map[string]*model.Execution) map[string]*model.Execution {
	out := make(map[string]*model.Execution, len(in))
	for k, v := range in {
		cp := *v
		out[k] = &cp
	}
	return out
}
