// SPDX-License-Identifier: MIT

// Package selector picks pool entities for acquisition requests.
//
// All claim operations run inside a store transaction supplied by the
// caller, so a multi-role request either leases everything or, on the
// first shortage, rolls back without holding anything.
package selector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
	"github.com/certa-qa/userpool/internal/domain/pool/store"
	"github.com/certa-qa/userpool/internal/log"
	"github.com/certa-qa/userpool/internal/metrics"
)

// Shortage reports a role the pool could not satisfy during an attempt.
type Shortage struct {
	Role     string
	Required int
	Observed int
}

// Selector claims and releases pool entities on behalf of executions.
type Selector struct {
	store store.Store
	log   zerolog.Logger
}

// New creates a Selector over the given store.
func New(s store.Store) *Selector {
	return &Selector{
		store: s,
		log:   log.WithComponent("selector"),
	}
}

// ClaimRole leases up to count entities of the given role for executionID
// inside txn. When fewer than count are claimable it returns a non-nil
// Shortage and leases nothing; the caller is expected to roll the
// transaction back.
func (s *Selector) ClaimRole(ctx context.Context, txn store.Txn, role string, count int, executionID string, now time.Time) ([]*model.Entity, *Shortage, error) {
	ids, err := txn.ClaimCandidates(ctx, role, count)
	if err != nil {
		metrics.RecordStoreError("claim")
		return nil, nil, fmt.Errorf("claim candidates for role %q: %w", role, err)
	}

	if len(ids) < count {
		metrics.RecordShortage(role)
		s.log.Debug().
			Str(log.FieldExecutionID, executionID).
			Str(log.FieldRole, role).
			Int("required", count).
			Int("observed", len(ids)).
			Msg("role shortage")
		return nil, &Shortage{Role: role, Required: count, Observed: len(ids)}, nil
	}

	if err := txn.MarkLeased(ctx, ids, executionID, now); err != nil {
		metrics.RecordStoreError("claim")
		return nil, nil, fmt.Errorf("mark leased for role %q: %w", role, err)
	}

	entities, err := txn.GetEntities(ctx, ids)
	if err != nil {
		metrics.RecordStoreError("claim")
		return nil, nil, fmt.Errorf("load leased entities for role %q: %w", role, err)
	}
	if len(entities) != count {
		return nil, nil, fmt.Errorf("leased %d ids for role %q but loaded %d entities", count, role, len(entities))
	}
	return entities, nil, nil
}

// Release clears every lease held by executionID inside txn and returns
// the number of entities freed. Releasing an execution that holds nothing
// is not an error.
func (s *Selector) Release(ctx context.Context, txn store.Txn, executionID string) (int, error) {
	released, err := txn.ReleaseByExecution(ctx, executionID)
	if err != nil {
		metrics.RecordStoreError("release")
		return 0, fmt.Errorf("release leases of %s: %w", executionID, err)
	}
	return released, nil
}

// Availability counts claimable entities grouped by role.
func (s *Selector) Availability(ctx context.Context) (map[string]int, error) {
	txn, err := s.store.Begin(ctx)
	if err != nil {
		metrics.RecordStoreError("availability")
		return nil, fmt.Errorf("begin availability txn: %w", err)
	}
	defer func() { _ = txn.Rollback() }()

	avail, err := txn.AvailabilityByRole(ctx)
	if err != nil {
		metrics.RecordStoreError("availability")
		return nil, fmt.Errorf("availability by role: %w", err)
	}
	return avail, nil
}
