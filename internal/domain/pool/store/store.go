// SPDX-License-Identifier: MIT

// Package store provides transactional access to the entity directory and
// the execution records. The claim path is the atomic grant primitive: ids
// selected by ClaimCandidates and marked by MarkLeased inside one committed
// Txn become visible to the rest of the system as leased; until commit they
// are reserved and invisible to concurrent claimers.
package store

import (
	"context"
	"time"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
)

// Txn is a single directory transaction. Implementations guarantee that
// conflicting writers are serialized at the row level: two transactions can
// never both claim the same entity, and a claimer never blocks indefinitely
// on rows held by a peer; it observes them as unavailable instead.
type Txn interface {
	// ClaimCandidates selects up to count available entity ids for role,
	// ordered by leased_at with never-leased entities first, and reserves
	// them for this transaction. It may return fewer than count ids.
	ClaimCandidates(ctx context.Context, role string, count int) ([]int64, error)

	// MarkLeased attributes the given ids to executionID at now. Must be
	// called in the same transaction as the ClaimCandidates that returned
	// the ids.
	MarkLeased(ctx context.Context, ids []int64, executionID string, now time.Time) error

	// GetEntities hydrates the given ids, preserving their order.
	GetEntities(ctx context.Context, ids []int64) ([]*model.Entity, error)

	// EntitiesByExecution returns every entity currently attributed to
	// executionID, ordered by id.
	EntitiesByExecution(ctx context.Context, executionID string) ([]*model.Entity, error)

	// ReleaseByExecution clears the lease fields of every entity attributed
	// to executionID and returns how many rows changed.
	ReleaseByExecution(ctx context.Context, executionID string) (int, error)

	// CreateExecution inserts a new execution record. Returns
	// model.ErrDuplicateExecution on an id collision.
	CreateExecution(ctx context.Context, exec *model.Execution) error

	// GetExecution returns model.ErrExecutionNotFound for unknown ids.
	GetExecution(ctx context.Context, id string) (*model.Execution, error)

	// UpdateExecutionStatus sets the status and stamps the timestamp that
	// belongs to it (acquired_at for running, completed_at for terminal states).
	UpdateExecutionStatus(ctx context.Context, id string, status model.ExecutionStatus, ts time.Time) error

	// AvailabilityByRole counts unleased healthy entities per role.
	AvailabilityByRole(ctx context.Context) (map[string]int, error)

	Commit() error
	Rollback() error
}

// Store is the durable directory shared by all coordinator instances.
type Store interface {
	Begin(ctx context.Context) (Txn, error)

	// Directory CRUD, each in its own implicit transaction.
	CreateEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, id int64) (*model.Entity, error)
	ListEntities(ctx context.Context) ([]*model.Entity, error)
	DeleteEntity(ctx context.Context, id int64) error
	SetEntityHealth(ctx context.Context, id int64, healthy bool) error

	Ping(ctx context.Context) error
	Close() error
}
