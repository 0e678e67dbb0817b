// SPDX-License-Identifier: MIT

// Package coordinator turns multi-role acquisition requests into committed
// leases against the entity directory, or gives up cleanly after a bounded
// number of attempts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
	"github.com/certa-qa/userpool/internal/domain/pool/selector"
	"github.com/certa-qa/userpool/internal/domain/pool/store"
	"github.com/certa-qa/userpool/internal/log"
	"github.com/certa-qa/userpool/internal/metrics"
)

// Options bound the retry behaviour of a Coordinator.
type Options struct {
	// DefaultMaxRetries applies when the caller passes maxRetries <= 0.
	DefaultMaxRetries int
	// MaxRetriesCeiling caps caller-supplied retry counts.
	MaxRetriesCeiling int
	// MaxRetryWait caps the exponential term of the backoff schedule.
	MaxRetryWait time.Duration
	// MinBackoff and MaxBackoff clamp the jittered sleep.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultOptions returns the documented retry defaults.
func DefaultOptions() Options {
	return Options{
		DefaultMaxRetries: 10,
		MaxRetriesCeiling: 50,
		MaxRetryWait:      10 * time.Second,
		MinBackoff:        500 * time.Millisecond,
		MaxBackoff:        15 * time.Second,
	}
}

// Result is a granted acquisition.
type Result struct {
	ExecutionID string          `json:"execution_id"`
	AcquiredAt  time.Time       `json:"acquired_at"`
	Entities    []*model.Entity `json:"entities"`
}

// Coordinator serializes nothing in memory; all coordination flows through
// the store, so any number of Coordinators (and processes) can share a pool.
type Coordinator struct {
	store   store.Store
	sel     *selector.Selector
	opts    Options
	backoff backoffPolicy
	sleep   func(time.Duration)
	now     func() time.Time
	log     zerolog.Logger
	tracer  trace.Tracer
}

// New creates a Coordinator over the given store.
func New(s store.Store, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if opts.MaxRetriesCeiling <= 0 {
		opts.MaxRetriesCeiling = def.MaxRetriesCeiling
	}
	if opts.MaxRetryWait <= 0 {
		opts.MaxRetryWait = def.MaxRetryWait
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = def.MinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}

	return &Coordinator{
		store:   s,
		sel:     selector.New(s),
		opts:    opts,
		backoff: newBackoffPolicy(opts.MaxRetryWait, opts.MinBackoff, opts.MaxBackoff),
		sleep:   time.Sleep,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.WithComponent("coordinator"),
		tracer:  otel.Tracer("userpool/coordinator"),
	}
}

// Acquire leases the requested role counts for executionID, all or nothing.
// It retries short attempts with jittered exponential backoff and fails with
// a model.AcquisitionTimedOutError once maxRetries attempts were short.
// Passing maxRetries <= 0 selects the configured default; values above the
// ceiling are clamped.
func (c *Coordinator) Acquire(ctx context.Context, executionID string, requirements map[string]int, maxRetries int) (*Result, error) {
	// A granted lease must not evaporate because the requester hung up
	// mid-acquisition; the caller compensates with an explicit release.
	ctx = context.WithoutCancel(ctx)

	ctx, span := c.tracer.Start(ctx, "pool.acquire", trace.WithAttributes(
		attribute.String("execution.id", executionID),
	))
	defer span.End()

	if executionID == "" {
		metrics.RecordAcquisition("invalid")
		return nil, fmt.Errorf("%w: empty execution id", model.ErrInvalidRequirements)
	}
	if err := model.ValidateRequirements(requirements); err != nil {
		metrics.RecordAcquisition("invalid")
		return nil, err
	}

	maxRetries = c.clampRetries(maxRetries)
	span.SetAttributes(attribute.Int("acquire.max_retries", maxRetries))

	if err := c.createExecution(ctx, executionID, requirements); err != nil {
		if errors.Is(err, model.ErrDuplicateExecution) {
			metrics.RecordAcquisition("duplicate")
		} else {
			metrics.RecordAcquisition("error")
		}
		return nil, err
	}

	// Deterministic role order keeps the reported shortage stable.
	roles := make([]string, 0, len(requirements))
	for role := range requirements {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	logger := c.log.With().Str(log.FieldExecutionID, executionID).Logger()

	var lastShortage *selector.Shortage
	for attempt := 0; attempt < maxRetries; attempt++ {
		entities, shortage, err := c.attempt(ctx, executionID, roles, requirements)
		switch {
		case err != nil:
			// Transient store trouble counts like a shortage: the
			// attempt failed, backoff applies.
			logger.Warn().Err(err).Int(log.FieldAttempt, attempt).Msg("acquisition attempt failed")
		case shortage != nil:
			lastShortage = shortage
			logger.Debug().
				Int(log.FieldAttempt, attempt).
				Str(log.FieldRole, shortage.Role).
				Int("required", shortage.Required).
				Int("observed", shortage.Observed).
				Msg("acquisition attempt short")
		default:
			acquiredAt := c.markRunning(ctx, executionID, logger)
			for _, e := range entities {
				metrics.AddLeased(e.Role, 1)
			}
			metrics.RecordAcquisition("granted")
			metrics.RecordAcquisitionAttempts(attempt + 1)
			span.SetAttributes(attribute.Int("acquire.attempts", attempt+1))
			logger.Info().
				Int(log.FieldAttempt, attempt).
				Int("entities", len(entities)).
				Msg("acquisition granted")
			return &Result{
				ExecutionID: executionID,
				AcquiredAt:  acquiredAt,
				Entities:    entities,
			}, nil
		}

		if attempt < maxRetries-1 {
			wait := c.backoff.duration(attempt)
			metrics.RecordBackoff(wait.Seconds())
			c.sleep(wait)
		}
	}

	c.markFailed(ctx, executionID, logger)
	metrics.RecordAcquisition("timeout")

	timedOut := &model.AcquisitionTimedOutError{
		ExecutionID: executionID,
		Attempts:    maxRetries,
	}
	if lastShortage != nil {
		timedOut.Role = lastShortage.Role
		timedOut.Required = lastShortage.Required
		timedOut.Available = lastShortage.Observed
	}
	logger.Warn().
		Int(log.FieldAttempt, maxRetries).
		Str(log.FieldRole, timedOut.Role).
		Msg("acquisition timed out")
	return nil, timedOut
}

// attempt runs one all-or-nothing claim pass in a single transaction.
// A nil error with a non-nil shortage means the transaction was rolled
// back because some role came up short.
func (c *Coordinator) attempt(ctx context.Context, executionID string, roles []string, requirements map[string]int) ([]*model.Entity, *selector.Shortage, error) {
	txn, err := c.store.Begin(ctx)
	if err != nil {
		metrics.RecordStoreError("claim")
		return nil, nil, fmt.Errorf("%w: begin claim txn: %w", model.ErrStoreUnavailable, err)
	}

	now := c.now()
	var acquired []*model.Entity
	for _, role := range roles {
		entities, shortage, err := c.sel.ClaimRole(ctx, txn, role, requirements[role], executionID, now)
		if err != nil {
			_ = txn.Rollback()
			return nil, nil, err
		}
		if shortage != nil {
			// Roll back to free the roles already claimed in this
			// attempt; holding them across the backoff sleep would
			// deadlock callers that cross-need each other's roles.
			_ = txn.Rollback()
			return nil, shortage, nil
		}
		acquired = append(acquired, entities...)
	}

	if err := txn.Commit(); err != nil {
		metrics.RecordStoreError("claim")
		return nil, nil, fmt.Errorf("commit claim txn: %w", err)
	}
	return acquired, nil, nil
}

// markRunning transitions the execution to running in its own transaction.
// The lease is already committed, so a failure here is logged and the grant
// stands; the row stays acquiring until a release sweeps it up.
func (c *Coordinator) markRunning(ctx context.Context, executionID string, logger zerolog.Logger) time.Time {
	acquiredAt := c.now()
	err := c.updateStatus(ctx, executionID, model.ExecutionRunning, acquiredAt)
	if err != nil {
		metrics.RecordStoreError("execution")
		logger.Error().Err(err).
			Str(log.FieldOldState, string(model.ExecutionAcquiring)).
			Str(log.FieldNewState, string(model.ExecutionRunning)).
			Msg("state transition failed after grant; lease kept")
	}
	return acquiredAt
}

func (c *Coordinator) markFailed(ctx context.Context, executionID string, logger zerolog.Logger) {
	if err := c.updateStatus(ctx, executionID, model.ExecutionFailed, c.now()); err != nil {
		metrics.RecordStoreError("execution")
		logger.Error().Err(err).
			Str(log.FieldNewState, string(model.ExecutionFailed)).
			Msg("failed to mark execution failed")
	}
}

func (c *Coordinator) createExecution(ctx context.Context, executionID string, requirements map[string]int) error {
	txn, err := c.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin execution txn: %w", model.ErrStoreUnavailable, err)
	}

	exec := &model.Execution{
		ID:             executionID,
		RequestedRoles: requirements,
		Status:         model.ExecutionAcquiring,
		CreatedAt:      c.now(),
	}
	if err := txn.CreateExecution(ctx, exec); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit execution txn: %w", err)
	}
	return nil
}

func (c *Coordinator) updateStatus(ctx context.Context, executionID string, status model.ExecutionStatus, ts time.Time) error {
	txn, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := txn.UpdateExecutionStatus(ctx, executionID, status, ts); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// Release frees every entity held by executionID and moves the execution to
// completed unless it already reached a terminal state. Unknown execution
// ids release nothing and return 0; release is idempotent.
func (c *Coordinator) Release(ctx context.Context, executionID string) (int, error) {
	ctx, span := c.tracer.Start(ctx, "pool.release", trace.WithAttributes(
		attribute.String("execution.id", executionID),
	))
	defer span.End()

	txn, err := c.store.Begin(ctx)
	if err != nil {
		metrics.RecordStoreError("release")
		return 0, fmt.Errorf("%w: begin release txn: %w", model.ErrStoreUnavailable, err)
	}

	held, err := txn.EntitiesByExecution(ctx, executionID)
	if err != nil {
		_ = txn.Rollback()
		metrics.RecordStoreError("release")
		return 0, fmt.Errorf("load held entities of %s: %w", executionID, err)
	}

	released, err := c.sel.Release(ctx, txn, executionID)
	if err != nil {
		_ = txn.Rollback()
		return 0, err
	}

	exec, err := txn.GetExecution(ctx, executionID)
	switch {
	case errors.Is(err, model.ErrExecutionNotFound):
		// Nothing to transition; rows (if any) are still cleaned up.
	case err != nil:
		_ = txn.Rollback()
		metrics.RecordStoreError("release")
		return 0, fmt.Errorf("load execution %s: %w", executionID, err)
	case exec.Status.CanTransition(model.ExecutionCompleted):
		if err := txn.UpdateExecutionStatus(ctx, executionID, model.ExecutionCompleted, c.now()); err != nil {
			_ = txn.Rollback()
			metrics.RecordStoreError("release")
			return 0, fmt.Errorf("complete execution %s: %w", executionID, err)
		}
	}

	if err := txn.Commit(); err != nil {
		metrics.RecordStoreError("release")
		return 0, fmt.Errorf("commit release txn: %w", err)
	}

	for _, e := range held {
		metrics.AddLeased(e.Role, -1)
	}
	metrics.RecordRelease(released)
	span.SetAttributes(attribute.Int("release.count", released))
	c.log.Info().
		Str(log.FieldExecutionID, executionID).
		Int("released", released).
		Msg("leases released")
	return released, nil
}

// Availability reports claimable entities per role. Advisory only; the
// snapshot can be stale by the time the caller acts on it.
func (c *Coordinator) Availability(ctx context.Context) (map[string]int, error) {
	avail, err := c.sel.Availability(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return avail, nil
}

// Execution returns the stored record for executionID together with the
// entities it currently holds.
func (c *Coordinator) Execution(ctx context.Context, executionID string) (*model.Execution, []*model.Entity, error) {
	txn, err := c.store.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: begin txn: %w", model.ErrStoreUnavailable, err)
	}
	defer func() { _ = txn.Rollback() }()

	exec, err := txn.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	held, err := txn.EntitiesByExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return exec, held, nil
}

func (c *Coordinator) clampRetries(maxRetries int) int {
	if maxRetries <= 0 {
		return c.opts.DefaultMaxRetries
	}
	if maxRetries > c.opts.MaxRetriesCeiling {
		return c.opts.MaxRetriesCeiling
	}
	return maxRetries
}
