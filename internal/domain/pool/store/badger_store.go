// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
)

// BadgerStore is an embedded Store backend.
// Layout:
//   - entities:    key = "entity:" + big-endian id (JSON model.Entity)
//   - executions:  key = "exec:" + id (JSON model.Execution)
//   - id counter:  key = "meta:next_entity_id" (uint64)
//
// Badger transactions are serializable with conflict detection on commit, so
// two concurrent claims of the same entity cannot both commit; the loser
// fails with badger.ErrConflict, which the coordinator treats like any other
// failed attempt. Same contract as SKIP LOCKED, different mechanics.
type BadgerStore struct {
	db *badger.DB
}

const (
	entityPrefix  = "entity:"
	execPrefix    = "exec:"
	nextEntityKey = "meta:next_entity_id"
)

// OpenBadgerStore opens (or creates) the badger database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open failed: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger: database closed")
	}
	return ctx.Err()
}

func (s *BadgerStore) Begin(_ context.Context) (Txn, error) {
	return &badgerTxn{txn: s.db.NewTransaction(true)}, nil
}

type badgerTxn struct {
	txn  *badger.Txn
	done bool
}

func (t *badgerTxn) Commit() error {
	t.done = true
	return t.txn.Commit()
}

func (t *badgerTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Discard()
	return nil
}

func entityKey(id int64) []byte {
	key := make([]byte, len(entityPrefix)+8)
	copy(key, entityPrefix)
	binary.BigEndian.PutUint64(key[len(entityPrefix):], uint64(id))
	return key
}

func (t *badgerTxn) getEntity(id int64) (*model.Entity, error) {
	item, err := t.txn.Get(entityKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
		}
		return nil, err
	}
	var e model.Entity
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *badgerTxn) putEntity(e *model.Entity) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.txn.Set(entityKey(e.ID), buf)
}

func (t *badgerTxn) scanEntities(fn func(*model.Entity) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(entityPrefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var e model.Entity
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) ClaimCandidates(_ context.Context, role string, count int) ([]int64, error) {
	var candidates []*model.Entity
	err := t.scanEntities(func(e *model.Entity) error {
		if e.Role == role && e.Available() {
			cp := *e
			candidates = append(candidates, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

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

func (t *badgerTxn) MarkLeased(_ context.Context, ids []int64, executionID string, now time.Time) error {
	for _, id := range ids {
		e, err := t.getEntity(id)
		if err != nil {
			return err
		}
		if e.IsLeased {
			return fmt.Errorf("mark leased: entity %d no longer claimable", id)
		}
		e.Lease(executionID, now)
		if err := t.putEntity(e); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) GetEntities(_ context.Context, ids []int64) ([]*model.Entity, error) {
	out := make([]*model.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := t.getEntity(id)
		if err != nil {
			if errors.Is(err, model.ErrEntityNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *badgerTxn) EntitiesByExecution(_ context.Context, executionID string) ([]*model.Entity, error) {
	var out []*model.Entity
	err := t.scanEntities(func(e *model.Entity) error {
		if e.LeasedBy == executionID {
			cp := *e
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *badgerTxn) ReleaseByExecution(_ context.Context, executionID string) (int, error) {
	var leased []*model.Entity
	err := t.scanEntities(func(e *model.Entity) error {
		if e.LeasedBy == executionID {
			cp := *e
			leased = append(leased, &cp)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, e := range leased {
		e.Unlease(now)
		if err := t.putEntity(e); err != nil {
			return 0, err
		}
	}
	return len(leased), nil
}

func (t *badgerTxn) CreateExecution(_ context.Context, exec *model.Execution) error {
	key := []byte(execPrefix + exec.ID)
	if _, err := t.txn.Get(key); err == nil {
		return fmt.Errorf("%w: %s", model.ErrDuplicateExecution, exec.ID)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	buf, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return t.txn.Set(key, buf)
}

func (t *badgerTxn) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	item, err := t.txn.Get([]byte(execPrefix + id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrExecutionNotFound, id)
		}
		return nil, err
	}
	var exec model.Execution
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &exec)
	}); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (t *badgerTxn) UpdateExecutionStatus(ctx context.Context, id string, status model.ExecutionStatus, ts time.Time) error {
	exec, err := t.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	switch status {
	case model.ExecutionRunning:
		exec.AcquiredAt = ts
	case model.ExecutionCompleted, model.ExecutionFailed:
		exec.CompletedAt = ts
	}
	exec.Status = status
	buf, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return t.txn.Set([]byte(execPrefix+id), buf)
}

func (t *badgerTxn) AvailabilityByRole(_ context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := t.scanEntities(func(e *model.Entity) error {
		if e.Available() {
			out[e.Role]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Directory CRUD ---

func (s *BadgerStore) CreateEntity(_ context.Context, e *model.Entity) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	return s.db.Update(func(txn *badger.Txn) error {
		next := uint64(1)
		item, err := txn.Get([]byte(nextEntityKey))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				next = binary.BigEndian.Uint64(val) + 1
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		counter := make([]byte, 8)
		binary.BigEndian.PutUint64(counter, next)
		if err := txn.Set([]byte(nextEntityKey), counter); err != nil {
			return err
		}

		e.ID = int64(next)
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(entityKey(e.ID), buf)
	})
}

func (s *BadgerStore) GetEntity(_ context.Context, id int64) (*model.Entity, error) {
	var e model.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
		}
		return nil, err
	}
	return &e, nil
}

func (s *BadgerStore) ListEntities(_ context.Context) ([]*model.Entity, error) {
	var out []*model.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entityPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e model.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BadgerStore) DeleteEntity(_ context.Context, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entityKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
			}
			return err
		}
		return txn.Delete(entityKey(id))
	})
}

func (s *BadgerStore) SetEntityHealth(_ context.Context, id int64, healthy bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
			}
			return err
		}
		var e model.Entity
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		e.IsHealthy = healthy
		e.UpdatedAt = time.Now().UTC()
		buf, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(entityKey(id), buf)
	})
}
