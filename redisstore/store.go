// Package redisstore keeps sagas in Redis.
//
// Each instance is a JSON string guarded by WATCH/MULTI, so Save fails with
// sagaorch.ErrVersionConflict when another worker wrote the key first.
// Non-terminal saga ids are kept in a set for recovery. Step records live in
// a hash per saga, ordered by a sorted set scored from a global sequence.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/fortressi/sagaorch"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "sagaorch"

type Store struct {
	client *redis.Client
	prefix string
}

// New returns a Store using keys under prefix. An empty prefix means
// DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) sagaKey(id string) string    { return s.prefix + ":saga:" + id }
func (s *Store) incompleteKey() string       { return s.prefix + ":incomplete" }
func (s *Store) recordsKey(id string) string { return s.prefix + ":records:" + id }
func (s *Store) orderKey(id string) string   { return s.prefix + ":records:" + id + ":order" }
func (s *Store) seqKey() string              { return s.prefix + ":seq" }

func (s *Store) Create(ctx context.Context, inst *sagaorch.SagaInstance) error {
	key := s.sagaKey(inst.SagaID)
	stored := inst.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal saga: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", sagaorch.ErrDuplicateSagaID, inst.SagaID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.index(ctx, pipe, stored)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", sagaorch.ErrDuplicateSagaID, inst.SagaID)
	}
	if err != nil {
		return err
	}
	inst.Version = stored.Version
	return nil
}

func (s *Store) LoadForUpdate(ctx context.Context, sagaID string) (*sagaorch.SagaInstance, error) {
	return s.load(ctx, s.client, sagaID)
}

func (s *Store) Save(ctx context.Context, inst *sagaorch.SagaInstance, expectedVersion int64) error {
	key := s.sagaKey(inst.SagaID)
	stored := inst.Clone()
	stored.Version = expectedVersion + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal saga: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, inst.SagaID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: %s at version %d, expected %d",
				sagaorch.ErrVersionConflict, inst.SagaID, current.Version, expectedVersion)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.index(ctx, pipe, stored)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed during save", sagaorch.ErrVersionConflict, inst.SagaID)
	}
	if err != nil {
		return err
	}
	inst.Version = stored.Version
	return nil
}

func (s *Store) ListIncomplete(ctx context.Context) ([]*sagaorch.SagaInstance, error) {
	ids, err := s.client.SMembers(ctx, s.incompleteKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read incomplete set: %w", err)
	}
	sort.Strings(ids)

	out := make([]*sagaorch.SagaInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.load(ctx, s.client, id)
		if errors.Is(err, sagaorch.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !inst.Status.IsTerminal() {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *Store) RecordStep(ctx context.Context, rec sagaorch.StepExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal step record: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("next record sequence: %w", err)
	}
	field := rec.Key()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordsKey(rec.SagaID), field, data)
		pipe.ZAddNX(ctx, s.orderKey(rec.SagaID), redis.Z{Score: float64(seq), Member: field})
		return nil
	})
	if err != nil {
		return fmt.Errorf("write step record: %w", err)
	}
	return nil
}

func (s *Store) StepRecords(ctx context.Context, sagaID string) ([]sagaorch.StepExecutionRecord, error) {
	fields, err := s.client.ZRange(ctx, s.orderKey(sagaID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read record order: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, s.recordsKey(sagaID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("read step records: %w", err)
	}

	out := make([]sagaorch.StepExecutionRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec sagaorch.StepExecutionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode step record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, sagaID string) (*sagaorch.SagaInstance, error) {
	data, err := c.Get(ctx, s.sagaKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", sagaorch.ErrNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("read saga: %w", err)
	}
	var inst sagaorch.SagaInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", sagaID, err)
	}
	return &inst, nil
}

func (s *Store) index(ctx context.Context, pipe redis.Pipeliner, inst *sagaorch.SagaInstance) {
	if inst.Status.IsTerminal() {
		pipe.SRem(ctx, s.incompleteKey(), inst.SagaID)
		return
	}
	pipe.SAdd(ctx, s.incompleteKey(), inst.SagaID)
}

var _ sagaorch.Store = (*Store)(nil)
