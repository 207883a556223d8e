package bolt

import (
	"context"
	"errors"

	"github.com/goodtune/numcheck/internal/storage"
	"go.etcd.io/bbolt"
)

// quotaStore keeps the whole quota document under a single key so every
// operation is one bbolt transaction.
type quotaStore struct {
	db *bbolt.DB
}

func (s *quotaStore) load(ctx context.Context) (*storage.QuotaState, error) {
	state, err := getBucketValue[storage.QuotaState](ctx, s.db, bucketQuota, keyQuotaState)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.NewQuotaState(), nil
	}
	if err != nil {
		return nil, err
	}
	if state.Users == nil {
		state.Users = make(map[string]storage.UsageRecord)
	}
	return state, nil
}

func (s *quotaStore) update(ctx context.Context, fn func(*storage.QuotaState)) error {
	return updateBucketValue(ctx, s.db, bucketQuota, keyQuotaState, func(state *storage.QuotaState) error {
		if state.Users == nil {
			state.Users = make(map[string]storage.UsageRecord)
		}
		fn(state)
		return nil
	})
}

func (s *quotaStore) GetResetMarks(ctx context.Context) (storage.ResetMarks, error) {
	state, err := s.load(ctx)
	if err != nil {
		return storage.ResetMarks{}, err
	}
	return state.Marks(), nil
}

func (s *quotaStore) InitResetMarks(ctx context.Context, date string) (storage.ResetMarks, error) {
	var marks storage.ResetMarks
	err := s.update(ctx, func(state *storage.QuotaState) {
		state.InitMarks(date)
		marks = state.Marks()
	})
	return marks, err
}

func (s *quotaStore) ResetDaily(ctx context.Context, expected, date string) (bool, error) {
	var applied bool
	err := s.update(ctx, func(state *storage.QuotaState) {
		applied = state.ResetDaily(expected, date)
	})
	return applied, err
}

func (s *quotaStore) ResetMonthly(ctx context.Context, expected, date string) (bool, error) {
	var applied bool
	err := s.update(ctx, func(state *storage.QuotaState) {
		applied = state.ResetMonthly(expected, date)
	})
	return applied, err
}

func (s *quotaStore) GetUsage(ctx context.Context, identity string) (storage.UsageRecord, error) {
	state, err := s.load(ctx)
	if err != nil {
		return storage.UsageRecord{}, err
	}
	return state.Users[identity], nil
}

func (s *quotaStore) IncrementUsage(ctx context.Context, identity string) (storage.UsageRecord, error) {
	var rec storage.UsageRecord
	err := s.update(ctx, func(state *storage.QuotaState) {
		rec = state.Increment(identity)
	})
	return rec, err
}

func (s *quotaStore) Snapshot(ctx context.Context) (*storage.QuotaState, error) {
	return s.load(ctx)
}
