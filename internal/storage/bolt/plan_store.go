package bolt

import (
	"context"

	"go.etcd.io/bbolt"
)

type planStore struct {
	db *bbolt.DB
}

type planRecord struct {
	Plan string `json:"plan"`
}

func (s *planStore) Get(ctx context.Context, identity string) (string, error) {
	rec, err := getBucketValue[planRecord](ctx, s.db, bucketPlans, identity)
	if err != nil {
		return "", err
	}
	return rec.Plan, nil
}

func (s *planStore) Set(ctx context.Context, identity, plan string) error {
	return putBucketValue(ctx, s.db, bucketPlans, identity, planRecord{Plan: plan})
}

func (s *planStore) Delete(ctx context.Context, identity string) error {
	return deleteBucketValue(ctx, s.db, bucketPlans, identity)
}
