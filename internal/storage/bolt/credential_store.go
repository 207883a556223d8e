package bolt

import (
	"context"
	"time"

	"github.com/goodtune/numcheck/internal/storage"
	"go.etcd.io/bbolt"
)

type credentialStore struct {
	db *bbolt.DB
}

func (s *credentialStore) Load(ctx context.Context) (*storage.Credentials, error) {
	return getBucketValue[storage.Credentials](ctx, s.db, bucketCredentials, keyCredentials)
}

func (s *credentialStore) Save(ctx context.Context, data []byte) (*storage.Credentials, error) {
	var saved storage.Credentials
	err := updateBucketValue(ctx, s.db, bucketCredentials, keyCredentials, func(creds *storage.Credentials) error {
		creds.Version++
		creds.Data = append([]byte(nil), data...)
		creds.UpdatedAt = time.Now().UTC()
		saved = *creds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *credentialStore) Delete(ctx context.Context) error {
	return deleteBucketValue(ctx, s.db, bucketCredentials, keyCredentials)
}
