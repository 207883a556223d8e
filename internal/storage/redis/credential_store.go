package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/numcheck/internal/storage"
	"github.com/redis/go-redis/v9"
)

var saveCredentials = redis.NewScript(saveCredentialsScript)

type credentialStore struct {
	client *redis.Client
	keys   keyspace
}

// Load returns the persisted session credentials
func (s *credentialStore) Load(ctx context.Context) (*storage.Credentials, error) {
	data, err := s.client.HGetAll(ctx, s.keys.credentials()).Result()
	if err != nil {
		return nil, err
	}
	return parseCredentials(data)
}

// Save replaces the credential blob and bumps its version atomically
func (s *credentialStore) Save(ctx context.Context, data []byte) (*storage.Credentials, error) {
	updatedAt := time.Now().UTC()
	version, err := saveCredentials.Run(ctx, s.client,
		[]string{s.keys.credentials()},
		data, updatedAt.Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}

	return &storage.Credentials{
		Version:   version,
		Data:      append([]byte(nil), data...),
		UpdatedAt: updatedAt,
	}, nil
}

// Delete wipes the session credentials
func (s *credentialStore) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.keys.credentials()).Err()
}
