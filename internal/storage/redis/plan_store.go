package redis

import (
	"context"
	"errors"

	"github.com/goodtune/numcheck/internal/storage"
	"github.com/redis/go-redis/v9"
)

type planStore struct {
	client *redis.Client
	keys   keyspace
}

// Get returns the plan assigned to identity
func (s *planStore) Get(ctx context.Context, identity string) (string, error) {
	plan, err := s.client.Get(ctx, s.keys.plan(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return plan, nil
}

// Set assigns a plan to identity
func (s *planStore) Set(ctx context.Context, identity, plan string) error {
	return s.client.Set(ctx, s.keys.plan(identity), plan, 0).Err()
}

// Delete removes the plan assignment of identity
func (s *planStore) Delete(ctx context.Context, identity string) error {
	return s.client.Del(ctx, s.keys.plan(identity)).Err()
}
