package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/numcheck/internal/config"
	"github.com/goodtune/numcheck/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client     *redis.Client
	keys       keyspace
	quotaStore *quotaStore
	planStore  *planStore
	credsStore *credentialStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "numcheck"
	}
	keys := keyspace{prefix: prefix}

	return &Store{
		client:     client,
		keys:       keys,
		quotaStore: &quotaStore{client: client, keys: keys},
		planStore:  &planStore{client: client, keys: keys},
		credsStore: &credentialStore{client: client, keys: keys},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Quota returns the QuotaStore implementation
func (s *Store) Quota() storage.QuotaStore {
	return s.quotaStore
}

// Plans returns the PlanStore implementation
func (s *Store) Plans() storage.PlanStore {
	return s.planStore
}

// Credentials returns the CredentialStore implementation
func (s *Store) Credentials() storage.CredentialStore {
	return s.credsStore
}

// keyspace builds the Redis keys used by the store
type keyspace struct {
	prefix string
}

func (k keyspace) marks() string       { return k.prefix + ":quota:marks" }
func (k keyspace) users() string       { return k.prefix + ":quota:users" }
func (k keyspace) usagePrefix() string { return k.prefix + ":quota:usage:" }
func (k keyspace) usage(identity string) string {
	return k.usagePrefix() + identity
}
func (k keyspace) plan(identity string) string { return k.prefix + ":plan:" + identity }
func (k keyspace) credentials() string         { return k.prefix + ":credentials" }
