// Package memory provides a process-local storage backend, used for
// development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/numcheck/internal/storage"
)

// Store implements storage.Store in memory.
type Store struct {
	mu    sync.Mutex
	quota *storage.QuotaState
	plans map[string]string
	creds *storage.Credentials
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		quota: storage.NewQuotaState(),
		plans: make(map[string]string),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Quota returns the quota store.
func (s *Store) Quota() storage.QuotaStore { return (*quotaStore)(s) }

// Plans returns the plan store.
func (s *Store) Plans() storage.PlanStore { return (*planStore)(s) }

// Credentials returns the credential store.
func (s *Store) Credentials() storage.CredentialStore { return (*credentialStore)(s) }

type quotaStore Store

func (q *quotaStore) GetResetMarks(ctx context.Context) (storage.ResetMarks, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quota.Marks(), nil
}

func (q *quotaStore) InitResetMarks(ctx context.Context, date string) (storage.ResetMarks, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quota.InitMarks(date)
	return q.quota.Marks(), nil
}

func (q *quotaStore) ResetDaily(ctx context.Context, expected, date string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quota.ResetDaily(expected, date), nil
}

func (q *quotaStore) ResetMonthly(ctx context.Context, expected, date string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quota.ResetMonthly(expected, date), nil
}

func (q *quotaStore) GetUsage(ctx context.Context, identity string) (storage.UsageRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quota.Users[identity], nil
}

func (q *quotaStore) IncrementUsage(ctx context.Context, identity string) (storage.UsageRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quota.Increment(identity), nil
}

func (q *quotaStore) Snapshot(ctx context.Context) (*storage.QuotaState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quota.Clone(), nil
}

type planStore Store

func (p *planStore) Get(ctx context.Context, identity string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[identity]
	if !ok {
		return "", storage.ErrNotFound
	}
	return plan, nil
}

func (p *planStore) Set(ctx context.Context, identity, plan string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[identity] = plan
	return nil
}

func (p *planStore) Delete(ctx context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.plans, identity)
	return nil
}

type credentialStore Store

func (c *credentialStore) Load(ctx context.Context) (*storage.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return nil, storage.ErrNotFound
	}
	out := *c.creds
	out.Data = append([]byte(nil), c.creds.Data...)
	return &out, nil
}

func (c *credentialStore) Save(ctx context.Context, data []byte) (*storage.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var version int64 = 1
	if c.creds != nil {
		version = c.creds.Version + 1
	}
	c.creds = &storage.Credentials{
		Version:   version,
		Data:      append([]byte(nil), data...),
		UpdatedAt: time.Now().UTC(),
	}
	out := *c.creds
	return &out, nil
}

func (c *credentialStore) Delete(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = nil
	return nil
}
