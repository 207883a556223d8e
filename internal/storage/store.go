package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Quota() QuotaStore
	Plans() PlanStore
	Credentials() CredentialStore
}

// QuotaStore manages per-identity usage counters and the reset marks.
//
// Reset operations are compare-and-set on the stored mark: they only zero
// counters when the mark still equals expected, so concurrent callers that
// observed the same stale mark reset at most once.
type QuotaStore interface {
	GetResetMarks(ctx context.Context) (ResetMarks, error)
	InitResetMarks(ctx context.Context, date string) (ResetMarks, error)
	ResetDaily(ctx context.Context, expected, date string) (bool, error)
	ResetMonthly(ctx context.Context, expected, date string) (bool, error)
	GetUsage(ctx context.Context, identity string) (UsageRecord, error)
	IncrementUsage(ctx context.Context, identity string) (UsageRecord, error)
	Snapshot(ctx context.Context) (*QuotaState, error)
}

// PlanStore manages the plan tier assigned to each identity.
type PlanStore interface {
	Get(ctx context.Context, identity string) (string, error)
	Set(ctx context.Context, identity, plan string) error
	Delete(ctx context.Context, identity string) error
}

// CredentialStore manages the session credentials for the messaging network.
// Save bumps the stored version and returns the persisted record.
type CredentialStore interface {
	Load(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, data []byte) (*Credentials, error)
	Delete(ctx context.Context) error
}
