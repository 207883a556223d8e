package redis

import (
	"context"
	"fmt"

	"github.com/goodtune/numcheck/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	initMarks      = redis.NewScript(initMarksScript)
	resetCounter   = redis.NewScript(resetCounterScript)
	incrementUsage = redis.NewScript(incrementUsageScript)
)

type quotaStore struct {
	client *redis.Client
	keys   keyspace
}

// GetResetMarks returns the dates of the last daily and monthly resets
func (s *quotaStore) GetResetMarks(ctx context.Context) (storage.ResetMarks, error) {
	vals, err := s.client.HMGet(ctx, s.keys.marks(), "daily", "monthly").Result()
	if err != nil {
		return storage.ResetMarks{}, err
	}

	return storage.ResetMarks{
		LastDailyReset:   markValue(vals[0]),
		LastMonthlyReset: markValue(vals[1]),
	}, nil
}

// InitResetMarks sets missing marks to date and returns the stored marks
func (s *quotaStore) InitResetMarks(ctx context.Context, date string) (storage.ResetMarks, error) {
	res, err := initMarks.Run(ctx, s.client, []string{s.keys.marks()}, date).Slice()
	if err != nil {
		return storage.ResetMarks{}, err
	}
	if len(res) != 2 {
		return storage.ResetMarks{}, fmt.Errorf("unexpected marks reply length %d", len(res))
	}

	return storage.ResetMarks{
		LastDailyReset:   markValue(res[0]),
		LastMonthlyReset: markValue(res[1]),
	}, nil
}

// ResetDaily zeroes all daily counters if the daily mark equals expected
func (s *quotaStore) ResetDaily(ctx context.Context, expected, date string) (bool, error) {
	return s.reset(ctx, "daily", expected, date)
}

// ResetMonthly zeroes all monthly counters if the monthly mark equals expected
func (s *quotaStore) ResetMonthly(ctx context.Context, expected, date string) (bool, error) {
	return s.reset(ctx, "monthly", expected, date)
}

func (s *quotaStore) reset(ctx context.Context, field, expected, date string) (bool, error) {
	keys := []string{s.keys.marks(), s.keys.users()}
	n, err := resetCounter.Run(ctx, s.client, keys, field, expected, date, s.keys.usagePrefix()).Int64()
	if err != nil {
		return false, fmt.Errorf("reset %s counters: %w", field, err)
	}
	return n == 1, nil
}

// GetUsage returns the counters of identity, zero if it has never been counted
func (s *quotaStore) GetUsage(ctx context.Context, identity string) (storage.UsageRecord, error) {
	data, err := s.client.HGetAll(ctx, s.keys.usage(identity)).Result()
	if err != nil {
		return storage.UsageRecord{}, err
	}
	return parseUsageRecord(data)
}

// IncrementUsage adds one lookup to both counters of identity
func (s *quotaStore) IncrementUsage(ctx context.Context, identity string) (storage.UsageRecord, error) {
	keys := []string{s.keys.usage(identity), s.keys.users()}
	res, err := incrementUsage.Run(ctx, s.client, keys, identity).Int64Slice()
	if err != nil {
		return storage.UsageRecord{}, fmt.Errorf("increment usage: %w", err)
	}
	if len(res) != 2 {
		return storage.UsageRecord{}, fmt.Errorf("unexpected usage reply length %d", len(res))
	}

	return storage.UsageRecord{Daily: res[0], Monthly: res[1]}, nil
}

// Snapshot returns the full quota document
func (s *quotaStore) Snapshot(ctx context.Context) (*storage.QuotaState, error) {
	marks, err := s.GetResetMarks(ctx)
	if err != nil {
		return nil, err
	}

	state := storage.NewQuotaState()
	state.LastDailyReset = marks.LastDailyReset
	state.LastMonthlyReset = marks.LastMonthlyReset

	ids, err := s.client.SMembers(ctx, s.keys.users()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return state, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.usage(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		rec, err := parseUsageRecord(data)
		if err != nil {
			return nil, fmt.Errorf("usage of %s: %w", ids[i], err)
		}
		state.Users[ids[i]] = rec
	}

	return state, nil
}
