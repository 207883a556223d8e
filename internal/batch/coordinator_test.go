package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/numcheck/internal/quota"
	"github.com/goodtune/numcheck/internal/session"
	"github.com/goodtune/numcheck/internal/storage"
	"github.com/goodtune/numcheck/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLooker struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	exists   map[string]bool
}

func newFakeLooker() *fakeLooker {
	return &fakeLooker{failures: map[string]error{}, exists: map[string]bool{}}
}

func (f *fakeLooker) Lookup(_ context.Context, number string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, number)
	if err, ok := f.failures[number]; ok {
		return false, err
	}
	return f.exists[number], nil
}

func (f *fakeLooker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type failingQuotaStore struct {
	storage.QuotaStore
}

func (failingQuotaStore) GetUsage(context.Context, string) (storage.UsageRecord, error) {
	return storage.UsageRecord{}, errors.New("store offline")
}

func newTestCoordinator(t *testing.T, looker Looker) (*Coordinator, *quota.Tracker) {
	t.Helper()
	clock := &quota.TestClock{CurrentTime: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := quota.NewTracker(memory.New().Quota(), quota.Config{Location: time.UTC, Clock: clock}, zerolog.Nop())
	return NewCoordinator(tracker, looker, zerolog.Nop()), tracker
}

// spend uses up n lookups of identity
func spend(t *testing.T, c *Coordinator, identity string, limits quota.Limits, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := c.Check(context.Background(), identity, limits, fmt.Sprintf("9%02d", i))
		require.NoError(t, err)
		require.True(t, res.OK(), "warm-up lookup %d failed: %s", i, res.Error)
	}
}

func TestProcessBatch_FailedLookupIsNotCounted(t *testing.T) {
	looker := newFakeLooker()
	looker.exists["111"] = true
	looker.failures["222"] = fmt.Errorf("%w: timeout", session.ErrRemoteLookupFailed)

	c, tracker := newTestCoordinator(t, looker)
	limits := quota.Limits{Daily: 10, Monthly: 100}
	spend(t, c, "user-1", limits, 8)

	results, err := c.ProcessBatch(context.Background(), "user-1", limits, []string{"111", "222", "333", "444"})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "111", results[0].Number)
	require.NotNil(t, results[0].Exists)
	assert.True(t, *results[0].Exists)

	assert.Equal(t, "222", results[1].Number)
	assert.Nil(t, results[1].Exists)
	assert.Equal(t, ErrLookupFailed, results[1].Error)

	// 222 did not consume the slot, so 333 still fits
	assert.Equal(t, "333", results[2].Number)
	require.NotNil(t, results[2].Exists)
	assert.False(t, *results[2].Exists)

	assert.Equal(t, "444", results[3].Number)
	assert.Nil(t, results[3].Exists)
	assert.Equal(t, ErrDailyLimitReached, results[3].Error)

	usage, err := tracker.Usage(context.Background(), "user-1", "free", limits)
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.Daily)
	assert.Equal(t, int64(10), usage.Monthly)
}

func TestProcessBatch_DeniedItemsNeverReachRemote(t *testing.T) {
	looker := newFakeLooker()
	looker.failures["222"] = fmt.Errorf("%w: timeout", session.ErrRemoteLookupFailed)

	c, _ := newTestCoordinator(t, looker)
	limits := quota.Limits{Daily: 10, Monthly: 100}
	spend(t, c, "user-1", limits, 9)

	results, err := c.ProcessBatch(context.Background(), "user-1", limits, []string{"111", "222", "333"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].OK())
	assert.Equal(t, ErrDailyLimitReached, results[1].Error)
	assert.Equal(t, ErrDailyLimitReached, results[2].Error)

	calls := looker.Calls()
	assert.Equal(t, "111", calls[len(calls)-1])
	assert.NotContains(t, calls, "222")
	assert.NotContains(t, calls, "333")
}

func TestProcessBatch_MonthlyLimit(t *testing.T) {
	c, _ := newTestCoordinator(t, newFakeLooker())
	limits := quota.Limits{Daily: quota.Unbounded, Monthly: 2}

	results, err := c.ProcessBatch(context.Background(), "user-1", limits, []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.True(t, results[0].OK())
	assert.True(t, results[1].OK())
	assert.Equal(t, ErrMonthlyLimitReached, results[2].Error)
}

func TestProcessBatch_ConnectionUnavailable(t *testing.T) {
	looker := newFakeLooker()
	looker.failures["111"] = session.ErrConnectionUnavailable

	c, tracker := newTestCoordinator(t, looker)
	limits := quota.Limits{Daily: 10, Monthly: 100}

	results, err := c.ProcessBatch(context.Background(), "user-1", limits, []string{"111"})
	require.NoError(t, err)
	assert.Equal(t, ErrConnectionUnavailable, results[0].Error)
	assert.Nil(t, results[0].Exists)

	usage, err := tracker.Usage(context.Background(), "user-1", "free", limits)
	require.NoError(t, err)
	assert.Zero(t, usage.Daily)
}

func TestProcessBatch_EmptyInput(t *testing.T) {
	c, _ := newTestCoordinator(t, newFakeLooker())

	results, err := c.ProcessBatch(context.Background(), "user-1", quota.Limits{Daily: 1, Monthly: 1}, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestProcessBatch_StoreFailureAborts(t *testing.T) {
	looker := newFakeLooker()
	clock := &quota.TestClock{CurrentTime: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := failingQuotaStore{QuotaStore: memory.New().Quota()}
	tracker := quota.NewTracker(store, quota.Config{Location: time.UTC, Clock: clock}, zerolog.Nop())
	c := NewCoordinator(tracker, looker, zerolog.Nop())

	_, err := c.ProcessBatch(context.Background(), "user-1", quota.Limits{Daily: 10, Monthly: 100}, []string{"111"})
	require.Error(t, err)
	assert.Empty(t, looker.Calls())
}

func TestCheck_ConcurrentCallersRespectLimit(t *testing.T) {
	looker := newFakeLooker()
	c, tracker := newTestCoordinator(t, looker)
	limits := quota.Limits{Daily: 5, Monthly: 100}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Check(context.Background(), "shared", limits, fmt.Sprintf("%d", i))
			assert.NoError(t, err)
			if res.OK() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
	assert.Len(t, looker.Calls(), 5)

	usage, err := tracker.Usage(context.Background(), "shared", "free", limits)
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage.Daily)
}
