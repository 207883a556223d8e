package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/numcheck/internal/metrics"
	"github.com/goodtune/numcheck/internal/storage"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// ErrReservationClosed is returned when a reservation is committed twice or
// after it was released.
var ErrReservationClosed = errors.New("quota: reservation already closed")

// Tracker gates lookups against per-identity daily and monthly limits.
//
// A check and its commit form one critical section per identity: the
// identity lock is taken by CheckAndReserve and held by the returned
// Reservation until Commit or Release. Lock entries are reference counted
// and dropped once no caller holds or waits on them.
type Tracker struct {
	store    storage.QuotaStore
	clock    Clock
	location *time.Location
	locks    *xsync.MapOf[string, *identityLock]
	resetMu  sync.Mutex
	logger   zerolog.Logger
}

// Config holds tracker configuration
type Config struct {
	// Location decides where calendar days begin. Defaults to time.Local.
	Location *time.Location
	Clock    Clock
}

// NewTracker creates a new quota tracker
func NewTracker(store storage.QuotaStore, config Config, logger zerolog.Logger) *Tracker {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}

	return &Tracker{
		store:    store,
		clock:    config.Clock,
		location: config.Location,
		locks:    xsync.NewMapOf[string, *identityLock](),
		logger:   logger.With().Str("component", "quota-tracker").Logger(),
	}
}

// DueResets reports which windows need resetting at now. The daily window
// rolls over when the calendar date differs from the mark; the monthly window
// after MonthlyWindowDays whole days.
func DueResets(marks storage.ResetMarks, now time.Time) (daily, monthly bool) {
	today := now.Format(storage.DateLayout)
	daily = marks.LastDailyReset != today

	last, err := time.ParseInLocation(storage.DateLayout, marks.LastMonthlyReset, now.Location())
	if err != nil {
		return daily, true
	}
	monthly = daysBetween(last, now) >= MonthlyWindowDays
	return daily, monthly
}

// daysBetween counts calendar days from a to b, ignoring DST shifts
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

// ResetIfDue applies any due daily or monthly reset. The first call on an
// empty store initialises both marks to today.
func (t *Tracker) ResetIfDue(ctx context.Context) error {
	t.resetMu.Lock()
	defer t.resetMu.Unlock()

	now := t.clock.Now().In(t.location)
	today := now.Format(storage.DateLayout)

	marks, err := t.store.GetResetMarks(ctx)
	if err != nil {
		return fmt.Errorf("read reset marks: %w", err)
	}
	if marks.LastDailyReset == "" || marks.LastMonthlyReset == "" {
		marks, err = t.store.InitResetMarks(ctx, today)
		if err != nil {
			return fmt.Errorf("init reset marks: %w", err)
		}
	}

	daily, monthly := DueResets(marks, now)

	if daily {
		applied, err := t.store.ResetDaily(ctx, marks.LastDailyReset, today)
		if err != nil {
			return err
		}
		if applied {
			metrics.QuotaResets.WithLabelValues("daily").Inc()
			t.logger.Info().
				Str("previous", marks.LastDailyReset).
				Str("date", today).
				Msg("Daily usage counters reset")
		}
	}

	if monthly {
		applied, err := t.store.ResetMonthly(ctx, marks.LastMonthlyReset, today)
		if err != nil {
			return err
		}
		if applied {
			metrics.QuotaResets.WithLabelValues("monthly").Inc()
			t.logger.Info().
				Str("previous", marks.LastMonthlyReset).
				Str("date", today).
				Msg("Monthly usage counters reset")
		}
	}

	return nil
}

// Evaluate decides whether one more lookup fits within limits. The daily
// limit is checked first.
func Evaluate(rec storage.UsageRecord, limits Limits) Decision {
	if limits.Daily != Unbounded && rec.Daily >= limits.Daily {
		return DailyLimitReached
	}
	if limits.Monthly != Unbounded && rec.Monthly >= limits.Monthly {
		return MonthlyLimitReached
	}
	return Allowed
}

// CheckAndReserve applies due resets and checks identity against limits.
// When the decision is Allowed the returned Reservation holds the identity
// lock and must be closed with Commit or Release. Otherwise nothing is
// reserved and no state is mutated.
func (t *Tracker) CheckAndReserve(ctx context.Context, identity string, limits Limits) (*Reservation, Decision, error) {
	lock := t.acquire(identity)

	if err := t.ResetIfDue(ctx); err != nil {
		t.release(identity, lock)
		return nil, Allowed, err
	}

	rec, err := t.store.GetUsage(ctx, identity)
	if err != nil {
		t.release(identity, lock)
		return nil, Allowed, fmt.Errorf("read usage of %s: %w", identity, err)
	}

	decision := Evaluate(rec, limits)
	metrics.QuotaDecisions.WithLabelValues(decision.String()).Inc()

	if decision != Allowed {
		t.release(identity, lock)
		t.logger.Debug().
			Str("identity", identity).
			Str("decision", decision.String()).
			Int64("daily", rec.Daily).
			Int64("monthly", rec.Monthly).
			Msg("Quota exceeded")
		return nil, decision, nil
	}

	return &Reservation{tracker: t, identity: identity, lock: lock}, Allowed, nil
}

// Usage returns the quota position of identity under plan.
func (t *Tracker) Usage(ctx context.Context, identity, plan string, limits Limits) (*Usage, error) {
	if err := t.ResetIfDue(ctx); err != nil {
		return nil, err
	}

	rec, err := t.store.GetUsage(ctx, identity)
	if err != nil {
		return nil, err
	}
	marks, err := t.store.GetResetMarks(ctx)
	if err != nil {
		return nil, err
	}

	return &Usage{
		Identity:         identity,
		Plan:             plan,
		Daily:            rec.Daily,
		Monthly:          rec.Monthly,
		Limits:           limits,
		RemainingDaily:   remaining(limits.Daily, rec.Daily),
		RemainingMonthly: remaining(limits.Monthly, rec.Monthly),
		LastDailyReset:   marks.LastDailyReset,
		LastMonthlyReset: marks.LastMonthlyReset,
	}, nil
}

type identityLock struct {
	sync.Mutex
	refs int // guarded by the map entry
}

// acquire locks identity, registering the caller on its entry first so the
// entry outlives the wait.
func (t *Tracker) acquire(identity string) *identityLock {
	lock, _ := t.locks.Compute(identity, func(l *identityLock, loaded bool) (*identityLock, bool) {
		if !loaded {
			l = &identityLock{}
		}
		l.refs++
		return l, false
	})
	lock.Lock()
	return lock
}

func (t *Tracker) release(identity string, lock *identityLock) {
	lock.Unlock()
	t.locks.Compute(identity, func(l *identityLock, loaded bool) (*identityLock, bool) {
		l.refs--
		return l, l.refs == 0
	})
}

// Reservation is an allowed quota slot awaiting the lookup outcome.
type Reservation struct {
	tracker  *Tracker
	identity string
	lock     *identityLock
	once     sync.Once
}

// Commit counts the lookup against both windows and releases the identity.
func (r *Reservation) Commit(ctx context.Context) error {
	err := ErrReservationClosed
	r.once.Do(func() {
		defer r.tracker.release(r.identity, r.lock)
		_, err = r.tracker.store.IncrementUsage(ctx, r.identity)
		if err != nil {
			err = fmt.Errorf("commit usage of %s: %w", r.identity, err)
		}
	})
	return err
}

// Release gives the slot back without counting it.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.tracker.release(r.identity, r.lock)
	})
}
