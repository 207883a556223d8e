// Package batch runs quota-gated number lookups against the shared session.
package batch

import (
	"context"
	"errors"

	"github.com/goodtune/numcheck/internal/metrics"
	"github.com/goodtune/numcheck/internal/quota"
	"github.com/goodtune/numcheck/internal/session"
	"github.com/rs/zerolog"
)

// Per-item error codes
const (
	ErrDailyLimitReached     = "DailyLimitReached"
	ErrMonthlyLimitReached   = "MonthlyLimitReached"
	ErrLookupFailed          = "lookup-failed"
	ErrConnectionUnavailable = "connection-unavailable"
	// ErrInvalidNumber is reported by callers for entries rejected before
	// any lookup
	ErrInvalidNumber = "invalid-number"
)

// Looker checks whether a number is registered on the remote network.
type Looker interface {
	Lookup(ctx context.Context, number string) (bool, error)
}

// ItemResult is the outcome for one number. Exists is nil whenever Error is
// set.
type ItemResult struct {
	Number string `json:"number"`
	Exists *bool  `json:"exists"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the lookup completed.
func (r ItemResult) OK() bool {
	return r.Error == ""
}

// Coordinator gates every lookup on the quota tracker and only counts
// lookups that succeeded.
type Coordinator struct {
	tracker *quota.Tracker
	looker  Looker
	logger  zerolog.Logger
}

// NewCoordinator creates a batch coordinator
func NewCoordinator(tracker *quota.Tracker, looker Looker, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		tracker: tracker,
		looker:  looker,
		logger:  logger.With().Str("component", "batch").Logger(),
	}
}

// ProcessBatch looks up numbers in order on behalf of identity. The result
// has one entry per input, in input order. Quota denials and lookup
// failures are reported per item; only a quota store failure aborts the
// batch.
func (c *Coordinator) ProcessBatch(ctx context.Context, identity string, limits quota.Limits, numbers []string) ([]ItemResult, error) {
	metrics.BatchSize.Observe(float64(len(numbers)))

	results := make([]ItemResult, 0, len(numbers))
	for _, number := range numbers {
		res, err := c.Check(ctx, identity, limits, number)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	c.logger.Debug().
		Str("identity", identity).
		Int("numbers", len(numbers)).
		Msg("Batch processed")

	return results, nil
}

// Check looks up a single number on behalf of identity.
func (c *Coordinator) Check(ctx context.Context, identity string, limits quota.Limits, number string) (ItemResult, error) {
	res, decision, err := c.tracker.CheckAndReserve(ctx, identity, limits)
	if err != nil {
		return ItemResult{}, err
	}

	switch decision {
	case quota.DailyLimitReached:
		metrics.LookupsTotal.WithLabelValues("denied").Inc()
		return ItemResult{Number: number, Error: ErrDailyLimitReached}, nil
	case quota.MonthlyLimitReached:
		metrics.LookupsTotal.WithLabelValues("denied").Inc()
		return ItemResult{Number: number, Error: ErrMonthlyLimitReached}, nil
	}

	exists, lookupErr := c.looker.Lookup(ctx, number)

	if lookupErr != nil {
		res.Release()

		code := ErrLookupFailed
		if errors.Is(lookupErr, session.ErrConnectionUnavailable) {
			code = ErrConnectionUnavailable
		}
		metrics.LookupsTotal.WithLabelValues(code).Inc()
		c.logger.Warn().
			Err(lookupErr).
			Str("identity", identity).
			Str("number", number).
			Msg("Lookup failed")
		return ItemResult{Number: number, Error: code}, nil
	}

	// The lookup happened; count it even if the caller has gone away
	if err := res.Commit(context.WithoutCancel(ctx)); err != nil {
		return ItemResult{}, err
	}

	if exists {
		metrics.LookupsTotal.WithLabelValues("exists").Inc()
	} else {
		metrics.LookupsTotal.WithLabelValues("not_found").Inc()
	}

	return ItemResult{Number: number, Exists: &exists}, nil
}
