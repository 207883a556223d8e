package quota

import (
	"errors"
	"fmt"

	"github.com/goodtune/numcheck/internal/config"
)

// Unbounded marks a limit that is never enforced.
const Unbounded int64 = -1

// MonthlyWindowDays is the length of the rolling monthly window.
const MonthlyWindowDays = 30

// ErrUnknownPlan is returned when a plan tier has no configured limits.
var ErrUnknownPlan = errors.New("quota: unknown plan")

// Limits is the daily and monthly lookup allowance of a plan tier.
type Limits struct {
	Daily   int64 `json:"dailyLimit"`
	Monthly int64 `json:"monthlyLimit"`
}

// Plans maps plan tier names to their limits. It is built once at startup
// and never mutated.
type Plans map[string]Limits

// DefaultPlans are the limits used when configuration supplies none.
var DefaultPlans = Plans{
	"free":    {Daily: 10, Monthly: 100},
	"starter": {Daily: Unbounded, Monthly: 10000},
	"power":   {Daily: Unbounded, Monthly: Unbounded},
}

// PlansFromConfig converts configured plan tiers. Any negative limit is
// treated as unbounded.
func PlansFromConfig(cfg map[string]config.PlanConfig) Plans {
	if len(cfg) == 0 {
		return DefaultPlans
	}
	plans := make(Plans, len(cfg))
	for name, pc := range cfg {
		plans[name] = Limits{
			Daily:   normalize(pc.DailyLimit),
			Monthly: normalize(pc.MonthlyLimit),
		}
	}
	return plans
}

func normalize(limit int64) int64 {
	if limit < 0 {
		return Unbounded
	}
	return limit
}

// Limits returns the limits of a plan tier.
func (p Plans) Limits(plan string) (Limits, error) {
	limits, ok := p[plan]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %s", ErrUnknownPlan, plan)
	}
	return limits, nil
}

// Decision is the outcome of a quota check.
type Decision int

const (
	Allowed Decision = iota
	DailyLimitReached
	MonthlyLimitReached
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "Allowed"
	case DailyLimitReached:
		return "DailyLimitReached"
	case MonthlyLimitReached:
		return "MonthlyLimitReached"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Usage is a read-only view of an identity's quota position.
type Usage struct {
	Identity         string `json:"identity"`
	Plan             string `json:"plan"`
	Daily            int64  `json:"daily"`
	Monthly          int64  `json:"monthly"`
	Limits           Limits `json:"limits"`
	RemainingDaily   int64  `json:"remainingDaily"`
	RemainingMonthly int64  `json:"remainingMonthly"`
	LastDailyReset   string `json:"lastDailyReset"`
	LastMonthlyReset string `json:"lastMonthlyReset"`
}

func remaining(limit, used int64) int64 {
	if limit == Unbounded {
		return Unbounded
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
