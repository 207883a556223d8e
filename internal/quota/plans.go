package quota

import (
	"context"
	"errors"

	"github.com/goodtune/numcheck/internal/storage"
)

// PlanBook resolves the plan tier of an identity. Identities without an
// assignment fall back to the default plan.
type PlanBook struct {
	plans       Plans
	store       storage.PlanStore
	defaultPlan string
}

// NewPlanBook creates a plan book over the configured tiers.
func NewPlanBook(plans Plans, store storage.PlanStore, defaultPlan string) *PlanBook {
	return &PlanBook{plans: plans, store: store, defaultPlan: defaultPlan}
}

// Plans returns the configured tiers.
func (b *PlanBook) Plans() Plans {
	return b.plans
}

// Resolve returns the plan name and limits of identity.
func (b *PlanBook) Resolve(ctx context.Context, identity string) (string, Limits, error) {
	plan, err := b.store.Get(ctx, identity)
	if errors.Is(err, storage.ErrNotFound) {
		plan = b.defaultPlan
	} else if err != nil {
		return "", Limits{}, err
	}

	limits, err := b.plans.Limits(plan)
	if err != nil {
		return "", Limits{}, err
	}
	return plan, limits, nil
}

// Assign sets the plan of identity. The plan must be a configured tier.
func (b *PlanBook) Assign(ctx context.Context, identity, plan string) error {
	if _, err := b.plans.Limits(plan); err != nil {
		return err
	}
	return b.store.Set(ctx, identity, plan)
}
