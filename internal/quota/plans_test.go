package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/goodtune/numcheck/internal/config"
	"github.com/goodtune/numcheck/internal/storage/memory"
)

func TestPlansFromConfig(t *testing.T) {
	plans := PlansFromConfig(map[string]config.PlanConfig{
		"free":  {DailyLimit: 5, MonthlyLimit: 50},
		"power": {DailyLimit: -7, MonthlyLimit: -1},
	})

	if got := plans["free"]; got.Daily != 5 || got.Monthly != 50 {
		t.Errorf("Unexpected free limits: %+v", got)
	}
	if got := plans["power"]; got.Daily != Unbounded || got.Monthly != Unbounded {
		t.Errorf("Expected power to be unbounded, got %+v", got)
	}

	if len(PlansFromConfig(nil)) != len(DefaultPlans) {
		t.Error("Expected defaults when no plans configured")
	}
}

func TestPlanBook(t *testing.T) {
	ctx := context.Background()
	book := NewPlanBook(DefaultPlans, memory.New().Plans(), "free")

	plan, limits, err := book.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if plan != "free" || limits != DefaultPlans["free"] {
		t.Errorf("Expected free default, got %s %+v", plan, limits)
	}

	if err := book.Assign(ctx, "alice", "starter"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	plan, limits, err = book.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if plan != "starter" || limits.Monthly != 10000 {
		t.Errorf("Expected starter, got %s %+v", plan, limits)
	}

	if err := book.Assign(ctx, "alice", "platinum"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("Expected ErrUnknownPlan, got %v", err)
	}
}

func TestDecisionString(t *testing.T) {
	tests := map[Decision]string{
		Allowed:             "Allowed",
		DailyLimitReached:   "DailyLimitReached",
		MonthlyLimitReached: "MonthlyLimitReached",
	}
	for d, want := range tests {
		if got := d.String(); got != want {
			t.Errorf("Decision(%d).String() = %s, want %s", int(d), got, want)
		}
	}
}
