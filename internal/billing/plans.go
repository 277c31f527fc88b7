// Package billing provides the plan catalog and the subscription activation
// engine, the only component allowed to flip entitlement state.
package billing

import "time"

// Plan describes a purchasable subscription tier. Duration is the entitlement
// window stamped onto the subscription at purchase time.
type Plan struct {
	ID          string
	Name        string
	Duration    time.Duration
	AmountCents int64
	Currency    string
}

// PlanRegistry is the authoritative catalog of purchasable plans.
type PlanRegistry interface {
	// GetPlan returns the plan with the given ID, or false if it does not
	// exist. Unknown plans are rejected at checkout; there is no fallback
	// tier.
	GetPlan(id string) (Plan, bool)
}

// staticPlanRegistry is a compile-time plan catalog backed by an in-memory
// map. It implements PlanRegistry and is the standard implementation for
// production use; plan changes ship as deploys, which keeps pricing under
// code review.
type staticPlanRegistry struct {
	plans map[string]Plan
}

// planDefaults defines the purchasable tiers. Amounts are minor units.
var planDefaults = map[string]Plan{
	"monthly": {
		ID:          "monthly",
		Name:        "Monthly",
		Duration:    30 * 24 * time.Hour,
		AmountCents: 999,
		Currency:    "USD",
	},
	"quarterly": {
		ID:          "quarterly",
		Name:        "Quarterly",
		Duration:    90 * 24 * time.Hour,
		AmountCents: 2499,
		Currency:    "USD",
	},
	"yearly": {
		ID:          "yearly",
		Name:        "Yearly",
		Duration:    365 * 24 * time.Hour,
		AmountCents: 7999,
		Currency:    "USD",
	},
}

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded plan
// catalog. No database or external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults into a new map so callers cannot mutate the
	// package-level variable.
	m := make(map[string]Plan, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{plans: m}
}

// GetPlan returns the plan with the given ID.
func (r *staticPlanRegistry) GetPlan(id string) (Plan, bool) {
	p, ok := r.plans[id]
	return p, ok
}
