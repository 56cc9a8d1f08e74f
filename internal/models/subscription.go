package models

import "time"

type SubscriptionMode string

const (
	ModePolling SubscriptionMode = "polling"
	ModePush    SubscriptionMode = "push"
)

// FilterSpec is a conjunctive set of optional predicates. A record matches iff
// every present predicate holds; zero-valued fields mean "predicate absent".
type FilterSpec struct {
	Kind       string   `json:"kind,omitempty" msgpack:"kind"`
	Symbol     string   `json:"symbol,omitempty" msgpack:"sym"`
	StrategyID string   `json:"strategyId,omitempty" msgpack:"strat"`
	Tags       []string `json:"tags,omitempty" msgpack:"tags"`
}

// Subscription is created through the management API and mutated by the
// delivery paths only in its cursor (tracked separately) and Active fields.
type Subscription struct {
	ID        string           `json:"id" msgpack:"id"`
	OwnerID   string           `json:"ownerId" msgpack:"owner"`
	Name      string           `json:"name,omitempty" msgpack:"name"`
	Mode      SubscriptionMode `json:"mode" msgpack:"mode"`
	Filter    FilterSpec       `json:"filter" msgpack:"filter"`
	Active    bool             `json:"active" msgpack:"active"`
	CreatedAt time.Time        `json:"createdAt" msgpack:"created"`
	ExpiresAt time.Time        `json:"expiresAt,omitempty" msgpack:"expires"`
}

// Expired reports whether the subscription has an expiry in the past.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
