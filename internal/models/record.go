package models

import "time"

// Record is a single immutable entry in the append-only record log. IDs are
// assigned by the log on append and are strictly increasing, never reused.
type Record struct {
	ID         uint64         `json:"id" msgpack:"id"`
	Kind       string         `json:"kind" msgpack:"kind"`
	Symbol     string         `json:"symbol" msgpack:"sym"`
	StrategyID string         `json:"strategyId,omitempty" msgpack:"strat"`
	OwnerID    string         `json:"ownerId,omitempty" msgpack:"owner"`
	Tags       []string       `json:"tags,omitempty" msgpack:"tags"`
	Payload    map[string]any `json:"payload,omitempty" msgpack:"payload"`
	CreatedAt  time.Time      `json:"createdAt" msgpack:"ts"`
}
