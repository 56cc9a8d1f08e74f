package models

import "time"

// WebhookEndpoint is an externally owned HTTP URL registered to receive
// signed callbacks. The engine mutates only Enabled, ConsecutiveFailures,
// DisabledAt and LastTriggeredAt; everything else comes from the management
// API. Re-enabling after an automatic disable is an explicit external action.
type WebhookEndpoint struct {
	ID                  string    `json:"id" msgpack:"id"`
	OwnerID             string    `json:"ownerId" msgpack:"owner"`
	URL                 string    `json:"url" msgpack:"url"`
	Secret              string    `json:"-" msgpack:"secret"`
	EventKinds          []string  `json:"eventKinds,omitempty" msgpack:"kinds"`
	Enabled             bool      `json:"enabled" msgpack:"enabled"`
	ConsecutiveFailures int       `json:"consecutiveFailures" msgpack:"fails"`
	DisabledAt          time.Time `json:"disabledAt,omitempty" msgpack:"disabled"`
	LastTriggeredAt     time.Time `json:"lastTriggeredAt,omitempty" msgpack:"triggered"`
	CreatedAt           time.Time `json:"createdAt" msgpack:"created"`
}

// WantsKind reports whether the endpoint subscribed to the given record kind.
// An empty kind set subscribes to everything.
func (e *WebhookEndpoint) WantsKind(kind string) bool {
	if len(e.EventKinds) == 0 {
		return true
	}
	for _, k := range e.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryAbandoned DeliveryStatus = "abandoned"
)

// DeliveryAttempt records one try (initial or retry) to deliver a record to a
// webhook endpoint. Retention is bounded; old attempts are pruned.
type DeliveryAttempt struct {
	ID          string         `json:"id" msgpack:"id"`
	EndpointID  string         `json:"endpointId" msgpack:"endpoint"`
	RecordID    uint64         `json:"recordId" msgpack:"record"`
	Status      DeliveryStatus `json:"status" msgpack:"status"`
	HTTPStatus  int            `json:"httpStatus,omitempty" msgpack:"http"`
	Error       string         `json:"error,omitempty" msgpack:"err"`
	Attempt     int            `json:"attempt" msgpack:"attempt"`
	AttemptedAt time.Time      `json:"attemptedAt" msgpack:"at"`
	NextRetryAt time.Time      `json:"nextRetryAt,omitempty" msgpack:"retry"`
}
