package engine

import "errors"

var (
	// ErrSubscriptionInactive rejects operations on a deactivated
	// subscription; the cursor is left untouched.
	ErrSubscriptionInactive = errors.New("subscription inactive")

	// ErrSubscriptionExpired rejects operations past the subscription's
	// expires_at.
	ErrSubscriptionExpired = errors.New("subscription expired")

	// ErrWrongMode rejects poll calls on push subscriptions and vice versa;
	// a subscription is one mode or the other, with an independent cursor.
	ErrWrongMode = errors.New("subscription mode mismatch")
)
