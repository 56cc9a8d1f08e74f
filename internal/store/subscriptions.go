package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"datapulse/internal/models"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

func (s *Store) loadSubscriptions() error {
	return s.scanPrefix(prefixSub, func(key string, val []byte) error {
		var sub models.Subscription
		if err := decode(val, &sub); err != nil {
			s.logCorrupt(prefixSub+key, err)
			return nil
		}
		s.subs[sub.ID] = sub
		return nil
	})
}

// PutSubscription inserts or replaces a subscription.
func (s *Store) PutSubscription(sub models.Subscription) error {
	if s.closed.Load() {
		return ErrClosed
	}
	val, err := encode(&sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := s.db.Set([]byte(prefixSub+sub.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.subsMu.Lock()
	s.subs[sub.ID] = sub
	s.subsMu.Unlock()
	return nil
}

// Subscription returns a subscription by id.
func (s *Store) Subscription(id string) (models.Subscription, error) {
	s.subsMu.RLock()
	sub, ok := s.subs[id]
	s.subsMu.RUnlock()
	if !ok {
		return models.Subscription{}, ErrSubscriptionNotFound
	}
	return sub, nil
}

// Subscriptions lists subscriptions, optionally restricted to an owner.
func (s *Store) Subscriptions(ownerID string) []models.Subscription {
	s.subsMu.RLock()
	out := make([]models.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if ownerID == "" || sub.OwnerID == ownerID {
			out = append(out, sub)
		}
	}
	s.subsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActivePushSubscriptions returns the active, unexpired push-mode
// subscriptions; the coordinator uses it to scope fanout work.
func (s *Store) ActivePushSubscriptions() []models.Subscription {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	out := make([]models.Subscription, 0)
	for _, sub := range s.subs {
		if sub.Mode == models.ModePush && sub.Active {
			out = append(out, sub)
		}
	}
	return out
}

// DeleteSubscription removes a subscription and its cursor.
func (s *Store) DeleteSubscription(id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.subsMu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	s.subsMu.Unlock()
	if !ok {
		return ErrSubscriptionNotFound
	}
	if err := s.db.Delete([]byte(prefixSub+id), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.DeleteCursor(id)
}
