package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"datapulse/internal/models"
)

var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// pruneInterval controls how often per-endpoint attempt history is pruned.
const pruneInterval = 0x3F // every 64 recorded attempts

func (s *Store) loadEndpoints() error {
	return s.scanPrefix(prefixEndpoint, func(key string, val []byte) error {
		var ep models.WebhookEndpoint
		if err := decode(val, &ep); err != nil {
			s.logCorrupt(prefixEndpoint+key, err)
			return nil
		}
		s.endpoints[ep.ID] = ep
		return nil
	})
}

// PutEndpoint inserts or replaces a webhook endpoint.
func (s *Store) PutEndpoint(ep models.WebhookEndpoint) error {
	if s.closed.Load() {
		return ErrClosed
	}
	val, err := encode(&ep)
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}
	if err := s.db.Set([]byte(prefixEndpoint+ep.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.endpointsMu.Lock()
	s.endpoints[ep.ID] = ep
	s.endpointsMu.Unlock()
	return nil
}

// Endpoint returns a webhook endpoint by id.
func (s *Store) Endpoint(id string) (models.WebhookEndpoint, error) {
	s.endpointsMu.RLock()
	ep, ok := s.endpoints[id]
	s.endpointsMu.RUnlock()
	if !ok {
		return models.WebhookEndpoint{}, ErrEndpointNotFound
	}
	return ep, nil
}

// Endpoints lists endpoints, optionally restricted to an owner.
func (s *Store) Endpoints(ownerID string) []models.WebhookEndpoint {
	s.endpointsMu.RLock()
	out := make([]models.WebhookEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if ownerID == "" || ep.OwnerID == ownerID {
			out = append(out, ep)
		}
	}
	s.endpointsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnabledEndpointsForKind returns the enabled endpoints whose declared event
// kinds admit the given record kind.
func (s *Store) EnabledEndpointsForKind(kind string) []models.WebhookEndpoint {
	s.endpointsMu.RLock()
	defer s.endpointsMu.RUnlock()
	out := make([]models.WebhookEndpoint, 0)
	for _, ep := range s.endpoints {
		if ep.Enabled && ep.WantsKind(kind) {
			out = append(out, ep)
		}
	}
	return out
}

// UpdateEndpoint applies fn to the endpoint under the registry lock and
// persists the result. Used by the dispatcher to mutate failure counters and
// the enabled flag without racing management calls.
func (s *Store) UpdateEndpoint(id string, fn func(*models.WebhookEndpoint)) (models.WebhookEndpoint, error) {
	if s.closed.Load() {
		return models.WebhookEndpoint{}, ErrClosed
	}

	s.endpointsMu.Lock()
	ep, ok := s.endpoints[id]
	if !ok {
		s.endpointsMu.Unlock()
		return models.WebhookEndpoint{}, ErrEndpointNotFound
	}
	fn(&ep)
	s.endpoints[id] = ep
	s.endpointsMu.Unlock()

	val, err := encode(&ep)
	if err != nil {
		return models.WebhookEndpoint{}, fmt.Errorf("marshal endpoint: %w", err)
	}
	if err := s.db.Set([]byte(prefixEndpoint+id), val, pebble.Sync); err != nil {
		return models.WebhookEndpoint{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ep, nil
}

// DeleteEndpoint removes an endpoint and its attempt history.
func (s *Store) DeleteEndpoint(id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.endpointsMu.Lock()
	_, ok := s.endpoints[id]
	delete(s.endpoints, id)
	s.endpointsMu.Unlock()
	if !ok {
		return ErrEndpointNotFound
	}
	if err := s.db.Delete([]byte(prefixEndpoint+id), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	start := []byte(prefixAttempt + id + "/")
	if err := s.db.DeleteRange(start, prefixUpperBound(start), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecordAttempt appends a delivery attempt to the endpoint's history and
// prunes old entries periodically. Pruning failures are logged, never
// surfaced: retention is advisory, not a correctness dependency.
func (s *Store) RecordAttempt(att models.DeliveryAttempt) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	seq := s.nextAttemptSeq.Add(1)

	val, err := encode(&att)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(attemptKey(att.EndpointID, seq), val, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.setUint64(batch, keyAttemptSeq, seq); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if seq&pruneInterval == 0 {
		s.pruneAttempts(att.EndpointID)
	}
	return nil
}

// Attempts returns the most recent delivery attempts for an endpoint, newest
// first, up to limit.
func (s *Store) Attempts(endpointID string, limit int) ([]models.DeliveryAttempt, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	prefix := []byte(prefixAttempt + endpointID + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	out := make([]models.DeliveryAttempt, 0, limit)
	for valid := iter.Last(); valid && len(out) < limit; valid = iter.Prev() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var att models.DeliveryAttempt
		if err := decode(val, &att); err != nil {
			s.logCorrupt(string(iter.Key()), err)
			continue
		}
		out = append(out, att)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// AttemptCounts tallies the retained delivery attempts for an endpoint by
// status. The window is the bounded history, not all-time totals.
func (s *Store) AttemptCounts(endpointID string) (map[models.DeliveryStatus]int, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	counts := make(map[models.DeliveryStatus]int)
	prefix := []byte(prefixAttempt + endpointID + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var att models.DeliveryAttempt
		if err := decode(val, &att); err != nil {
			s.logCorrupt(string(iter.Key()), err)
			continue
		}
		counts[att.Status]++
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return counts, nil
}

func (s *Store) pruneAttempts(endpointID string) {
	prefix := []byte(prefixAttempt + endpointID + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return
	}

	var keys [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		keys = append(keys, k)
	}
	iter.Close()

	excess := len(keys) - s.attemptRetain
	if excess <= 0 {
		return
	}
	// Oldest keys sort first; delete up to the first retained one.
	if err := s.db.DeleteRange(keys[0], keys[excess], pebble.Sync); err != nil {
		s.logCorrupt(string(keys[0]), err)
	}
}
