package store

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
)

func (s *Store) loadCursors() error {
	return s.scanPrefix(prefixCursor, func(key string, val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for %s: length %d", key, len(val))
		}
		s.cursors[key] = binary.LittleEndian.Uint64(val)
		return nil
	})
}

// Cursor returns the last-delivered record id for a subscription. A
// subscription that has never been advanced starts at 0.
func (s *Store) Cursor(subID string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.cursorsMu.RLock()
	defer s.cursorsMu.RUnlock()
	return s.cursors[subID], nil
}

// AdvanceCursor moves the cursor forward, compare-and-swap style: the update
// succeeds only if newID is greater than the current value. A stale advance
// from a racing delivery path is a silent no-op, never an error, which makes
// concurrent advances from polling and a retried push commutative.
//
// The persist happens under the lock: racing advances must hit disk in the
// same order they win in memory, or a restart could regress the cursor.
func (s *Store) AdvanceCursor(subID string, newID uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.cursorsMu.Lock()
	defer s.cursorsMu.Unlock()

	cur := s.cursors[subID]
	if newID <= cur {
		return nil
	}

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, newID)
	if err := s.db.Set([]byte(prefixCursor+subID), val, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.cursors[subID] = newID
	return nil
}

// DeleteCursor removes cursor state when a subscription is deleted.
func (s *Store) DeleteCursor(subID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.cursorsMu.Lock()
	delete(s.cursors, subID)
	s.cursorsMu.Unlock()

	if err := s.db.Delete([]byte(prefixCursor+subID), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
