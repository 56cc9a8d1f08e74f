package store

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"datapulse/internal/models"
)

// Append writes the record to the log and assigns its id. Ids are strictly
// increasing and never reused; the in-memory counter is only bumped after the
// batch commits, so a crash cannot hand out an id that was never durable.
func (s *Store) Append(rec models.Record) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	id := s.nextRecordSeq.Load() + 1
	rec.ID = id
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	val, err := encode(&rec)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(recordKey(id), val, pebble.Sync); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.setUint64(batch, keyRecordSeq, id); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.nextRecordSeq.Store(id)
	return id, nil
}

// ReadAfter returns up to limit records with id > after, ordered ascending.
func (s *Store) ReadAfter(after uint64, limit int) ([]models.Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	start := recordKey(after + 1)
	prefix := []byte(prefixRecord)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	records := make([]models.Record, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(records) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var rec models.Record
		if err := decode(val, &rec); err != nil {
			s.logCorrupt(string(iter.Key()), err)
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return records, nil
}

// Record returns a single record by id.
func (s *Store) Record(id uint64) (models.Record, error) {
	if s.closed.Load() {
		return models.Record{}, ErrClosed
	}

	val, closer, err := s.db.Get(recordKey(id))
	if err == pebble.ErrNotFound {
		return models.Record{}, fmt.Errorf("record %d not found", id)
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer closer.Close()

	var rec models.Record
	if err := decode(val, &rec); err != nil {
		return models.Record{}, fmt.Errorf("decode record %d: %w", id, err)
	}
	return rec, nil
}

// LastID returns the highest record id ever assigned.
func (s *Store) LastID() uint64 {
	return s.nextRecordSeq.Load()
}
