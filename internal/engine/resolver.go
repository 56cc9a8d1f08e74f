package engine

import (
	"time"

	"datapulse/internal/filter"
	"datapulse/internal/models"
	"datapulse/internal/store"
)

const resolverBatchSize = 64

// PollResult is the answer to one poll call. Cursor is the id of the last
// record examined, matching or not, so unmatched records are skipped exactly
// once and never re-scanned.
type PollResult struct {
	Records []models.Record `json:"records"`
	Cursor  uint64          `json:"cursor"`
	HasMore bool            `json:"hasMore"`
}

// Resolver answers "what's new since my cursor" for polling subscriptions.
type Resolver struct {
	store *store.Store
}

func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Poll reads the subscription cursor, scans forward through the record log
// applying the subscription filter until limit matches are collected or the
// log is exhausted, and advances the cursor exactly once on success. A poll
// that fails mid-flight leaves the cursor untouched, so the caller retries
// the same window.
func (r *Resolver) Poll(subID string, limit int) (PollResult, error) {
	sub, err := r.store.Subscription(subID)
	if err != nil {
		return PollResult{}, err
	}
	if !sub.Active {
		return PollResult{}, ErrSubscriptionInactive
	}
	if sub.Expired(time.Now()) {
		return PollResult{}, ErrSubscriptionExpired
	}
	if limit <= 0 {
		limit = 50
	}

	cursor, err := r.store.Cursor(subID)
	if err != nil {
		return PollResult{}, err
	}

	scan := cursor
	matches := make([]models.Record, 0, limit)

scanLoop:
	for len(matches) < limit {
		batch, err := r.store.ReadAfter(scan, resolverBatchSize)
		if err != nil {
			return PollResult{}, err
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			scan = rec.ID
			if filter.Matches(rec, sub.Filter) {
				matches = append(matches, rec)
				if len(matches) == limit {
					break scanLoop
				}
			}
		}
	}

	hasMore := false
	if peek, err := r.store.ReadAfter(scan, 1); err != nil {
		return PollResult{}, err
	} else if len(peek) > 0 {
		hasMore = true
	}

	// Advance only now that the response is about to be produced. Even an
	// empty result moves the cursor past the scanned non-matching records.
	if scan > cursor {
		if err := r.store.AdvanceCursor(subID, scan); err != nil {
			return PollResult{}, err
		}
	}

	pollCtr.Inc()
	return PollResult{Records: matches, Cursor: scan, HasMore: hasMore}, nil
}
