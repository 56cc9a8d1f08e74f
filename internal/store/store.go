// Package store persists the engine-owned state in a single Pebble database:
// the append-only record log, per-subscription cursors, subscription and
// webhook endpoint registries, and a bounded delivery-attempt history.
//
// Key layout:
//
//	/records/{seq:016x}            -> msgpack(Record)
//	/recordseq                     -> uint64 (last assigned record id)
//	/cursor/{subscriptionID}       -> uint64
//	/sub/{subscriptionID}          -> msgpack(Subscription)
//	/endpoint/{endpointID}         -> msgpack(WebhookEndpoint)
//	/attempt/{endpointID}/{seq:016x} -> msgpack(DeliveryAttempt)
//	/attemptseq                    -> uint64
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"datapulse/internal/models"
)

const (
	prefixRecord   = "/records/"
	keyRecordSeq   = "/recordseq"
	prefixCursor   = "/cursor/"
	prefixSub      = "/sub/"
	prefixEndpoint = "/endpoint/"
	prefixAttempt  = "/attempt/"
	keyAttemptSeq  = "/attemptseq"
)

// ErrUnavailable wraps storage failures so callers can fail closed instead of
// guessing state (e.g. a poll must never fall back to cursor 0).
var ErrUnavailable = errors.New("store unavailable")

var ErrClosed = errors.New("store closed")

// Store owns the Pebble handle and the in-memory caches layered on top of it.
type Store struct {
	db   *pebble.DB
	path string

	nextRecordSeq  atomic.Uint64
	nextAttemptSeq atomic.Uint64
	appendMu       sync.Mutex
	attemptMu      sync.Mutex

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	subs   map[string]models.Subscription
	subsMu sync.RWMutex

	endpoints   map[string]models.WebhookEndpoint
	endpointsMu sync.RWMutex

	attemptRetain int

	closed atomic.Bool
}

// Open creates or reopens the engine store under dataDir. attemptRetain bounds
// how many delivery attempts are kept per endpoint; pruning is advisory.
func Open(dataDir string, attemptRetain int) (*Store, error) {
	path := filepath.Join(dataDir, "engine")

	opts := &pebble.Options{
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		DisableWAL:                  false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open engine store at %s: %w", path, err)
	}

	if attemptRetain <= 0 {
		attemptRetain = 500
	}

	s := &Store{
		db:            db,
		path:          path,
		cursors:       make(map[string]uint64),
		subs:          make(map[string]models.Subscription),
		endpoints:     make(map[string]models.WebhookEndpoint),
		attemptRetain: attemptRetain,
	}

	for _, load := range []func() error{s.loadSeqs, s.loadCursors, s.loadSubscriptions, s.loadEndpoints} {
		if err := load(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) loadSeqs() error {
	for _, k := range []struct {
		key string
		dst *atomic.Uint64
	}{
		{keyRecordSeq, &s.nextRecordSeq},
		{keyAttemptSeq, &s.nextAttemptSeq},
	} {
		v, err := s.getUint64(k.key)
		if err != nil {
			return err
		}
		k.dst.Store(v)
	}
	return nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.db.Close()
}

func (s *Store) getUint64(key string) (uint64, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupted counter %s: length %d", key, len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

func (s *Store) setUint64(b *pebble.Batch, key string, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return b.Set([]byte(key), buf, pebble.Sync)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return msgpack.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func recordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixRecord, id))
}

func attemptKey(endpointID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", prefixAttempt, endpointID, seq))
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}

func (s *Store) scanPrefix(prefix string, fn func(key string, val []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixUpperBound(p)})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := fn(string(iter.Key()[len(p):]), val); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) logCorrupt(key string, err error) {
	log.Warn().Err(err).Str("key", key).Msg("skipping corrupted store entry")
}
