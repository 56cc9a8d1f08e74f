package engine

import (
	"sync"

	"github.com/rs/zerolog/log"

	"datapulse/internal/models"
	"datapulse/internal/store"
)

// Coordinator receives record-ingested notifications and drives the push
// fanout and the webhook dispatcher. Ingestion never blocks on fanout: the
// notification is a coalesced wakeup, and the coordinator keeps its own
// position in the record log, so a missed wakeup is caught up on the next
// one. On startup the position begins at the newest record; restart does not
// re-broadcast history (pollers resume from their own cursors).
type Coordinator struct {
	store      *store.Store
	fanout     *Fanout
	dispatcher *Dispatcher

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

const coordinatorBatchSize = 128

func NewCoordinator(s *store.Store, f *Fanout, d *Dispatcher) *Coordinator {
	return &Coordinator{
		store:      s,
		fanout:     f,
		dispatcher: d,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (c *Coordinator) Start() {
	go c.run()
}

func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// Ingest appends a record and schedules its distribution. All ingest paths
// (HTTP, brokers, mock generator) go through here.
func (c *Coordinator) Ingest(rec models.Record) (uint64, error) {
	id, err := c.store.Append(rec)
	if err != nil {
		return 0, err
	}
	c.RecordIngested(id)
	return id, nil
}

// RecordIngested signals that the record with the given id is durably stored.
// Non-blocking: a full wakeup channel means a drain pass is already pending.
func (c *Coordinator) RecordIngested(id uint64) {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run() {
	defer close(c.done)

	cursor := c.store.LastID()
	log.Info().Uint64("cursor", cursor).Msg("distribution coordinator started")

	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}

		for {
			batch, err := c.store.ReadAfter(cursor, coordinatorBatchSize)
			if err != nil {
				log.Error().Err(err).Uint64("cursor", cursor).Msg("coordinator read")
				break
			}
			if len(batch) == 0 {
				break
			}
			subs := c.store.ActivePushSubscriptions()
			for _, rec := range batch {
				c.fanout.Dispatch(rec, subs)
				for _, ep := range c.store.EnabledEndpointsForKind(rec.Kind) {
					c.dispatcher.Dispatch(ep, rec)
				}
				cursor = rec.ID
			}
		}
	}
}
