package engine

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"datapulse/internal/models"
	"datapulse/internal/store"
)

// DispatcherConfig tunes the webhook delivery pool.
type DispatcherConfig struct {
	Workers          int
	QueueSize        int
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	Timeout          time.Duration
	DisableThreshold int
}

func (c *DispatcherConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = 10
	}
}

type deliveryJob struct {
	deliveryID string
	endpointID string
	rec        models.Record
	attempt    int
}

// Dispatcher delivers records to webhook endpoints through a bounded worker
// pool, with signed payloads, exponential backoff retries and automatic
// endpoint disablement after sustained failure.
type Dispatcher struct {
	store  *store.Store
	client *http.Client
	cfg    DispatcherConfig

	jobs    chan deliveryJob
	stop    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
	timerWg sync.WaitGroup

	lockMu  sync.Mutex
	epLocks map[string]*sync.Mutex
}

func NewDispatcher(s *store.Store, cfg DispatcherConfig) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		store:   s,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		jobs:    make(chan deliveryJob, cfg.QueueSize),
		stop:    make(chan struct{}),
		epLocks: make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	log.Info().Int("workers", d.cfg.Workers).Msg("webhook dispatcher started")
}

// Stop drains nothing: queued jobs are abandoned, in-flight attempts run to
// completion inside their worker before the pool exits.
func (d *Dispatcher) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	close(d.stop)
	d.wg.Wait()
	d.timerWg.Wait()
	log.Info().Msg("webhook dispatcher stopped")
}

// Dispatch enqueues the first delivery attempt for a record to an endpoint.
// Never blocks: the caller is the coordinator loop, and a webhook backlog must
// not stall push fanout. On overflow the delivery is dropped and counted.
func (d *Dispatcher) Dispatch(ep models.WebhookEndpoint, rec models.Record) {
	if d.stopped.Load() || !ep.Enabled {
		return
	}
	j := deliveryJob{
		deliveryID: uuid.NewString(),
		endpointID: ep.ID,
		rec:        rec,
		attempt:    1,
	}
	select {
	case d.jobs <- j:
		webhookQueueGauge.Inc()
	default:
		webhookDroppedCtr.Inc()
		log.Warn().
			Str("endpoint", ep.ID).
			Uint64("record", rec.ID).
			Msg("webhook dispatch queue full, delivery dropped")
	}
}

// enqueue is the retry path: it runs on a dedicated timer goroutine, so
// waiting for a queue slot is acceptable there.
func (d *Dispatcher) enqueue(j deliveryJob) {
	select {
	case d.jobs <- j:
		webhookQueueGauge.Inc()
	case <-d.stop:
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case j := <-d.jobs:
			webhookQueueGauge.Dec()
			d.process(j)
		}
	}
}

// process re-reads the endpoint at dequeue time: deliveries queued before an
// endpoint was disabled or deleted are dropped here, not sent.
func (d *Dispatcher) process(j deliveryJob) {
	ep, err := d.store.Endpoint(j.endpointID)
	if err != nil || !ep.Enabled {
		return
	}

	// One in-flight attempt per endpoint, so retry interleavings cannot
	// reorder successes on the receiver.
	mu := d.endpointLock(j.endpointID)
	mu.Lock()
	defer mu.Unlock()

	d.deliver(ep, j)
}

func (d *Dispatcher) deliver(ep models.WebhookEndpoint, j deliveryJob) {
	now := time.Now()
	// The delivery id is stable across retries (receivers dedupe on it);
	// each attempt row gets its own id.
	att := models.DeliveryAttempt{
		ID:          fmt.Sprintf("%s.%d", j.deliveryID, j.attempt),
		EndpointID:  ep.ID,
		RecordID:    j.rec.ID,
		Attempt:     j.attempt,
		AttemptedAt: now,
	}

	status, err := d.send(ep, j, now)
	att.HTTPStatus = status

	if err == nil && status >= 200 && status < 300 {
		att.Status = models.DeliveryDelivered
		webhookDeliveredCtr.Inc()
		if _, uerr := d.store.UpdateEndpoint(ep.ID, func(e *models.WebhookEndpoint) {
			e.ConsecutiveFailures = 0
			e.LastTriggeredAt = now
		}); uerr != nil {
			log.Warn().Err(uerr).Str("endpoint", ep.ID).Msg("reset failure counter")
		}
		d.recordAttempt(att)
		return
	}

	webhookFailedCtr.Inc()
	if err != nil {
		att.Error = err.Error()
	} else {
		att.Error = fmt.Sprintf("http %d", status)
	}

	updated, uerr := d.store.UpdateEndpoint(ep.ID, func(e *models.WebhookEndpoint) {
		e.ConsecutiveFailures++
		if e.Enabled && e.ConsecutiveFailures >= d.cfg.DisableThreshold {
			e.Enabled = false
			e.DisabledAt = now
		}
	})
	if uerr != nil {
		log.Warn().Err(uerr).Str("endpoint", ep.ID).Msg("record delivery failure")
		updated = ep
	}
	if !updated.Enabled && ep.Enabled {
		log.Warn().
			Str("endpoint", ep.ID).
			Int("consecutive_failures", updated.ConsecutiveFailures).
			Msg("webhook endpoint auto-disabled")
	}

	if j.attempt < d.cfg.MaxAttempts && updated.Enabled {
		att.Status = models.DeliveryFailed
		delay := d.retryDelay(j.attempt)
		att.NextRetryAt = now.Add(delay)
		d.scheduleRetry(j, delay)
	} else {
		// Terminal: no further automatic retries until re-enable.
		att.Status = models.DeliveryAbandoned
	}

	d.recordAttempt(att)

	log.Warn().
		Str("endpoint", ep.ID).
		Uint64("record", j.rec.ID).
		Int("attempt", j.attempt).
		Str("status", string(att.Status)).
		Str("error", att.Error).
		Msg("webhook delivery failed")
}

func (d *Dispatcher) send(ep models.WebhookEndpoint, j deliveryJob, now time.Time) (int, error) {
	body, err := EncodePayload(j.rec, now)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(ep.Secret, now, body))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", now.Unix()))
	req.Header.Set(HeaderEvent, j.rec.Kind)
	req.Header.Set(HeaderDeliveryID, j.deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// backoffDelay is the deterministic part of the retry delay: base doubled per
// attempt, capped.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}
	return delay
}

// retryDelay adds jitter so a crowd of failing endpoints does not retry in
// lockstep.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := d.backoffDelay(attempt)
	return delay + time.Duration(rand.Int63n(int64(d.cfg.BackoffBase)))
}

func (d *Dispatcher) scheduleRetry(j deliveryJob, delay time.Duration) {
	next := j
	next.attempt++
	d.timerWg.Add(1)
	go func() {
		defer d.timerWg.Done()
		select {
		case <-time.After(delay):
			d.enqueue(next)
		case <-d.stop:
		}
	}()
}

func (d *Dispatcher) endpointLock(id string) *sync.Mutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	mu, ok := d.epLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		d.epLocks[id] = mu
	}
	return mu
}

func (d *Dispatcher) recordAttempt(att models.DeliveryAttempt) {
	if err := d.store.RecordAttempt(att); err != nil {
		log.Warn().Err(err).Str("endpoint", att.EndpointID).Msg("record delivery attempt")
	}
}
