package engine

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapulse/internal/models"
	"datapulse/internal/store"
)

func newTestDispatcher(t *testing.T, s *store.Store, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 5 * time.Millisecond
	}
	d := NewDispatcher(s, cfg)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestDispatchDeliversSignedPayload(t *testing.T) {
	s := openEngineStore(t)

	var gotBody []byte
	var gotSig, gotTS, gotEvent, gotDelivery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvent = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDeliveryID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := models.WebhookEndpoint{
		ID: "ep-1", URL: srv.URL, Secret: "s3cret",
		EventKinds: []string{"trade"}, Enabled: true,
		ConsecutiveFailures: 3,
	}
	require.NoError(t, s.PutEndpoint(ep))

	d := newTestDispatcher(t, s, DispatcherConfig{Workers: 2})
	d.Dispatch(ep, models.Record{ID: 42, Kind: "trade", Symbol: "AAPL"})

	require.Eventually(t, func() bool {
		atts, err := s.Attempts("ep-1", 10)
		return err == nil && len(atts) == 1 && atts[0].Status == models.DeliveryDelivered
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "trade", gotEvent)
	assert.NotEmpty(t, gotDelivery)
	require.NoError(t, VerifySignature("s3cret", gotSig, gotTS, gotBody, 5*time.Minute, time.Now()))

	// A 2xx resets the consecutive failure counter.
	got, err := s.Endpoint("ep-1")
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.False(t, got.LastTriggeredAt.IsZero())
}

func TestDispatchRetriesUntilAbandoned(t *testing.T) {
	s := openEngineStore(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep := models.WebhookEndpoint{ID: "ep-1", URL: srv.URL, Secret: "x", Enabled: true}
	require.NoError(t, s.PutEndpoint(ep))

	d := newTestDispatcher(t, s, DispatcherConfig{
		Workers: 2, MaxAttempts: 5, DisableThreshold: 100,
	})
	d.Dispatch(ep, models.Record{ID: 1, Kind: "trade"})

	require.Eventually(t, func() bool {
		atts, err := s.Attempts("ep-1", 10)
		return err == nil && len(atts) == 5
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(5), calls.Load())

	atts, err := s.Attempts("ep-1", 10)
	require.NoError(t, err)
	// Newest first: terminal attempt is abandoned, earlier ones failed with
	// monotonically increasing attempt numbers.
	assert.Equal(t, models.DeliveryAbandoned, atts[0].Status)
	assert.Equal(t, 5, atts[0].Attempt)
	for i := 1; i < len(atts); i++ {
		assert.Equal(t, models.DeliveryFailed, atts[i].Status)
		assert.Equal(t, 5-i, atts[i].Attempt)
	}

	got, err := s.Endpoint("ep-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.ConsecutiveFailures)
}

func TestDispatchAutoDisablesEndpoint(t *testing.T) {
	s := openEngineStore(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep := models.WebhookEndpoint{ID: "ep-1", URL: srv.URL, Secret: "x", Enabled: true}
	require.NoError(t, s.PutEndpoint(ep))

	d := newTestDispatcher(t, s, DispatcherConfig{
		Workers: 2, MaxAttempts: 5, DisableThreshold: 5,
	})
	d.Dispatch(ep, models.Record{ID: 1, Kind: "trade"})

	require.Eventually(t, func() bool {
		got, err := s.Endpoint("ep-1")
		return err == nil && !got.Enabled
	}, 5*time.Second, 5*time.Millisecond)

	got, err := s.Endpoint("ep-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.ConsecutiveFailures)
	assert.False(t, got.DisabledAt.IsZero())

	atts, err := s.Attempts("ep-1", 10)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryAbandoned, atts[0].Status)

	// A further record for the disabled endpoint produces zero attempts.
	before := calls.Load()
	fresh, err := s.Endpoint("ep-1")
	require.NoError(t, err)
	d.Dispatch(fresh, models.Record{ID: 2, Kind: "trade"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

func TestDispatchDropsJobsQueuedBeforeDisable(t *testing.T) {
	s := openEngineStore(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := models.WebhookEndpoint{ID: "ep-1", URL: srv.URL, Secret: "x", Enabled: true}
	require.NoError(t, s.PutEndpoint(ep))

	// No workers started: jobs sit in the queue.
	d := NewDispatcher(s, DispatcherConfig{Workers: 1, MaxAttempts: 1, DisableThreshold: 5})
	d.Dispatch(ep, models.Record{ID: 1, Kind: "trade"})
	d.Dispatch(ep, models.Record{ID: 2, Kind: "trade"})

	_, err := s.UpdateEndpoint("ep-1", func(e *models.WebhookEndpoint) { e.Enabled = false })
	require.NoError(t, err)

	d.Start()
	defer d.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestDispatchNonBlockingWhenQueueFull(t *testing.T) {
	s := openEngineStore(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := models.WebhookEndpoint{ID: "ep-1", URL: srv.URL, Secret: "x", Enabled: true}
	require.NoError(t, s.PutEndpoint(ep))

	// No workers running: the one-slot queue fills after the first dispatch.
	// The caller (the coordinator loop in production) must never stall on the
	// overflow, so every call returns promptly and the excess is dropped.
	d := NewDispatcher(s, DispatcherConfig{Workers: 1, QueueSize: 1, MaxAttempts: 1})
	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			d.Dispatch(ep, models.Record{ID: uint64(i), Kind: "trade"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatchSerializesPerEndpoint(t *testing.T) {
	s := openEngineStore(t)

	var inflight, maxInflight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			old := maxInflight.Load()
			if cur <= old || maxInflight.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := models.WebhookEndpoint{ID: "ep-1", URL: srv.URL, Secret: "x", Enabled: true}
	require.NoError(t, s.PutEndpoint(ep))

	d := newTestDispatcher(t, s, DispatcherConfig{Workers: 4, MaxAttempts: 1})
	for i := 1; i <= 6; i++ {
		d.Dispatch(ep, models.Record{ID: uint64(i), Kind: "trade"})
	}

	require.Eventually(t, func() bool {
		atts, err := s.Attempts("ep-1", 10)
		return err == nil && len(atts) == 6
	}, 5*time.Second, 5*time.Millisecond)

	// At most one in-flight attempt per endpoint at any time.
	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestBackoffDelayMonotonicAndCapped(t *testing.T) {
	d := NewDispatcher(openEngineStore(t), DispatcherConfig{
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
	})

	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		delay := d.backoffDelay(attempt)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, time.Second)
		prev = delay
	}
	assert.Equal(t, 100*time.Millisecond, d.backoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, d.backoffDelay(2))
	assert.Equal(t, time.Second, d.backoffDelay(10))
}
