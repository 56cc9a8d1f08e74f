package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapulse/internal/models"
	"datapulse/internal/store"
)

// dialFanout spins up a websocket endpoint that registers every upgraded
// connection with the fanout, and returns the client side plus the server
// side Conn.
func dialFanout(t *testing.T, f *Fanout) (*websocket.Conn, *Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	connCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- f.Register(ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn := <-connCh
	return client, conn
}

func pushSub(t *testing.T, s *store.Store, id string, spec models.FilterSpec) models.Subscription {
	t.Helper()
	sub := models.Subscription{ID: id, Mode: models.ModePush, Active: true, Filter: spec}
	require.NoError(t, s.PutSubscription(sub))
	return sub
}

func TestFanoutDeliversMatchingRecord(t *testing.T) {
	s := openEngineStore(t)
	f := NewFanout(s, FanoutConfig{})
	sub := pushSub(t, s, "sub-1", models.FilterSpec{Kind: "trade"})

	client, conn := dialFanout(t, f)
	require.Equal(t, StateOpen, conn.State())

	cursor, err := conn.Subscribe("sub-1")
	require.NoError(t, err)
	assert.Zero(t, cursor)

	rec := models.Record{ID: 5, Kind: "trade", Symbol: "AAPL"}
	f.Dispatch(rec, []models.Subscription{sub})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame PushFrame
	require.NoError(t, client.ReadJSON(&frame))
	assert.Equal(t, "data", frame.Type)
	assert.Equal(t, "sub-1", frame.SubscriptionID)
	require.Len(t, frame.Records, 1)

	var got models.Record
	require.NoError(t, json.Unmarshal(frame.Records[0], &got))
	assert.Equal(t, uint64(5), got.ID)
	assert.False(t, frame.Gap)

	// Cursor advances only after the push write succeeds.
	require.Eventually(t, func() bool {
		cur, err := s.Cursor("sub-1")
		return err == nil && cur == 5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFanoutSkipsNonMatchingRecord(t *testing.T) {
	s := openEngineStore(t)
	f := NewFanout(s, FanoutConfig{})
	sub := pushSub(t, s, "sub-1", models.FilterSpec{Kind: "trade"})

	client, conn := dialFanout(t, f)
	_, err := conn.Subscribe("sub-1")
	require.NoError(t, err)

	f.Dispatch(models.Record{ID: 1, Kind: "quote"}, []models.Subscription{sub})
	f.Dispatch(models.Record{ID: 2, Kind: "trade"}, []models.Subscription{sub})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame PushFrame
	require.NoError(t, client.ReadJSON(&frame))

	var got models.Record
	require.NoError(t, json.Unmarshal(frame.Records[0], &got))
	// Record 1 failed the filter and was never delivered.
	assert.Equal(t, uint64(2), got.ID)
}

func TestSubscribeRejectsPollingSubscription(t *testing.T) {
	s := openEngineStore(t)
	f := NewFanout(s, FanoutConfig{})
	require.NoError(t, s.PutSubscription(models.Subscription{
		ID: "sub-1", Mode: models.ModePolling, Active: true,
	}))

	_, conn := dialFanout(t, f)
	_, err := conn.Subscribe("sub-1")
	assert.ErrorIs(t, err, ErrWrongMode)

	require.NoError(t, s.PutSubscription(models.Subscription{
		ID: "sub-2", Mode: models.ModePush, Active: false,
	}))
	_, err = conn.Subscribe("sub-2")
	assert.ErrorIs(t, err, ErrSubscriptionInactive)

	_, err = conn.Subscribe("missing")
	assert.ErrorIs(t, err, store.ErrSubscriptionNotFound)
}

func TestEnqueueOverflowDropsOldestAndFlagsGap(t *testing.T) {
	s := openEngineStore(t)
	f := NewFanout(s, FanoutConfig{QueueSize: 2})

	// Hand-built connection with no writer goroutine so the queue fills
	// deterministically.
	c := &Conn{f: f, out: make(chan pushMsg, 2), done: make(chan struct{}), subs: map[string]struct{}{}}
	c.state.Store(int32(StateOpen))

	c.enqueue(pushMsg{recordID: 1})
	c.enqueue(pushMsg{recordID: 2})
	assert.False(t, c.gap.Load())

	c.enqueue(pushMsg{recordID: 3})
	assert.True(t, c.gap.Load())

	// Oldest dropped; 2 and 3 remain in order.
	m := <-c.out
	assert.Equal(t, uint64(2), m.recordID)
	m = <-c.out
	assert.Equal(t, uint64(3), m.recordID)

	// The gap flag is consumed by the next data frame.
	assert.True(t, c.gap.Swap(false))
	assert.False(t, c.gap.Load())
}

func TestFaultedConnectionDoesNotBlockOthers(t *testing.T) {
	s := openEngineStore(t)
	f := NewFanout(s, FanoutConfig{})
	sub := pushSub(t, s, "sub-1", models.FilterSpec{})

	clientA, connA := dialFanout(t, f)
	clientB, connB := dialFanout(t, f)
	_, err := connA.Subscribe("sub-1")
	require.NoError(t, err)
	_, err = connB.Subscribe("sub-1")
	require.NoError(t, err)

	// Kill A's transport underneath the fanout.
	clientA.Close()
	connA.fault()

	f.Dispatch(models.Record{ID: 1, Kind: "trade"}, []models.Subscription{sub})

	clientB.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame PushFrame
	require.NoError(t, clientB.ReadJSON(&frame))
	assert.Equal(t, "data", frame.Type)

	assert.Equal(t, StateFaulted, connA.State())
}

func TestCloseIsIdempotentAndConcurrencySafe(t *testing.T) {
	s := openEngineStore(t)
	f := NewFanout(s, FanoutConfig{})
	pushSub(t, s, "sub-1", models.FilterSpec{})

	_, conn := dialFanout(t, f)
	_, err := conn.Subscribe("sub-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()
	conn.Close()
	<-done

	assert.Equal(t, StateClosed, conn.State())

	f.mu.RLock()
	_, registered := f.conns[conn]
	subscribers := len(f.bySub["sub-1"])
	f.mu.RUnlock()
	assert.False(t, registered)
	assert.Zero(t, subscribers)
}

func TestDispatchInOrderPerConnection(t *testing.T) {
	s := openEngineStore(t)
	f := NewFanout(s, FanoutConfig{})
	sub := pushSub(t, s, "sub-1", models.FilterSpec{})

	client, conn := dialFanout(t, f)
	_, err := conn.Subscribe("sub-1")
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		f.Dispatch(models.Record{ID: uint64(i), Kind: "trade"}, []models.Subscription{sub})
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var last uint64
	for i := 0; i < 10; i++ {
		var frame PushFrame
		require.NoError(t, client.ReadJSON(&frame))
		var got models.Record
		require.NoError(t, json.Unmarshal(frame.Records[0], &got))
		assert.Greater(t, got.ID, last)
		last = got.ID
	}
	assert.Equal(t, uint64(10), last)
}
