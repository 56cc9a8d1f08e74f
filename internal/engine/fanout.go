package engine

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"datapulse/internal/filter"
	"datapulse/internal/models"
	"datapulse/internal/store"
)

// Connection lifecycle. A faulted connection is closed without retry; the
// consumer reconnects and catches up from its cursor via polling.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateFaulted
	StateClosed
)

const connWriteTimeout = 5 * time.Second

// PushFrame is a server-to-client message on a live connection.
type PushFrame struct {
	Type           string            `json:"type"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
	Records        []json.RawMessage `json:"records,omitempty"`
	Cursor         uint64            `json:"cursor,omitempty"`
	Gap            bool              `json:"gap,omitempty"`
	Message        string            `json:"message,omitempty"`
}

type pushMsg struct {
	subID    string
	recordID uint64
	data     json.RawMessage
}

// FanoutConfig tunes per-connection queues and keepalive behaviour.
type FanoutConfig struct {
	QueueSize    int
	PingInterval time.Duration
	IdleTimeout  time.Duration
}

func (c *FanoutConfig) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
}

// Fanout broadcasts newly ingested records to the open connections whose
// subscriptions match. One slow consumer never stalls the others: every
// connection has its own bounded queue and writer goroutine.
type Fanout struct {
	store *store.Store
	cfg   FanoutConfig

	mu    sync.RWMutex
	conns map[*Conn]struct{}
	bySub map[string]map[*Conn]struct{}
}

func NewFanout(s *store.Store, cfg FanoutConfig) *Fanout {
	cfg.defaults()
	return &Fanout{
		store: s,
		cfg:   cfg,
		conns: make(map[*Conn]struct{}),
		bySub: make(map[string]map[*Conn]struct{}),
	}
}

// Conn is one live push connection. Interest in subscriptions is registered
// after the connection reaches Open.
type Conn struct {
	ID string

	f        *Fanout
	ws       *websocket.Conn
	state    atomic.Int32
	out      chan pushMsg
	ctrl     chan PushFrame
	gap      atomic.Bool
	done     chan struct{}
	teardown sync.Once
	lastRecv atomic.Int64

	mu   sync.Mutex
	subs map[string]struct{}
}

// Register attaches a websocket to the fanout and starts its writer. The
// returned connection is Open and ready for Subscribe calls.
func (f *Fanout) Register(ws *websocket.Conn) *Conn {
	c := &Conn{
		ID:   uuid.NewString(),
		f:    f,
		ws:   ws,
		out:  make(chan pushMsg, f.cfg.QueueSize),
		ctrl: make(chan PushFrame, 16),
		done: make(chan struct{}),
		subs: make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.Touch()

	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.mu.Unlock()

	c.state.Store(int32(StateOpen))
	pushConnsGauge.Inc()

	go c.writeLoop()
	return c
}

// Dispatch serializes the record once and hands it to every open connection
// registered to a subscription whose filter matches. Called by the
// coordinator in record-id order, which keeps per-connection delivery order
// increasing.
func (f *Fanout) Dispatch(rec models.Record, subs []models.Subscription) {
	var raw json.RawMessage
	for _, sub := range subs {
		if !filter.Matches(rec, sub.Filter) {
			continue
		}
		f.mu.RLock()
		targets := make([]*Conn, 0, len(f.bySub[sub.ID]))
		for c := range f.bySub[sub.ID] {
			targets = append(targets, c)
		}
		f.mu.RUnlock()
		if len(targets) == 0 {
			continue
		}
		if raw == nil {
			b, err := json.Marshal(rec)
			if err != nil {
				log.Error().Err(err).Uint64("record", rec.ID).Msg("marshal record for push")
				return
			}
			raw = b
		}
		for _, c := range targets {
			if ConnState(c.state.Load()) != StateOpen {
				continue
			}
			c.enqueue(pushMsg{subID: sub.ID, recordID: rec.ID, data: raw})
		}
	}
}

// enqueue never blocks. When the queue is full the oldest undelivered push is
// dropped and a gap is flagged so the consumer knows to catch up by polling.
func (c *Conn) enqueue(m pushMsg) {
	select {
	case c.out <- m:
		return
	default:
	}
	select {
	case <-c.out:
		pushDropsCtr.Inc()
		c.gap.Store(true)
	default:
	}
	select {
	case c.out <- m:
	default:
		pushDropsCtr.Inc()
		c.gap.Store(true)
	}
}

// Subscribe registers interest and returns the subscription's current cursor
// so the client can decide whether to poll for catch-up first.
func (c *Conn) Subscribe(subID string) (uint64, error) {
	sub, err := c.f.store.Subscription(subID)
	if err != nil {
		return 0, err
	}
	if sub.Mode != models.ModePush {
		return 0, ErrWrongMode
	}
	if !sub.Active {
		return 0, ErrSubscriptionInactive
	}
	if sub.Expired(time.Now()) {
		return 0, ErrSubscriptionExpired
	}

	cursor, err := c.f.store.Cursor(subID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.subs[subID] = struct{}{}
	c.mu.Unlock()

	c.f.mu.Lock()
	set, ok := c.f.bySub[subID]
	if !ok {
		set = make(map[*Conn]struct{})
		c.f.bySub[subID] = set
	}
	set[c] = struct{}{}
	c.f.mu.Unlock()

	return cursor, nil
}

func (c *Conn) Unsubscribe(subID string) {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()

	c.f.mu.Lock()
	if set, ok := c.f.bySub[subID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(c.f.bySub, subID)
		}
	}
	c.f.mu.Unlock()
}

// SendFrame queues a protocol frame (pong, subscribed, error) on the
// connection's writer. Non-blocking; a wedged connection drops the frame and
// gets cleaned up by the idle check or a failed write.
func (c *Conn) SendFrame(frame PushFrame) {
	select {
	case c.ctrl <- frame:
	default:
	}
}

// Touch marks client activity; the reader calls it for every inbound frame
// including pongs, resetting the idle timeout.
func (c *Conn) Touch() {
	c.lastRecv.Store(time.Now().UnixNano())
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Close shuts the connection down gracefully. Safe to call concurrently with
// an in-flight fanout write and safe to call more than once.
func (c *Conn) Close() {
	c.shutdown(StateClosing, StateClosed, websocket.CloseNormalClosure)
}

func (c *Conn) fault() {
	c.shutdown(StateFaulted, StateFaulted, websocket.CloseInternalServerErr)
}

func (c *Conn) shutdown(via, final ConnState, closeCode int) {
	c.teardown.Do(func() {
		c.state.Store(int32(via))
		close(c.done)

		c.mu.Lock()
		subIDs := make([]string, 0, len(c.subs))
		for id := range c.subs {
			subIDs = append(subIDs, id)
		}
		c.subs = make(map[string]struct{})
		c.mu.Unlock()

		c.f.mu.Lock()
		delete(c.f.conns, c)
		for _, id := range subIDs {
			if set, ok := c.f.bySub[id]; ok {
				delete(set, c)
				if len(set) == 0 {
					delete(c.f.bySub, id)
				}
			}
		}
		c.f.mu.Unlock()

		msg := websocket.FormatCloseMessage(closeCode, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()

		c.state.Store(int32(final))
		pushConnsGauge.Dec()
	})
}

// writeLoop is the single writer for the connection: data frames, keepalive
// pings and the idle check all live here. A write failure faults the
// connection; no retry happens on this transport.
func (c *Conn) writeLoop() {
	ping := time.NewTicker(c.f.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.ctrl:
			_ = c.ws.SetWriteDeadline(time.Now().Add(connWriteTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.fault()
				return
			}
		case m := <-c.out:
			frame := PushFrame{
				Type:           "data",
				SubscriptionID: m.subID,
				Records:        []json.RawMessage{m.data},
				Gap:            c.gap.Swap(false),
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(connWriteTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				log.Warn().Err(err).Str("conn", c.ID).Msg("push write failed")
				c.fault()
				return
			}
			pushSentCtr.Inc()
			if err := c.f.store.AdvanceCursor(m.subID, m.recordID); err != nil {
				log.Warn().Err(err).Str("sub", m.subID).Msg("cursor advance after push")
			}
		case <-ping.C:
			idle := time.Since(time.Unix(0, c.lastRecv.Load()))
			if idle > c.f.cfg.IdleTimeout {
				log.Info().Str("conn", c.ID).Dur("idle", idle).Msg("closing idle push connection")
				c.Close()
				return
			}
			deadline := time.Now().Add(connWriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				c.fault()
				return
			}
		}
	}
}
