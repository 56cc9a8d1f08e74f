package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"datapulse/internal/engine"
	"datapulse/internal/models"
	"datapulse/pkg/jwt"
)

type wsCommand struct {
	Action         string `json:"action"`
	SubscriptionID string `json:"subscriptionId"`
}

// WS upgrades the connection and runs the inbound command loop. Outbound
// traffic (data frames, pings, command replies) is owned by the fanout's
// per-connection writer.
func WS(allowedOrigins []string, f *engine.Fanout, st subscriptionSource, v *jwt.Validator, idleTimeout time.Duration) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"bearer"},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" { // CLI/servers
				return true
			}
			for _, o := range allowedOrigins {
				o = strings.TrimSpace(o)
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			if h := r.Header.Get("Authorization"); h != "" {
				parts := strings.SplitN(h, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
					token = parts[1]
				}
			}
		}
		p, err := v.Validate(token)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "auth", "invalid token")
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		conn := f.Register(ws)
		defer conn.Close()

		ws.SetReadLimit(4 << 10)
		_ = ws.SetReadDeadline(time.Now().Add(idleTimeout))
		ws.SetPongHandler(func(string) error {
			conn.Touch()
			return ws.SetReadDeadline(time.Now().Add(idleTimeout))
		})

		for {
			var cmd wsCommand
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			conn.Touch()
			_ = ws.SetReadDeadline(time.Now().Add(idleTimeout))

			switch cmd.Action {
			case "subscribe":
				handleSubscribe(conn, st, p, cmd.SubscriptionID)
			case "unsubscribe":
				conn.Unsubscribe(cmd.SubscriptionID)
				conn.SendFrame(engine.PushFrame{Type: "unsubscribed", SubscriptionID: cmd.SubscriptionID})
			case "ping":
				conn.SendFrame(engine.PushFrame{Type: "pong"})
			default:
				conn.SendFrame(engine.PushFrame{Type: "error", Message: "unknown action"})
			}
		}
	}
}

// subscriptionSource is the slice of the store the ownership check needs.
type subscriptionSource interface {
	Subscription(id string) (models.Subscription, error)
}

func handleSubscribe(conn *engine.Conn, st subscriptionSource, p models.Principal, subID string) {
	sub, err := st.Subscription(subID)
	if err != nil || !p.Owns(sub.OwnerID) {
		conn.SendFrame(engine.PushFrame{Type: "error", SubscriptionID: subID, Message: "subscription not found"})
		return
	}
	cursor, err := conn.Subscribe(subID)
	if err != nil {
		log.Debug().Err(err).Str("sub", subID).Msg("ws subscribe rejected")
		conn.SendFrame(engine.PushFrame{Type: "error", SubscriptionID: subID, Message: err.Error()})
		return
	}
	conn.SendFrame(engine.PushFrame{Type: "subscribed", SubscriptionID: subID, Cursor: cursor})
}
