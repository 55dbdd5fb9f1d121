// Package ws streams live session snapshots to token-holding players
// over a websocket. Incoming messages are treated as heartbeats.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/vetohub/veto-backend/internal/live"
	"github.com/vetohub/veto-backend/internal/session"
)

type serverMessage struct {
	Type  string        `json:"type"` // "SessionState" | "Error"
	View  *session.View `json:"view,omitempty"`
	Error string        `json:"error,omitempty"`
}

func Handler(svc *session.Service, reg *live.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusBadRequest)
			return
		}

		// Connecting over the feed counts as presence.
		player, err := svc.Connect(r.Context(), token, remoteIP(r))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		feed := reg.Ensure(player.SessionID)
		out := make(chan session.View, 8)
		feed.Inbox() <- live.Join{ClientID: player.ID, Outbox: out}
		defer func() {
			feed.Inbox() <- live.Leave{ClientID: player.ID}
			// The request context is gone by now; release the seat on a
			// fresh one so presence stays honest.
			_ = svc.Disconnect(context.Background(), token)
		}()

		// Send the current state immediately so clients don't wait for
		// the next transition.
		if v, err := svc.State(r.Context(), player.SessionID); err == nil {
			writeView(r.Context(), conn, v)
		}

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for v := range out {
				writeView(writeCtx, conn, v)
			}
		}()

		// Reader loop: every message refreshes the player's heartbeat.
		for {
			ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
			_, _, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}
			_, _ = svc.Connect(r.Context(), token, "")
		}
	}
}

func writeView(ctx context.Context, conn *websocket.Conn, v session.View) {
	payload, err := json.Marshal(serverMessage{Type: "SessionState", View: &v})
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
