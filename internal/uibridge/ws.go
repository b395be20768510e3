package uibridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single frame write to a UI client.
const writeTimeout = 5 * time.Second

func registerWSRoute(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			slog.Warn("uibridge: websocket accept failed", "err", err)
			return
		}
		defer conn.CloseNow()

		// Clients never send; CloseRead handles control frames and cancels
		// ctx once the peer goes away.
		ctx := conn.CloseRead(r.Context())

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		hello, err := json.Marshal(ConnectionEvent{Event: newEvent("connection", hub.now()), Connected: true})
		if err == nil {
			if err := write(ctx, conn, hello); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "hub closed")
					return
				}
				if err := write(ctx, conn, msg); err != nil {
					slog.Debug("uibridge: websocket write failed", "err", err)
					return
				}
			}
		}
	})
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
