package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Lianghan-Zhang/ecse-test/internal/logutil"
	"github.com/Lianghan-Zhang/ecse-test/internal/protocol"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and serves ADVISE, CANCEL, and PING
// messages until the client goes away. Runs still in flight when the
// connection drops are cancelled.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := logutil.FromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	var mu sync.Mutex
	send := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	a, err := h.advisorFor(r.Context(), nil)
	if err != nil {
		_ = send(protocol.NewError("", err.Error()))
		return
	}
	d := &protocol.Dispatcher{Advisor: a, Registry: h.Runs, Send: send, Logger: log, Meta: h.meta}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		d.Wait()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("ws read error", zap.Error(err))
			}
			return
		}
		d.HandleMessage(ctx, msg)
	}
}
