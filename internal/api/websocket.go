package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"arb-core/internal/events"
)

// streamTopics are forwarded to websocket clients.
var streamTopics = []events.Event{
	events.EventKillSwitch,
	events.EventLiquidated,
	events.EventLegFailure,
	events.EventConnectivity,
	events.EventPositionOpen,
	events.EventPositionClose,
}

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams session alerts to an operator console until either side hangs up.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.SubscribeMany(streamTopics, 100)
	defer unsub()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.Logger.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
