package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// local tool; the API binds to loopback by default
		return true
	},
}

// handleWebsocket streams every bus event to the client as JSON. A
// slow client falls behind per the bus's drop-oldest policy instead of
// stalling publishers.
func (s *Server) handleWebsocket(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event bus is disabled"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	send := make(chan *bus.Event, 64)
	sub, err := s.bus.Subscribe(">", func(_ context.Context, ev *bus.Event) error {
		select {
		case send <- ev:
		default: // the bus already tracks lossiness; don't block its dispatcher
		}
		return nil
	})
	if err != nil {
		s.log.Warn("websocket bus subscribe failed", zap.Error(err))
		conn.Close()
		return
	}

	s.log.Info("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	done := make(chan struct{})
	go func() {
		// detect client disconnect; inbound frames are ignored
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		sub.Unsubscribe()
		conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case ev := <-send:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
