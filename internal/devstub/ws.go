package devstub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	wsPingInterval   = 30 * time.Second
	wsWriteTimeout   = 10 * time.Second
	wsReadTimeout    = 60 * time.Second
	wsMaxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleChatSocket serves /ws/chat/:user_id.
func (s *Server) handleChatSocket(c echo.Context) error {
	return s.serveSocket(c, chatTopic(c.Param("user_id")))
}

// handleDeviceSocket serves /ws/:user_id/:device_id. A device
// connection also receives the user's chat, as the push service does.
func (s *Server) handleDeviceSocket(c echo.Context) error {
	return s.serveSocket(c, deviceTopic(c.Param("device_id")), chatTopic(c.Param("user_id")))
}

func (s *Server) serveSocket(c echo.Context, topics ...string) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return err
	}
	ws.SetReadLimit(wsMaxMessageSize)

	sub := s.hub.newSubscriber(ws, topics...)
	s.hub.Register(sub)

	go s.writePump(sub)
	go s.readPump(sub)
	return nil
}

// readPump discards client frames; the stub only pushes.
func (s *Server) readPump(sub *subscriber) {
	defer func() {
		s.hub.Unregister(sub)
		sub.ws.Close()
	}()

	_ = sub.ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	sub.ws.SetPongHandler(func(string) error {
		return sub.ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		if _, _, err := sub.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket closed", "id", sub.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(sub *subscriber) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		sub.ws.Close()
	}()

	for {
		select {
		case message, ok := <-sub.send:
			_ = sub.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = sub.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sub.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
