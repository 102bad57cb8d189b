package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) upgrader() *websocket.Upgrader {
	origins := s.config.Security.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleWebSocket streams machine events to the client as JSON text frames.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader().Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}

	client := &Client{
		hub:  s.hub,
		conn: ws,
		send: make(chan []byte, 256),
	}

	if !client.hub.join(client) {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = ws.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()

	return nil
}

// GetWebSocketStats returns WebSocket connection statistics
func (s *Server) GetWebSocketStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connected_clients": s.hub.ClientCount(),
		"status":            "operational",
	})
}
