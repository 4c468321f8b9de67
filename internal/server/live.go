package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func wsUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// live pushes the live percentages to a websocket client right away and
// then on every push interval, until the client goes away
func (s *Server) live(c *websocket.Conn) {
	s.log.Debug("live client connected")
	defer s.log.Debug("live client disconnected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.WithError(err).Warn("live client read failed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.push)
	defer ticker.Stop()
	for {
		if err := c.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return
		}
		if err := c.WriteJSON(s.liveBody()); err != nil {
			return
		}

		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
