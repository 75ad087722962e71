package debugsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/events"
	"github.com/alivehq/agentpool/internal/events/bus"
)

// eventTailBuffer bounds how far one WebSocket client may fall behind before
// events are dropped for it. Bus handlers must never block on a slow client.
const eventTailBuffer = 256

// handleEvents handles GET /debug/pool/events: upgrades to WebSocket and
// tails every pool lifecycle event until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not configured"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	log := s.log.WithFields(zap.String("remote", c.ClientIP()))
	log.Info("event tail connected")

	eventCh := make(chan *bus.Event, eventTailBuffer)
	sub, err := s.bus.Subscribe(events.BuildPoolWildcardSubject(), func(_ context.Context, ev *bus.Event) error {
		select {
		case eventCh <- ev:
		default:
			// Client is too far behind; drop the event for this tail only.
		}
		return nil
	})
	if err != nil {
		log.Error("event subscription failed", zap.Error(err))
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var wg sync.WaitGroup

	// The tail is one-way; reads only notice the client leaving.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Closing the connection unblocks the read goroutine.
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				data, err := json.Marshal(ev)
				if err != nil {
					log.Error("failed to marshal event", zap.Error(err))
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()

	wg.Wait()
	if err := sub.Unsubscribe(); err != nil {
		log.Debug("event tail unsubscribe failed", zap.Error(err))
	}
	log.Info("event tail disconnected")
}
