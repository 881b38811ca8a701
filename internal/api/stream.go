package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamQueueSize  = 64
)

// streamedEvents are pushed to /api/monitor/stream subscribers.
var streamedEvents = []events.EventType{
	events.EventClientAdded,
	events.EventClientRemoved,
	events.EventClientDisconnected,
	events.EventCRCChallenge,
	events.EventCRCDesync,
	events.EventFlowChanged,
	events.EventNoInputChanged,
	events.EventStatsSample,
	events.EventAlert,
	events.EventConfigChanged,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origins are enforced by the CORS and whitelist middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamMessage struct {
	Type    events.EventType `json:"type"`
	Source  string           `json:"source,omitempty"`
	Time    time.Time        `json:"time"`
	Payload any              `json:"payload"`
}

var streamSeq atomic.Uint64

// handleStream upgrades to a websocket and forwards bus events as JSON
// until the peer goes away. Slow readers lose events rather than stall
// the bus.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	name := fmt.Sprintf("stream-%d", streamSeq.Add(1))
	queue := make(chan streamMessage, streamQueueSize)
	var dropped atomic.Uint64

	handler := func(ctx context.Context, e events.Event) error {
		select {
		case queue <- streamMessage{Type: e.Type, Source: e.Source, Time: time.Now().UTC(), Payload: e.Payload}:
		default:
			dropped.Add(1)
		}
		return nil
	}
	s.bus.SubscribeAll(name, handler, streamedEvents...)
	defer func() {
		for _, t := range streamedEvents {
			s.bus.Unsubscribe(t, name)
		}
		log.Debug().
			Str("stream", name).
			Uint64("dropped", dropped.Load()).
			Msg("event stream closed")
	}()

	log.Debug().Str("stream", name).Str("client_ip", c.ClientIP()).Msg("event stream opened")

	// the reader only services control frames and notices the close
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.bus.StopCh():
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case msg := <-queue:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Warn().Err(err).Str("event", string(msg.Type)).Msg("failed to marshal stream event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
