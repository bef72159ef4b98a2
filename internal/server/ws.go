package server

import (
	"net/http"
	"sync"
	"time"

	"fundarb/internal/bus"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control plane is expected to sit behind an operator's reverse
	// proxy; origin enforcement belongs there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient serializes writes; the forward goroutine and the close path both
// touch the connection.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// handleWebSocket bridges one connection onto the event bus. Each client gets
// its own subscriber; a slow client is dropped by the bus, which closes the
// event channel and ends the forward loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn}
	sub := s.coord.Bus().Subscribe()
	s.logger.Info("WebSocket client connected", "remote", r.RemoteAddr)

	// Initial snapshot so the client does not wait for the next broadcast
	status := s.coord.GetStatus(r.Context())
	_ = client.writeJSON(bus.Event{
		Type:      bus.EventEngineStatus,
		Data:      status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub.Events() {
			if err := client.writeJSON(event); err != nil {
				return
			}
		}
	}()

	// Read loop exists only to detect disconnects; inbound frames are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.coord.Bus().Unsubscribe(sub)
	<-done
	_ = conn.Close()
	s.logger.Info("WebSocket client disconnected", "remote", r.RemoteAddr)
}
