package sinks

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-capture/internal/progress"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 5 * time.Second
)

// WebSocketSink broadcasts events to connected websocket clients. It also
// serves the upgrade endpoint; a job_id query parameter limits a client to
// one job's events.
type WebSocketSink struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn  *websocket.Conn
	jobID string
	send  chan []byte
	once  sync.Once
}

// NewWebSocketSink builds an empty broadcaster.
func NewWebSocketSink(logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSink{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, jobID: r.URL.Query().Get("job_id"), send: make(chan []byte, wsSendBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug("websocket client connected", zap.Int("clients", total))

	go s.writeLoop(c)
	go s.readLoop(c)
}

// Clients reports the number of connected clients.
func (s *WebSocketSink) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Consume queues every event for each interested client. Clients whose
// buffer is full are disconnected.
func (s *WebSocketSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		return nil
	}
	for _, evt := range batch {
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		for c := range s.clients {
			if c.jobID != "" && c.jobID != evt.JobID {
				continue
			}
			select {
			case c.send <- payload:
			default:
				s.logger.Warn("dropping slow websocket client")
				s.removeLocked(c)
			}
		}
	}
	return nil
}

// Close disconnects every client.
func (s *WebSocketSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		s.removeLocked(c)
	}
	return nil
}

func (s *WebSocketSink) remove(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(c)
}

func (s *WebSocketSink) removeLocked(c *wsClient) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.once.Do(func() { close(c.send) })
}

func (s *WebSocketSink) writeLoop(c *wsClient) {
	defer c.conn.Close() //nolint:errcheck
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.remove(c)
			// drain so Consume never blocks on a dead client
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// readLoop only detects disconnects; clients never send anything useful.
func (s *WebSocketSink) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.remove(c)
			return
		}
	}
}
