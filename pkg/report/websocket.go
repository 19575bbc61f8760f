package report

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type rpcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	ID     any            `json:"id,omitempty"`
}

type rpcResponse struct {
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
	ID     any       `json:"id,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

// wsClient is one websocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade: %v", err)
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}

	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()

	s.log.Debug("websocket client %d connected", c.id)

	go c.writePump()
	c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()

	s.log.Debug("websocket client %d disconnected", c.id)
}

// send queues a message, dropping it when the client is backed up.
func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.log.Warn("dropping message to client %d", c.id)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read: %v", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(rpcResponse{Error: &rpcError{Message: "parse error"}})
		return
	}

	result, err := c.server.dispatch(req.Method, req.Params)
	if err != nil {
		c.send(rpcResponse{Error: &rpcError{Message: err.Error()}, ID: req.ID})
		return
	}
	c.send(rpcResponse{Result: result, ID: req.ID})
}

// pushLoop broadcasts the realtime status line to connected clients.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		s.broadcastStatus()
	}
}

func (s *Server) broadcastStatus() {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()

	if len(s.clients) == 0 {
		return
	}

	notification := map[string]any{
		"method": "notify_status",
		"params": map[string]any{
			"report": s.machine.StatusReport(false),
		},
	}
	for _, c := range s.clients {
		c.send(notification)
	}
}
