package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const (
	wsStatusProcessing = "processing"
	wsStatusChunk      = "chunk"
	wsStatusComplete   = "complete"
	wsStatusError      = "error"
	wsStatusFinished   = "finished"

	wsWriteTimeout = 10 * time.Second
)

// WSMessage is the frame pushed to clients while a task runs.
type WSMessage struct {
	Status      string  `json:"status"`
	Message     string  `json:"message,omitempty"`
	Data        string  `json:"data,omitempty"`
	TaskID      string  `json:"taskId,omitempty"`
	ElapsedTime float64 `json:"elapsedTime,omitempty"`
}

type wsClient struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) send(msg WSMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub holds at most one websocket per client id. A new connection for an
// id replaces the old one.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*wsClient
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

func NewHub(heartbeat time.Duration, allowedOrigins []string) *Hub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	h := &Hub{
		clients:   make(map[string]*wsClient),
		heartbeat: heartbeat,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
	return h
}

func (h *Hub) Has(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientID]
	return ok
}

// Send delivers msg to clientID. Messages for absent clients are dropped.
func (h *Hub) Send(ctx context.Context, clientID string, msg WSMessage) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if err := client.send(msg); err != nil {
		logutil.GetLogger(ctx).Warn("websocket send failed, dropping connection",
			zap.String("client_id", clientID), zap.Error(err))
		h.remove(client)
		client.close()
		return false
	}
	return true
}

// Serve upgrades the request and reads until the client goes away.
func (h *Hub) Serve(c *gin.Context) {
	clientID := strings.TrimSpace(c.Param("client_id"))
	logger := logutil.GetLogger(c.Request.Context()).With(zap.String("client_id", clientID))
	if clientID == "" {
		invalidRequest(c)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{id: clientID, conn: conn, done: make(chan struct{})}
	h.register(client)
	logger.Info("websocket connection established")
	defer func() {
		h.remove(client)
		client.close()
		logger.Info("websocket connection closed")
	}()

	if h.heartbeat > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
		})
		go h.ping(client)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}
		logger.Debug("websocket message received", zap.Any("payload", payload))
	}
}

func (h *Hub) ping(client *wsClient) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-client.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				client.close()
				return
			}
		}
	}
}

func (h *Hub) register(client *wsClient) {
	h.mu.Lock()
	old := h.clients[client.id]
	h.clients[client.id] = client
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// remove only drops the entry if it still points at client, so a replaced
// connection cannot unregister its successor.
func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	if h.clients[client.id] == client {
		delete(h.clients, client.id)
	}
	h.mu.Unlock()
}

func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()
	for _, client := range clients {
		client.close()
	}
}
