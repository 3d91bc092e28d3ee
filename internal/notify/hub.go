// Package notify доставляет уведомления подключённым по WebSocket водителям.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ndiyarov/fastrack-ranking/internal/middleware"
	"github.com/ndiyarov/fastrack-ranking/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Сервис живёт за обратным прокси, который отвечает за Origin.
		return true
	},
}

type client struct {
	driverID uuid.UUID
	conn     *websocket.Conn
	send     chan []byte
}

// Hub хранит активные WebSocket-соединения и рассылает уведомления по
// идентификатору водителя. Одному водителю может принадлежать несколько
// соединений (несколько вкладок или устройств).
type Hub struct {
	auth   *middleware.AuthMiddleware
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
}

// NewHub создаёт пустой хаб.
func NewHub(auth *middleware.AuthMiddleware, logger *zap.Logger) *Hub {
	return &Hub{
		auth:    auth,
		logger:  logger,
		clients: make(map[uuid.UUID]map[*client]struct{}),
	}
}

type notificationMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Link      string `json:"link,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Notify отправляет уведомление во все соединения водителя. Если водитель не
// подключён, уведомление просто не рассылается: оно уже сохранено в
// хранилище и будет показано при следующем чтении списка.
func (h *Hub) Notify(driverID uuid.UUID, n model.Notification) {
	msg := notificationMessage{
		Type:      "notification",
		ID:        n.ID.String(),
		Title:     n.Title,
		Body:      n.Body,
		Link:      n.Link,
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[driverID] {
		select {
		case c.send <- data:
		default:
			// Переполненный буфер означает мёртвое соединение;
			// readPump закроет его по таймауту.
		}
	}
}

// ServeWS обрабатывает WebSocket-подключение. Токен передаётся параметром
// query, потому что браузерный WebSocket не умеет ставить заголовки.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	driverID, _, err := h.auth.ParseToken(token)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade", zap.Error(err))
		return
	}

	c := &client{
		driverID: driverID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}

	h.register(c)

	go c.writePump()
	go h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.driverID] == nil {
		h.clients[c.driverID] = make(map[*client]struct{})
	}
	h.clients[c.driverID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if peers, ok := h.clients[c.driverID]; ok {
		if _, ok := peers[c]; ok {
			delete(peers, c)
			close(c.send)
			if len(peers) == 0 {
				delete(h.clients, c.driverID)
			}
		}
	}
}

// readPump читает входящие кадры только ради pong и закрытия соединения;
// клиентских команд по WebSocket нет.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
