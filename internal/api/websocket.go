package api

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/eventbus"
	"github.com/mescon/contentguardian/internal/logger"
)

// hubEventTypes are forwarded to every connected client.
var hubEventTypes = []domain.EventType{
	domain.ScanStarted,
	domain.ScanProgress,
	domain.ScanCompleted,
	domain.ScanFailed,
	domain.ScanSkipped,
	domain.BulkActionApplied,
	domain.DetectedReset,
	domain.SettingsUpdated,
}

// newWebSocketUpgrader validates origins the same way the CORS middleware
// does, based on GUARDIAN_CORS_ORIGIN.
func newWebSocketUpgrader(corsOrigins string) websocket.Upgrader {
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" && corsOrigins != "*" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			switch {
			case corsOrigins == "*":
				return true
			case origin == "":
				return true // no Origin header means a non-browser client
			case corsOrigins == "":
				// Same-origin only: the origin must name this host.
				return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
			default:
				return allowedOrigins[origin]
			}
		},
	}
}

// hubMessage is the envelope sent to clients.
type hubMessage struct {
	Type string      `json:"type"` // event, log or ping
	Data interface{} `json:"data,omitempty"`
}

type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan hubMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	upgrader   websocket.Upgrader
}

// NewWebSocketHub subscribes to scan and review events and to the log
// stream and starts the broadcast loop.
func NewWebSocketHub(eventBus eventbus.Publisher) *WebSocketHub {
	h := &WebSocketHub{
		broadcast:  make(chan hubMessage, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		upgrader:   newWebSocketUpgrader(os.Getenv("GUARDIAN_CORS_ORIGIN")),
	}

	if eventBus != nil {
		for _, t := range hubEventTypes {
			eventBus.Subscribe(t, func(e domain.Event) {
				h.broadcast <- hubMessage{Type: "event", Data: e}
			})
		}
	}

	logCh := logger.Subscribe()
	go func() {
		for entry := range logCh {
			h.broadcast <- hubMessage{Type: "log", Data: entry}
		}
	}()

	go h.run()
	return h
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			logger.Debugf("WebSocket client connected (Total: %d)", len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if err := client.Close(); err != nil {
					logger.Debugf("WebSocket close error: %v", err)
				}
				logger.Debugf("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(message); err != nil {
					logger.Debugf("WebSocket write error: %v", err)
					if closeErr := client.Close(); closeErr != nil {
						logger.Debugf("WebSocket close error during broadcast: %v", closeErr)
					}
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	h.register <- ws

	h.mu.Lock()
	if err := ws.WriteJSON(hubMessage{Type: "ping", Data: time.Now().UTC()}); err != nil {
		logger.Debugf("Failed to send initial ping: %v", err)
	}
	h.mu.Unlock()

	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debugf("Failed to set initial read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			h.mu.Lock()
			if !h.clients[ws] {
				h.mu.Unlock()
				return
			}
			// Writes hold mu so pings never interleave with a broadcast.
			err := ws.WriteMessage(websocket.PingMessage, nil)
			h.mu.Unlock()
			if err != nil {
				logger.Debugf("WebSocket ping error: %v", err)
				h.unregister <- ws
				return
			}
		}
	}()

	defer func() {
		h.unregister <- ws
	}()

	// Reads only drive the pong handler and detect the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
