package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/settleload/pkg/types"
)

// StatusInterval is how often the run status is pushed to clients while a
// run is active.
const StatusInterval = time.Second

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// WebSocketServer streams throughput reports and periodic status to
// connected clients. Only the broadcast loop writes to connections.
type WebSocketServer struct {
	api    RunAPI
	logger *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan types.StreamEvent

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(api RunAPI, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		api:       api,
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan types.StreamEvent, 64),
		done:      make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = true
		total := len(ws.clients)
		ws.clientsMu.Unlock()
		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()
			ws.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Clients only read; drain control frames until they go away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcasting goroutine.
func (ws *WebSocketServer) Start() {
	ws.startOnce.Do(func() { go ws.broadcastLoop() })
}

// Stop stops broadcasting and closes every client.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.done)
		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]bool)
		ws.clientsMu.Unlock()
	})
}

// OnReport queues a throughput report for broadcast. It never blocks the
// caller; reports are dropped when the buffer is full.
func (ws *WebSocketServer) OnReport(r types.ThroughputReport) {
	select {
	case ws.broadcast <- types.StreamEvent{Type: types.EventReport, Report: &r}:
	default:
		ws.logger.Debug("WebSocket buffer full, report dropped", slog.Int("seq", r.Seq))
	}
}

func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case ev := <-ws.broadcast:
			ws.send(ev)
		case <-ticker.C:
			status := ws.api.Status()
			if status.Phase == types.PhaseIdle {
				continue
			}
			ws.send(types.StreamEvent{Type: types.EventStatus, Status: &status})
		}
	}
}

func (ws *WebSocketServer) send(ev types.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		ws.logger.Error("Failed to marshal stream event", slog.String("error", err.Error()))
		return
	}

	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()

	for conn := range ws.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read loop removes the client.
			ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
