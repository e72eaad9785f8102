package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// Frame is the envelope delivered on the raw WebSocket feed.
type Frame struct {
	Room    string      `json:"room"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type wsClient struct {
	conn     *websocket.Conn
	tenantID string
	send     chan []byte
}

// Feed is a plain WebSocket alternative to the socket.io hub for clients
// that cannot speak socket.io (embedded panels, CLI tooling). Every event
// emitted to the client's tenant-wide room is forwarded as a JSON Frame.
type Feed struct {
	auth     AuthFunc
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*wsClient]bool
	logger   *log.Logger
}

func NewFeed(auth AuthFunc) *Feed {
	return &Feed{
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]bool),
		logger:  log.New(log.Writer(), "[WS-FEED] ", log.LstdFlags),
	}
}

// ServeHTTP upgrades the connection after authenticating the token query
// parameter.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	tenantID, err := f.auth(ctx, r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("Upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		tenantID: tenantID,
		send:     make(chan []byte, wsSendBuffer),
	}
	f.mu.Lock()
	f.clients[client] = true
	total := len(f.clients)
	f.mu.Unlock()
	f.logger.Printf("Feed client connected for tenant %s (total: %d)", tenantID, total)

	go f.writePump(client)
	go f.readPump(client)
}

// Emit forwards tenant-wide room events to matching feed clients. Unit and
// site scoped rooms are skipped; the tenant room already carries the event
// once and the feed has no per-room subscriptions.
func (f *Feed) Emit(room, event string, payload interface{}) {
	if strings.Count(room, ":") != 1 || !strings.HasPrefix(room, "tenant:") {
		return
	}
	tenantID := strings.TrimPrefix(room, "tenant:")

	raw, err := json.Marshal(Frame{Room: room, Event: event, Payload: payload})
	if err != nil {
		f.logger.Printf("Marshal frame failed: %v", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for client := range f.clients {
		if client.tenantID != tenantID {
			continue
		}
		select {
		case client.send <- raw:
		default:
			// Slow consumer; drop the frame rather than block the caller.
		}
	}
}

func (f *Feed) remove(client *wsClient) {
	f.mu.Lock()
	if _, ok := f.clients[client]; ok {
		delete(f.clients, client)
		close(client.send)
	}
	f.mu.Unlock()
	client.conn.Close()
}

func (f *Feed) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		f.remove(client)
	}()
	for {
		select {
		case raw, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) readPump(client *wsClient) {
	defer f.remove(client)
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		// The feed is one-way; inbound messages keep the connection
		// alive and are otherwise discarded.
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		delete(f.clients, client)
		close(client.send)
		client.conn.Close()
	}
}

// MultiEmitter fans one emission out to several sinks (hub plus raw feed).
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(room, event string, payload interface{}) {
	for _, e := range m {
		e.Emit(room, event, payload)
	}
}
