package stream

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/google/uuid"

	"github.com/coldsense/backend/internal/store"
)

// AuthFunc resolves a connection token to a tenant identity.
type AuthFunc func(ctx context.Context, token string) (tenantID string, err error)

// Hub owns the socket.io server and the subscription rooms. A socket's
// tenant is fixed at connect time; every room it can join is derived from
// that tenant, so cross-tenant subscription is impossible by construction.
type Hub struct {
	server     *socketio.Server
	auth       AuthFunc
	bridge     Bridge
	instanceID string
	logger     *log.Logger
}

func NewHub(auth AuthFunc, bridge Bridge) *Hub {
	h := &Hub{
		server:     socketio.NewServer(nil),
		auth:       auth,
		bridge:     bridge,
		instanceID: uuid.NewString(),
		logger:     log.New(log.Writer(), "[HUB] ", log.LstdFlags),
	}
	h.registerHandlers()
	return h
}

func (h *Hub) registerHandlers() {
	h.server.OnConnect("/", func(s socketio.Conn) error {
		u := s.URL()
		token := u.Query().Get("token")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tenantID, err := h.auth(ctx, token)
		if err != nil {
			h.logger.Printf("Rejected socket %s: %v", s.ID(), err)
			return err
		}
		s.SetContext(tenantID)
		s.Join(RoomTenant(tenantID))
		return nil
	})

	h.server.OnEvent("/", "subscribe:site", func(s socketio.Conn, siteID string) {
		if tenantID, ok := s.Context().(string); ok && siteID != "" {
			s.Join(RoomSite(tenantID, siteID))
		}
	})

	h.server.OnEvent("/", "subscribe:unit", func(s socketio.Conn, unitID string) {
		if tenantID, ok := s.Context().(string); ok && unitID != "" {
			s.Join(RoomUnit(tenantID, unitID))
		}
	})

	h.server.OnEvent("/", "unsubscribe", func(s socketio.Conn, room string) {
		tenantID, ok := s.Context().(string)
		if !ok {
			return
		}
		// The tenant-wide room is permanent; anything else the socket
		// asked for within its own tenant can be left.
		if room == RoomTenant(tenantID) || !strings.HasPrefix(room, RoomTenant(tenantID)+":") {
			return
		}
		s.Leave(room)
	})

	h.server.OnDisconnect("/", func(s socketio.Conn, reason string) {})

	h.server.OnError("/", func(s socketio.Conn, err error) {
		h.logger.Printf("Socket error: %v", err)
	})
}

// Start runs the socket.io serve loop and, when a bridge is configured,
// subscribes to remote emissions.
func (h *Hub) Start() {
	go func() {
		if err := h.server.Serve(); err != nil {
			h.logger.Printf("Socket server stopped: %v", err)
		}
	}()
	if h.bridge != nil {
		h.bridge.Subscribe(func(msg BridgeMessage) {
			if msg.OriginID == h.instanceID {
				return
			}
			h.server.BroadcastToRoom("/", msg.Room, msg.Event, string(msg.Payload))
		})
	}
	h.logger.Printf("Subscription hub started (instance %s)", h.instanceID)
}

// Close shuts the socket server. The stream buffer's ticker must stop first.
func (h *Hub) Close() error {
	if h.bridge != nil {
		h.bridge.Close()
	}
	return h.server.Close()
}

// Handler exposes the socket.io endpoint for mounting on the HTTP mux.
func (h *Hub) Handler() http.Handler { return h.server }

// Emit broadcasts to local subscribers and, when bridged, to every other
// instance. Fire-and-forget: a slow consumer never blocks the caller.
func (h *Hub) Emit(room, event string, payload interface{}) {
	h.server.BroadcastToRoom("/", room, event, payload)
	if h.bridge != nil {
		if err := h.bridge.Publish(h.instanceID, room, event, payload); err != nil {
			h.logger.Printf("Bridge publish to %s failed: %v", room, err)
		}
	}
}

func alertPayload(a *store.Alert, level int) AlertPayload {
	return AlertPayload{
		AlertID:         a.AlertID,
		UnitID:          a.UnitID,
		AlertType:       a.AlertType,
		Severity:        string(a.Severity),
		Status:          string(a.Status),
		TriggerTemp:     a.TriggerTemp,
		BoundViolated:   a.BoundViolated,
		TriggeredAt:     a.TriggeredAt,
		EscalationLevel: level,
	}
}

// AlertTriggered notifies the tenant, site and unit rooms of a new alert.
func (h *Hub) AlertTriggered(tenantID, siteID string, a *store.Alert) {
	p := alertPayload(a, a.EscalationLevel)
	h.Emit(RoomTenant(tenantID), EventAlertTriggered, p)
	if siteID != "" {
		h.Emit(RoomSite(tenantID, siteID), EventAlertTriggered, p)
	}
	h.Emit(RoomUnit(tenantID, a.UnitID), EventAlertTriggered, p)
}

// AlertEscalated implements the escalation engine's event sink.
func (h *Hub) AlertEscalated(tenantID, siteID, unitID string, a *store.Alert, newLevel int) {
	p := alertPayload(a, newLevel)
	h.Emit(RoomTenant(tenantID), EventAlertEscalated, p)
	if siteID != "" {
		h.Emit(RoomSite(tenantID, siteID), EventAlertEscalated, p)
	}
	h.Emit(RoomUnit(tenantID, unitID), EventAlertEscalated, p)
}

// AlertResolved notifies subscribers that an alert closed.
func (h *Hub) AlertResolved(tenantID, siteID string, a *store.Alert) {
	p := alertPayload(a, a.EscalationLevel)
	h.Emit(RoomTenant(tenantID), EventAlertResolved, p)
	if siteID != "" {
		h.Emit(RoomSite(tenantID, siteID), EventAlertResolved, p)
	}
	h.Emit(RoomUnit(tenantID, a.UnitID), EventAlertResolved, p)
}

// UnitStateChanged fans out a dashboard-state transition.
func (h *Hub) UnitStateChanged(tenantID, unitID string, p StateChangePayload) {
	h.Emit(RoomTenant(tenantID), EventUnitStateChanged, p)
	h.Emit(RoomUnit(tenantID, unitID), EventUnitStateChanged, p)
}

// MetricsUpdated signals that an hourly bucket changed.
func (h *Hub) MetricsUpdated(tenantID, unitID string, p MetricsPayload) {
	h.Emit(RoomTenant(tenantID), EventMetricsUpdated, p)
	h.Emit(RoomUnit(tenantID, unitID), EventMetricsUpdated, p)
}
