package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/atelierhq/atelier/internal/common"
	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every outbound WebSocket message.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// subscribeMessage is the only inbound message clients send. A nil job_ids
// means "all jobs".
type subscribeMessage struct {
	Type   string   `json:"type"`
	JobIDs []string `json:"job_ids"`
}

// ClientConn is the transport a registered connection writes to. The
// concrete implementation wraps a gorilla connection with a write mutex.
type ClientConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// wsConn adapts a gorilla connection to ClientConn. gorilla allows only one
// concurrent writer, so every write goes through the mutex.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WebSocketHandler tracks live connections and their subscriptions and fans
// job events out to interested clients. A connection may hold a global
// subscription and per-job subscriptions at the same time; the two sets are
// unioned at broadcast time. One broken connection never blocks or fails
// delivery to the others.
type WebSocketHandler struct {
	logger            arbor.ILogger
	eventService      interfaces.EventService
	progressThrottler *rate.Limiter
	serverInstanceID  string

	// One mutex guards all four tables; disconnect, subscribe, broadcast
	// and the read loops race freely.
	mu         sync.Mutex
	conns      map[string]ClientConn
	jobSubs    map[string]map[string]bool
	connSubs   map[string]map[string]bool
	globalSubs map[string]bool
}

// NewWebSocketHandler creates the connection manager and subscribes it to
// the job event bus.
func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		eventService:     eventService,
		serverInstanceID: common.NewConnectionID(),
		conns:            make(map[string]ClientConn),
		jobSubs:          make(map[string]map[string]bool),
		connSubs:         make(map[string]map[string]bool),
		globalSubs:       make(map[string]bool),
	}

	if config != nil && config.ProgressThrottle != "" {
		if interval, err := time.ParseDuration(config.ProgressThrottle); err == nil && interval > 0 {
			h.progressThrottler = rate.NewLimiter(rate.Every(interval), 1)
			logger.Debug().
				Str("interval", config.ProgressThrottle).
				Msg("Throttler initialized for job_progress events")
		} else if err != nil {
			logger.Warn().
				Err(err).
				Str("interval", config.ProgressThrottle).
				Msg("Failed to parse progress throttle interval, throttling disabled")
		}
	}

	if eventService != nil {
		h.subscribeToJobEvents()
	}

	return h
}

// Register accepts a connection, assigns it an id and sends the welcome
// event. When the welcome cannot be delivered the connection is never
// registered and the error propagates.
func (h *WebSocketHandler) Register(conn ClientConn) (string, error) {
	connID := common.NewConnectionID()

	welcome := WSMessage{
		Type: "connected",
		Payload: map[string]interface{}{
			"connection_id":      connID,
			"server_instance_id": h.serverInstanceID,
		},
	}
	if err := conn.WriteJSON(welcome); err != nil {
		return "", fmt.Errorf("failed to send welcome event: %w", err)
	}

	h.mu.Lock()
	h.conns[connID] = conn
	h.connSubs[connID] = make(map[string]bool)
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Debug().
		Str("connection_id", connID).
		Int("total", total).
		Msg("WebSocket client connected")
	return connID, nil
}

// Disconnect removes a connection from every table and closes it.
// Idempotent; unknown ids are a no-op.
func (h *WebSocketHandler) Disconnect(connID string) {
	h.mu.Lock()
	conn, known := h.conns[connID]
	if !known {
		h.mu.Unlock()
		return
	}

	delete(h.conns, connID)
	delete(h.globalSubs, connID)
	for jobID := range h.connSubs[connID] {
		delete(h.jobSubs[jobID], connID)
		if len(h.jobSubs[jobID]) == 0 {
			delete(h.jobSubs, jobID)
		}
	}
	delete(h.connSubs, connID)
	remaining := len(h.conns)
	h.mu.Unlock()

	conn.Close()
	h.logger.Debug().
		Str("connection_id", connID).
		Int("remaining", remaining).
		Msg("WebSocket client disconnected")
}

// Subscribe registers interest in the given job ids, or in all jobs when
// jobIDs is nil. Global and per-job subscriptions coexist. Every accepted
// subscription is acknowledged with an event echoing what was subscribed.
func (h *WebSocketHandler) Subscribe(connID string, jobIDs []string) error {
	h.mu.Lock()
	if _, known := h.conns[connID]; !known {
		h.mu.Unlock()
		return fmt.Errorf("unknown connection: %s", connID)
	}

	if jobIDs == nil {
		h.globalSubs[connID] = true
	} else {
		for _, jobID := range jobIDs {
			if h.jobSubs[jobID] == nil {
				h.jobSubs[jobID] = make(map[string]bool)
			}
			h.jobSubs[jobID][connID] = true
			h.connSubs[connID][jobID] = true
		}
	}
	h.mu.Unlock()

	ack := WSMessage{
		Type: "subscribed",
		Payload: map[string]interface{}{
			"job_ids": jobIDs,
		},
	}
	h.SendDirect(connID, ack)
	return nil
}

// Broadcast delivers an event to every global subscriber and every
// subscriber of the given job, concurrently. A failed delivery disconnects
// that one connection and never surfaces to the caller.
func (h *WebSocketHandler) Broadcast(jobID string, msg WSMessage) {
	h.mu.Lock()
	targets := make(map[string]ClientConn, len(h.globalSubs))
	for connID := range h.globalSubs {
		targets[connID] = h.conns[connID]
	}
	for connID := range h.jobSubs[jobID] {
		targets[connID] = h.conns[connID]
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for connID, conn := range targets {
		wg.Add(1)
		go func(connID string, conn ClientConn) {
			defer wg.Done()
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Warn().
					Err(err).
					Str("connection_id", connID).
					Str("event_type", msg.Type).
					Msg("Failed to deliver event, disconnecting client")
				h.Disconnect(connID)
			}
		}(connID, conn)
	}
	wg.Wait()
}

// SendDirect unicasts an event to one connection with the same failure
// isolation as Broadcast.
func (h *WebSocketHandler) SendDirect(connID string, msg WSMessage) {
	h.mu.Lock()
	conn, known := h.conns[connID]
	h.mu.Unlock()
	if !known {
		return
	}

	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().
			Err(err).
			Str("connection_id", connID).
			Str("event_type", msg.Type).
			Msg("Failed to deliver event, disconnecting client")
		h.Disconnect(connID)
	}
}

// ConnectionCount returns the number of live connections.
func (h *WebSocketHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// HandleWebSocket upgrades the request and runs the connection's read loop.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	conn := &wsConn{conn: raw}
	connID, err := h.Register(conn)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to register WebSocket connection")
		raw.Close()
		return
	}
	defer h.Disconnect(connID)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("connection_id", connID).Msg("WebSocket error")
			}
			return
		}
		h.handleInbound(connID, data)
	}
}

// handleInbound processes one client message. Malformed messages are logged
// and dropped; the connection stays open.
func (h *WebSocketHandler) handleInbound(connID string, data []byte) {
	var msg subscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn().
			Err(err).
			Str("connection_id", connID).
			Msg("Dropping malformed client message")
		return
	}

	switch msg.Type {
	case "subscribe":
		if err := h.Subscribe(connID, msg.JobIDs); err != nil {
			h.logger.Warn().Err(err).Str("connection_id", connID).Msg("Subscribe failed")
		}
	default:
		h.logger.Warn().
			Str("connection_id", connID).
			Str("type", msg.Type).
			Msg("Dropping client message of unknown type")
	}
}

// subscribeToJobEvents bridges the in-process event bus onto the socket
// fan-out. Progress events may be throttled; completion events never are.
func (h *WebSocketHandler) subscribeToJobEvents() {
	h.eventService.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, event interfaces.Event) error {
		progress, ok := event.Payload.(models.ProgressEvent)
		if !ok {
			h.logger.Warn().Msg("Invalid job_progress event payload type")
			return nil
		}

		if h.progressThrottler != nil && !h.progressThrottler.Allow() {
			return nil
		}

		h.Broadcast(progress.JobID, WSMessage{Type: "job_progress", Payload: progress})
		return nil
	})

	h.eventService.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		completion, ok := event.Payload.(models.CompletionEvent)
		if !ok {
			h.logger.Warn().Msg("Invalid job_completed event payload type")
			return nil
		}

		h.Broadcast(completion.JobID, WSMessage{Type: "job_completed", Payload: completion})
		return nil
	})
}
