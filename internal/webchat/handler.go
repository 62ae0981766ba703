// Package webchat serves a browser-based simulator that feeds messages
// through the same dispatch pipeline the platform webhook uses, so
// handlers can be exercised without a registered official account.
package webchat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/hexleaf/wechat-ai-platform/internal/conversation"
	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/pkg/logging"
)

// Dispatcher runs one inbound event through the handler pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) dispatch.Outcome
}

// HistorySource reads the archived conversation for a simulated user.
type HistorySource interface {
	RecentTurns(ctx context.Context, openID string, limit int) ([]conversation.Turn, error)
}

// Handler manages simulator connections and messages.
type Handler struct {
	dispatcher Dispatcher
	history    HistorySource
	logger     *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*wsConn // openID -> active connection
}

type wsConn struct {
	conn *websocket.Conn
	done chan struct{}
}

// InboundMessage is what the simulator page sends.
type InboundMessage struct {
	Type      string `json:"type"` // "message", "subscribe", "unsubscribe", "ping"
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// OutboundMessage is what we send back to the simulator page.
type OutboundMessage struct {
	Type       string           `json:"type"` // "message", "silent", "history", "session", "pong", "error"
	Text       string           `json:"text,omitempty"`
	Role       string           `json:"role,omitempty"`
	Intent     string           `json:"intent,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Handlers   []string         `json:"handlers,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Timestamp  string           `json:"timestamp,omitempty"`
	Messages   []HistoryMessage `json:"messages,omitempty"`
}

// HistoryMessage is a simplified turn for history responses.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// NewHandler creates a simulator handler.
func NewHandler(dispatcher Dispatcher, history HistorySource, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		history:    history,
		logger:     logger,
		sessions:   make(map[string]*wsConn),
	}
}

// OpenID builds the synthetic open id for a simulator session.
func OpenID(sessionID string) string {
	return "sim:" + sessionID
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(b)
}

// HandleWebSocket upgrades to WebSocket and handles real-time messaging.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = generateSessionID()
	}
	openID := OpenID(sessionID)

	_ = websocket.JSON.Send(conn, OutboundMessage{
		Type:      "session",
		SessionID: sessionID,
	})

	if h.history != nil {
		if turns, err := h.history.RecentTurns(r.Context(), openID, 50); err == nil && len(turns) > 0 {
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "history", Messages: toHistory(turns)})
		}
	}

	wsc := &wsConn{conn: conn, done: make(chan struct{})}
	h.mu.Lock()
	h.sessions[openID] = wsc
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.sessions[openID] == wsc {
			delete(h.sessions, openID)
		}
		h.mu.Unlock()
		close(wsc.done)
	}()

	h.logger.Info("webchat: connection opened", "session_id", sessionID)

	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("webchat: connection closed", "session_id", sessionID, "error", err)
			return
		}

		switch msg.Type {
		case "ping":
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "pong"})
		case "subscribe", "unsubscribe":
			reply := h.processEvent(r.Context(), lifecycleEvent(openID, msg.Type))
			_ = websocket.JSON.Send(conn, reply)
		case "message":
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			reply := h.processEvent(r.Context(), dispatch.Event{
				ActorID: openID,
				Text:    msg.Text,
				Kind:    dispatch.KindMessage,
			})
			_ = websocket.JSON.Send(conn, reply)
		}
	}
}

func lifecycleEvent(openID, kind string) dispatch.Event {
	subkind := dispatch.SubkindSubscribe
	if kind == "unsubscribe" {
		subkind = dispatch.SubkindUnsubscribe
	}
	return dispatch.Event{
		ActorID: openID,
		Kind:    dispatch.KindLifecycle,
		Subkind: subkind,
	}
}

func (h *Handler) processEvent(ctx context.Context, event dispatch.Event) OutboundMessage {
	outcome := h.dispatcher.Dispatch(ctx, event)
	out := OutboundMessage{
		Intent:     outcome.Intent,
		Confidence: outcome.Confidence,
		Handlers:   outcome.HandlerChain,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if outcome.ResponseText == nil {
		out.Type = "silent"
		return out
	}
	out.Type = "message"
	out.Role = "assistant"
	out.Text = *outcome.ResponseText
	return out
}

// HandleMessage is the HTTP fallback for sending messages.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = generateSessionID()
	}

	reply := h.processEvent(r.Context(), dispatch.Event{
		ActorID: OpenID(req.SessionID),
		Text:    req.Text,
		Kind:    dispatch.KindMessage,
	})
	reply.SessionID = req.SessionID

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

// HandleHistory returns the conversation window for a session.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}

	if h.history == nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []HistoryMessage{}})
		return
	}

	turns, err := h.history.RecentTurns(r.Context(), OpenID(sessionID), 100)
	if err != nil {
		h.logger.Error("webchat: failed to load history", "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": toHistory(turns)})
}

func toHistory(turns []conversation.Turn) []HistoryMessage {
	history := make([]HistoryMessage, 0, len(turns))
	for _, t := range turns {
		history = append(history, HistoryMessage{
			Role:      t.Role,
			Text:      t.Content,
			Timestamp: t.CreatedAt.Format(time.RFC3339),
		})
	}
	return history
}
