// Package websocket serves engine tasks over long-lived WebSocket
// connections. Each text frame carries one task; replies are written back in
// the order the tasks arrived on that connection.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bookcal/bookcal/internal/dispatcher"
)

const (
	sendBuffer    = 256
	pendingBuffer = 64
)

// Submitter queues a task and returns the channel its reply arrives on.
type Submitter interface {
	Submit(t dispatcher.Task) (<-chan dispatcher.Reply, error)
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one connected client.
type Session struct {
	ID   string
	Send chan []byte

	pending chan pendingReply
	conn    Conn
}

// pendingReply holds a submitted task's reply channel, or the reply itself
// when the task never reached the dispatcher.
type pendingReply struct {
	ch    <-chan dispatcher.Reply
	reply dispatcher.Reply
}

func newSession(conn Conn) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Send:    make(chan []byte, sendBuffer),
		pending: make(chan pendingReply, pendingBuffer),
		conn:    conn,
	}
}

// Hub tracks connected sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[*Session]struct{})}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

// Unregister removes a session and closes its Send channel. It is safe to
// call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	close(s.Send)
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every connection. Read loops see the error and unwind.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		_ = s.conn.Close()
	}
}

// ---------------------------------------------------------------------------
// Handler: Echo endpoint for task sessions
// ---------------------------------------------------------------------------

// Handler upgrades HTTP requests and runs task sessions against a dispatcher.
type Handler struct {
	hub       *Hub
	tasks     Submitter
	log       zerolog.Logger
	readLimit int64
	upgrader  gorillawebsocket.Upgrader
}

// NewHandler creates a handler. readLimit caps the size of one inbound frame;
// zero leaves it unlimited.
func NewHandler(hub *Hub, tasks Submitter, readLimit int64, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		tasks:     tasks,
		log:       logger.With().Str("component", "ws").Logger(),
		readLimit: readLimit,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS middleware owns origin policy.
			},
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/tasks", h.HandleConnect)
}

// HandleConnect upgrades the connection and starts the session pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	s := h.Start(&gorillaConnAdapter{ws})
	h.log.Debug().Str("session_id", s.ID).Str("remote_ip", c.RealIP()).Msg("session opened")
	return nil
}

// Start registers a session for conn and runs it in the background.
func (h *Handler) Start(conn Conn) *Session {
	s := newSession(conn)
	h.hub.Register(s)

	go h.writePump(s)
	go h.forward(s)
	go h.readPump(s)
	return s
}

// readPump decodes tasks and submits them in arrival order.
func (h *Handler) readPump(s *Session) {
	defer close(s.pending)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.pending <- h.submit(message)
	}
}

func (h *Handler) submit(message []byte) pendingReply {
	var task dispatcher.Task
	if err := json.Unmarshal(message, &task); err != nil {
		return pendingReply{reply: dispatcher.Failure("", fmt.Errorf("invalid task message: %w", err))}
	}
	ch, err := h.tasks.Submit(task)
	if err != nil {
		return pendingReply{reply: dispatcher.Failure(task.ID, err)}
	}
	return pendingReply{ch: ch}
}

// forward waits on each pending reply in order and queues it for writing.
// It owns the end of the session.
func (h *Handler) forward(s *Session) {
	defer func() {
		h.hub.Unregister(s)
		h.log.Debug().Str("session_id", s.ID).Msg("session closed")
	}()

	for p := range s.pending {
		reply := p.reply
		if p.ch != nil {
			reply = <-p.ch
		}
		data, err := json.Marshal(reply)
		if err != nil {
			h.log.Error().Err(err).Str("task_id", reply.ID).Msg("encode reply")
			continue
		}
		s.Send <- data
	}
}

// writePump writes queued replies to the connection.
func (h *Handler) writePump(s *Session) {
	defer s.conn.Close()

	for message := range s.Send {
		if err := s.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			// Keep draining so forward never blocks on a dead client.
			for range s.Send {
			}
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
