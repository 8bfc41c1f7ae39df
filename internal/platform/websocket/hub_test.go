package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bookcal/bookcal/internal/dispatcher"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	in      chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		written: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return gorillawebsocket.TextMessage, m, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.written <- data
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) next(t *testing.T) dispatcher.Reply {
	t.Helper()
	select {
	case data := <-f.written:
		var r dispatcher.Reply
		if err := json.Unmarshal(data, &r); err != nil {
			t.Fatalf("invalid reply %q: %v", data, err)
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return dispatcher.Reply{}
	}
}

// manualSubmitter hands out reply channels the test completes by hand.
type manualSubmitter struct {
	mu      sync.Mutex
	replies map[string]chan dispatcher.Reply
	err     error
}

func (m *manualSubmitter) Submit(t dispatcher.Task) (<-chan dispatcher.Reply, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan dispatcher.Reply, 1)
	m.replies[t.ID] = ch
	return ch, nil
}

func (m *manualSubmitter) complete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[id] <- dispatcher.Reply{ID: id, Success: true, Result: json.RawMessage(`{}`)}
}

func (m *manualSubmitter) waitFor(t *testing.T, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := 0
		for _, id := range ids {
			if _, ok := m.replies[id]; ok {
				n++
			}
		}
		m.mu.Unlock()
		if n == len(ids) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("tasks %v were not submitted", ids)
}

func waitForSessions(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, got %d", want, hub.SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Session tests
// ---------------------------------------------------------------------------

func TestHandler_RepliesInArrivalOrder(t *testing.T) {
	hub := NewHub()
	sub := &manualSubmitter{replies: make(map[string]chan dispatcher.Reply)}
	h := NewHandler(hub, sub, 0, zerolog.Nop())
	conn := newFakeConn()
	h.Start(conn)

	conn.in <- []byte(`{"id":"first","type":"optimizeSchedule","payload":{}}`)
	conn.in <- []byte(`{"id":"second","type":"optimizeSchedule","payload":{}}`)
	sub.waitFor(t, "first", "second")

	sub.complete("second")
	sub.complete("first")

	if r := conn.next(t); r.ID != "first" {
		t.Errorf("expected first reply first, got %q", r.ID)
	}
	if r := conn.next(t); r.ID != "second" {
		t.Errorf("expected second reply next, got %q", r.ID)
	}
}

func TestHandler_MalformedMessage(t *testing.T) {
	hub := NewHub()
	h := NewHandler(hub, &manualSubmitter{replies: make(map[string]chan dispatcher.Reply)}, 0, zerolog.Nop())
	conn := newFakeConn()
	h.Start(conn)

	conn.in <- []byte(`{not json`)
	r := conn.next(t)
	if r.Success || !strings.HasPrefix(r.Error, "invalid task message") {
		t.Errorf("unexpected reply %+v", r)
	}
}

func TestHandler_SubmitError(t *testing.T) {
	hub := NewHub()
	h := NewHandler(hub, &manualSubmitter{err: dispatcher.ErrQueueFull}, 0, zerolog.Nop())
	conn := newFakeConn()
	h.Start(conn)

	conn.in <- []byte(`{"id":"t-1","type":"optimizeSchedule","payload":{}}`)
	r := conn.next(t)
	if r.ID != "t-1" || r.Success || r.Error != dispatcher.ErrQueueFull.Error() {
		t.Errorf("unexpected reply %+v", r)
	}
}

func TestHub_SessionLifecycle(t *testing.T) {
	hub := NewHub()
	h := NewHandler(hub, &manualSubmitter{replies: make(map[string]chan dispatcher.Reply)}, 0, zerolog.Nop())

	a, b := newFakeConn(), newFakeConn()
	h.Start(a)
	h.Start(b)
	waitForSessions(t, hub, 2)

	close(a.in)
	waitForSessions(t, hub, 1)

	hub.CloseAll()
	waitForSessions(t, hub, 0)
}

func TestHub_UnregisterTwice(t *testing.T) {
	hub := NewHub()
	s := newSession(newFakeConn())
	hub.Register(s)
	hub.Unregister(s)
	hub.Unregister(s)

	if _, ok := <-s.Send; ok {
		t.Error("expected Send to be closed")
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(), &manualSubmitter{}, 0, zerolog.Nop()).RegisterRoutes(e)

	for _, r := range e.Routes() {
		if r.Path == "/ws/tasks" && r.Method == http.MethodGet {
			return
		}
	}
	t.Fatal("expected GET /ws/tasks route to be registered")
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	h := NewHandler(NewHub(), &manualSubmitter{}, 0, zerolog.Nop())

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws/tasks", nil), rec)

	err := h.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithDispatcher(t *testing.T) {
	d := dispatcher.New(dispatcher.Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	hub := NewHub()
	e := echo.New()
	NewHandler(hub, d, 1<<20, zerolog.Nop()).RegisterRoutes(e)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/tasks"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	task := dispatcher.Task{
		ID:   "ws-1",
		Type: dispatcher.TypeValidateTimeRange,
		Payload: json.RawMessage(`{
			"start": "2025-01-06T10:00:00Z",
			"end": "2025-01-06T10:30:00Z",
			"rules": {"workingHours": {"start": "09:00", "end": "17:00"}, "workingDays": [1, 2, 3, 4, 5]},
			"now": "2025-01-01T00:00:00Z"
		}`),
	}
	if err := conn.WriteJSON(task); err != nil {
		t.Fatalf("failed to send task: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply dispatcher.Reply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.ID != "ws-1" || !reply.Success {
		t.Fatalf("unexpected reply %+v", reply)
	}
	var v struct {
		IsValid bool `json:"isValid"`
	}
	if err := reply.Decode(&v); err != nil || !v.IsValid {
		t.Errorf("expected a valid range, got %s (%v)", reply.Result, err)
	}
	if hub.SessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", hub.SessionCount())
	}
}
