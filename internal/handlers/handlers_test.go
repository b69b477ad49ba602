package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/dedup"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/pion/webrtc/v4"
)

const testSecret = "handlers-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHistory struct {
	records map[string][]models.CallRecord
}

func (f *fakeHistory) History(_ context.Context, userID string, limit int) ([]models.CallRecord, error) {
	recs := f.records[userID]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

type presenceEvent struct {
	online bool
	userID string
	connID string
}

type fakePresence struct {
	mu       sync.Mutex
	events   []presenceEvent
	countErr error
}

func (p *fakePresence) MarkOnline(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, presenceEvent{true, userID, connID})
	return nil
}

func (p *fakePresence) MarkOffline(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, presenceEvent{false, userID, connID})
	return nil
}

// OnlineCount replays the recorded events the way the shared store applies
// them: an offline only clears the connection still on record.
func (p *fakePresence) OnlineCount(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.countErr != nil {
		return 0, p.countErr
	}
	current := map[string]string{}
	for _, ev := range p.events {
		switch {
		case ev.online:
			current[ev.userID] = ev.connID
		case current[ev.userID] == ev.connID:
			delete(current, ev.userID)
		}
	}
	return int64(len(current)), nil
}

func (p *fakePresence) all() []presenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presenceEvent(nil), p.events...)
}

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	presence *fakePresence
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New()
	store := calls.NewStore(nil)
	m := metrics.New()
	d := signaling.NewDispatcher(reg, store, dedup.New(), signaling.Config{
		CallTimeout: time.Minute,
		Metrics:     m,
	})
	presence := &fakePresence{}
	srv := &Server{
		Registry:       reg,
		Calls:          store,
		Dispatcher:     d,
		Metrics:        m,
		Presence:       presence,
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"http://localhost:5173"},
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.example:3478"}}},
		Transport:      DefaultTransportConfig(),
	}
	ts := httptest.NewServer(NewRouter(srv, false))
	t.Cleanup(func() {
		ts.Close()
		d.Close()
	})
	return &testEnv{srv: srv, http: ts, presence: presence}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/signal?token=" + token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	waitFor(t, userID+" registered", func() bool {
		_, ok := e.srv.Registry.Lookup(userID)
		return ok
	})
	return conn
}

func (e *testEnv) request(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	e.http.Config.Handler.ServeHTTP(w, req)
	return w
}

type frame struct {
	Event models.EventName `json:"event"`
	Data  json.RawMessage  `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event models.EventName, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(frame{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func expectFrame(t *testing.T, conn *websocket.Conn, event models.EventName, into any) {
	t.Helper()
	f := readFrame(t, conn)
	if f.Event != event {
		t.Fatalf("got %s %s, want %s", f.Event, f.Data, event)
	}
	if into != nil {
		if err := json.Unmarshal(f.Data, into); err != nil {
			t.Fatalf("decode %s: %v", event, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
