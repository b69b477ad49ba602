package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/dedup"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
)

var errFakeClosed = errors.New("fake connection closed")

type fakeConn struct {
	id string

	mu      sync.Mutex
	events  []models.OutboundEvent
	closed  bool
	panicOn models.EventName
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(evt models.OutboundEvent) error {
	if c.panicOn != "" && evt.Event == c.panicOn {
		panic("boom")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errFakeClosed
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeConn) received(name models.EventName) []models.OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.OutboundEvent
	for _, evt := range c.events {
		if evt.Event == name {
			out = append(out, evt)
		}
	}
	return out
}

func (c *fakeConn) errorEvents() []models.ErrorEvent {
	var out []models.ErrorEvent
	for _, evt := range c.received(models.EventError) {
		out = append(out, evt.Data.(models.ErrorEvent))
	}
	return out
}

type memRecorder struct {
	mu      sync.Mutex
	records []models.CallRecord
}

func (r *memRecorder) RecordCall(_ context.Context, rec models.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) all() []models.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CallRecord(nil), r.records...)
}

// gatedRecorder blocks every write until release is closed.
type gatedRecorder struct {
	memRecorder
	release chan struct{}
	started chan string
	once    sync.Once
}

func (r *gatedRecorder) RecordCall(ctx context.Context, rec models.CallRecord) error {
	r.started <- rec.CallID
	<-r.release
	return r.memRecorder.RecordCall(ctx, rec)
}

func (r *gatedRecorder) open() { r.once.Do(func() { close(r.release) }) }

type harness struct {
	t        *testing.T
	clk      *clock.Mock
	reg      *registry.Registry
	store    *calls.Store
	filter   *dedup.Filter
	metrics  *metrics.Metrics
	recorder *memRecorder
	d        *Dispatcher
	conns    map[string]*fakeConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	h := &harness{
		t:        t,
		clk:      clk,
		reg:      registry.New(),
		store:    calls.NewStore(clk),
		filter:   dedup.New(),
		metrics:  metrics.New(),
		recorder: &memRecorder{},
		conns:    make(map[string]*fakeConn),
	}
	h.d = NewDispatcher(h.reg, h.store, h.filter, Config{
		CallTimeout: DefaultCallTimeout,
		Clock:       clk,
		Metrics:     h.metrics,
		Recorder:    h.recorder,
	})
	t.Cleanup(h.d.Close)
	return h
}

func (h *harness) online(userID string) *fakeConn {
	c := &fakeConn{id: userID + "-conn"}
	h.conns[userID] = c
	h.reg.Register(userID, c)
	return c
}

func (h *harness) send(from string, event models.EventName, payload any) {
	h.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal %s payload: %v", event, err)
	}
	sender := Sender{UserID: from}
	if c, ok := h.conns[from]; ok {
		sender.Conn = c
	}
	h.d.Handle(sender, models.Envelope{Event: event, Data: data})
}

func (h *harness) startCall(from, to, callID string, kind models.CallKind) {
	h.t.Helper()
	h.send(from, models.EventCallStart, models.CallStartPayload{CallID: callID, TargetUserID: to, Type: kind})
}

func offer(callID, target, sdp string) map[string]any {
	return map[string]any{
		"callId":       callID,
		"targetUserId": target,
		"offer":        map[string]string{"type": "offer", "sdp": sdp},
		"type":         "video",
	}
}

func answer(callID, target, sdp string) map[string]any {
	return map[string]any{
		"callId":       callID,
		"targetUserId": target,
		"answer":       map[string]string{"type": "answer", "sdp": sdp},
	}
}

func sdpOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var sd models.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		t.Fatalf("unmarshal description %s: %v", raw, err)
	}
	return sd.SDP
}

// eventually polls cond until it holds or a deadline passes. Mock clock
// AfterFunc callbacks run on their own goroutine.
func eventually(t *testing.T, what string, cond func() bool) {
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
