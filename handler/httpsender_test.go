package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// flakyCollector is an httptest backend whose availability the test
// flips.
type flakyCollector struct {
	mu       sync.Mutex
	up       bool
	messages []string
}

func (c *flakyCollector) handler(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.up {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var we struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &we); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.messages = append(c.messages, we.Message)
	w.WriteHeader(http.StatusOK)
}

func (c *flakyCollector) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)
	return out
}

func TestHTTPSender_BuffersThroughOutage(t *testing.T) {
	collector := &flakyCollector{}
	srv := httptest.NewServer(http.HandlerFunc(collector.handler))
	defer srv.Close()

	h := newHTTPSenderHandler(HTTPSenderConfig{
		URL:               srv.URL,
		InitialBufferSize: 16,
		LostBufferSize:    16,
		Timeout:           time.Second,
	})
	m := quietSink()
	if !h.Activate(m) {
		t.Fatal("activation refused")
	}
	defer h.Deactivate(m)

	// Server down: deliveries buffer.
	for i, e := range chainEntries("mon-h", 3) {
		e.Text = []string{"e1", "e2", "e3"}[i]
		if err := h.Handle(m, e); err != nil {
			t.Fatal(err)
		}
	}
	if got := collector.received(); len(got) != 0 {
		t.Fatalf("collector received %v while down", got)
	}
	if h.BufferLen() != 3 {
		t.Fatalf("buffered %d entries, want 3", h.BufferLen())
	}

	// Server back: the timer probe reconnects and drains in order.
	collector.mu.Lock()
	collector.up = true
	collector.mu.Unlock()
	h.OnTimer(m, 500*time.Millisecond)

	want := []string{"e1", "e2", "e3"}
	got := collector.received()
	if len(got) != len(want) {
		t.Fatalf("collector received %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("received[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if h.BufferLen() != 0 {
		t.Errorf("buffer not drained: %d", h.BufferLen())
	}
}

func TestHTTPSender_DeliversWhenHealthy(t *testing.T) {
	collector := &flakyCollector{up: true}
	srv := httptest.NewServer(http.HandlerFunc(collector.handler))
	defer srv.Close()

	h := newHTTPSenderHandler(HTTPSenderConfig{URL: srv.URL, InitialBufferSize: 4, LostBufferSize: 4})
	m := quietSink()
	if !h.Activate(m) {
		t.Fatal("activation refused")
	}
	defer h.Deactivate(m)

	e := chainEntries("mon-h", 1)[0]
	e.Text = "direct"
	if err := h.Handle(m, e); err != nil {
		t.Fatal(err)
	}
	if got := collector.received(); len(got) != 1 || got[0] != "direct" {
		t.Errorf("collector received %v", got)
	}
	if h.BufferLen() != 0 {
		t.Errorf("healthy delivery buffered: %d", h.BufferLen())
	}
}

func TestHTTPSender_ConfigUpdateKeepsTransport(t *testing.T) {
	collector := &flakyCollector{up: true}
	srv := httptest.NewServer(http.HandlerFunc(collector.handler))
	defer srv.Close()

	h := newHTTPSenderHandler(HTTPSenderConfig{URL: srv.URL, InitialBufferSize: 4, LostBufferSize: 4})
	m := quietSink()
	h.Activate(m)
	defer h.Deactivate(m)

	if !h.ApplyConfiguration(m, HTTPSenderConfig{URL: srv.URL, InitialBufferSize: 8, LostBufferSize: 8}) {
		t.Error("same-URL reconfiguration must apply in place")
	}
	if h.ApplyConfiguration(m, HTTPSenderConfig{URL: "http://elsewhere.invalid"}) {
		t.Error("changed URL must force destroy-and-recreate")
	}
}
