package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/Purgator/CK-Monitoring/pump"
	"github.com/google/uuid"
	"github.com/valyala/fastjson"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPSenderConfig configures an HTTPSender handler.
type HTTPSenderConfig struct {
	// URL receives one JSON entry per POST.
	URL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// Buffer sizes for the pre-connection and lost-connection phases.
	InitialBufferSize int
	LostBufferSize    int
	// Timeout bounds each POST; zero means 5 s.
	Timeout time.Duration
}

// HTTPSender delivers entries to a remote collector over HTTP,
// buffering while the endpoint is unreachable. Built on the buffering
// sender template: delivery order is preserved across outages.
type HTTPSender struct {
	*pump.BufferingHandler
	cfg HTTPSenderConfig
}

func init() {
	pump.RegisterHandler("HTTPSender", HTTPSenderConfig{},
		func(cfg pump.HandlerConfig) (pump.Handler, error) {
			c, ok := cfg.(HTTPSenderConfig)
			if !ok {
				return nil, fmt.Errorf("expected HTTPSenderConfig, got %T", cfg)
			}
			if c.URL == "" {
				return nil, fmt.Errorf("HTTPSender: empty URL")
			}
			return newHTTPSenderHandler(c), nil
		},
		func(v *fastjson.Value) (pump.HandlerConfig, error) {
			c := HTTPSenderConfig{
				URL:               string(v.GetStringBytes("url")),
				APIKey:            string(v.GetStringBytes("apiKey")),
				InitialBufferSize: v.GetInt("initialBufferSize"),
				LostBufferSize:    v.GetInt("lostBufferSize"),
			}
			if raw := v.GetStringBytes("timeout"); len(raw) > 0 {
				d, err := time.ParseDuration(string(raw))
				if err != nil {
					return nil, fmt.Errorf("HTTPSender: invalid timeout: %w", err)
				}
				c.Timeout = d
			}
			if c.URL == "" {
				return nil, fmt.Errorf("HTTPSender: empty URL")
			}
			return c, nil
		})
}

func newHTTPSenderHandler(c HTTPSenderConfig) *HTTPSender {
	h := &HTTPSender{cfg: c}
	h.BufferingHandler = pump.NewBufferingHandler(
		pump.BufferingConfig{
			InitialBufferSize: c.InitialBufferSize,
			LostBufferSize:    c.LostBufferSize,
		},
		func(m *pump.SinkMonitor) (pump.Sender, error) {
			return newHTTPTransport(c), nil
		},
		nil)
	return h
}

// OnTimer probes the endpoint when the link is marked down, then lets
// the template drain whatever the probe unlocked.
func (h *HTTPSender) OnTimer(m *pump.SinkMonitor, elapsed time.Duration) {
	if t, ok := h.Sender().(*httpTransport); ok {
		t.probe()
	}
	h.BufferingHandler.OnTimer(m, elapsed)
}

// ApplyConfiguration resizes buffers in place; a changed URL forces a
// destroy-and-recreate so the transport is rebuilt.
func (h *HTTPSender) ApplyConfiguration(m *pump.SinkMonitor, cfg pump.HandlerConfig) bool {
	c, ok := cfg.(HTTPSenderConfig)
	if !ok || c.URL != h.cfg.URL {
		return false
	}
	h.cfg = c
	h.UpdateBufferingConfiguration(pump.BufferingConfig{
		InitialBufferSize: c.InitialBufferSize,
		LostBufferSize:    c.LostBufferSize,
	})
	return true
}

// wireEntry is the JSON form of one delivered entry.
type wireEntry struct {
	Timestamp   int64  `json:"timestamp"`
	Uniquifier  uint8  `json:"uniquifier,omitempty"`
	Kind        string `json:"kind"`
	Level       string `json:"level"`
	Message     string `json:"message,omitempty"`
	Tags        string `json:"tags,omitempty"`
	MonitorID   string `json:"monitor_id"`
	GroupDepth  uint32 `json:"group_depth"`
	FileName    string `json:"file,omitempty"`
	LineNumber  int    `json:"line,omitempty"`
	Exception   string `json:"exception,omitempty"`
	Conclusions []struct {
		Tag  string `json:"tag"`
		Text string `json:"text"`
	} `json:"conclusions,omitempty"`
}

// httpTransport is the Sender behind HTTPSender. Connectivity is
// tracked from the last POST outcome; the handler's timer probes the
// endpoint to detect recovery.
type httpTransport struct {
	client     *http.Client
	url        string
	apiKey     string
	instanceID string
	connected  bool
}

func newHTTPTransport(c HTTPSenderConfig) *httpTransport {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &httpTransport{
		client:     &http.Client{Timeout: timeout},
		url:        c.URL,
		apiKey:     c.APIKey,
		instanceID: uuid.NewString(),
		connected:  true,
	}
}

func (t *httpTransport) IsActuallyConnected() bool { return t.connected }

// TrySend POSTs one entry. Transient failures flip the link down and
// return false; the handler buffers and retries later.
func (t *httpTransport) TrySend(e *entry.MulticastEntry) bool {
	w := wireEntry{
		Timestamp:  e.LogTime.TimeUtc.UnixNano(),
		Uniquifier: e.LogTime.Uniquifier,
		Kind:       e.Kind.String(),
		Level:      e.Level.String(),
		Message:    e.Text,
		Tags:       string(e.Tags),
		MonitorID:  e.MonitorID,
		GroupDepth: e.GroupDepth,
		FileName:   e.FileName,
		LineNumber: e.LineNumber,
	}
	if e.Exception != nil {
		w.Exception = e.Exception.Message
	}
	for _, c := range e.Conclusions {
		w.Conclusions = append(w.Conclusions, struct {
			Tag  string `json:"tag"`
			Text string `json:"text"`
		}{c.Tag, c.Text})
	}
	body, err := json.Marshal(w)
	if err != nil {
		// Not a transport problem: report and drop by pretending
		// delivery succeeded, the entry can never be serialized.
		slog.Warn("http sender: marshal failed", "error", err)
		return true
	}

	req, err := http.NewRequest(http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("http sender: bad request", "error", err)
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Instance-ID", t.instanceID)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.connected = false
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.connected = resp.StatusCode < 500
		if resp.StatusCode >= 500 {
			return false
		}
		// 4xx is permanent for this entry: log and drop.
		slog.Warn("http sender: rejected", "status", resp.StatusCode)
		return true
	}
	t.connected = true
	return true
}

// probe re-checks a down endpoint with a HEAD request.
func (t *httpTransport) probe() {
	if t.connected {
		return
	}
	req, err := http.NewRequest(http.MethodHead, t.url, nil)
	if err != nil {
		return
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	t.connected = resp.StatusCode < 500
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
