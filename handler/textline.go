package handler

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/Purgator/CK-Monitoring/pump"
	"github.com/valyala/fastjson"
)

// TextLineConfig configures a TextLine handler. A nil Out renders to
// stdout; UseStderr switches the default stream.
type TextLineConfig struct {
	Out       io.Writer
	UseStderr bool
}

// TextLine renders entries as human readable lines with group
// indentation, the console handler of the pipeline.
type TextLine struct {
	cfg TextLineConfig
	out io.Writer
	mu  sync.Mutex
}

func init() {
	pump.RegisterHandler("TextLine", TextLineConfig{},
		func(cfg pump.HandlerConfig) (pump.Handler, error) {
			c, ok := cfg.(TextLineConfig)
			if !ok {
				return nil, fmt.Errorf("expected TextLineConfig, got %T", cfg)
			}
			return &TextLine{cfg: c}, nil
		},
		func(v *fastjson.Value) (pump.HandlerConfig, error) {
			return TextLineConfig{UseStderr: v.GetBool("useStderr")}, nil
		})
}

func (t *TextLine) Activate(m *pump.SinkMonitor) bool {
	t.out = t.cfg.Out
	if t.out == nil {
		if t.cfg.UseStderr {
			t.out = os.Stderr
		} else {
			t.out = os.Stdout
		}
	}
	return true
}

func (t *TextLine) Handle(m *pump.SinkMonitor, e *entry.MulticastEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	indent := strings.Repeat("  ", int(e.GroupDepth))
	marker := "  "
	switch e.Kind {
	case entry.TypeOpenGroup:
		marker = "> "
	case entry.TypeCloseGroup:
		marker = "< "
	}
	text := e.Text
	if e.Kind == entry.TypeCloseGroup && text == "" {
		text = "(close)"
	}
	if _, err := fmt.Fprintf(t.out, "%s %-5s %s| %s%s%s\n",
		e.LogTime.TimeUtc.Format("2006-01-02 15:04:05.000"),
		e.Level.String(), shortID(e.MonitorID), indent, marker, text); err != nil {
		return err
	}
	for _, c := range e.Conclusions {
		if _, err := fmt.Fprintf(t.out, "%s   - %s: %s\n", indent, c.Tag, c.Text); err != nil {
			return err
		}
	}
	if e.Exception != nil {
		if _, err := fmt.Fprintf(t.out, "%s   ! %s\n", indent, e.Exception.Message); err != nil {
			return err
		}
	}
	return nil
}

func (t *TextLine) OnTimer(m *pump.SinkMonitor, elapsed time.Duration) {}

func (t *TextLine) ApplyConfiguration(m *pump.SinkMonitor, cfg pump.HandlerConfig) bool {
	c, ok := cfg.(TextLineConfig)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = c
	t.out = c.Out
	if t.out == nil {
		if c.UseStderr {
			t.out = os.Stderr
		} else {
			t.out = os.Stdout
		}
	}
	return true
}

func (t *TextLine) Deactivate(m *pump.SinkMonitor) {}

// shortID truncates monitor uuids for readable console lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
