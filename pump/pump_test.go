package pump

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
)

// recorder collects everything a capture handler receives.
type recorder struct {
	mu      sync.Mutex
	entries []*entry.MulticastEntry
}

func (r *recorder) add(e *entry.MulticastEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Text
	}
	return out
}

func (r *recorder) byMonitor(id string) []*entry.MulticastEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entry.MulticastEntry
	for _, e := range r.entries {
		if e.MonitorID == id {
			out = append(out, e)
		}
	}
	return out
}

type captureConfig struct{ rec *recorder }
type capture2Config struct{ rec *recorder }

type captureHandler struct{ rec *recorder }

func (h *captureHandler) Activate(m *SinkMonitor) bool { return true }
func (h *captureHandler) Handle(m *SinkMonitor, e *entry.MulticastEntry) error {
	h.rec.add(e)
	return nil
}
func (h *captureHandler) OnTimer(m *SinkMonitor, elapsed time.Duration) {}
func (h *captureHandler) ApplyConfiguration(m *SinkMonitor, cfg HandlerConfig) bool {
	c, ok := cfg.(captureConfig)
	if !ok {
		return false
	}
	h.rec = c.rec
	return true
}
func (h *captureHandler) Deactivate(m *SinkMonitor) {}

type capture2Handler struct{ captureHandler }

func (h *capture2Handler) ApplyConfiguration(m *SinkMonitor, cfg HandlerConfig) bool {
	c, ok := cfg.(capture2Config)
	if !ok {
		return false
	}
	h.rec = c.rec
	return true
}

// failConfig builds a handler that fails on a marker text.
type failConfig struct {
	rec    *recorder
	failOn string
}

type failHandler struct{ cfg failConfig }

func (h *failHandler) Activate(m *SinkMonitor) bool { return true }
func (h *failHandler) Handle(m *SinkMonitor, e *entry.MulticastEntry) error {
	if e.Text == h.cfg.failOn {
		return ErrStopped // any error does
	}
	h.cfg.rec.add(e)
	return nil
}
func (h *failHandler) OnTimer(m *SinkMonitor, elapsed time.Duration) {}
func (h *failHandler) ApplyConfiguration(m *SinkMonitor, cfg HandlerConfig) bool {
	c, ok := cfg.(failConfig)
	if !ok {
		return false
	}
	h.cfg = c
	return true
}
func (h *failHandler) Deactivate(m *SinkMonitor) {}

// unregisteredConfig has no factory on purpose.
type unregisteredConfig struct{}

func init() {
	RegisterHandler("TestCapture", captureConfig{},
		func(cfg HandlerConfig) (Handler, error) {
			return &captureHandler{rec: cfg.(captureConfig).rec}, nil
		}, nil)
	RegisterHandler("TestCapture2", capture2Config{},
		func(cfg HandlerConfig) (Handler, error) {
			return &capture2Handler{captureHandler{rec: cfg.(capture2Config).rec}}, nil
		}, nil)
	RegisterHandler("TestFail", failConfig{},
		func(cfg HandlerConfig) (Handler, error) {
			return &failHandler{cfg: cfg.(failConfig)}, nil
		}, nil)
}

func countMatching(texts []string, sub string) int {
	n := 0
	for _, t := range texts {
		if strings.Contains(t, sub) {
			n++
		}
	}
	return n
}

func indexMatching(texts []string, sub string) int {
	for i, t := range texts {
		if strings.Contains(t, sub) {
			return i
		}
	}
	return -1
}

func TestReconfigurationDoesNotStutter(t *testing.T) {
	rec := &recorder{}
	rec2 := &recorder{}
	g, err := New(&Config{Handlers: []HandlerConfig{captureConfig{rec: rec}}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	cfg := &Config{Handlers: []HandlerConfig{
		captureConfig{rec: rec},
		capture2Config{rec: rec2},
	}}
	if err := g.ApplyConfiguration(cfg, true); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	texts := rec.texts()
	if countMatching(texts, "configuration n°0") != 1 {
		t.Errorf("expected exactly one configuration n°0 log, texts: %v", texts)
	}
	if countMatching(texts, "configuration n°1") != 1 {
		t.Errorf("expected exactly one configuration n°1 log, texts: %v", texts)
	}
	if countMatching(texts, "configuration n°2") != 0 {
		t.Errorf("unexpected configuration n°2 log, texts: %v", texts)
	}
}

func TestMinimalFilterLiveUpdate(t *testing.T) {
	g, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()
	c := g.NewClient("mon-1")

	if f := c.MinimalFilter(); !f.IsUndefined() {
		t.Errorf("initial filter = %v, want Undefined", f)
	}

	if err := g.ApplyConfiguration(&Config{MinimalFilter: LogFilterDebug}, true); err != nil {
		t.Fatal(err)
	}
	if f := c.MinimalFilter(); f != LogFilterDebug {
		t.Errorf("filter = %v, want Debug", f)
	}

	exact := LogFilter{Group: FilterOff, Line: FilterDebug}
	if err := g.ApplyConfiguration(&Config{MinimalFilter: exact}, true); err != nil {
		t.Fatal(err)
	}
	if f := c.MinimalFilter(); f != exact {
		t.Errorf("filter = %v, want %v", f, exact)
	}

	// An undefined minimal filter retains the previous value.
	if err := g.ApplyConfiguration(&Config{}, true); err != nil {
		t.Fatal(err)
	}
	if f := c.MinimalFilter(); f != exact {
		t.Errorf("filter after undefined apply = %v, want retained %v", f, exact)
	}
}

func TestTagFilters(t *testing.T) {
	g, err := New(&Config{
		MinimalFilter: LogFilter{Group: FilterTrace, Line: FilterTrace},
		TagFilters: []TagFilter{
			{Tags: entry.NewTags("Sql"), Filter: LogFilterDebug},
			{Tags: entry.NewTags("Machine"), Filter: LogFilterRelease, Forced: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()
	c := g.NewClient("mon-1")

	if !c.ShouldLog(entry.TypeLine, entry.LevelDebug, entry.NewTags("Sql")) {
		t.Error("debug(Sql) should emit")
	}
	if c.ShouldLog(entry.TypeLine, entry.LevelTrace, entry.NewTags("Machine")) {
		t.Error("trace(Machine) should be suppressed by Release")
	}
	if !c.ShouldLog(entry.TypeLine, entry.LevelTrace, entry.NewTags("Machine|Sql")) {
		t.Error("trace(Machine|Sql) should emit: Sql wins")
	}
	// Untagged entries fall back to the minimal filter.
	if !c.ShouldLog(entry.TypeLine, entry.LevelTrace, "") {
		t.Error("trace() should pass the Trace minimal filter")
	}
	if c.ShouldLog(entry.TypeLine, entry.LevelDebug, "") {
		t.Error("debug() should be below the Trace minimal filter")
	}
}

func TestInvalidHandlerConfig(t *testing.T) {
	rec := &recorder{}
	g, err := New(&Config{Handlers: []HandlerConfig{captureConfig{rec: rec}}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()
	c := g.NewClient("mon-1")

	c.OnLog(LogData{Level: entry.LevelInfo, Text: "BEFORE"})
	cfg := &Config{Handlers: []HandlerConfig{
		captureConfig{rec: rec},
		unregisteredConfig{},
	}}
	if err := g.ApplyConfiguration(cfg, true); err != nil {
		t.Fatal(err)
	}
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "AFTER"})
	time.Sleep(200 * time.Millisecond)

	texts := rec.texts()
	before := indexMatching(texts, "BEFORE")
	errIdx := indexMatching(texts, "While applying dynamic configuration.")
	after := indexMatching(texts, "AFTER")
	if before < 0 || errIdx < 0 || after < 0 {
		t.Fatalf("missing expected logs, texts: %v", texts)
	}
	if !(before < errIdx && errIdx < after) {
		t.Errorf("order broken: BEFORE=%d err=%d AFTER=%d", before, errIdx, after)
	}
}

func TestHandlerEviction(t *testing.T) {
	rec := &recorder{}
	failRec := &recorder{}
	g, err := New(&Config{Handlers: []HandlerConfig{
		captureConfig{rec: rec},
		failConfig{rec: failRec, failOn: "kill"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()
	c := g.NewClient("mon-1")

	c.OnLog(LogData{Level: entry.LevelInfo, Text: "one"})
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "kill"})
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "two"})
	time.Sleep(200 * time.Millisecond)

	failTexts := failRec.texts()
	if countMatching(failTexts, "one") != 1 || countMatching(failTexts, "two") != 0 {
		t.Errorf("evicted handler received: %v", failTexts)
	}
	texts := rec.texts()
	if countMatching(texts, "two") != 1 {
		t.Errorf("surviving handler missed an entry: %v", texts)
	}
	if countMatching(texts, "evicted") != 1 {
		t.Errorf("missing eviction diagnostic: %v", texts)
	}
}

func TestSuccessiveConfigurationsConverge(t *testing.T) {
	rec := &recorder{}
	rec2 := &recorder{}
	g, err := New(&Config{Handlers: []HandlerConfig{captureConfig{rec: rec}}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	if err := g.ApplyConfiguration(&Config{Handlers: []HandlerConfig{captureConfig{rec: rec}}}, true); err != nil {
		t.Fatal(err)
	}
	if err := g.ApplyConfiguration(&Config{Handlers: []HandlerConfig{capture2Config{rec: rec2}}}, true); err != nil {
		t.Fatal(err)
	}

	c := g.NewClient("mon-1")
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "final"})
	time.Sleep(200 * time.Millisecond)

	if countMatching(rec.texts(), "final") != 0 {
		t.Errorf("handler from superseded configuration still active: %v", rec.texts())
	}
	if countMatching(rec2.texts(), "final") != 1 {
		t.Errorf("target configuration handler missed the entry: %v", rec2.texts())
	}
}

func TestPrevChainAndDepth(t *testing.T) {
	rec := &recorder{}
	g, err := New(&Config{Handlers: []HandlerConfig{captureConfig{rec: rec}}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()
	c := g.NewClient("mon-1")

	c.OnLog(LogData{Level: entry.LevelInfo, Text: "l0"})
	c.OnOpenGroup(LogData{Level: entry.LevelWarn, Text: "g0"})
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "l1"})
	c.OnGroupClosed([]entry.Conclusion{{Tag: "Count", Text: "1"}})
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "l2"})
	time.Sleep(200 * time.Millisecond)

	got := rec.byMonitor("mon-1")
	if len(got) != 5 {
		t.Fatalf("received %d entries, want 5", len(got))
	}

	if got[0].PrevType != entry.TypeNone || got[0].PrevLogTime.IsKnown() {
		t.Error("first entry must chain to (None, Unknown)")
	}
	for i := 1; i < len(got); i++ {
		if got[i].PrevType != got[i-1].Kind {
			t.Errorf("entry %d prev type = %v, want %v", i, got[i].PrevType, got[i-1].Kind)
		}
		if !got[i].PrevLogTime.Equal(got[i-1].LogTime) {
			t.Errorf("entry %d prev time mismatch", i)
		}
		if !got[i].PrevLogTime.Before(got[i].LogTime) && !got[i].PrevLogTime.Equal(got[i].LogTime) {
			t.Errorf("entry %d prev time after log time", i)
		}
	}

	wantDepths := []uint32{0, 0, 1, 1, 0}
	for i, e := range got {
		if e.GroupDepth != wantDepths[i] {
			t.Errorf("entry %d depth = %d, want %d", i, e.GroupDepth, wantDepths[i])
		}
	}
	// CloseGroup reuses the opening level and carries conclusions.
	if got[3].Level != entry.LevelWarn || len(got[3].Conclusions) != 1 {
		t.Errorf("close group entry malformed: %+v", got[3])
	}
}

func TestUnmatchedCloseIsDropped(t *testing.T) {
	rec := &recorder{}
	g, err := New(&Config{Handlers: []HandlerConfig{captureConfig{rec: rec}}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()
	c := g.NewClient("mon-1")

	c.OnGroupClosed(nil)
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "alive"})
	time.Sleep(100 * time.Millisecond)

	got := rec.byMonitor("mon-1")
	if len(got) != 1 || got[0].Kind != entry.TypeLine {
		t.Errorf("unmatched close leaked: %+v", got)
	}
}

func TestExternalLog(t *testing.T) {
	rec := &recorder{}
	g, err := New(&Config{
		Handlers:               []HandlerConfig{captureConfig{rec: rec}},
		ExternalLogLevelFilter: FilterInfo,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	g.ExternalLog(entry.LevelDebug, "", "below-gate", nil)
	g.ExternalLog(entry.LevelWarn, "", "through-gate", nil)
	time.Sleep(100 * time.Millisecond)

	ext := rec.byMonitor(ExternalMonitorID)
	if len(ext) != 1 || ext[0].Text != "through-gate" {
		t.Errorf("external log gating broken: %+v", ext)
	}
}

func TestReRegistrationResetsChain(t *testing.T) {
	rec := &recorder{}
	g, err := New(&Config{Handlers: []HandlerConfig{captureConfig{rec: rec}}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	c1 := g.NewClient("mon-1")
	c1.OnLog(LogData{Level: entry.LevelInfo, Text: "first"})
	c2 := g.NewClient("mon-1")
	c2.OnLog(LogData{Level: entry.LevelInfo, Text: "second"})
	// The replaced client drops further work.
	c1.OnLog(LogData{Level: entry.LevelInfo, Text: "stale"})
	time.Sleep(100 * time.Millisecond)

	got := rec.byMonitor("mon-1")
	if len(got) != 2 {
		t.Fatalf("received %d entries, want 2: %v", len(got), rec.texts())
	}
	if got[1].PrevType != entry.TypeNone || got[1].PrevLogTime.IsKnown() {
		t.Error("re-registration must reset the previous-entry chain")
	}
}

func TestStop(t *testing.T) {
	rec := &recorder{}
	g, err := New(&Config{Handlers: []HandlerConfig{captureConfig{rec: rec}}})
	if err != nil {
		t.Fatal(err)
	}
	c := g.NewClient("mon-1")
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "queued"})

	if err := g.Stop(); err != nil {
		t.Fatal(err)
	}
	if !g.IsDisposed() {
		t.Error("IsDisposed false after Stop")
	}
	select {
	case <-g.DisposingToken().Done():
	default:
		t.Error("DisposingToken not cancelled")
	}
	if err := g.ApplyConfiguration(&Config{}, true); err != ErrStopped {
		t.Errorf("ApplyConfiguration after stop = %v, want ErrStopped", err)
	}
	// Producers return early, nothing panics.
	c.OnLog(LogData{Level: entry.LevelInfo, Text: "dropped"})
	g.Handle(nil)

	if countMatching(rec.texts(), "queued") != 1 {
		t.Errorf("queued entry lost during drain: %v", rec.texts())
	}
	if countMatching(rec.texts(), "dropped") != 0 {
		t.Error("entry accepted after stop")
	}
}

func TestGarbageDeadClients(t *testing.T) {
	called := make(chan struct{}, 8)
	g, err := New(nil,
		WithGarbageInterval(30*time.Millisecond),
		WithDeadClientCallback(func() {
			select {
			case called <- struct{}{}:
			default:
			}
		}))
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	c := g.NewClient("mon-1")
	c.Close()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("dead client callback never invoked")
	}
	time.Sleep(50 * time.Millisecond)
	g.clientMu.Lock()
	_, alive := g.clients["mon-1"]
	g.clientMu.Unlock()
	if alive {
		t.Error("closed client not swept")
	}
}

func TestParseJSONConfig(t *testing.T) {
	doc := []byte(`{
		"TimerDuration": "250ms",
		"MinimalFilter": "Verbose",
		"ExternalLogLevelFilter": "Warn",
		"TagFilters": [["Sql", "Debug"], ["Machine", "Release!"]],
		"Handlers": [{"type": "NoSuchHandler"}]
	}`)
	cfg, err := ParseJSONConfig(doc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TimerDuration != 250*time.Millisecond {
		t.Errorf("TimerDuration = %v", cfg.TimerDuration)
	}
	if cfg.MinimalFilter != LogFilterVerbose {
		t.Errorf("MinimalFilter = %v", cfg.MinimalFilter)
	}
	if cfg.ExternalLogLevelFilter != FilterWarn {
		t.Errorf("ExternalLogLevelFilter = %v", cfg.ExternalLogLevelFilter)
	}
	if len(cfg.TagFilters) != 2 || !cfg.TagFilters[1].Forced {
		t.Errorf("TagFilters = %+v", cfg.TagFilters)
	}
	if len(cfg.Handlers) != 1 {
		t.Fatalf("Handlers = %+v", cfg.Handlers)
	}
	if u, ok := cfg.Handlers[0].(unknownHandlerConfig); !ok || u.TypeName != "NoSuchHandler" {
		t.Errorf("expected unknown handler placeholder, got %+v", cfg.Handlers[0])
	}

	if _, err := ParseJSONConfig([]byte("{nope")); err == nil {
		t.Error("expected parse error")
	}
}
