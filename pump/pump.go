// Package pump implements the GrandOutput: a single-consumer
// asynchronous dispatcher that collects multicast log entries from many
// in-process monitors and fans them out to a dynamically configured set
// of handlers.
package pump

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/google/uuid"
)

// Runtime identifiers of the pipeline.
const (
	// ExternalMonitorID labels entries emitted through ExternalLog:
	// logs without any monitor context.
	ExternalMonitorID = "§ext"
	// UnknownGrandOutputID is the fallback pump identifier.
	UnknownGrandOutputID = "§none"
)

// ErrStopped is returned by operations attempted on a stopping or
// stopped pump.
var ErrStopped = errors.New("grand output is stopped")

const (
	stateRunning int32 = iota
	stateStopping
	stateStopped
)

const defaultChannelCapacity = 4096

// Option configures a GrandOutput.
type Option func(*GrandOutput)

// WithChannelCapacity sets the bounded event channel capacity.
// Producers block (bounded back-pressure) when it is full.
func WithChannelCapacity(n int) Option {
	return func(g *GrandOutput) {
		if n > 0 {
			g.channelCapacity = n
		}
	}
}

// WithForceCloseTimeout bounds the drain wait of Stop. Zero, the
// default, waits forever.
func WithForceCloseTimeout(d time.Duration) Option {
	return func(g *GrandOutput) { g.forceCloseTimeout = d }
}

// WithGarbageInterval overrides the dead client sweep period
// (default 5 minutes).
func WithGarbageInterval(d time.Duration) Option {
	return func(g *GrandOutput) {
		if d > 0 {
			g.garbageInterval = d
		}
	}
}

// WithDeadClientCallback installs the owner callback invoked by the
// periodic dead client sweep.
func WithDeadClientCallback(f func()) Option {
	return func(g *GrandOutput) { g.deadClientCallback = f }
}

type filterState struct {
	minimal    LogFilter
	tagFilters []TagFilter
	external   LogLevelFilter
}

type handlerSlot struct {
	cfg HandlerConfig
	h   Handler
}

type command interface{ isCommand() }

type configureCommand struct {
	cfg  *Config
	done chan struct{}
}

type stopCommand struct {
	done chan struct{}
}

func (*configureCommand) isCommand() {}
func (*stopCommand) isCommand() {}

// GrandOutput is the pipeline's spine. A single long-lived goroutine
// consumes events from the bounded channel and drives every registered
// handler; all handler state is owned by that goroutine.
type GrandOutput struct {
	id    string
	state atomic.Int32

	channelCapacity   int
	forceCloseTimeout time.Duration
	garbageInterval   time.Duration

	events   chan *entry.MulticastEntry
	commands chan command
	done     chan struct{}

	disposeCtx    context.Context
	disposeCancel context.CancelFunc

	filterPtr atomic.Pointer[filterState]

	// Consumer-owned state.
	slots         []*handlerSlot
	timerDuration time.Duration
	confCount     int

	sinkMonitor *SinkMonitor
	sinkMu      sync.Mutex
	sinkPrev    entry.EntryType
	sinkPrevTS  entry.DateTimeStamp

	extMu     sync.Mutex
	extPrev   entry.EntryType
	extPrevTS entry.DateTimeStamp

	clientMu sync.Mutex
	clients  map[string]*Client

	deadClientCallback func()
}

// New creates a GrandOutput, starts its dispatcher goroutine and
// applies the initial configuration synchronously. A nil configuration
// starts with no handler.
func New(cfg *Config, opts ...Option) (*GrandOutput, error) {
	g := &GrandOutput{
		id:              uuid.NewString(),
		channelCapacity: defaultChannelCapacity,
		garbageInterval: DefaultGarbageInterval,
		timerDuration:   DefaultTimerDuration,
		clients:         make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.events = make(chan *entry.MulticastEntry, g.channelCapacity)
	g.commands = make(chan command, 16)
	g.done = make(chan struct{})
	g.disposeCtx, g.disposeCancel = context.WithCancel(context.Background())
	g.filterPtr.Store(&filterState{})
	g.sinkMonitor = &SinkMonitor{id: g.id, emit: g.emitInternal}

	go g.run()

	if cfg == nil {
		cfg = &Config{}
	}
	if err := g.ApplyConfiguration(cfg, true); err != nil {
		return nil, err
	}
	return g, nil
}

// ID returns the grand output identifier, which is also the pump
// monitor's id.
func (g *GrandOutput) ID() string { return g.id }

// IsDisposed reports whether the pump stopped accepting events.
func (g *GrandOutput) IsDisposed() bool {
	return g.state.Load() != stateRunning
}

// DisposingToken is cancelled when the pump starts stopping, for
// collaborators that must abort long-running work.
func (g *GrandOutput) DisposingToken() context.Context {
	return g.disposeCtx
}

// NewClient binds a monitor to the pump, replacing (and resetting the
// previous-entry chain of) any client already bound to the same
// monitor id.
func (g *GrandOutput) NewClient(monitorID string) *Client {
	c := &Client{pump: g, monitorID: monitorID}
	g.clientMu.Lock()
	if old, ok := g.clients[monitorID]; ok {
		old.Close()
	}
	g.clients[monitorID] = c
	g.clientMu.Unlock()
	if g.IsDisposed() {
		c.Close()
	}
	return c
}

// Handle enqueues one entry for dispatch. It blocks when the channel
// is at capacity (bounded back-pressure). Malformed entries are
// dropped with a warning into the pump's own monitor stream; a nil
// entry or a disposed pump returns early.
func (g *GrandOutput) Handle(e *entry.MulticastEntry) {
	if e == nil || g.IsDisposed() {
		return
	}
	if err := e.Validate(); err != nil {
		g.emitInternal(entry.LevelWarn, "", fmt.Sprintf("Dropped malformed entry from monitor %q.", e.MonitorID), err)
		return
	}
	select {
	case g.events <- e:
	case <-g.disposeCtx.Done():
	}
}

// ExternalLog synthesizes a Line entry for contextless logs, under the
// monitor id §ext, gated by the configured external log level filter.
func (g *GrandOutput) ExternalLog(level entry.LogLevel, tags entry.Tags, text string, err error) {
	if g.IsDisposed() {
		return
	}
	if !g.filterPtr.Load().external.Allows(level) {
		return
	}
	var exc *entry.ExceptionData
	if err != nil {
		exc = &entry.ExceptionData{Message: err.Error()}
	}
	g.extMu.Lock()
	stamp := entry.NextStamp(g.extPrevTS, time.Now().UTC())
	m := &entry.MulticastEntry{
		Entry: entry.Entry{
			Kind:      entry.TypeLine,
			Level:     level,
			Text:      text,
			Tags:      tags,
			LogTime:   stamp,
			Exception: exc,
		},
		MonitorID:   ExternalMonitorID,
		PrevType:    g.extPrev,
		PrevLogTime: g.extPrevTS,
	}
	g.extPrev = entry.TypeLine
	g.extPrevTS = stamp
	g.extMu.Unlock()
	g.Handle(m)
}

// ApplyConfiguration enqueues a reconfiguration. With wait true the
// call blocks until the configuration (or a newer one superseding it)
// has been processed.
func (g *GrandOutput) ApplyConfiguration(cfg *Config, wait bool) error {
	if cfg == nil {
		return errors.New("nil configuration")
	}
	if g.IsDisposed() {
		return ErrStopped
	}
	cmd := &configureCommand{cfg: cfg, done: make(chan struct{})}
	select {
	case g.commands <- cmd:
	case <-g.disposeCtx.Done():
		return ErrStopped
	}
	if !wait {
		return nil
	}
	select {
	case <-cmd.done:
		return nil
	case <-g.disposeCtx.Done():
		return ErrStopped
	}
}

// Stop signals the dispatcher, waits for the drain (bounded by the
// force close timeout when one is configured) and deactivates every
// handler. Pending events still queued after the timeout are dropped.
func (g *GrandOutput) Stop() error {
	if !g.state.CompareAndSwap(stateRunning, stateStopping) {
		return nil
	}
	g.disposeCancel()
	cmd := &stopCommand{done: make(chan struct{})}
	g.commands <- cmd

	if g.forceCloseTimeout <= 0 {
		<-cmd.done
	} else {
		select {
		case <-cmd.done:
		case <-time.After(g.forceCloseTimeout):
			g.state.Store(stateStopped)
			return fmt.Errorf("grand output stop: drain timed out after %v", g.forceCloseTimeout)
		}
	}
	g.state.Store(stateStopped)
	return nil
}

func (g *GrandOutput) minimalFilter() LogFilter {
	return g.filterPtr.Load().minimal
}

func (g *GrandOutput) filters() (LogFilter, []TagFilter) {
	fs := g.filterPtr.Load()
	return fs.minimal, fs.tagFilters
}

// emitInternal enqueues a Line entry into the pump's own monitor
// stream. The enqueue never blocks: when the channel is saturated the
// diagnostic is dropped rather than deadlocking the consumer.
func (g *GrandOutput) emitInternal(level entry.LogLevel, tags entry.Tags, text string, err error) {
	var exc *entry.ExceptionData
	if err != nil {
		exc = &entry.ExceptionData{Message: err.Error()}
	}
	g.sinkMu.Lock()
	stamp := entry.NextStamp(g.sinkPrevTS, time.Now().UTC())
	m := &entry.MulticastEntry{
		Entry: entry.Entry{
			Kind:      entry.TypeLine,
			Level:     level,
			Text:      text,
			Tags:      tags,
			LogTime:   stamp,
			Exception: exc,
		},
		MonitorID:   g.id,
		PrevType:    g.sinkPrev,
		PrevLogTime: g.sinkPrevTS,
	}
	g.sinkPrev = entry.TypeLine
	g.sinkPrevTS = stamp
	g.sinkMu.Unlock()

	select {
	case g.events <- m:
	default:
	}
}

// run is the dispatcher loop: one event or one command per iteration,
// plus the handler timer and the dead client sweep.
func (g *GrandOutput) run() {
	defer close(g.done)

	timer := time.NewTicker(g.timerDuration)
	defer timer.Stop()
	lastTick := time.Now()

	garbage := time.NewTicker(g.garbageInterval)
	defer garbage.Stop()

	for {
		// Commands take priority over queued events.
		select {
		case cmd := <-g.commands:
			if g.runCommand(cmd, timer) {
				return
			}
			continue
		default:
		}

		select {
		case cmd := <-g.commands:
			if g.runCommand(cmd, timer) {
				return
			}
		case e := <-g.events:
			g.dispatch(e)
		case now := <-timer.C:
			g.fireTimer(now.Sub(lastTick))
			lastTick = now
		case <-garbage.C:
			g.garbageDeadClients()
		}
	}
}

// runCommand executes one command; a configure command absorbs every
// newer configuration already queued behind it. Returns true on stop.
func (g *GrandOutput) runCommand(cmd command, timer *time.Ticker) bool {
	switch c := cmd.(type) {
	case *configureCommand:
		pending := []*configureCommand{c}
		var deferred command
	drain:
		for {
			select {
			case next := <-g.commands:
				if cc, ok := next.(*configureCommand); ok {
					pending = append(pending, cc)
					continue
				}
				deferred = next
				break drain
			default:
				break drain
			}
		}
		g.applyConfiguration(pending[len(pending)-1].cfg, timer)
		for _, cc := range pending {
			close(cc.done)
		}
		if deferred != nil {
			return g.runCommand(deferred, timer)
		}
		return false
	case *stopCommand:
		g.drainAndStop()
		close(c.done)
		return true
	}
	return false
}

// dispatch fans one entry out to every live handler, in order. A
// handler that fails or panics is evicted and a diagnostic goes into
// the pump monitor; subsequent events bypass it.
func (g *GrandOutput) dispatch(e *entry.MulticastEntry) {
	kept := g.slots[:0]
	for _, s := range g.slots {
		if err := g.safeHandle(s, e); err != nil {
			g.emitInternal(entry.LevelError, "",
				fmt.Sprintf("Handler %s evicted after delivery failure.", handlerName(s.cfg)), err)
			g.safeDeactivate(s)
			continue
		}
		kept = append(kept, s)
	}
	g.slots = kept
}

func (g *GrandOutput) fireTimer(elapsed time.Duration) {
	for _, s := range g.slots {
		func() {
			defer func() { recover() }()
			s.h.OnTimer(g.sinkMonitor, elapsed)
		}()
	}
}

func (g *GrandOutput) safeHandle(s *handlerSlot, e *entry.MulticastEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.h.Handle(g.sinkMonitor, e)
}

func (g *GrandOutput) safeActivate(h Handler) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return h.Activate(g.sinkMonitor)
}

func (g *GrandOutput) safeApply(s *handlerSlot, cfg HandlerConfig) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.h.ApplyConfiguration(g.sinkMonitor, cfg)
}

func (g *GrandOutput) safeDeactivate(s *handlerSlot) {
	defer func() { recover() }()
	s.h.Deactivate(g.sinkMonitor)
}

// applyConfiguration reconciles the live handler set with the target
// set. Handler identity is the configuration type: matching handlers
// receive ApplyConfiguration (and may refuse, forcing a
// destroy-and-recreate), new ones are activated, dropped ones are
// deactivated. Configuration errors skip the faulty handler and the
// rest of the configuration applies.
func (g *GrandOutput) applyConfiguration(cfg *Config, timer *time.Ticker) {
	n := g.confCount
	g.confCount++

	remaining := make([]*handlerSlot, len(g.slots))
	copy(remaining, g.slots)
	var slots []*handlerSlot

	for _, hc := range cfg.Handlers {
		if u, ok := hc.(unknownHandlerConfig); ok {
			g.emitInternal(entry.LevelError, "", "While applying dynamic configuration.",
				fmt.Errorf("unknown handler type %q", u.TypeName))
			continue
		}
		idx := -1
		for i, s := range remaining {
			if s != nil && reflect.TypeOf(s.cfg) == reflect.TypeOf(hc) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			s := remaining[idx]
			remaining[idx] = nil
			if g.safeApply(s, hc) {
				s.cfg = hc
				slots = append(slots, s)
				continue
			}
			g.safeDeactivate(s)
		}
		h, err := newHandler(hc)
		if err != nil {
			g.emitInternal(entry.LevelError, "", "While applying dynamic configuration.", err)
			continue
		}
		if !g.safeActivate(h) {
			continue
		}
		slots = append(slots, &handlerSlot{cfg: hc, h: h})
	}
	for _, s := range remaining {
		if s != nil {
			g.safeDeactivate(s)
		}
	}
	g.slots = slots

	d := cfg.TimerDuration
	if d <= 0 {
		d = DefaultTimerDuration
	}
	if d != g.timerDuration {
		g.timerDuration = d
		timer.Reset(d)
	}

	prev := g.filterPtr.Load()
	next := &filterState{
		minimal:    cfg.MinimalFilter,
		tagFilters: cfg.TagFilters,
		external:   cfg.ExternalLogLevelFilter,
	}
	// An undefined minimal filter retains the previous value.
	if next.minimal.IsUndefined() {
		next.minimal = prev.minimal
	}
	g.filterPtr.Store(next)

	g.emitInternal(entry.LevelInfo, "", fmt.Sprintf("GrandOutput configuration n°%d applied.", n), nil)
}

// drainAndStop processes every event still queued, then deactivates
// the handlers in order. Once Stop has given up on its force close
// timeout, the remaining queued events are dropped.
func (g *GrandOutput) drainAndStop() {
	for {
		select {
		case e := <-g.events:
			if g.state.Load() == stateStopped {
				continue
			}
			g.dispatch(e)
		default:
			for _, s := range g.slots {
				g.safeDeactivate(s)
			}
			g.slots = nil
			return
		}
	}
}

// garbageDeadClients drops closed clients and invokes the owner
// callback.
func (g *GrandOutput) garbageDeadClients() {
	g.clientMu.Lock()
	for id, c := range g.clients {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			delete(g.clients, id)
		}
	}
	g.clientMu.Unlock()
	if g.deadClientCallback != nil {
		g.deadClientCallback()
	}
}

func handlerName(cfg HandlerConfig) string {
	return reflect.TypeOf(cfg).String()
}
