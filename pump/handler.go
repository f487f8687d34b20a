package pump

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/valyala/fastjson"
)

// HandlerConfig is the configuration value of one handler. Its concrete
// type selects the handler through the registration table.
type HandlerConfig any

// Handler consumes log entries out of the dispatcher. All methods are
// invoked from the single dispatcher goroutine; after Activate a
// handler is never touched concurrently.
type Handler interface {
	// Activate admits the handler. Returning false removes it from
	// the set.
	Activate(m *SinkMonitor) bool
	// Handle delivers one entry. A non-nil error (or a panic) evicts
	// the handler and emits a diagnostic into the pump monitor.
	Handle(m *SinkMonitor, e *entry.MulticastEntry) error
	// OnTimer fires periodically with the elapsed time since the
	// previous tick. Poll-based handlers use it for reconnections.
	OnTimer(m *SinkMonitor, elapsed time.Duration)
	// ApplyConfiguration updates the live handler with a configuration
	// of its own type. Returning false makes the dispatcher destroy
	// and recreate the handler instead.
	ApplyConfiguration(m *SinkMonitor, cfg HandlerConfig) bool
	// Deactivate is the terminal cleanup.
	Deactivate(m *SinkMonitor)
}

// HandlerFactory builds a handler from its configuration value.
type HandlerFactory func(cfg HandlerConfig) (Handler, error)

// HandlerConfigDecoder parses a handler configuration from its JSON
// object form (used by ParseJSONConfig). May be nil for handlers that
// are only configured programmatically.
type HandlerConfigDecoder func(v *fastjson.Value) (HandlerConfig, error)

type handlerRegistration struct {
	name    string
	typ     reflect.Type
	factory HandlerFactory
	decode  HandlerConfigDecoder
}

var (
	registryMu     sync.RWMutex
	registryByType = make(map[reflect.Type]*handlerRegistration)
	registryByName = make(map[string]*handlerRegistration)
)

// RegisterHandler adds an explicit (configuration type, factory)
// registration. prototype is a zero value of the configuration type;
// name keys the "type" field of JSON configuration documents.
func RegisterHandler(name string, prototype HandlerConfig, factory HandlerFactory, decode HandlerConfigDecoder) {
	typ := reflect.TypeOf(prototype)
	registryMu.Lock()
	defer registryMu.Unlock()
	reg := &handlerRegistration{name: name, typ: typ, factory: factory, decode: decode}
	registryByType[typ] = reg
	registryByName[name] = reg
}

func newHandler(cfg HandlerConfig) (Handler, error) {
	registryMu.RLock()
	reg := registryByType[reflect.TypeOf(cfg)]
	registryMu.RUnlock()
	if reg == nil {
		return nil, fmt.Errorf("no handler registered for configuration type %T", cfg)
	}
	return reg.factory(cfg)
}

func decodeHandlerConfig(typeName string, v *fastjson.Value) (HandlerConfig, error) {
	registryMu.RLock()
	reg := registryByName[typeName]
	registryMu.RUnlock()
	if reg == nil || reg.decode == nil {
		return nil, fmt.Errorf("unknown handler type %q", typeName)
	}
	return reg.decode(v)
}

// SinkMonitor is the capability-narrowed reference handlers receive:
// it only allows emitting entries into the pump's own monitor stream.
type SinkMonitor struct {
	id   string
	emit func(level entry.LogLevel, tags entry.Tags, text string, err error)
}

// NewSinkMonitor builds a standalone sink monitor around an emit
// function. The pump creates its own; this constructor serves handler
// implementations that need one outside a running pump (tests,
// adapters).
func NewSinkMonitor(id string, emit func(level entry.LogLevel, tags entry.Tags, text string, err error)) *SinkMonitor {
	return &SinkMonitor{id: id, emit: emit}
}

// ID returns the monitor identifier stamped on emitted entries.
func (m *SinkMonitor) ID() string { return m.id }

// Log emits one line into the pump monitor stream. The entry goes
// through the pipeline like any produced event.
func (m *SinkMonitor) Log(level entry.LogLevel, tags entry.Tags, text string, err error) {
	m.emit(level, tags, text, err)
}
