package pump

import (
	"errors"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/Purgator/CK-Monitoring/fifo"
)

// Sender is the transport capability behind a buffering handler.
// TrySend never panics: false means transient failure, the caller
// buffers and retries later. Permanent failures are reported by the
// sender itself (out of band) and still return false.
type Sender interface {
	// IsActuallyConnected reports the current link state.
	IsActuallyConnected() bool
	// TrySend attempts delivery of one entry.
	TrySend(e *entry.MulticastEntry) bool
	// Close releases the transport resources.
	Close() error
}

// BufferingConfig sizes the two phases of a buffering handler: before
// the first sender exists, and after a healthy link drops. Distinct
// sizes let operators trade memory for resilience differently in each
// phase. Both are non-negative.
type BufferingConfig struct {
	InitialBufferSize int
	LostBufferSize    int
}

var errSenderCreation = errors.New("sender creation failed")

// BufferingHandler is the template for handlers whose delivery may
// transiently fail: entries are buffered head-first while the link is
// down and drained in order on recovery. Concrete handlers embed it
// and provide ApplyConfiguration.
type BufferingHandler struct {
	cfg       BufferingConfig
	create    func(m *SinkMonitor) (Sender, error)
	canCreate func() bool
	sender    Sender
	buffer    *fifo.Buffer[*entry.MulticastEntry]
}

// NewBufferingHandler builds the template. create builds the sender;
// canCreate (nil means always) tells whether creation is possible yet,
// for transports that depend on late initialization.
func NewBufferingHandler(cfg BufferingConfig, create func(m *SinkMonitor) (Sender, error), canCreate func() bool) *BufferingHandler {
	if cfg.InitialBufferSize < 0 {
		cfg.InitialBufferSize = 0
	}
	if cfg.LostBufferSize < 0 {
		cfg.LostBufferSize = 0
	}
	return &BufferingHandler{
		cfg:       cfg,
		create:    create,
		canCreate: canCreate,
	}
}

// Sender returns the current sender, nil in pre-connection mode.
func (h *BufferingHandler) Sender() Sender { return h.sender }

// BufferLen returns the number of buffered entries.
func (h *BufferingHandler) BufferLen() int { return h.buffer.Len() }

// Activate admits the handler in pre-connection mode, or with a live
// sender when one can already be created. A failed creation refuses
// activation.
func (h *BufferingHandler) Activate(m *SinkMonitor) bool {
	h.buffer = fifo.NewBuffer[*entry.MulticastEntry](h.cfg.InitialBufferSize)
	if h.canCreate == nil || h.canCreate() {
		s, err := h.create(m)
		if err != nil || s == nil {
			return false
		}
		h.sender = s
		h.buffer.SetCapacity(h.cfg.LostBufferSize)
	}
	return true
}

// Handle drains the buffer head-first while the link is up, then
// delivers the new entry; any failure parks the entry at the tail.
func (h *BufferingHandler) Handle(m *SinkMonitor, e *entry.MulticastEntry) error {
	if h.sender == nil && (h.canCreate == nil || h.canCreate()) {
		s, err := h.create(m)
		if err != nil || s == nil {
			return errSenderCreation
		}
		h.sender = s
		h.buffer.SetCapacity(h.cfg.LostBufferSize)
	}
	for h.buffer.Len() > 0 {
		head, _ := h.buffer.Peek()
		if h.sender != nil && h.sender.IsActuallyConnected() && h.sender.TrySend(head) {
			h.buffer.Pop()
			continue
		}
		h.buffer.Push(e)
		return nil
	}
	if h.sender != nil && h.sender.IsActuallyConnected() && h.sender.TrySend(e) {
		return nil
	}
	h.buffer.Push(e)
	return nil
}

// OnTimer opportunistically drains the buffer when the link came back
// between events.
func (h *BufferingHandler) OnTimer(m *SinkMonitor, elapsed time.Duration) {
	for h.buffer.Len() > 0 {
		if h.sender == nil || !h.sender.IsActuallyConnected() {
			return
		}
		head, _ := h.buffer.Peek()
		if !h.sender.TrySend(head) {
			return
		}
		h.buffer.Pop()
	}
}

// UpdateBufferingConfiguration resizes the buffer for the current
// phase: lost-connection size once a sender exists, pre-connection
// size otherwise. Shrinking drops the oldest entries.
func (h *BufferingHandler) UpdateBufferingConfiguration(cfg BufferingConfig) {
	if cfg.InitialBufferSize < 0 {
		cfg.InitialBufferSize = 0
	}
	if cfg.LostBufferSize < 0 {
		cfg.LostBufferSize = 0
	}
	h.cfg = cfg
	if h.sender != nil {
		h.buffer.SetCapacity(cfg.LostBufferSize)
	} else {
		h.buffer.SetCapacity(cfg.InitialBufferSize)
	}
}

// Deactivate disposes the sender. Buffered entries are discarded:
// delivery is memory-only.
func (h *BufferingHandler) Deactivate(m *SinkMonitor) {
	if h.sender != nil {
		h.sender.Close()
		h.sender = nil
	}
	h.buffer.Clear()
}
