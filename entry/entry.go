package entry

import "errors"

// ErrMalformedEntry is returned when an entry violates the model
// invariants (see Validate).
var ErrMalformedEntry = errors.New("malformed log entry")

// Conclusion is one (tag, text) pair carried by a CloseGroup entry.
type Conclusion struct {
	Tag  string
	Text string
}

// ExceptionData is the serializable view of an error attached to an
// entry.
type ExceptionData struct {
	Message    string
	StackTrace string
}

// Entry is a unicast log entry: one of Line, OpenGroup or CloseGroup.
// Text is empty only for CloseGroup; Conclusions are set only for
// CloseGroup.
type Entry struct {
	Kind        EntryType
	Level       LogLevel
	Filtered    bool
	Text        string
	Tags        Tags
	LogTime     DateTimeStamp
	FileName    string
	LineNumber  int
	Exception   *ExceptionData
	Conclusions []Conclusion
}

// MulticastEntry extends Entry with the provenance needed to reassemble
// a multiplexed stream: the source monitor, the (type, time) of that
// monitor's previous entry, and the group depth at emission. OpenGroup
// encodes the pre-increment depth and CloseGroup the pre-decrement
// depth.
type MulticastEntry struct {
	Entry
	MonitorID   string
	PrevType    EntryType
	PrevLogTime DateTimeStamp
	GroupDepth  uint32
}

// Validate checks the model invariants. Malformed entries are dropped
// by the dispatcher with a warning in the pump's own monitor stream.
func (e *Entry) Validate() error {
	switch e.Kind {
	case TypeLine, TypeOpenGroup:
		if e.Text == "" {
			return ErrMalformedEntry
		}
		if len(e.Conclusions) != 0 {
			return ErrMalformedEntry
		}
	case TypeCloseGroup:
		// Text and conclusions are both optional.
	default:
		return ErrMalformedEntry
	}
	if e.Level == LevelNone || e.Level > LevelFatal {
		return ErrMalformedEntry
	}
	if !e.LogTime.IsKnown() {
		return ErrMalformedEntry
	}
	return nil
}

// Validate additionally checks the multicast provenance fields.
func (m *MulticastEntry) Validate() error {
	if err := m.Entry.Validate(); err != nil {
		return err
	}
	if m.MonitorID == "" {
		return ErrMalformedEntry
	}
	if m.PrevType == TypeNone && m.PrevLogTime.IsKnown() {
		return ErrMalformedEntry
	}
	if m.PrevLogTime.IsKnown() && m.LogTime.Before(m.PrevLogTime) {
		return ErrMalformedEntry
	}
	return nil
}

// Equal compares two entries field by field, using time-aware stamp
// comparison.
func (e *Entry) Equal(o *Entry) bool {
	if e.Kind != o.Kind || e.Level != o.Level || e.Filtered != o.Filtered ||
		e.Text != o.Text || e.Tags != o.Tags || !e.LogTime.Equal(o.LogTime) ||
		e.FileName != o.FileName || e.LineNumber != o.LineNumber {
		return false
	}
	if (e.Exception == nil) != (o.Exception == nil) {
		return false
	}
	if e.Exception != nil && *e.Exception != *o.Exception {
		return false
	}
	if len(e.Conclusions) != len(o.Conclusions) {
		return false
	}
	for i := range e.Conclusions {
		if e.Conclusions[i] != o.Conclusions[i] {
			return false
		}
	}
	return true
}

// Equal compares two multicast entries field by field.
func (m *MulticastEntry) Equal(o *MulticastEntry) bool {
	return m.Entry.Equal(&o.Entry) &&
		m.MonitorID == o.MonitorID &&
		m.PrevType == o.PrevType &&
		m.PrevLogTime.Equal(o.PrevLogTime) &&
		m.GroupDepth == o.GroupDepth
}
