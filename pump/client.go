package pump

import (
	"sync"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
)

// LogData carries the fields of one monitor callback before it is
// turned into a multicast entry.
type LogData struct {
	Level      entry.LogLevel
	Filtered   bool
	Tags       entry.Tags
	Text       string
	FileName   string
	LineNumber int
	Exception  *entry.ExceptionData
	// LogTime is optional; the zero value stamps the entry with the
	// current time, uniquified against the previous entry.
	LogTime time.Time
}

// Client binds one activity monitor to a GrandOutput. It maintains the
// per-monitor state needed by multicast entries: group depth and the
// previous (type, time) chain. A monitor has exactly one client per
// pump; methods are called from the monitor's own goroutine.
type Client struct {
	pump      *GrandOutput
	monitorID string

	mu          sync.Mutex
	depth       uint32
	prevType    entry.EntryType
	prevTime    entry.DateTimeStamp
	groupLevels []entry.LogLevel
	closed      bool
}

// MonitorID returns the bound monitor's identifier.
func (c *Client) MonitorID() string { return c.monitorID }

// MinimalFilter returns the filter the pump last pushed to its bound
// monitors.
func (c *Client) MinimalFilter() LogFilter {
	return c.pump.minimalFilter()
}

// ShouldLog resolves the effective filter (tag overrides included) for
// an entry of the given shape.
func (c *Client) ShouldLog(kind entry.EntryType, level entry.LogLevel, tags entry.Tags) bool {
	f, tagFilters := c.pump.filters()
	return resolveFilter(f, tagFilters, tags, false).Allows(kind, level)
}

// OnLog translates an unfiltered log callback into a multicast Line
// entry.
func (c *Client) OnLog(d LogData) {
	c.send(entry.TypeLine, d, nil)
}

// OnOpenGroup opens a nested group. The encoded depth is the depth
// before the increment.
func (c *Client) OnOpenGroup(d LogData) {
	c.send(entry.TypeOpenGroup, d, nil)
}

// OnGroupClosed closes the nearest group with its conclusions. The
// encoded depth is the depth before the decrement. An unmatched close
// is dropped: depth never goes negative.
func (c *Client) OnGroupClosed(conclusions []entry.Conclusion) {
	c.send(entry.TypeCloseGroup, LogData{}, conclusions)
}

// Close detaches the client. Subsequent callbacks are dropped; the
// pump's periodic sweep reclaims the registration.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Client) send(kind entry.EntryType, d LogData, conclusions []entry.Conclusion) {
	if c.pump.IsDisposed() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	level := d.Level
	depth := c.depth
	switch kind {
	case entry.TypeOpenGroup:
		c.groupLevels = append(c.groupLevels, level)
		c.depth++
	case entry.TypeCloseGroup:
		if c.depth == 0 {
			c.mu.Unlock()
			return
		}
		level = c.groupLevels[len(c.groupLevels)-1]
		c.groupLevels = c.groupLevels[:len(c.groupLevels)-1]
		c.depth--
	}

	logTime := d.LogTime
	if logTime.IsZero() {
		logTime = time.Now()
	}
	stamp := entry.NextStamp(c.prevTime, logTime.UTC())

	m := &entry.MulticastEntry{
		Entry: entry.Entry{
			Kind:        kind,
			Level:       level,
			Filtered:    d.Filtered,
			Text:        d.Text,
			Tags:        d.Tags,
			LogTime:     stamp,
			FileName:    d.FileName,
			LineNumber:  d.LineNumber,
			Exception:   d.Exception,
			Conclusions: conclusions,
		},
		MonitorID:   c.monitorID,
		PrevType:    c.prevType,
		PrevLogTime: c.prevTime,
		GroupDepth:  depth,
	}

	c.prevType = kind
	c.prevTime = stamp
	c.mu.Unlock()

	c.pump.Handle(m)
}
