// Package logindex aggregates persisted .ckmon files into a
// thread-safe index of monitor occurrences: which monitor appears in
// which file, between which offsets and times, with its tag histogram
// and discovered identity card.
package logindex

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Purgator/CK-Monitoring/entry"
)

// ErrInvalidData is returned by filtered occurrence reads that finish
// without reaching a valid entry.
var ErrInvalidData = errors.New("no entry found at the requested position")

// Option configures a MultiLogReader.
type Option func(*MultiLogReader)

// WithLiveMonitorAppeared installs the callback fired exactly once per
// distinct monitor id, on first registration, across all threads.
func WithLiveMonitorAppeared(f func(*LiveIndexedMonitor)) Option {
	return func(r *MultiLogReader) { r.onAppeared = f }
}

// MultiLogReader indexes multiple log files by monitor identity.
// Add is safe for concurrent use; published records are immutable.
type MultiLogReader struct {
	files    sync.Map // normalized path -> *RawLogFile
	monitors sync.Map // monitor id -> *LiveIndexedMonitor

	// rebuildMu coordinates index readers against a future bulk
	// rebuild; the writer side is unused in steady state.
	rebuildMu sync.RWMutex

	globalMu    sync.Mutex
	globalFirst entry.DateTimeStamp
	globalLast  entry.DateTimeStamp

	onAppeared func(*LiveIndexedMonitor)
}

// NewMultiLogReader creates an empty index.
func NewMultiLogReader(opts ...Option) *MultiLogReader {
	r := &MultiLogReader{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a file into the index. The first caller for a path
// scans the file and registers every multicast entry; concurrent
// callers for the same path wait for that scan and observe the
// completed record. Scan problems are recorded on the returned record
// (Error, BadEndOfFile), not returned: a partially read file stays in
// the index for partial results.
func (r *MultiLogReader) Add(path string) (*RawLogFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot normalize %q: %w", path, err)
	}
	abs = filepath.Clean(abs)

	r.rebuildMu.RLock()
	defer r.rebuildMu.RUnlock()

	actual, _ := r.files.LoadOrStore(abs, &RawLogFile{
		path:        abs,
		occurrences: make(map[string]*RawLogFileMonitorOccurence),
	})
	f := actual.(*RawLogFile)
	f.init.Do(func() { f.initialize(r) })
	return f, nil
}

// Files returns every added file record.
func (r *MultiLogReader) Files() []*RawLogFile {
	var out []*RawLogFile
	r.files.Range(func(_, v any) bool {
		out = append(out, v.(*RawLogFile))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Monitors returns every indexed monitor.
func (r *MultiLogReader) Monitors() []*LiveIndexedMonitor {
	var out []*LiveIndexedMonitor
	r.monitors.Range(func(_, v any) bool {
		out = append(out, v.(*LiveIndexedMonitor))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Monitor returns one indexed monitor by id.
func (r *MultiLogReader) Monitor(id string) (*LiveIndexedMonitor, bool) {
	v, ok := r.monitors.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*LiveIndexedMonitor), true
}

// TimeWindow returns the first and last entry times across all files.
func (r *MultiLogReader) TimeWindow() (first, last entry.DateTimeStamp) {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	return r.globalFirst, r.globalLast
}

// registerOneLog get-or-inserts the live monitor and aggregates one
// entry into it. The inserting caller fires OnLiveMonitorAppeared.
func (r *MultiLogReader) registerOneLog(occ *RawLogFileMonitorOccurence, newOcc bool, offset int64, e *entry.MulticastEntry) {
	actual, loaded := r.monitors.LoadOrStore(e.MonitorID, &LiveIndexedMonitor{
		ID:           e.MonitorID,
		tagHistogram: make(map[string]int),
	})
	mon := actual.(*LiveIndexedMonitor)
	if !loaded && r.onAppeared != nil {
		r.onAppeared(mon)
	}
	mon.aggregate(occ, newOcc, e)
}

func (r *MultiLogReader) updateGlobal(f *RawLogFile) {
	if !f.FirstEntryTime.IsKnown() {
		return
	}
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	if !r.globalFirst.IsKnown() || f.FirstEntryTime.Before(r.globalFirst) {
		r.globalFirst = f.FirstEntryTime
	}
	if r.globalLast.Before(f.LastEntryTime) {
		r.globalLast = f.LastEntryTime
	}
}

// RawLogFile is the scan result of one persisted file. All fields are
// written by the initializing goroutine and frozen afterwards.
type RawLogFile struct {
	path string
	init sync.Once

	StreamVersion   int
	TotalEntryCount int
	FirstEntryTime  entry.DateTimeStamp
	LastEntryTime   entry.DateTimeStamp
	BadEndOfFile    bool
	Error           error

	occurrences map[string]*RawLogFileMonitorOccurence
}

// Path returns the normalized file path.
func (f *RawLogFile) Path() string { return f.path }

// IsValidFile reports whether the stream header was read and no read
// error occurred. A truncated file (BadEndOfFile) is still valid: its
// well-formed prefix is indexed.
func (f *RawLogFile) IsValidFile() bool {
	return f.Error == nil && f.StreamVersion != 0
}

// Occurrence returns this file's record for one monitor.
func (f *RawLogFile) Occurrence(monitorID string) (*RawLogFileMonitorOccurence, bool) {
	occ, ok := f.occurrences[monitorID]
	return occ, ok
}

// Occurrences returns the per-monitor records of this file.
func (f *RawLogFile) Occurrences() []*RawLogFileMonitorOccurence {
	out := make([]*RawLogFileMonitorOccurence, 0, len(f.occurrences))
	for _, occ := range f.occurrences {
		out = append(out, occ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MonitorID < out[j].MonitorID })
	return out
}

// initialize scans the whole file, registering every multicast entry.
func (f *RawLogFile) initialize(r *MultiLogReader) {
	rd, err := entry.OpenReader(f.path)
	if err != nil {
		f.Error = err
		return
	}
	defer rd.Close()

	f.StreamVersion = rd.StreamVersion()
	for rd.MoveNext() {
		m := rd.CurrentMulticast()
		if m == nil {
			// Unicast entries carry no monitor identity.
			continue
		}
		offset := rd.StreamOffset()
		f.TotalEntryCount++
		if !f.FirstEntryTime.IsKnown() {
			f.FirstEntryTime = m.LogTime
		}
		f.LastEntryTime = m.LogTime

		occ := f.occurrences[m.MonitorID]
		newOcc := occ == nil
		if newOcc {
			occ = &RawLogFileMonitorOccurence{
				File:           f,
				MonitorID:      m.MonitorID,
				FirstOffset:    offset,
				FirstEntryTime: m.LogTime,
			}
			f.occurrences[m.MonitorID] = occ
		}
		occ.LastOffset = offset
		occ.LastEntryTime = m.LogTime

		r.registerOneLog(occ, newOcc, offset, m)
	}
	f.BadEndOfFile = rd.BadEndOfFileMarker()
	f.Error = rd.ReadError()
	r.updateGlobal(f)
}

// RawLogFileMonitorOccurence records one monitor's presence within one
// file: the offsets and time window of its entries there.
type RawLogFileMonitorOccurence struct {
	File           *RawLogFile
	MonitorID      string
	FirstOffset    int64
	LastOffset     int64
	FirstEntryTime entry.DateTimeStamp
	LastEntryTime  entry.DateTimeStamp
}

// OpenReaderAt opens a filtered reader positioned on this monitor's
// first entry at or after the given stream offset. The caller owns the
// returned reader.
func (o *RawLogFileMonitorOccurence) OpenReaderAt(offset int64) (*entry.StreamReader, error) {
	rd, err := entry.OpenReader(o.File.path,
		entry.WithInitialOffset(offset),
		entry.WithMulticastFilter(o.MonitorID, o.LastOffset))
	if err != nil {
		return nil, err
	}
	if !rd.MoveNext() {
		err := rd.ReadError()
		rd.Close()
		if err != nil {
			return nil, err
		}
		return nil, ErrInvalidData
	}
	return rd, nil
}

// OpenReaderAtTime opens a filtered reader positioned on this
// monitor's first entry whose time is at or after the given stamp.
func (o *RawLogFileMonitorOccurence) OpenReaderAtTime(ts entry.DateTimeStamp) (*entry.StreamReader, error) {
	rd, err := o.OpenReaderAt(o.FirstOffset)
	if err != nil {
		return nil, err
	}
	for rd.Current().LogTime.Before(ts) {
		if !rd.MoveNext() {
			err := rd.ReadError()
			rd.Close()
			if err != nil {
				return nil, err
			}
			return nil, ErrInvalidData
		}
	}
	return rd, nil
}

// LiveIndexedMonitor aggregates one monitor's presence across every
// indexed file.
type LiveIndexedMonitor struct {
	ID string

	mu           sync.Mutex
	occurrences  []*RawLogFileMonitorOccurence
	firstTime    entry.DateTimeStamp
	firstDepth   uint32
	lastTime     entry.DateTimeStamp
	lastDepth    uint32
	tagHistogram map[string]int
	identityCard *entry.IdentityCard
}

func (m *LiveIndexedMonitor) aggregate(occ *RawLogFileMonitorOccurence, newOcc bool, e *entry.MulticastEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newOcc {
		m.occurrences = append(m.occurrences, occ)
	}
	if !m.firstTime.IsKnown() || e.LogTime.Before(m.firstTime) {
		m.firstTime = e.LogTime
		m.firstDepth = e.GroupDepth
	}
	if m.lastTime.Before(e.LogTime) {
		m.lastTime = e.LogTime
		m.lastDepth = e.GroupDepth
	}
	for _, tag := range e.Tags.Atomic() {
		m.tagHistogram[tag]++
	}
	switch {
	case e.Tags.Contains(entry.TagIdentityCardFull):
		card := entry.ParseIdentityCard(e.Text)
		if m.identityCard == nil {
			m.identityCard = card
		} else {
			m.identityCard.Replace(card)
		}
	case e.Tags.Contains(entry.TagIdentityCardUpdate):
		card := entry.ParseIdentityCard(e.Text)
		if m.identityCard == nil {
			m.identityCard = card
		} else {
			m.identityCard.Merge(card)
		}
	}
}

// Occurrences returns the files in which the monitor occurs.
func (m *LiveIndexedMonitor) Occurrences() []*RawLogFileMonitorOccurence {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RawLogFileMonitorOccurence, len(m.occurrences))
	copy(out, m.occurrences)
	return out
}

// FirstEntry returns the earliest entry time and the group depth at
// that extremum.
func (m *LiveIndexedMonitor) FirstEntry() (entry.DateTimeStamp, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstTime, m.firstDepth
}

// LastEntry returns the latest entry time and the group depth at that
// extremum.
func (m *LiveIndexedMonitor) LastEntry() (entry.DateTimeStamp, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTime, m.lastDepth
}

// TagHistogram returns a copy of the atomic tag counts.
func (m *LiveIndexedMonitor) TagHistogram() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.tagHistogram))
	for k, v := range m.tagHistogram {
		out[k] = v
	}
	return out
}

// IdentityCard returns a copy of the discovered card, or nil when no
// identity entry was seen.
func (m *LiveIndexedMonitor) IdentityCard() *entry.IdentityCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identityCard == nil {
		return nil
	}
	out := entry.NewIdentityCard()
	out.Merge(m.identityCard)
	return out
}
