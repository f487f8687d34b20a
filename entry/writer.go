package entry

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Stream framing constants. A stream is the 4-byte magic, one version
// byte, entries, then a single zero terminator byte.
var streamMagic = []byte{'c', 'k', 'm', '1'}

const (
	// CurrentStreamVersion is the version written by StreamWriter.
	CurrentStreamVersion = 9
	// MinStreamVersion is the oldest version StreamReader accepts.
	// Versions 5 and 6 encode times without the uniquifier byte.
	MinStreamVersion = 5

	// headerLength is magic + version, the offset of the first entry.
	headerLength = 5

	endMarker = 0x00
)

// Header byte layout:
// bits 0-2 level, bit 3 filtered, bits 4-5 kind, bit 6 has-filename,
// bit 7 has-exception. A valid entry has level >= Debug so the header
// byte is never zero and the end marker stays unambiguous.
const (
	kindLine       = 0
	kindOpenGroup  = 1
	kindCloseGroup = 2
	kindMulticast  = 3

	flagFiltered  = 0x08
	flagFileName  = 0x40
	flagException = 0x80
)

var errWriterClosed = errors.New("stream writer is closed")

// WriterOption configures a StreamWriter.
type WriterOption func(*StreamWriter)

// WithCompression wraps the stream in gzip.
func WithCompression() WriterOption {
	return func(w *StreamWriter) { w.compress = true }
}

// StreamWriter encodes entries onto an io.Writer. It writes the stream
// header on creation and the end marker on Close. A stream has exactly
// one writer; entries are never interleaved.
type StreamWriter struct {
	gz       *gzip.Writer
	buf      *bufio.Writer
	compress bool
	closed   bool
	count    int64
	scratch  [binary.MaxVarintLen64]byte
}

// NewStreamWriter creates a writer over out and writes the stream
// header. The underlying writer is not closed by Close.
func NewStreamWriter(out io.Writer, opts ...WriterOption) (*StreamWriter, error) {
	w := &StreamWriter{}
	for _, opt := range opts {
		opt(w)
	}
	if w.compress {
		w.gz = gzip.NewWriter(out)
		w.buf = bufio.NewWriter(w.gz)
	} else {
		w.buf = bufio.NewWriter(out)
	}
	if _, err := w.buf.Write(streamMagic); err != nil {
		return nil, err
	}
	if err := w.buf.WriteByte(CurrentStreamVersion); err != nil {
		return nil, err
	}
	return w, nil
}

// EntryCount returns the number of entries written so far.
func (w *StreamWriter) EntryCount() int64 { return w.count }

// WriteUnicast encodes one unicast entry.
func (w *StreamWriter) WriteUnicast(e *Entry) error {
	if w.closed {
		return errWriterClosed
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if err := w.writeHeader(e, false); err != nil {
		return err
	}
	if err := w.writeBody(e); err != nil {
		return err
	}
	w.count++
	return nil
}

// WriteMulticast encodes one multicast entry with its provenance
// footer.
func (w *StreamWriter) WriteMulticast(m *MulticastEntry) error {
	if w.closed {
		return errWriterClosed
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := w.writeHeader(&m.Entry, true); err != nil {
		return err
	}
	if err := w.writeBody(&m.Entry); err != nil {
		return err
	}
	// Multicast footer: monitor id, previous entry type and time,
	// group depth.
	if err := w.writeString(m.MonitorID); err != nil {
		return err
	}
	if err := w.buf.WriteByte(byte(m.PrevType)); err != nil {
		return err
	}
	if err := w.writeTime(m.PrevLogTime); err != nil {
		return err
	}
	if err := w.writeUvarint(uint64(m.GroupDepth)); err != nil {
		return err
	}
	w.count++
	return nil
}

// Flush pushes buffered entries to the underlying writer without
// terminating the stream.
func (w *StreamWriter) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		return w.gz.Flush()
	}
	return nil
}

// Close writes the end marker and flushes. The underlying writer is
// left open.
func (w *StreamWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.WriteByte(endMarker); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		return w.gz.Close()
	}
	return nil
}

func kindOf(t EntryType) byte {
	switch t {
	case TypeOpenGroup:
		return kindOpenGroup
	case TypeCloseGroup:
		return kindCloseGroup
	default:
		return kindLine
	}
}

func (w *StreamWriter) writeHeader(e *Entry, multicast bool) error {
	h := byte(e.Level) & 0x07
	if e.Filtered {
		h |= flagFiltered
	}
	kind := kindOf(e.Kind)
	if multicast {
		h |= kindMulticast << 4
	} else {
		h |= kind << 4
	}
	if e.FileName != "" {
		h |= flagFileName
	}
	if e.Exception != nil {
		h |= flagException
	}
	if err := w.buf.WriteByte(h); err != nil {
		return err
	}
	if multicast {
		// Extension byte: the real kind of a multicast entry.
		return w.buf.WriteByte(kind)
	}
	return nil
}

func (w *StreamWriter) writeBody(e *Entry) error {
	if err := w.writeString(e.Text); err != nil {
		return err
	}
	if err := w.writeString(string(e.Tags)); err != nil {
		return err
	}
	if err := w.writeTime(e.LogTime); err != nil {
		return err
	}
	if e.FileName != "" {
		if err := w.writeString(e.FileName); err != nil {
			return err
		}
		if err := w.writeUvarint(uint64(e.LineNumber)); err != nil {
			return err
		}
	}
	if e.Exception != nil {
		if err := w.writeString(e.Exception.Message); err != nil {
			return err
		}
		if err := w.writeString(e.Exception.StackTrace); err != nil {
			return err
		}
	}
	if e.Kind == TypeCloseGroup {
		if len(e.Conclusions) > 255 {
			return ErrMalformedEntry
		}
		if err := w.buf.WriteByte(byte(len(e.Conclusions))); err != nil {
			return err
		}
		for _, c := range e.Conclusions {
			if err := w.writeString(c.Tag); err != nil {
				return err
			}
			if err := w.writeString(c.Text); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *StreamWriter) writeString(s string) error {
	if err := w.writeUvarint(uint64(len(s))); err != nil {
		return err
	}
	_, err := w.buf.WriteString(s)
	return err
}

func (w *StreamWriter) writeUvarint(v uint64) error {
	n := binary.PutUvarint(w.scratch[:], v)
	_, err := w.buf.Write(w.scratch[:n])
	return err
}

// writeTime encodes a stamp as int64 UTC nanoseconds (little endian)
// plus the uniquifier byte. Unknown is all zero.
func (w *StreamWriter) writeTime(s DateTimeStamp) error {
	var nanos int64
	if s.IsKnown() {
		nanos = s.TimeUtc.UnixNano()
	}
	binary.LittleEndian.PutUint64(w.scratch[:8], uint64(nanos))
	if _, err := w.buf.Write(w.scratch[:8]); err != nil {
		return err
	}
	return w.buf.WriteByte(s.Uniquifier)
}
