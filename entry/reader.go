package entry

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrInvalidHeader is returned when the stream magic or version is
	// not recognized.
	ErrInvalidHeader = errors.New("invalid .ckmon stream header")
	// ErrInvalidOffset is returned when the initial offset points
	// before the first entry.
	ErrInvalidOffset = errors.New("initial offset before first entry")
)

// maxStringLength bounds string allocations when reading corrupt data.
const maxStringLength = 1 << 24

var gzipMagic = []byte{0x1f, 0x8b}

// ReaderOption configures a StreamReader.
type ReaderOption func(*StreamReader)

// WithInitialOffset starts reading at the given logical stream offset.
// The offset must be at or after the first entry (headerLength).
func WithInitialOffset(offset int64) ReaderOption {
	return func(r *StreamReader) { r.initialOffset = offset }
}

// WithMulticastFilter keeps only multicast entries emitted by the given
// monitor whose stream offset is at most lastOffset. Other entries are
// decoded for framing but never surfaced.
func WithMulticastFilter(monitorID string, lastOffset int64) ReaderOption {
	return func(r *StreamReader) {
		r.filterMonitor = monitorID
		r.filterLastOffset = lastOffset
		r.filtered = true
	}
}

// StreamReader is a forward-only cursor over an entry stream. Gzip
// compressed streams are decoded transparently; every offset exposed is
// a logical position over the decompressed stream.
type StreamReader struct {
	file *os.File
	gz   *gzip.Reader
	br   *bufio.Reader

	pos     int64 // logical position, next byte to read
	version int

	initialOffset    int64
	filtered         bool
	filterMonitor    string
	filterLastOffset int64

	current     *MulticastEntry
	isMulticast bool
	entryOffset int64
	readErr     error
	badEOF      bool
	finished    bool
}

// OpenReader opens a .ckmon file, decoding gzip transparently when the
// file magic indicates it, and validates the stream header.
func OpenReader(path string, opts ...ReaderOption) (*StreamReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := newStreamReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewStreamReader reads an entry stream from in. Intended for tests and
// in-memory streams; OpenReader is the file entry point.
func NewStreamReader(in io.Reader, opts ...ReaderOption) (*StreamReader, error) {
	return newStreamReader(in, opts...)
}

func newStreamReader(in io.Reader, opts ...ReaderOption) (*StreamReader, error) {
	r := &StreamReader{}
	for _, opt := range opts {
		opt(r)
	}

	br := bufio.NewReader(in)
	magic, err := br.Peek(2)
	if err == nil && bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		r.gz = gz
		r.br = bufio.NewReader(gz)
	} else {
		r.br = br
	}

	header := make([]byte, headerLength)
	if _, err := io.ReadFull(r.br, header); err != nil {
		return nil, ErrInvalidHeader
	}
	if !bytes.Equal(header[:4], streamMagic) {
		return nil, ErrInvalidHeader
	}
	r.version = int(header[4])
	if r.version < MinStreamVersion || r.version > CurrentStreamVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, r.version)
	}
	r.pos = headerLength

	if r.initialOffset != 0 {
		if r.initialOffset < headerLength {
			return nil, ErrInvalidOffset
		}
		if err := r.discard(r.initialOffset - r.pos); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// StreamVersion returns the version byte of the stream.
func (r *StreamReader) StreamVersion() int { return r.version }

// StreamOffset returns the logical offset of the current entry.
func (r *StreamReader) StreamOffset() int64 { return r.entryOffset }

// Current returns the current entry, valid after a true MoveNext.
func (r *StreamReader) Current() *Entry { return &r.current.Entry }

// CurrentMulticast returns the current entry with its multicast footer,
// or nil when the current entry is unicast.
func (r *StreamReader) CurrentMulticast() *MulticastEntry {
	if !r.isMulticast {
		return nil
	}
	return r.current
}

// ReadError returns the error that stopped the cursor, if any. A bad
// end-of-file marker alone is not an error.
func (r *StreamReader) ReadError() error { return r.readErr }

// BadEndOfFileMarker is true iff the input ended without the zero
// terminator byte: the stream was truncated, either right after a
// complete entry or in the middle of one.
func (r *StreamReader) BadEndOfFileMarker() bool { return r.badEOF }

// Close releases the underlying file, when the reader owns one.
func (r *StreamReader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// MoveNext advances to the next entry matching the filter. It returns
// false at end of stream, on a truncated stream (BadEndOfFileMarker)
// or on a read error (ReadError).
func (r *StreamReader) MoveNext() bool {
	if r.finished || r.readErr != nil {
		return false
	}
	for {
		r.entryOffset = r.pos
		h, err := r.readByte()
		if err != nil {
			if err == io.EOF {
				r.badEOF = true
			} else {
				r.readErr = err
			}
			r.finished = true
			return false
		}
		if h == endMarker {
			r.finished = true
			return false
		}
		m, multicast, err := r.readEntry(h)
		if err != nil {
			// A stream cut mid-entry is a truncation: surface the
			// well-formed prefix and flag the bad end of file.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				r.badEOF = true
			} else {
				r.readErr = err
			}
			r.finished = true
			return false
		}
		if r.filtered {
			if r.entryOffset > r.filterLastOffset {
				r.finished = true
				return false
			}
			if !multicast || m.MonitorID != r.filterMonitor {
				continue
			}
		}
		r.current = m
		r.isMulticast = multicast
		return true
	}
}

func (r *StreamReader) readEntry(h byte) (*MulticastEntry, bool, error) {
	m := &MulticastEntry{}
	m.Level = LogLevel(h & 0x07)
	if r.version >= 6 {
		m.Filtered = h&flagFiltered != 0
	}
	kind := (h >> 4) & 0x03
	multicast := kind == kindMulticast
	if multicast {
		ext, err := r.readByte()
		if err != nil {
			return nil, false, unexpectedEOF(err)
		}
		kind = ext & 0x03
		if kind == kindMulticast {
			return nil, false, fmt.Errorf("invalid multicast extension byte 0x%02x", ext)
		}
	}
	switch kind {
	case kindOpenGroup:
		m.Kind = TypeOpenGroup
	case kindCloseGroup:
		m.Kind = TypeCloseGroup
	default:
		m.Kind = TypeLine
	}

	var err error
	if m.Text, err = r.readString(); err != nil {
		return nil, false, err
	}
	var tags string
	if tags, err = r.readString(); err != nil {
		return nil, false, err
	}
	m.Tags = Tags(tags)
	if m.LogTime, err = r.readTime(); err != nil {
		return nil, false, err
	}
	if h&flagFileName != 0 {
		if m.FileName, err = r.readString(); err != nil {
			return nil, false, err
		}
		line, err := r.readUvarint()
		if err != nil {
			return nil, false, err
		}
		m.LineNumber = int(line)
	}
	if h&flagException != 0 {
		exc := &ExceptionData{}
		if exc.Message, err = r.readString(); err != nil {
			return nil, false, err
		}
		if exc.StackTrace, err = r.readString(); err != nil {
			return nil, false, err
		}
		m.Exception = exc
	}
	if m.Kind == TypeCloseGroup {
		count, err := r.readByte()
		if err != nil {
			return nil, false, unexpectedEOF(err)
		}
		if count > 0 {
			m.Conclusions = make([]Conclusion, count)
			for i := range m.Conclusions {
				if m.Conclusions[i].Tag, err = r.readString(); err != nil {
					return nil, false, err
				}
				if m.Conclusions[i].Text, err = r.readString(); err != nil {
					return nil, false, err
				}
			}
		}
	}
	if multicast {
		if m.MonitorID, err = r.readString(); err != nil {
			return nil, false, err
		}
		prev, err := r.readByte()
		if err != nil {
			return nil, false, unexpectedEOF(err)
		}
		if prev > byte(TypeCloseGroup) {
			return nil, false, fmt.Errorf("invalid previous entry type %d", prev)
		}
		m.PrevType = EntryType(prev)
		if m.PrevLogTime, err = r.readTime(); err != nil {
			return nil, false, err
		}
		depth, err := r.readUvarint()
		if err != nil {
			return nil, false, err
		}
		m.GroupDepth = uint32(depth)
	}
	return m, multicast, nil
}

func (r *StreamReader) readByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err == nil {
		r.pos++
	}
	return b, err
}

func (r *StreamReader) readFull(p []byte) error {
	n, err := io.ReadFull(r.br, p)
	r.pos += int64(n)
	return unexpectedEOF(err)
}

func (r *StreamReader) readUvarint() (uint64, error) {
	v, err := binary.ReadUvarint(byteReaderFunc(r.readByte))
	return v, unexpectedEOF(err)
}

func (r *StreamReader) readString() (string, error) {
	n, err := r.readUvarint()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if n > maxStringLength {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if err := r.readFull(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readTime decodes int64 UTC nanoseconds plus, from version 7 on, the
// uniquifier byte. Older streams tie-break on time alone.
func (r *StreamReader) readTime() (DateTimeStamp, error) {
	var raw [8]byte
	if err := r.readFull(raw[:]); err != nil {
		return Unknown, err
	}
	nanos := int64(binary.LittleEndian.Uint64(raw[:]))
	var uniq byte
	if r.version >= 7 {
		var err error
		if uniq, err = r.readByte(); err != nil {
			return Unknown, unexpectedEOF(err)
		}
	}
	if nanos == 0 && uniq == 0 {
		return Unknown, nil
	}
	return DateTimeStamp{TimeUtc: time.Unix(0, nanos).UTC(), Uniquifier: uniq}, nil
}

func (r *StreamReader) discard(n int64) error {
	m, err := io.CopyN(io.Discard, r.br, n)
	r.pos += m
	return err
}

// unexpectedEOF maps io.EOF to io.ErrUnexpectedEOF: once an entry
// header byte has been consumed, running out of input mid-entry is
// reported as io.ErrUnexpectedEOF, which MoveNext records as a
// truncation (BadEndOfFileMarker) rather than a read error.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

type byteReaderFunc func() (byte, error)

func (f byteReaderFunc) ReadByte() (byte, error) { return f() }
