// Package handler provides the concrete handlers shipped with the
// pump: binary file persistence, text line rendering and buffered HTTP
// delivery. Each handler registers its configuration type at startup.
package handler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/Purgator/CK-Monitoring/pump"
	"github.com/valyala/fastjson"
)

// FileExtension is the extension of persisted binary log streams.
const FileExtension = ".ckmon"

const defaultMaxCountPerFile = 20000

// BinaryFileConfig configures a BinaryFile handler.
type BinaryFileConfig struct {
	// Path is the directory receiving the .ckmon files.
	Path string
	// MaxCountPerFile rotates to a fresh file after that many
	// entries. Zero means the 20000 default; negative disables
	// rotation.
	MaxCountPerFile int
	// UseGzip compresses the streams.
	UseGzip bool
}

// BinaryFile persists every multicast entry into version-stamped
// binary files, one stream per rotation window.
type BinaryFile struct {
	cfg     BinaryFileConfig
	file    *os.File
	writer  *entry.StreamWriter
	seq     int
}

func init() {
	pump.RegisterHandler("BinaryFile", BinaryFileConfig{},
		func(cfg pump.HandlerConfig) (pump.Handler, error) {
			c, ok := cfg.(BinaryFileConfig)
			if !ok {
				return nil, fmt.Errorf("expected BinaryFileConfig, got %T", cfg)
			}
			if c.Path == "" {
				return nil, fmt.Errorf("BinaryFile: empty path")
			}
			return &BinaryFile{cfg: c}, nil
		},
		func(v *fastjson.Value) (pump.HandlerConfig, error) {
			c := BinaryFileConfig{
				Path:            string(v.GetStringBytes("path")),
				MaxCountPerFile: v.GetInt("maxCountPerFile"),
				UseGzip:         v.GetBool("useGzip"),
			}
			if c.Path == "" {
				return nil, fmt.Errorf("BinaryFile: empty path")
			}
			return c, nil
		})
}

// Activate creates the target directory and opens the first stream.
func (b *BinaryFile) Activate(m *pump.SinkMonitor) bool {
	if err := os.MkdirAll(b.cfg.Path, 0755); err != nil {
		m.Log(entry.LevelError, "", "BinaryFile: cannot create output directory.", err)
		return false
	}
	if err := b.openNext(); err != nil {
		m.Log(entry.LevelError, "", "BinaryFile: cannot open output file.", err)
		return false
	}
	return true
}

// Handle writes the entry and rotates the file when the count per file
// is reached.
func (b *BinaryFile) Handle(m *pump.SinkMonitor, e *entry.MulticastEntry) error {
	if err := b.writer.WriteMulticast(e); err != nil {
		return err
	}
	max := b.cfg.MaxCountPerFile
	if max == 0 {
		max = defaultMaxCountPerFile
	}
	if max > 0 && b.writer.EntryCount() >= int64(max) {
		if err := b.closeCurrent(); err != nil {
			return err
		}
		return b.openNext()
	}
	return nil
}

func (b *BinaryFile) OnTimer(m *pump.SinkMonitor, elapsed time.Duration) {}

// ApplyConfiguration applies an updated BinaryFileConfig in place,
// rotating when the target directory or compression changed.
func (b *BinaryFile) ApplyConfiguration(m *pump.SinkMonitor, cfg pump.HandlerConfig) bool {
	c, ok := cfg.(BinaryFileConfig)
	if !ok {
		return false
	}
	rotate := c.Path != b.cfg.Path || c.UseGzip != b.cfg.UseGzip
	b.cfg = c
	if rotate {
		if err := os.MkdirAll(b.cfg.Path, 0755); err != nil {
			m.Log(entry.LevelError, "", "BinaryFile: cannot create output directory.", err)
			return false
		}
		if err := b.closeCurrent(); err != nil {
			m.Log(entry.LevelError, "", "BinaryFile: rotation failed.", err)
			return false
		}
		if err := b.openNext(); err != nil {
			m.Log(entry.LevelError, "", "BinaryFile: rotation failed.", err)
			return false
		}
	}
	return true
}

// Deactivate terminates the current stream: the end marker
// distinguishes a clean close from a truncation.
func (b *BinaryFile) Deactivate(m *pump.SinkMonitor) {
	if err := b.closeCurrent(); err != nil {
		m.Log(entry.LevelWarn, "", "BinaryFile: close failed.", err)
	}
}

// Filename format: ck-{UnixNano}-{seq}.ckmon
func (b *BinaryFile) openNext() error {
	b.seq++
	name := fmt.Sprintf("ck-%d-%d%s", time.Now().UTC().UnixNano(), b.seq, FileExtension)
	f, err := os.Create(filepath.Join(b.cfg.Path, name))
	if err != nil {
		return err
	}
	var opts []entry.WriterOption
	if b.cfg.UseGzip {
		opts = append(opts, entry.WithCompression())
	}
	w, err := entry.NewStreamWriter(f, opts...)
	if err != nil {
		f.Close()
		return err
	}
	b.file = f
	b.writer = w
	return nil
}

func (b *BinaryFile) closeCurrent() error {
	if b.writer == nil {
		return nil
	}
	err := b.writer.Close()
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	b.writer = nil
	b.file = nil
	return err
}
