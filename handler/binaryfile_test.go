package handler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/Purgator/CK-Monitoring/logindex"
	"github.com/Purgator/CK-Monitoring/pump"
)

func stamp(sec int) entry.DateTimeStamp {
	return entry.DateTimeStamp{TimeUtc: time.Date(2026, 8, 6, 14, 0, sec, 0, time.UTC)}
}

func chainEntries(id string, n int) []*entry.MulticastEntry {
	var out []*entry.MulticastEntry
	prevType := entry.TypeNone
	prevTime := entry.Unknown
	for i := 0; i < n; i++ {
		e := &entry.MulticastEntry{
			Entry: entry.Entry{
				Kind:    entry.TypeLine,
				Level:   entry.LevelInfo,
				Text:    "line",
				LogTime: stamp(i + 1),
			},
			MonitorID:   id,
			PrevType:    prevType,
			PrevLogTime: prevTime,
		}
		prevType, prevTime = entry.TypeLine, e.LogTime
		out = append(out, e)
	}
	return out
}

func quietSink() *pump.SinkMonitor {
	return pump.NewSinkMonitor("test", func(entry.LogLevel, entry.Tags, string, error) {})
}

func ckmonFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*"+FileExtension))
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func TestBinaryFile_WriteAndRotate(t *testing.T) {
	dir := t.TempDir()
	b := &BinaryFile{cfg: BinaryFileConfig{Path: dir, MaxCountPerFile: 2}}
	m := quietSink()
	if !b.Activate(m) {
		t.Fatal("activation refused")
	}
	for _, e := range chainEntries("mon-a", 5) {
		if err := b.Handle(m, e); err != nil {
			t.Fatal(err)
		}
	}
	b.Deactivate(m)

	files := ckmonFiles(t, dir)
	if len(files) != 3 {
		t.Fatalf("rotation produced %d files, want 3", len(files))
	}

	total := 0
	for _, path := range files {
		rd, err := entry.OpenReader(path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		for rd.MoveNext() {
			total++
		}
		if rd.BadEndOfFileMarker() || rd.ReadError() != nil {
			t.Errorf("%s: badEOF=%v err=%v", path, rd.BadEndOfFileMarker(), rd.ReadError())
		}
		rd.Close()
	}
	if total != 5 {
		t.Errorf("read back %d entries, want 5", total)
	}
}

func TestBinaryFile_Gzip(t *testing.T) {
	dir := t.TempDir()
	b := &BinaryFile{cfg: BinaryFileConfig{Path: dir, MaxCountPerFile: -1, UseGzip: true}}
	m := quietSink()
	if !b.Activate(m) {
		t.Fatal("activation refused")
	}
	for _, e := range chainEntries("mon-a", 3) {
		if err := b.Handle(m, e); err != nil {
			t.Fatal(err)
		}
	}
	b.Deactivate(m)

	files := ckmonFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("%d files, want 1", len(files))
	}
	raw, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Fatal("file is not gzip compressed")
	}
	// The reader decodes it transparently.
	rd, err := entry.OpenReader(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	n := 0
	for rd.MoveNext() {
		n++
	}
	if n != 3 {
		t.Errorf("read %d entries, want 3", n)
	}
}

func TestBinaryFile_ActivationFailsOnBadPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	b := &BinaryFile{cfg: BinaryFileConfig{Path: filepath.Join(file, "sub")}}
	if b.Activate(quietSink()) {
		t.Error("activation should fail when the directory cannot be created")
	}
}

// The full path: pump -> BinaryFile handler -> files -> indexer.
func TestBinaryFile_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	g, err := pump.New(&pump.Config{Handlers: []pump.HandlerConfig{
		BinaryFileConfig{Path: dir, MaxCountPerFile: -1},
	}})
	if err != nil {
		t.Fatal(err)
	}

	c := g.NewClient("mon-e2e")
	c.OnOpenGroup(pump.LogData{Level: entry.LevelInfo, Text: "work"})
	c.OnLog(pump.LogData{Level: entry.LevelInfo, Text: "step", Tags: entry.NewTags("Sql")})
	c.OnGroupClosed([]entry.Conclusion{{Tag: "Count", Text: "1"}})
	time.Sleep(100 * time.Millisecond)
	if err := g.Stop(); err != nil {
		t.Fatal(err)
	}

	files := ckmonFiles(t, dir)
	if len(files) == 0 {
		t.Fatal("no file produced")
	}
	r := logindex.NewMultiLogReader()
	for _, f := range files {
		if _, err := r.Add(f); err != nil {
			t.Fatal(err)
		}
	}
	mon, ok := r.Monitor("mon-e2e")
	if !ok {
		t.Fatal("monitor not indexed")
	}
	if hist := mon.TagHistogram(); hist["Sql"] != 1 {
		t.Errorf("Sql histogram = %d, want 1", hist["Sql"])
	}
	// The pump's own monitor wrote its configuration log through the
	// same pipeline.
	if _, ok := r.Monitor(g.ID()); !ok {
		t.Error("pump monitor entries missing from the stream")
	}
}
