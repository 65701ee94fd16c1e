package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"ootmw.dev/internal/relay"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// `<prefix>-YYYY-MM-DD-HH.jsonl.zst`.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Each open appends a new zstd frame; readers handle concatenated frames.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadJSONL calls fn with every line of a zstd JSONL file. fn returning
// false stops the scan.
func ReadJSONL(path string, fn func(line []byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	return sc.Err()
}

// Files returns the journal files of prefix in dir, oldest first.
func Files(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	// The hour stamp sorts lexically.
	sort.Strings(out)
	return out, nil
}

// EventJournal writes every room event to `<roomDir>/events/events-*.jsonl.zst`.
// Write failures are counted and logged, never returned to the room.
type EventJournal struct {
	w      *JSONLZstdWriter
	log    *stdlog.Logger
	errors atomic.Uint64
}

func NewEventJournal(roomDir string, logger *stdlog.Logger) *EventJournal {
	return &EventJournal{w: NewJSONLZstdWriter(JournalDir(roomDir), "events"), log: logger}
}

func JournalDir(roomDir string) string { return filepath.Join(roomDir, "events") }

func (j *EventJournal) Publish(ev relay.Event) {
	if err := j.w.Write(ev); err != nil {
		if j.errors.Add(1) == 1 && j.log != nil {
			j.log.Printf("event journal: %v", err)
		}
	}
}

func (j *EventJournal) Errors() uint64 { return j.errors.Load() }
func (j *EventJournal) Close() error   { return j.w.Close() }

// ReadEvents decodes the events of one journal file.
func ReadEvents(path string, fn func(relay.Event) bool) error {
	var decodeErr error
	err := ReadJSONL(path, func(line []byte) bool {
		var ev relay.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			decodeErr = fmt.Errorf("%s: %w", filepath.Base(path), err)
			return false
		}
		return fn(ev)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

var _ relay.EventSink = (*EventJournal)(nil)
