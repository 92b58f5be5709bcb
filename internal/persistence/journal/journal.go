// Package journal appends received stream frames and action outcomes to
// hourly rotated JSONL files compressed with zstd.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"storyloom.ai/internal/dispatch"
	"storyloom.ai/internal/protocol"
)

const (
	KindFrame   = "frame"
	KindOutcome = "outcome"
)

const fileExt = ".jsonl.zst"

// Record is one journal line. Exactly one of Frame and Outcome is set.
type Record struct {
	Kind    string            `json:"kind"`
	At      time.Time         `json:"at"`
	Frame   *protocol.Frame   `json:"frame,omitempty"`
	Outcome *dispatch.Outcome `json:"outcome,omitempty"`
}

type Config struct {
	Dir    string
	Prefix string
	Logger *zap.Logger
	Now    func() time.Time
}

// Writer is safe for concurrent use. Each Write is flushed to the zstd
// stream before it returns; a file is only fully decodable after the hour
// rotates or Close runs.
type Writer struct {
	dir    string
	prefix string
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	closed  bool
}

func New(cfg Config) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("empty journal dir")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "frames"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{
		dir:    cfg.Dir,
		prefix: cfg.Prefix,
		log:    cfg.Logger.Named("journal"),
		now:    cfg.Now,
	}, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.closeLocked()
}

// WriteFrame journals a frame the reconciler accepted.
func (w *Writer) WriteFrame(f protocol.Frame) error {
	return w.write(Record{Kind: KindFrame, Frame: &f})
}

func (w *Writer) WriteOutcome(o dispatch.Outcome) error {
	return w.write(Record{Kind: KindOutcome, Outcome: &o})
}

func (w *Writer) write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("journal closed")
	}

	now := w.now().UTC()
	rec.At = now
	hour := now.Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
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
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	w.log.Debug("journal rotated", zap.String("path", path))
	return nil
}

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s%s", w.prefix, hour, fileExt))
}

// Files lists the journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+fileExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadAll decodes every record in one journal file. A file reopened within
// the same hour holds several zstd frames; they decode as one stream.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Record
	jd := json.NewDecoder(bufio.NewReader(dec))
	for {
		var rec Record
		if err := jd.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%s: record %d: %w", filepath.Base(path), len(out)+1, err)
		}
		out = append(out, rec)
	}
}
