package journal

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"storyloom.ai/internal/dispatch"
	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	w, err := New(Config{Dir: dir, Logger: zaptest.NewLogger(t), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	f := protocol.Frame{Seq: 7, SessionID: "s1", Type: protocol.FrameWorldUpdate, Payload: json.RawMessage(`{"world":{"weather":"rain"}}`)}
	o := dispatch.Outcome{SessionID: "s1", CorrelationID: "c1", Text: "look", Status: session.PendingConfirmed, At: now}
	if err := w.WriteFrame(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := w.WriteOutcome(o); err != nil {
		t.Fatalf("write outcome: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("files: %v %v", files, err)
	}
	if got, want := filepath.Base(files[0]), "frames-2026-03-01-10.jsonl.zst"; got != want {
		t.Fatalf("file name: got %s want %s", got, want)
	}

	recs, err := ReadAll(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []Record{
		{Kind: KindFrame, At: now, Frame: &f},
		{Kind: KindOutcome, At: now, Outcome: &o},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
}

func TestRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w, err := New(Config{Dir: dir, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		if err := w.WriteFrame(protocol.Frame{Seq: i, SessionID: "s1", Type: protocol.FrameWorldUpdate, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("write: %v", err)
		}
		now = now.Add(30 * time.Minute)
	}
	_ = w.Close()

	files, _ := Files(dir)
	if len(files) != 2 {
		t.Fatalf("expected two hourly files, got %v", files)
	}
	var seqs []uint64
	for _, p := range files {
		recs, err := ReadAll(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		for _, r := range recs {
			seqs = append(seqs, r.Frame.Seq)
		}
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, seqs); diff != "" {
		t.Fatalf("seqs (-want +got):\n%s", diff)
	}
}

func TestReopenSameHourAppends(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := uint64(1); i <= 2; i++ {
		w, err := New(Config{Dir: dir, Now: now})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if err := w.WriteFrame(protocol.Frame{Seq: i, SessionID: "s1", Type: protocol.FrameWorldUpdate, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = w.Close()
	}
	files, _ := Files(dir)
	recs, err := ReadAll(files[0])
	if err != nil || len(recs) != 2 {
		t.Fatalf("expected both runs in one file, got %d records (%v)", len(recs), err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	w, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = w.Close()
	if err := w.WriteFrame(protocol.Frame{Seq: 1}); err == nil {
		t.Fatalf("expected error after close")
	}
}
