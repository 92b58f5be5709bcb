package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"storyloom.ai/internal/dispatch"
	"storyloom.ai/internal/persistence/journal"
	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
)

func TestReadJournalFiltersAndOrders(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	w, err := journal.New(journal.Config{Dir: dir, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	payload := json.RawMessage(`{"world":{"weather":"rain"}}`)
	for _, f := range []protocol.Frame{
		{Seq: 5, SessionID: "s1", Type: protocol.FrameWorldUpdate, Payload: payload},
		{Seq: 2, SessionID: "s2", Type: protocol.FrameWorldUpdate, Payload: payload},
		{Seq: 4, SessionID: "s1", Type: protocol.FrameWorldUpdate, Payload: payload},
	} {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, st := range []session.PendingStatus{session.PendingConfirmed, session.PendingFailed, session.PendingConfirmed} {
		if err := w.WriteOutcome(dispatch.Outcome{SessionID: "s1", Status: st, At: now}); err != nil {
			t.Fatalf("write outcome: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	frames, outcomes, err := readJournal(dir, "s1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var seqs []uint64
	for _, f := range frames {
		seqs = append(seqs, f.Seq)
	}
	if diff := cmp.Diff([]uint64{4, 5}, seqs); diff != "" {
		t.Fatalf("seqs (-want +got):\n%s", diff)
	}
	want := map[session.PendingStatus]int{session.PendingConfirmed: 2, session.PendingFailed: 1}
	if diff := cmp.Diff(want, outcomes); diff != "" {
		t.Fatalf("outcomes (-want +got):\n%s", diff)
	}
}

func TestReadJournalEmptyDir(t *testing.T) {
	if _, _, err := readJournal(t.TempDir(), "s1"); err == nil {
		t.Fatalf("expected an error for a dir without journal files")
	}
}
