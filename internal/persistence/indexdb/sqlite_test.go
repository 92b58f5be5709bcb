package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"storyloom.ai/internal/insight"
	"storyloom.ai/internal/session"
)

func open(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func flush(t *testing.T, idx *SQLiteIndex) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestSummariesReplaceWholeList(t *testing.T) {
	idx := open(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	idx.PutSummaries([]session.Summary{
		{ID: "s1", CharacterName: "Ayla", Location: "Crossroads", StoryEntries: 3, UpdatedAt: t0},
		{ID: "s2", CharacterName: "Bren", Location: "Harbor", StoryEntries: 9, UpdatedAt: t0.Add(time.Hour)},
	})
	idx.PutSummaries([]session.Summary{
		{ID: "s2", CharacterName: "Bren", Location: "Harbor", StoryEntries: 10, UpdatedAt: t0.Add(2 * time.Hour)},
		{ID: "s3", CharacterName: "Cato", Location: "Mill", StoryEntries: 1, UpdatedAt: t0.Add(500 * time.Millisecond)},
	})
	flush(t, idx)

	got, err := idx.Summaries(context.Background())
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	want := []session.Summary{
		{ID: "s2", CharacterName: "Bren", Location: "Harbor", StoryEntries: 10, UpdatedAt: t0.Add(2 * time.Hour)},
		{ID: "s3", CharacterName: "Cato", Location: "Mill", StoryEntries: 1, UpdatedAt: t0.Add(500 * time.Millisecond)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("summaries (-want +got):\n%s", diff)
	}
}

func TestArchivedInsights(t *testing.T) {
	idx := open(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"i1", "i2", "i3"} {
		idx.ArchiveInsight("s1", insight.Insight{
			ID:           id,
			DecisionType: "narration",
			Confidence:   0.5,
			Factors:      []insight.Factor{{Category: "intent", Factor: "action", Influence: 1}},
			Timestamp:    t0.Add(time.Duration(i) * time.Minute),
		})
	}
	idx.ArchiveInsight("s1", insight.Insight{ID: "i1", DecisionType: "duplicate", Timestamp: t0})
	idx.ArchiveInsight("s2", insight.Insight{ID: "o1", DecisionType: "narration", Timestamp: t0})
	flush(t, idx)

	got, err := idx.ArchivedInsights(context.Background(), "s1", 2)
	if err != nil {
		t.Fatalf("archived: %v", err)
	}
	if len(got) != 2 || got[0].ID != "i2" || got[1].ID != "i3" {
		t.Fatalf("expected the newest two oldest first, got %+v", got)
	}
	all, _ := idx.ArchivedInsights(context.Background(), "s1", 0)
	if len(all) != 3 || all[0].DecisionType != "narration" {
		t.Fatalf("re-archiving an id must not overwrite it: %+v", all)
	}

	idx.DeleteSession("s1")
	flush(t, idx)
	if left, _ := idx.ArchivedInsights(context.Background(), "s1", 0); len(left) != 0 {
		t.Fatalf("delete left insights behind: %+v", left)
	}
	if other, _ := idx.ArchivedInsights(context.Background(), "s2", 0); len(other) != 1 {
		t.Fatalf("delete touched another session")
	}
}

func TestQueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqSync}

	s.PutSummaries(nil)
	s.ArchiveInsight("s1", insight.Insight{ID: "i1"})
	s.DeleteSession("s1")

	st := s.Stats()
	if st.DropTotal != 3 {
		t.Fatalf("DropTotal=%d want=3", st.DropTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestClosedIndexIgnoresWrites(t *testing.T) {
	idx := open(t)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	idx.PutSummaries([]session.Summary{{ID: "s1"}})
	if err := idx.Sync(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
