package insight

import (
	"fmt"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mk(id string, offset time.Duration, decision string, conf float64) Insight {
	return Insight{
		ID:           id,
		DecisionType: decision,
		Confidence:   conf,
		Reasoning:    "because",
		Timestamp:    base.Add(offset),
	}
}

func TestStoreNeverExceedsCapacity(t *testing.T) {
	var evicted []string
	r := NewRecorder(Config{Capacity: 3, OnEvict: func(in Insight) { evicted = append(evicted, in.ID) }})

	for i := 0; i < 5; i++ {
		if _, err := r.Store(mk(fmt.Sprintf("i%d", i), time.Duration(i)*time.Second, "narration", 0.5)); err != nil {
			t.Fatalf("store: %v", err)
		}
		if r.Len() > 3 {
			t.Fatalf("len %d exceeds capacity", r.Len())
		}
	}
	if len(evicted) != 2 || evicted[0] != "i0" || evicted[1] != "i1" {
		t.Fatalf("expected oldest evicted first, got %v", evicted)
	}
	if _, ok := r.Get("i0"); ok {
		t.Fatalf("i0 should be gone")
	}
}

func TestStoreEvictsOldestByTimestampNotArrival(t *testing.T) {
	r := NewRecorder(Config{Capacity: 2})
	mustStore(t, r, mk("late", 10*time.Second, "d", 0.1))
	mustStore(t, r, mk("early", 1*time.Second, "d", 0.1))
	mustStore(t, r, mk("mid", 5*time.Second, "d", 0.1))

	if _, ok := r.Get("early"); ok {
		t.Fatalf("early should be evicted")
	}
	if _, ok := r.Get("late"); !ok {
		t.Fatalf("late should be kept")
	}
}

func TestStoreDedupesByID(t *testing.T) {
	r := NewRecorder(Config{Capacity: 4})
	added, err := r.Store(mk("a", 0, "d", 0.3))
	if err != nil || !added {
		t.Fatalf("first store: added=%v err=%v", added, err)
	}
	added, err = r.Store(mk("a", time.Second, "d", 0.9))
	if err != nil || added {
		t.Fatalf("duplicate store: added=%v err=%v", added, err)
	}
	got, _ := r.Get("a")
	if got.Confidence != 0.3 {
		t.Fatalf("duplicate overwrote original")
	}
}

func TestStoreRejectsInvalid(t *testing.T) {
	r := NewRecorder(Config{})
	if _, err := r.Store(Insight{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if _, err := r.Store(mk("x", 0, "d", 1.5)); err == nil {
		t.Fatalf("expected error for confidence > 1")
	}
	if r.Capacity() != DefaultCapacity {
		t.Fatalf("default capacity: got %d", r.Capacity())
	}
}

func TestQueryByDecisionTypeAndEntry(t *testing.T) {
	r := NewRecorder(Config{Capacity: 10})
	a := mk("a", 0, "narration", 0.5)
	a.StoryEntryID = "e1"
	mustStore(t, r, a)
	mustStore(t, r, mk("b", time.Second, "quest", 0.5))
	mustStore(t, r, mk("c", 2*time.Second, "narration", 0.5))

	got := r.Query(Filter{DecisionType: "narration"})
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("unexpected narration query: %+v", got)
	}
	got = r.Query(Filter{StoryEntryID: "e1"})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("unexpected entry query: %+v", got)
	}
	if got := r.Query(Filter{Limit: 1}); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("unexpected limited query: %+v", got)
	}
}

func TestStatsRecomputedOnChange(t *testing.T) {
	r := NewRecorder(Config{Capacity: 10})
	ms := int64(100)
	a := mk("a", 0, "narration", 0.2)
	a.ProcessingTimeMS = &ms
	mustStore(t, r, a)
	mustStore(t, r, mk("b", time.Second, "quest", 0.6))

	st := r.Stats()
	if st.Count != 2 || abs(st.AverageConfidence-0.4) > 1e-9 || st.AverageProcessingMS != 100 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	mustStore(t, r, mk("c", 2*time.Second, "quest", 1.0))
	st = r.Stats()
	if st.Count != 3 || st.ByDecisionType["quest"] != 2 {
		t.Fatalf("stats not recomputed: %+v", st)
	}
}

func mustStore(t *testing.T, r *Recorder, in Insight) {
	t.Helper()
	if _, err := r.Store(in); err != nil {
		t.Fatalf("store %s: %v", in.ID, err)
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
