package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"storyloom.ai/internal/session"
)

func sample() *session.Session {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	conf := 0.9
	return &session.Session{
		ID:        "s1",
		Character: session.Character{Name: "Ayla", Level: 3, Health: 20, MaxHealth: 24},
		Inventory: []session.InventoryItem{{ID: "rope", Name: "Rope", Quantity: 2, Metadata: map[string]any{"origin": "mill"}}},
		Quests:    []session.Quest{{ID: "q1", Title: "Find the well", Status: session.QuestActive, Objectives: []string{"ask the miller"}}},
		World:     session.WorldState{CurrentLocation: "Crossroads", Weather: "mist"},
		Story: []session.StoryEntry{
			{ID: "e1", Type: session.EntryNarration, Text: "The road forks.", Timestamp: t0, Metadata: session.EntryMetadata{AIConfidence: &conf, AIInsightID: "i1"}},
		},
		LastSeq:   12,
		CreatedAt: t0,
		UpdatedAt: t0.Add(time.Hour),
	}
}

func TestWriteRead(t *testing.T) {
	path := Path(t.TempDir(), "s1")
	saved := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	in := New(sample(), saved)
	if err := Write(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header != (Header{Version: Version, SessionID: "s1", LastSeq: 12, SavedAt: saved}) {
		t.Fatalf("header: %+v", got.Header)
	}
	if diff := cmp.Diff(sample(), got.Session); diff != "" {
		t.Fatalf("session (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestNewDoesNotAlias(t *testing.T) {
	s := sample()
	snap := New(s, time.Now())
	s.Story[0].Text = "changed"
	s.Inventory[0].Metadata["origin"] = "elsewhere"
	if snap.Session.Story[0].Text != "The road forks." || snap.Session.Inventory[0].Metadata["origin"] != "mill" {
		t.Fatalf("snapshot aliases live session")
	}
}

func TestReadRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap.zst")
	if err := os.WriteFile(path, []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Fatalf("expected error for a non snapshot file")
	}
}

func TestWriteRequiresSession(t *testing.T) {
	err := Write(Path(t.TempDir(), "s1"), SnapshotV1{Header: Header{Version: Version}})
	if err == nil || !strings.Contains(err.Error(), "without session") {
		t.Fatalf("expected missing session error, got %v", err)
	}
}
