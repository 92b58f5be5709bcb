package session

import "time"

type EntryType string

const (
	EntryPlayer    EntryType = "player"
	EntryNarration EntryType = "narration"
	EntryAction    EntryType = "action"
	EntrySystem    EntryType = "system"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryPlayer, EntryNarration, EntryAction, EntrySystem:
		return true
	}
	return false
}

type QuestStatus string

const (
	QuestActive    QuestStatus = "active"
	QuestCompleted QuestStatus = "completed"
	QuestFailed    QuestStatus = "failed"
)

func (s QuestStatus) Valid() bool {
	switch s {
	case QuestActive, QuestCompleted, QuestFailed:
		return true
	}
	return false
}

// Terminal reports whether the quest can no longer change status.
func (s QuestStatus) Terminal() bool { return s == QuestCompleted || s == QuestFailed }

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

type PendingStatus string

const (
	PendingInFlight  PendingStatus = "pending"
	PendingConfirmed PendingStatus = "confirmed"
	PendingFailed    PendingStatus = "failed"
)

type Character struct {
	Name       string         `json:"name"`
	Class      string         `json:"class,omitempty"`
	Level      int            `json:"level"`
	Health     int            `json:"health"`
	MaxHealth  int            `json:"max_health"`
	Experience int            `json:"experience,omitempty"`
	Attributes map[string]int `json:"attributes,omitempty"`
}

type EntryMetadata struct {
	AIConfidence *float64 `json:"ai_confidence,omitempty"`
	AIInsightID  string   `json:"ai_insight_id,omitempty"`
}

type StoryEntry struct {
	ID        string        `json:"id"`
	Type      EntryType     `json:"type"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Metadata  EntryMetadata `json:"metadata"`

	// Seq is the store-assigned insertion sequence, the tie-breaker for
	// entries sharing a timestamp.
	Seq uint64 `json:"-"`
}

type InventoryItem struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Rarity   string         `json:"rarity"`
	Quantity int            `json:"quantity"`
	Weight   float64        `json:"weight"`
	Equipped bool           `json:"equipped"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Quest struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      QuestStatus    `json:"status"`
	Objectives  []string       `json:"objectives"`
	Rewards     map[string]any `json:"rewards,omitempty"`
}

type WorldState struct {
	CurrentLocation   string   `json:"current_location"`
	Weather           string   `json:"weather"`
	TimeOfDay         string   `json:"time_of_day"`
	NPCsPresent       []string `json:"npcs_present"`
	AvailableActions  []string `json:"available_actions"`
	SpecialConditions []string `json:"special_conditions,omitempty"`
}

type Session struct {
	ID        string          `json:"id"`
	Character Character       `json:"character"`
	Inventory []InventoryItem `json:"inventory"`
	Quests    []Quest         `json:"quests"`
	World     WorldState      `json:"world"`
	Story     []StoryEntry    `json:"story"`

	// LastSeq is the stream sequence the server state reflects.
	LastSeq uint64 `json:"last_seq,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry returns the story entry with id, if present.
func (s *Session) Entry(id string) (StoryEntry, bool) {
	if s == nil {
		return StoryEntry{}, false
	}
	for _, e := range s.Story {
		if e.ID == id {
			return e, true
		}
	}
	return StoryEntry{}, false
}

func (s *Session) Quest(id string) (Quest, bool) {
	if s == nil {
		return Quest{}, false
	}
	for _, q := range s.Quests {
		if q.ID == id {
			return q, true
		}
	}
	return Quest{}, false
}

func (s *Session) Item(id string) (InventoryItem, bool) {
	if s == nil {
		return InventoryItem{}, false
	}
	for _, it := range s.Inventory {
		if it.ID == id {
			return it, true
		}
	}
	return InventoryItem{}, false
}

// Summary is the list view of a session.
func (s *Session) Summary() Summary {
	return Summary{
		ID:            s.ID,
		CharacterName: s.Character.Name,
		Location:      s.World.CurrentLocation,
		StoryEntries:  len(s.Story),
		UpdatedAt:     s.UpdatedAt,
	}
}

type Summary struct {
	ID            string    `json:"id"`
	CharacterName string    `json:"character_name"`
	Location      string    `json:"location"`
	StoryEntries  int       `json:"story_entries"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PendingAction tracks the single in-flight player action of a session.
type PendingAction struct {
	CorrelationID string        `json:"correlation_id"`
	SessionID     string        `json:"session_id"`
	Text          string        `json:"text"`
	EntryID       string        `json:"entry_id"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	Status        PendingStatus `json:"status"`

	// SnapshotBefore is filled by the store inside the same merge that
	// appends the optimistic entry.
	SnapshotBefore *Session `json:"-"`
}
