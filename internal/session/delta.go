package session

// Delta is a partial update merged by Store.ApplyDelta. Nil pointers and nil
// slices mean "unchanged"; a non-nil empty slice clears the field.
type Delta struct {
	// SessionID must match the current session whenever the delta touches
	// game state. Connection-only deltas may leave it empty.
	SessionID string

	Character *CharacterPatch
	World     *WorldPatch
	Quests    []QuestPatch
	Items     []ItemPatch

	// Append adds entries, skipping ids already in the log.
	Append []StoryEntry
	// Replace rewrites entries by id keeping their timestamp, type and
	// position. Ids not yet in the log are appended.
	Replace []StoryEntry

	InsightRefs []InsightRef

	// Begin records a new in-flight action. The merge fails with ErrBusy if
	// one is already pending, and fills Result.Snapshot with the state as it
	// was before anything in this delta was applied.
	Begin *PendingAction
	// Resolve moves the in-flight action to confirmed or failed. The merge
	// fails with ErrNoPending if the correlation id is not in flight.
	Resolve *Resolution

	Connection *ConnectionStatus

	// Seq advances Session.LastSeq when greater than it.
	Seq uint64
}

type Resolution struct {
	CorrelationID string
	Status        PendingStatus
}

type InsightRef struct {
	EntryID   string `json:"entry_id"`
	InsightID string `json:"insight_id"`
}

type CharacterPatch struct {
	Name       *string        `json:"name,omitempty"`
	Class      *string        `json:"class,omitempty"`
	Level      *int           `json:"level,omitempty"`
	Health     *int           `json:"health,omitempty"`
	MaxHealth  *int           `json:"max_health,omitempty"`
	Experience *int           `json:"experience,omitempty"`
	Attributes map[string]int `json:"attributes,omitempty"`
}

type WorldPatch struct {
	CurrentLocation   *string  `json:"current_location,omitempty"`
	Weather           *string  `json:"weather,omitempty"`
	TimeOfDay         *string  `json:"time_of_day,omitempty"`
	NPCsPresent       []string `json:"npcs_present,omitempty"`
	AvailableActions  []string `json:"available_actions,omitempty"`
	SpecialConditions []string `json:"special_conditions,omitempty"`
}

type QuestPatch struct {
	ID          string         `json:"id"`
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *QuestStatus   `json:"status,omitempty"`
	Objectives  []string       `json:"objectives,omitempty"`
	Rewards     map[string]any `json:"rewards,omitempty"`
}

type ItemPatch struct {
	ID       string         `json:"id"`
	Name     *string        `json:"name,omitempty"`
	Type     *string        `json:"type,omitempty"`
	Rarity   *string        `json:"rarity,omitempty"`
	Quantity *int           `json:"quantity,omitempty"`
	Weight   *float64       `json:"weight,omitempty"`
	Equipped *bool          `json:"equipped,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Remove   bool           `json:"remove,omitempty"`
}

func (d Delta) touchesGame() bool {
	return d.Character != nil || d.World != nil || len(d.Quests) > 0 || len(d.Items) > 0 ||
		len(d.Append) > 0 || len(d.Replace) > 0 || len(d.InsightRefs) > 0 ||
		d.Begin != nil || d.Resolve != nil || d.Seq != 0
}

// Result describes what a successful merge did.
type Result struct {
	Version uint64
	// Snapshot is the pre-merge state, set only for deltas carrying Begin.
	Snapshot *Session
	// Ignored lists ids of patches dropped by merge policy.
	Ignored []string
}
