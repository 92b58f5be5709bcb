package ws

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyloom.ai/internal/insight"
	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
)

// Narrator turns an accepted action into the frames that answer it. The
// first payload must be the narration_delta confirming the action.
type Narrator interface {
	Narrate(sess *session.Session, action string, now time.Time) []protocol.Payload
}

// ScriptedNarrator answers with canned prose plus a few keyword driven
// world, quest and inventory changes. It is deterministic apart from ids.
type ScriptedNarrator struct{}

func (ScriptedNarrator) Narrate(sess *session.Session, action string, now time.Time) []protocol.Payload {
	lower := strings.ToLower(action)
	entryID := "n-" + uuid.NewString()
	conf := 0.82

	line := fmt.Sprintf("You %s. %s", strings.TrimSuffix(lower, "."), ambience(sess.World))
	out := []protocol.Payload{
		protocol.NarrationDelta{
			Text:         action,
			AIConfidence: &conf,
			Append: []session.StoryEntry{{
				ID:        entryID,
				Type:      session.EntryNarration,
				Text:      line,
				Timestamp: now,
				Metadata:  session.EntryMetadata{AIConfidence: &conf},
			}},
		},
	}

	if place, ok := strings.CutPrefix(lower, "go to "); ok && place != "" {
		loc := titleCase(place)
		out = append(out, protocol.WorldUpdate{World: &session.WorldPatch{
			CurrentLocation:  &loc,
			AvailableActions: []string{"look around", "rest", "go back"},
		}})
	}
	if strings.Contains(lower, "pick up ") {
		name := strings.TrimSpace(lower[strings.Index(lower, "pick up ")+len("pick up "):])
		if name != "" {
			qty := 1
			if it, ok := sess.Item(slug(name)); ok {
				qty = it.Quantity + 1
			}
			n := titleCase(name)
			out = append(out, protocol.InventoryUpdate{Items: []session.ItemPatch{{ID: slug(name), Name: &n, Quantity: &qty}}})
		}
	}
	if strings.Contains(lower, "complete") || strings.Contains(lower, "finish") {
		for _, q := range sess.Quests {
			if q.Status == session.QuestActive {
				done := session.QuestCompleted
				out = append(out, protocol.QuestUpdate{Quests: []session.QuestPatch{{ID: q.ID, Status: &done}}})
				break
			}
		}
	}

	ms := int64(40)
	out = append(out, protocol.InsightAvailable{Insight: insight.Insight{
		ID:           "i-" + uuid.NewString(),
		DecisionType: "narration",
		Confidence:   conf,
		Reasoning:    "continued the scene from the player's stated intent",
		Factors: []insight.Factor{
			{Category: "intent", Factor: "player action", Influence: 0.7, Explanation: "the action names what happens next"},
			{Category: "world", Factor: "location", Influence: 0.3, Explanation: "the current location sets the tone", Evidence: sess.World.CurrentLocation},
		},
		ContextUsed:      fmt.Sprintf("%d story entries", len(sess.Story)),
		Timestamp:        now,
		ProcessingTimeMS: &ms,
		StoryEntryID:     entryID,
	}})
	return out
}

func ambience(w session.WorldState) string {
	switch {
	case w.Weather != "" && w.CurrentLocation != "":
		return fmt.Sprintf("The %s hangs over %s.", w.Weather, w.CurrentLocation)
	case w.CurrentLocation != "":
		return fmt.Sprintf("%s is quiet.", w.CurrentLocation)
	default:
		return "Nothing stirs."
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}
