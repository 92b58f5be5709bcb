package reconcile

import (
	"strconv"

	"go.uber.org/zap"

	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
)

// narrationDelta builds the merge for a narration frame. When the frame
// confirms the in-flight action, the placeholder entry is rewritten in
// place and the action resolved in the same delta.
func (r *Reconciler) narrationDelta(f protocol.Frame, nd *protocol.NarrationDelta, cur *session.Session, pending *session.PendingAction) session.Delta {
	d := session.Delta{SessionID: f.SessionID, Seq: f.Seq}
	confirms := pending != nil && f.CorrelationID != "" && pending.CorrelationID == f.CorrelationID

	entry := session.StoryEntry{
		ID:        nd.EntryID,
		Type:      nd.EntryType,
		Text:      nd.Text,
		Timestamp: nd.Timestamp,
		Metadata:  session.EntryMetadata{AIConfidence: nd.AIConfidence},
	}
	if entry.Type == "" {
		entry.Type = session.EntryNarration
	}

	switch {
	case confirms && pending.EntryID != "" && (nd.EntryID == "" || nd.EntryID == pending.EntryID):
		if nd.Text != "" {
			entry.ID = pending.EntryID
			d.Replace = append(d.Replace, entry)
		}
		if nd.InsightID != "" {
			d.InsightRefs = append(d.InsightRefs, session.InsightRef{EntryID: pending.EntryID, InsightID: nd.InsightID})
		}
	case nd.Text != "":
		if entry.ID == "" {
			entry.ID = "seq-" + strconv.FormatUint(f.Seq, 10)
		}
		if old, ok := cur.Entry(entry.ID); ok {
			if old.Type == session.EntryPlayer {
				// Player text is fixed once its action left flight.
				r.log.Debug("ignoring rewrite of player entry", zap.String("entry_id", entry.ID))
				break
			}
			d.Replace = append(d.Replace, entry)
		} else {
			d.Append = append(d.Append, entry)
		}
		if nd.InsightID != "" {
			d.InsightRefs = append(d.InsightRefs, session.InsightRef{EntryID: entry.ID, InsightID: nd.InsightID})
		}
	}

	for _, e := range nd.Append {
		if e.Type == "" {
			e.Type = session.EntryNarration
		}
		// Links go through InsightRefs so one insight stays on one entry.
		if id := e.Metadata.AIInsightID; id != "" {
			d.InsightRefs = append(d.InsightRefs, session.InsightRef{EntryID: e.ID, InsightID: id})
			e.Metadata.AIInsightID = ""
		}
		d.Append = append(d.Append, e)
	}

	if confirms {
		d.Resolve = &session.Resolution{CorrelationID: pending.CorrelationID, Status: session.PendingConfirmed}
	}
	return d
}

func worldDelta(f protocol.Frame, wu *protocol.WorldUpdate) session.Delta {
	return session.Delta{SessionID: f.SessionID, Seq: f.Seq, World: wu.World, Character: wu.Character}
}

func questDelta(f protocol.Frame, qu *protocol.QuestUpdate) session.Delta {
	return session.Delta{SessionID: f.SessionID, Seq: f.Seq, Quests: qu.Quests}
}

func inventoryDelta(f protocol.Frame, iu *protocol.InventoryUpdate) session.Delta {
	return session.Delta{SessionID: f.SessionID, Seq: f.Seq, Items: iu.Items}
}
