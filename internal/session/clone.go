package session

// Clone returns a deep copy. Nested metadata maps are copied recursively so a
// snapshot never aliases live state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Character = cloneCharacter(s.Character)
	out.World = cloneWorld(s.World)
	if s.Inventory != nil {
		out.Inventory = make([]InventoryItem, len(s.Inventory))
		for i, it := range s.Inventory {
			out.Inventory[i] = cloneItem(it)
		}
	}
	if s.Quests != nil {
		out.Quests = make([]Quest, len(s.Quests))
		for i, q := range s.Quests {
			out.Quests[i] = cloneQuest(q)
		}
	}
	if s.Story != nil {
		out.Story = make([]StoryEntry, len(s.Story))
		for i, e := range s.Story {
			out.Story[i] = cloneEntry(e)
		}
	}
	return &out
}

func (p *PendingAction) Clone() *PendingAction {
	if p == nil {
		return nil
	}
	out := *p
	out.SnapshotBefore = p.SnapshotBefore.Clone()
	return &out
}

func cloneCharacter(c Character) Character {
	if c.Attributes != nil {
		attrs := make(map[string]int, len(c.Attributes))
		for k, v := range c.Attributes {
			attrs[k] = v
		}
		c.Attributes = attrs
	}
	return c
}

func cloneWorld(w WorldState) WorldState {
	w.NPCsPresent = cloneStrings(w.NPCsPresent)
	w.AvailableActions = cloneStrings(w.AvailableActions)
	w.SpecialConditions = cloneStrings(w.SpecialConditions)
	return w
}

func cloneItem(it InventoryItem) InventoryItem {
	it.Metadata = cloneMap(it.Metadata)
	return it
}

func cloneQuest(q Quest) Quest {
	q.Objectives = cloneStrings(q.Objectives)
	q.Rewards = cloneMap(q.Rewards)
	return q
}

func cloneEntry(e StoryEntry) StoryEntry {
	if e.Metadata.AIConfidence != nil {
		c := *e.Metadata.AIConfidence
		e.Metadata.AIConfidence = &c
	}
	return e
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return cloneStrings(x)
	default:
		return v
	}
}
