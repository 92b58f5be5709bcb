package session

import (
	"sort"

	"go.uber.org/zap"
)

// mergeLocked applies d to s.cur. Top-level scalars are last-writer-wins,
// the story log is append-with-dedupe, quests and items upsert by id.
// changed is false when every patch in d was dropped or d carried none.
func (s *Store) mergeLocked(d Delta) (ignored []string, changed bool) {
	cur := s.cur
	if d.Character != nil {
		mergeCharacter(&cur.Character, d.Character)
		changed = true
	}
	if d.World != nil {
		mergeWorld(&cur.World, d.World)
		changed = true
	}
	for _, qp := range d.Quests {
		if s.mergeQuest(qp) {
			changed = true
		} else {
			ignored = append(ignored, qp.ID)
		}
	}
	for _, ip := range d.Items {
		if s.mergeItem(ip) {
			changed = true
		} else {
			ignored = append(ignored, ip.ID)
		}
	}
	for _, e := range d.Append {
		if s.appendEntry(e) {
			changed = true
		} else {
			ignored = append(ignored, e.ID)
		}
	}
	for _, e := range d.Replace {
		if s.replaceEntry(e) {
			changed = true
		}
	}
	for _, ref := range d.InsightRefs {
		if s.linkInsight(ref) {
			changed = true
		} else {
			ignored = append(ignored, ref.EntryID)
		}
	}
	if d.Seq > cur.LastSeq {
		cur.LastSeq = d.Seq
	}
	return ignored, changed
}

func mergeCharacter(c *Character, p *CharacterPatch) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Class != nil {
		c.Class = *p.Class
	}
	if p.Level != nil {
		c.Level = *p.Level
	}
	if p.Health != nil {
		c.Health = *p.Health
	}
	if p.MaxHealth != nil {
		c.MaxHealth = *p.MaxHealth
	}
	if p.Experience != nil {
		c.Experience = *p.Experience
	}
	if len(p.Attributes) > 0 {
		if c.Attributes == nil {
			c.Attributes = make(map[string]int, len(p.Attributes))
		}
		for k, v := range p.Attributes {
			c.Attributes[k] = v
		}
	}
}

func mergeWorld(w *WorldState, p *WorldPatch) {
	if p.CurrentLocation != nil {
		w.CurrentLocation = *p.CurrentLocation
	}
	if p.Weather != nil {
		w.Weather = *p.Weather
	}
	if p.TimeOfDay != nil {
		w.TimeOfDay = *p.TimeOfDay
	}
	if p.NPCsPresent != nil {
		w.NPCsPresent = uniqueStrings(p.NPCsPresent)
	}
	if p.AvailableActions != nil {
		w.AvailableActions = cloneStrings(p.AvailableActions)
	}
	if p.SpecialConditions != nil {
		w.SpecialConditions = cloneStrings(p.SpecialConditions)
	}
}

func (s *Store) mergeQuest(p QuestPatch) bool {
	if p.ID == "" {
		return false
	}
	if p.Status != nil && !p.Status.Valid() {
		s.log.Warn("ignoring quest patch with unknown status",
			zap.String("quest_id", p.ID), zap.String("status", string(*p.Status)))
		return false
	}
	quests := s.cur.Quests
	for i := range quests {
		q := &quests[i]
		if q.ID != p.ID {
			continue
		}
		if q.Status.Terminal() && p.Status != nil && *p.Status != q.Status {
			s.log.Warn("ignoring status change on terminal quest",
				zap.String("quest_id", q.ID),
				zap.String("status", string(q.Status)),
				zap.String("requested", string(*p.Status)))
			return false
		}
		applyQuestPatch(q, p)
		return true
	}
	q := Quest{ID: p.ID, Status: QuestActive}
	applyQuestPatch(&q, p)
	s.cur.Quests = append(s.cur.Quests, q)
	return true
}

func applyQuestPatch(q *Quest, p QuestPatch) {
	if p.Title != nil {
		q.Title = *p.Title
	}
	if p.Description != nil {
		q.Description = *p.Description
	}
	if p.Status != nil {
		q.Status = *p.Status
	}
	if p.Objectives != nil {
		q.Objectives = cloneStrings(p.Objectives)
	}
	if len(p.Rewards) > 0 {
		if q.Rewards == nil {
			q.Rewards = map[string]any{}
		}
		for k, v := range p.Rewards {
			q.Rewards[k] = cloneValue(v)
		}
	}
}

func (s *Store) mergeItem(p ItemPatch) bool {
	if p.ID == "" {
		return false
	}
	items := s.cur.Inventory
	for i := range items {
		if items[i].ID != p.ID {
			continue
		}
		if p.Remove {
			s.cur.Inventory = append(items[:i:i], items[i+1:]...)
			return true
		}
		applyItemPatch(&items[i], p)
		if p.Quantity != nil && items[i].Quantity <= 0 {
			s.cur.Inventory = append(items[:i:i], items[i+1:]...)
		}
		return true
	}
	if p.Remove {
		return false
	}
	it := InventoryItem{ID: p.ID, Quantity: 1}
	applyItemPatch(&it, p)
	if it.Quantity <= 0 {
		return false
	}
	s.cur.Inventory = append(s.cur.Inventory, it)
	return true
}

func applyItemPatch(it *InventoryItem, p ItemPatch) {
	if p.Name != nil {
		it.Name = *p.Name
	}
	if p.Type != nil {
		it.Type = *p.Type
	}
	if p.Rarity != nil {
		it.Rarity = *p.Rarity
	}
	if p.Quantity != nil {
		it.Quantity = *p.Quantity
	}
	if p.Weight != nil {
		it.Weight = *p.Weight
	}
	if p.Equipped != nil {
		it.Equipped = *p.Equipped
	}
	if len(p.Metadata) > 0 {
		if it.Metadata == nil {
			it.Metadata = map[string]any{}
		}
		for k, v := range p.Metadata {
			it.Metadata[k] = cloneValue(v)
		}
	}
}

// appendEntry inserts e keeping the log ordered by (timestamp, seq).
func (s *Store) appendEntry(e StoryEntry) bool {
	if e.ID == "" {
		return false
	}
	if _, dup := s.ids[e.ID]; dup {
		return false
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if !e.Type.Valid() {
		e.Type = EntryNarration
	}
	s.nextSeq++
	e = cloneEntry(e)
	e.Seq = s.nextSeq

	story := s.cur.Story
	i := sort.Search(len(story), func(i int) bool { return story[i].Timestamp.After(e.Timestamp) })
	story = append(story, StoryEntry{})
	copy(story[i+1:], story[i:])
	story[i] = e
	s.cur.Story = story
	s.ids[e.ID] = struct{}{}
	return true
}

func (s *Store) replaceEntry(e StoryEntry) bool {
	for i := range s.cur.Story {
		old := &s.cur.Story[i]
		if old.ID != e.ID {
			continue
		}
		old.Text = e.Text
		if e.Metadata.AIConfidence != nil {
			c := *e.Metadata.AIConfidence
			old.Metadata.AIConfidence = &c
		}
		if e.Metadata.AIInsightID != "" {
			old.Metadata.AIInsightID = e.Metadata.AIInsightID
		}
		return true
	}
	return s.appendEntry(e)
}

func (s *Store) linkInsight(ref InsightRef) bool {
	target := -1
	for i, e := range s.cur.Story {
		if e.Metadata.AIInsightID == ref.InsightID && e.ID != ref.EntryID {
			s.log.Warn("insight already referenced by another entry",
				zap.String("insight_id", ref.InsightID), zap.String("entry_id", e.ID))
			return false
		}
		if e.ID == ref.EntryID {
			target = i
		}
	}
	if target < 0 {
		return false
	}
	s.cur.Story[target].Metadata.AIInsightID = ref.InsightID
	return true
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
