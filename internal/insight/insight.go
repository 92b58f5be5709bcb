// Package insight keeps a bounded buffer of AI decision explanations that
// story entries can point at.
package insight

import "time"

type Factor struct {
	Category    string  `json:"category"`
	Factor      string  `json:"factor"`
	Influence   float64 `json:"influence"`
	Explanation string  `json:"explanation"`
	Evidence    string  `json:"evidence,omitempty"`
}

type Insight struct {
	ID               string    `json:"id"`
	DecisionType     string    `json:"decision_type"`
	Confidence       float64   `json:"confidence"`
	Reasoning        string    `json:"reasoning"`
	Factors          []Factor  `json:"factors"`
	ContextUsed      string    `json:"context_used"`
	Timestamp        time.Time `json:"timestamp"`
	ProcessingTimeMS *int64    `json:"processing_time_ms,omitempty"`

	// StoryEntryID is the story entry the insight explains, if any.
	StoryEntryID string `json:"story_entry_id,omitempty"`
}

func (in Insight) clone() Insight {
	if in.Factors != nil {
		f := make([]Factor, len(in.Factors))
		copy(f, in.Factors)
		in.Factors = f
	}
	if in.ProcessingTimeMS != nil {
		v := *in.ProcessingTimeMS
		in.ProcessingTimeMS = &v
	}
	return in
}

// Filter selects insights; empty fields match everything.
type Filter struct {
	DecisionType string
	StoryEntryID string
	Limit        int
}

func (f Filter) match(in Insight) bool {
	if f.DecisionType != "" && f.DecisionType != in.DecisionType {
		return false
	}
	if f.StoryEntryID != "" && f.StoryEntryID != in.StoryEntryID {
		return false
	}
	return true
}

type Stats struct {
	Count               int            `json:"count"`
	AverageConfidence   float64        `json:"average_confidence"`
	AverageProcessingMS float64        `json:"average_processing_ms"`
	WithProcessingTime  int            `json:"with_processing_time"`
	ByDecisionType      map[string]int `json:"by_decision_type"`
}
