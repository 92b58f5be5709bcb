package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"storyloom.ai/internal/insight"
	"storyloom.ai/internal/session"
)

var ErrUnknownFrameType = errors.New("unknown frame type")

// Frame is one ordered stream event. Delivery is at-least-once and not
// necessarily ordered; Seq is what the consumer orders and dedupes by.
type Frame struct {
	Seq           uint64          `json:"seq"`
	SessionID     string          `json:"session_id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

const frameSchemaURL = "https://storyloom.ai/schemas/frame.schema.json"

const frameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["seq", "session_id", "type", "payload"],
  "properties": {
    "seq": {"type": "integer", "minimum": 1},
    "session_id": {"type": "string", "minLength": 1},
    "type": {"enum": ["narration_delta", "world_update", "quest_update", "inventory_update", "insight_available", "error"]},
    "correlation_id": {"type": "string"},
    "payload": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "narration_delta"}}},
      "then": {"properties": {"payload": {
        "properties": {
          "entry_type": {"enum": ["player", "narration", "action", "system"]},
          "ai_confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "append": {"type": "array", "items": {"type": "object", "required": ["id", "text"]}}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "quest_update"}}},
      "then": {"properties": {"payload": {
        "required": ["quests"],
        "properties": {"quests": {"type": "array", "items": {
          "type": "object",
          "required": ["id"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "status": {"enum": ["active", "completed", "failed"]}
          }
        }}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "inventory_update"}}},
      "then": {"properties": {"payload": {
        "required": ["items"],
        "properties": {"items": {"type": "array", "items": {
          "type": "object",
          "required": ["id"],
          "properties": {"id": {"type": "string", "minLength": 1}}
        }}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "insight_available"}}},
      "then": {"properties": {"payload": {
        "required": ["insight"],
        "properties": {"insight": {
          "type": "object",
          "required": ["id", "decision_type", "confidence"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "confidence": {"type": "number", "minimum": 0, "maximum": 1}
          }
        }}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "error"}}},
      "then": {"properties": {"payload": {
        "required": ["code"],
        "properties": {"code": {"type": "string", "minLength": 1}}
      }}}
    }
  ]
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func frameValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString(frameSchemaURL, frameSchema)
	})
	return schema, schemaErr
}

// ValidateFrame checks raw against the frame schema.
func ValidateFrame(raw []byte) error {
	s, err := frameValidator()
	if err != nil {
		return fmt.Errorf("compile frame schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parse frame: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	return nil
}

// DecodeFrame validates raw and decodes the envelope.
func DecodeFrame(raw []byte) (Frame, error) {
	if err := ValidateFrame(raw); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	return f, nil
}

// Payload is the typed form of a frame payload. The concrete type is one of
// NarrationDelta, WorldUpdate, QuestUpdate, InventoryUpdate,
// InsightAvailable or ErrorNotice.
type Payload interface {
	FrameType() string
}

type NarrationDelta struct {
	EntryID      string            `json:"entry_id,omitempty"`
	EntryType    session.EntryType `json:"entry_type,omitempty"`
	Text         string            `json:"text,omitempty"`
	Timestamp    time.Time         `json:"timestamp,omitempty"`
	AIConfidence *float64          `json:"ai_confidence,omitempty"`
	InsightID    string            `json:"insight_id,omitempty"`

	// Append carries narration that follows the entry above.
	Append []session.StoryEntry `json:"append,omitempty"`
}

type WorldUpdate struct {
	World     *session.WorldPatch     `json:"world,omitempty"`
	Character *session.CharacterPatch `json:"character,omitempty"`
}

type QuestUpdate struct {
	Quests []session.QuestPatch `json:"quests"`
}

type InventoryUpdate struct {
	Items []session.ItemPatch `json:"items"`
}

type InsightAvailable struct {
	Insight insight.Insight `json:"insight"`
}

type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (NarrationDelta) FrameType() string   { return FrameNarrationDelta }
func (WorldUpdate) FrameType() string      { return FrameWorldUpdate }
func (QuestUpdate) FrameType() string      { return FrameQuestUpdate }
func (InventoryUpdate) FrameType() string  { return FrameInventoryUpdate }
func (InsightAvailable) FrameType() string { return FrameInsightAvailable }
func (ErrorNotice) FrameType() string      { return FrameError }

// DecodePayload converts the raw payload into its typed variant.
func DecodePayload(f Frame) (Payload, error) {
	var p Payload
	switch f.Type {
	case FrameNarrationDelta:
		p = &NarrationDelta{}
	case FrameWorldUpdate:
		p = &WorldUpdate{}
	case FrameQuestUpdate:
		p = &QuestUpdate{}
	case FrameInventoryUpdate:
		p = &InventoryUpdate{}
	case FrameInsightAvailable:
		p = &InsightAvailable{}
	case FrameError:
		p = &ErrorNotice{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	if len(f.Payload) == 0 {
		return nil, fmt.Errorf("%s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, p); err != nil {
		return nil, fmt.Errorf("%s payload: %w", f.Type, err)
	}
	return p, nil
}

// EncodeFrame marshals a typed payload into a frame. Used by the backend stub
// and by tests.
func EncodeFrame(seq uint64, sessionID, correlationID string, p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		Seq:           seq,
		SessionID:     sessionID,
		Type:          p.FrameType(),
		CorrelationID: correlationID,
		Payload:       raw,
	})
}
