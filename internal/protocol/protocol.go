package protocol

import "encoding/json"

const Version = "1.0"

var supportedVersions = map[string]struct{}{
	"1.0": {},
}

func IsSupportedVersion(v string) bool {
	_, ok := supportedVersions[v]
	return ok
}

// Control message types, exchanged during the handshake.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeDenied  = "DENIED"
)

// Frame types, delivered after WELCOME.
const (
	FrameNarrationDelta   = "narration_delta"
	FrameWorldUpdate      = "world_update"
	FrameQuestUpdate      = "quest_update"
	FrameInventoryUpdate  = "inventory_update"
	FrameInsightAvailable = "insight_available"
	FrameError            = "error"
)

var frameTypes = map[string]struct{}{
	FrameNarrationDelta:   {},
	FrameWorldUpdate:      {},
	FrameQuestUpdate:      {},
	FrameInventoryUpdate:  {},
	FrameInsightAvailable: {},
	FrameError:            {},
}

func IsFrameType(t string) bool {
	_, ok := frameTypes[t]
	return ok
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
