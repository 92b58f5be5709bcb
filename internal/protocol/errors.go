package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrAuth            = "E_AUTH"

	// Session routing/state.
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrSessionBusy     = "E_SESSION_BUSY"
	ErrDesync          = "E_DESYNC"

	// Action layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrInvalidAction = "E_INVALID_ACTION"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrConflict      = "E_CONFLICT"
	ErrUnavailable   = "E_UNAVAILABLE"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrAuth:            {},
	ErrSessionNotFound: {},
	ErrSessionBusy:     {},
	ErrDesync:          {},
	ErrBadRequest:      {},
	ErrInvalidAction:   {},
	ErrRateLimit:       {},
	ErrConflict:        {},
	ErrUnavailable:     {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
