package protocol

import "storyloom.ai/internal/session"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	ClientName      string     `json:"client_name,omitempty"`
	LastSeq         uint64     `json:"last_seq,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client): the handshake acknowledgement.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	LastSeq         uint64 `json:"last_seq"`
	HeartbeatMS     int    `json:"heartbeat_ms,omitempty"`
}

// DENIED (server -> client): handshake refused. Code E_AUTH is fatal.
type DeniedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// HTTP API bodies.

type SubmitActionReq struct {
	SessionID     string `json:"session_id"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id"`
}

type SubmitActionResp struct {
	Accepted bool   `json:"accepted"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

type ErrorResp struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type ListSessionsResp struct {
	Sessions []session.Summary `json:"sessions"`
}
