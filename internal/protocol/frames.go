package protocol

import "time"

// Subscribe rejection reasons sent in sub_nack frames. These are coarse codes:
// detailed ownership reasons stay in logs.
const (
	ReasonNotAuthorized   = "not_authorized"
	ReasonSessionMismatch = "session_mismatch"
	ReasonInvalidRequest  = "invalid_request"
	ReasonRateLimited     = "rate_limit_exceeded"
	ReasonAuthRequired    = "auth_required"
)

// Error codes sent in error frames.
const (
	CodeParseError       = "PARSE_ERROR"
	CodeInvalidFormat    = "INVALID_FORMAT"
	CodeMissingRequestID = "MISSING_REQUEST_ID"
	CodeLegacyRejected   = "LEGACY_PROTOCOL_REJECTED"
)

// SubAck acknowledges a subscribe. Pending is true while the target request
// has not been created yet.
type SubAck struct {
	Type      string  `json:"type"`
	Channel   Channel `json:"channel"`
	RequestID string  `json:"requestId"`
	Pending   bool    `json:"pending"`
}

// SubNack rejects a subscribe or revokes a pending one.
type SubNack struct {
	Type      string  `json:"type"`
	Channel   Channel `json:"channel"`
	RequestID string  `json:"requestId"`
	Reason    string  `json:"reason"`
}

// ErrorFrame reports a protocol-level problem without closing the socket.
type ErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WSStatus reports connection state transitions to the client.
type WSStatus struct {
	Type  string `json:"type"`
	State string `json:"state"`
	TS    int64  `json:"ts"`
}

// NewSubAck builds a sub_ack frame.
func NewSubAck(ch Channel, requestID string, pending bool) SubAck {
	return SubAck{Type: "sub_ack", Channel: ch, RequestID: requestID, Pending: pending}
}

// NewSubNack builds a sub_nack frame.
func NewSubNack(ch Channel, requestID, reason string) SubNack {
	return SubNack{Type: "sub_nack", Channel: ch, RequestID: requestID, Reason: reason}
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: code, Message: message}
}

// NewWSStatus builds a ws_status frame with the current wall clock.
func NewWSStatus(state string) WSStatus {
	return WSStatus{Type: "ws_status", State: state, TS: time.Now().UnixMilli()}
}
