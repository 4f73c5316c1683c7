package protocol

import (
	"encoding/json"
	"errors"
)

// Channel is the coarse message category. It determines routing semantics,
// not wire transport.
type Channel string

const (
	ChannelSearch    Channel = "search"
	ChannelAssistant Channel = "assistant"
)

// ParseChannel validates a wire channel value.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelSearch, ChannelAssistant:
		return Channel(s), true
	}
	return "", false
}

// Status classifies the outcome of decoding one inbound frame.
// Decoding never panics or returns a bare error to the caller: every frame
// maps to exactly one of these.
type Status int

const (
	StatusValid Status = iota
	StatusParseError
	StatusLegacyRejected
	StatusInvalidFormat
)

// Result is the typed outcome of Decode.
type Result struct {
	Status Status

	// Msg is the decoded message. Set only when Status is StatusValid.
	Msg Inbound

	// LegacyUsed is true when a deprecated shape was normalized into the
	// canonical envelope. The caller decides whether to warn.
	LegacyUsed bool

	// LegacyShape names the deprecated field that matched, for logging.
	LegacyShape string

	// MissingRequestID is true when an invalid_format frame looked like a
	// subscribe missing its request id, so the caller can return the precise
	// MISSING_REQUEST_ID guidance.
	MissingRequestID bool

	// Err carries parse detail for StatusParseError. Never surfaced to clients.
	Err error
}

// Inbound is the closed set of client-to-server messages. All code past this
// package operates on these types, never on raw maps.
type Inbound interface {
	inbound()
}

// Subscribe requests delivery of events for one request id on one channel.
type Subscribe struct {
	Channel   Channel
	RequestID string
	SessionID string
}

// Unsubscribe removes an active subscription.
type Unsubscribe struct {
	Channel   Channel
	RequestID string
}

// ClientEvent is a generic client-originated event relayed to the backend.
type ClientEvent struct {
	Channel   Channel
	RequestID string
	SessionID string
}

// ActionClicked reports a click on a server-suggested action.
type ActionClicked struct {
	RequestID string
	ActionID  string
}

// UIStateChanged reports a client UI state transition.
type UIStateChanged struct {
	RequestID string
	State     json.RawMessage
}

// LoadMore requests additional results past the current offset.
type LoadMore struct {
	RequestID  string
	NewOffset  int
	TotalShown int
}

// RevealLimitReached reports that the client hit its reveal budget.
type RevealLimitReached struct {
	RequestID  string
	UILanguage string
}

func (Subscribe) inbound()          {}
func (Unsubscribe) inbound()        {}
func (ClientEvent) inbound()        {}
func (ActionClicked) inbound()      {}
func (UIStateChanged) inbound()     {}
func (LoadMore) inbound()           {}
func (RevealLimitReached) inbound() {}

// rawEnvelope covers every field any supported shape may carry, including the
// three deprecated request-id placements.
type rawEnvelope struct {
	V         *int    `json:"v"`
	Type      string  `json:"type"`
	Channel   *string `json:"channel"`
	RequestID string  `json:"requestId"`
	SessionID string  `json:"sessionId"`

	// Deprecated request-id shapes.
	ReqID   string `json:"reqId"`
	Payload *struct {
		RequestID string `json:"requestId"`
	} `json:"payload"`
	Data *struct {
		RequestID string `json:"requestId"`
	} `json:"data"`

	// Auxiliary message fields.
	ActionID   string          `json:"actionId"`
	State      json.RawMessage `json:"state"`
	NewOffset  *int            `json:"newOffset"`
	TotalShown *int            `json:"totalShown"`
	UILanguage string          `json:"uiLanguage"`
}

// Decode parses and validates one inbound frame. Validation is structural and
// strict; deprecated request-id shapes are rewritten into the canonical
// requestId field when legacyEnabled, and rejected otherwise.
func Decode(data []byte, legacyEnabled bool) Result {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Structurally a JSON object, but a field has the wrong type.
			return Result{Status: StatusInvalidFormat, Err: err}
		}
		return Result{Status: StatusParseError, Err: err}
	}

	if raw.Type == "" {
		return Result{Status: StatusInvalidFormat}
	}
	if raw.V != nil && *raw.V != 1 {
		return Result{Status: StatusInvalidFormat}
	}

	res := Result{Status: StatusValid}

	// Normalize the deprecated request-id placements into the canonical field.
	if raw.RequestID == "" {
		switch {
		case raw.Payload != nil && raw.Payload.RequestID != "":
			res.LegacyUsed, res.LegacyShape = true, "payload.requestId"
			raw.RequestID = raw.Payload.RequestID
		case raw.Data != nil && raw.Data.RequestID != "":
			res.LegacyUsed, res.LegacyShape = true, "data.requestId"
			raw.RequestID = raw.Data.RequestID
		case raw.ReqID != "":
			res.LegacyUsed, res.LegacyShape = true, "reqId"
			raw.RequestID = raw.ReqID
		}
		if res.LegacyUsed && !legacyEnabled {
			return Result{Status: StatusLegacyRejected, LegacyShape: res.LegacyShape}
		}
	}

	// Channel defaults to search when absent (legacy subscribe shape); a
	// present but unknown value is a hard reject.
	channel := ChannelSearch
	if raw.Channel != nil {
		parsed, ok := ParseChannel(*raw.Channel)
		if !ok {
			return Result{Status: StatusInvalidFormat}
		}
		channel = parsed
	}

	switch raw.Type {
	case "subscribe":
		if raw.RequestID == "" {
			return Result{Status: StatusInvalidFormat, MissingRequestID: true}
		}
		res.Msg = Subscribe{Channel: channel, RequestID: raw.RequestID, SessionID: raw.SessionID}

	case "unsubscribe":
		if raw.RequestID == "" {
			return Result{Status: StatusInvalidFormat}
		}
		res.Msg = Unsubscribe{Channel: channel, RequestID: raw.RequestID}

	case "event":
		if raw.RequestID == "" {
			return Result{Status: StatusInvalidFormat}
		}
		res.Msg = ClientEvent{Channel: channel, RequestID: raw.RequestID, SessionID: raw.SessionID}

	case "action_clicked":
		if raw.RequestID == "" || raw.ActionID == "" {
			return Result{Status: StatusInvalidFormat}
		}
		res.Msg = ActionClicked{RequestID: raw.RequestID, ActionID: raw.ActionID}

	case "ui_state_changed":
		if raw.RequestID == "" || len(raw.State) == 0 {
			return Result{Status: StatusInvalidFormat}
		}
		res.Msg = UIStateChanged{RequestID: raw.RequestID, State: raw.State}

	case "load_more":
		if raw.RequestID == "" || raw.NewOffset == nil || raw.TotalShown == nil {
			return Result{Status: StatusInvalidFormat}
		}
		res.Msg = LoadMore{RequestID: raw.RequestID, NewOffset: *raw.NewOffset, TotalShown: *raw.TotalShown}

	case "reveal_limit_reached":
		if raw.RequestID == "" || raw.UILanguage == "" {
			return Result{Status: StatusInvalidFormat}
		}
		res.Msg = RevealLimitReached{RequestID: raw.RequestID, UILanguage: raw.UILanguage}

	default:
		return Result{Status: StatusInvalidFormat}
	}

	return res
}
