package protocol

import (
	"testing"
)

func TestDecodeCanonicalSubscribe(t *testing.T) {
	data := []byte(`{"v":1,"type":"subscribe","channel":"search","requestId":"req-1","sessionId":"sess-1"}`)

	res := Decode(data, true)
	if res.Status != StatusValid {
		t.Fatalf("expected valid, got status %d (err %v)", res.Status, res.Err)
	}
	sub, ok := res.Msg.(Subscribe)
	if !ok {
		t.Fatalf("expected Subscribe, got %T", res.Msg)
	}
	if sub.Channel != ChannelSearch || sub.RequestID != "req-1" || sub.SessionID != "sess-1" {
		t.Errorf("unexpected subscribe fields: %+v", sub)
	}
	if res.LegacyUsed {
		t.Error("canonical envelope flagged as legacy")
	}
}

func TestDecodeLegacyShapes(t *testing.T) {
	cases := []struct {
		name  string
		data  string
		shape string
	}{
		{"reqId", `{"type":"subscribe","reqId":"abc"}`, "reqId"},
		{"payload", `{"type":"subscribe","payload":{"requestId":"abc"}}`, "payload.requestId"},
		{"data", `{"type":"subscribe","data":{"requestId":"abc"}}`, "data.requestId"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Decode([]byte(tc.data), true)
			if res.Status != StatusValid {
				t.Fatalf("expected valid, got %d", res.Status)
			}
			if !res.LegacyUsed || res.LegacyShape != tc.shape {
				t.Errorf("expected legacy shape %q, got %q (used=%v)", tc.shape, res.LegacyShape, res.LegacyUsed)
			}
			sub := res.Msg.(Subscribe)
			if sub.RequestID != "abc" {
				t.Errorf("expected normalized requestId 'abc', got %q", sub.RequestID)
			}
			// Legacy subscribe without channel defaults to search.
			if sub.Channel != ChannelSearch {
				t.Errorf("expected default channel search, got %q", sub.Channel)
			}
		})
	}
}

func TestDecodeLegacyRejectedWhenDisabled(t *testing.T) {
	res := Decode([]byte(`{"type":"subscribe","reqId":"abc"}`), false)
	if res.Status != StatusLegacyRejected {
		t.Fatalf("expected legacy_rejected, got %d", res.Status)
	}
	if res.LegacyShape != "reqId" {
		t.Errorf("expected shape reqId, got %q", res.LegacyShape)
	}
}

func TestDecodeCanonicalStillAcceptedWhenLegacyDisabled(t *testing.T) {
	data := []byte(`{"v":1,"type":"subscribe","channel":"assistant","requestId":"req-9"}`)
	res := Decode(data, false)
	if res.Status != StatusValid {
		t.Fatalf("expected valid, got %d", res.Status)
	}
	if res.Msg.(Subscribe).Channel != ChannelAssistant {
		t.Error("channel not preserved")
	}
}

func TestDecodeSubscribeMissingRequestID(t *testing.T) {
	res := Decode([]byte(`{"type":"subscribe","channel":"search"}`), true)
	if res.Status != StatusInvalidFormat {
		t.Fatalf("expected invalid_format, got %d", res.Status)
	}
	if !res.MissingRequestID {
		t.Error("expected MissingRequestID tag")
	}
}

func TestDecodeUnknownChannel(t *testing.T) {
	res := Decode([]byte(`{"type":"subscribe","channel":"video","requestId":"r"}`), true)
	if res.Status != StatusInvalidFormat {
		t.Fatalf("expected invalid_format, got %d", res.Status)
	}
	if res.MissingRequestID {
		t.Error("unknown channel must not carry MissingRequestID tag")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	res := Decode([]byte(`{"type":"teleport","requestId":"r"}`), true)
	if res.Status != StatusInvalidFormat {
		t.Fatalf("expected invalid_format, got %d", res.Status)
	}
}

func TestDecodeWrongFieldType(t *testing.T) {
	res := Decode([]byte(`{"type":"subscribe","requestId":42}`), true)
	if res.Status != StatusInvalidFormat {
		t.Fatalf("expected invalid_format for wrong field type, got %d", res.Status)
	}
}

func TestDecodeParseError(t *testing.T) {
	res := Decode([]byte(`{not json`), true)
	if res.Status != StatusParseError {
		t.Fatalf("expected parse_error, got %d", res.Status)
	}
	if res.Err == nil {
		t.Error("parse_error should carry detail")
	}
}

func TestDecodeWrongVersion(t *testing.T) {
	res := Decode([]byte(`{"v":2,"type":"subscribe","requestId":"r"}`), true)
	if res.Status != StatusInvalidFormat {
		t.Fatalf("expected invalid_format for v!=1, got %d", res.Status)
	}
}

func TestDecodeAuxMessages(t *testing.T) {
	res := Decode([]byte(`{"type":"action_clicked","requestId":"r","actionId":"a"}`), true)
	if res.Status != StatusValid {
		t.Fatalf("action_clicked: expected valid, got %d", res.Status)
	}
	if ac := res.Msg.(ActionClicked); ac.ActionID != "a" {
		t.Errorf("unexpected actionId %q", ac.ActionID)
	}

	res = Decode([]byte(`{"type":"action_clicked","requestId":"r"}`), true)
	if res.Status != StatusInvalidFormat {
		t.Error("action_clicked without actionId should be invalid")
	}

	res = Decode([]byte(`{"type":"ui_state_changed","requestId":"r","state":{"tab":"all"}}`), true)
	if res.Status != StatusValid {
		t.Fatalf("ui_state_changed: expected valid, got %d", res.Status)
	}

	res = Decode([]byte(`{"type":"load_more","requestId":"r","newOffset":20,"totalShown":20}`), true)
	if res.Status != StatusValid {
		t.Fatalf("load_more: expected valid, got %d", res.Status)
	}
	lm := res.Msg.(LoadMore)
	if lm.NewOffset != 20 || lm.TotalShown != 20 {
		t.Errorf("unexpected load_more fields: %+v", lm)
	}

	res = Decode([]byte(`{"type":"load_more","requestId":"r","newOffset":20}`), true)
	if res.Status != StatusInvalidFormat {
		t.Error("load_more without totalShown should be invalid")
	}

	res = Decode([]byte(`{"type":"reveal_limit_reached","requestId":"r","uiLanguage":"de"}`), true)
	if res.Status != StatusValid {
		t.Fatalf("reveal_limit_reached: expected valid, got %d", res.Status)
	}
}

func TestDecodeUnsubscribe(t *testing.T) {
	res := Decode([]byte(`{"v":1,"type":"unsubscribe","channel":"assistant","requestId":"req-2"}`), true)
	if res.Status != StatusValid {
		t.Fatalf("expected valid, got %d", res.Status)
	}
	un := res.Msg.(Unsubscribe)
	if un.Channel != ChannelAssistant || un.RequestID != "req-2" {
		t.Errorf("unexpected unsubscribe fields: %+v", un)
	}

	res = Decode([]byte(`{"type":"unsubscribe","channel":"assistant"}`), true)
	if res.Status != StatusInvalidFormat {
		t.Error("unsubscribe without requestId should be invalid")
	}
	if res.MissingRequestID {
		t.Error("MissingRequestID tag is reserved for subscribe frames")
	}
}
