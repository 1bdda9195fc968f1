package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UnixMilli()
	env := New(MsgSubscribeAck, "agent:123", SubscribeAckPayload{MessageID: "m1", Topics: []string{"agent:123"}})
	after := time.Now().UnixMilli()

	if env.V != ProtocolVersion {
		t.Errorf("V = %d, want %d", env.V, ProtocolVersion)
	}
	if env.Type != MsgSubscribeAck {
		t.Errorf("Type = %q", env.Type)
	}
	if env.TS < before || env.TS > after {
		t.Errorf("TS = %d not in [%d, %d]", env.TS, before, after)
	}

	var p SubscribeAckPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.MessageID != "m1" || len(p.Topics) != 1 {
		t.Errorf("payload = %+v", p)
	}
}

func TestEnvelopeDecodeIgnoresUnknownFields(t *testing.T) {
	raw := `{"v":1,"type":"ping","ts":123,"future_field":true}`
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatal(err)
	}
	if env.V != 1 || env.Type != "ping" || env.TS != 123 {
		t.Errorf("decoded = %+v", env)
	}
}

func TestNewEnvelopeNilData(t *testing.T) {
	env := New(MsgPong, "", nil)
	if len(env.Data) != 0 {
		t.Errorf("Data = %q, want empty", env.Data)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, present := decoded["data"]; present {
		t.Error("empty data should be omitted from the wire form")
	}
}
