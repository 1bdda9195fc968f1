package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the envelope schema version. Envelopes with any other
// version are rejected with an error envelope.
const ProtocolVersion = 1

// WebSocket close codes.
const (
	// CloseInvalidToken is sent when the handshake token is missing,
	// malformed, or expired. The client is never registered.
	CloseInvalidToken = 4401
)

// Client → server message types.
const (
	MsgPing        = "ping"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgSendMessage = "send_message"
)

// Server → client message types.
const (
	MsgPong           = "pong"
	MsgSubscribeAck   = "subscribe_ack"
	MsgSubscribeError = "subscribe_error"
	MsgError          = "error"
)

// Envelope is the uniform wrapper for every WebSocket message, both
// directions. Unknown fields are ignored on decode.
type Envelope struct {
	V     int             `json:"v"`
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	ReqID string          `json:"req_id,omitempty"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New builds an outbound envelope, marshalling data into the Data field.
// A nil data leaves Data empty.
func New(msgType, topic string, data any) Envelope {
	env := Envelope{
		V:     ProtocolVersion,
		Type:  msgType,
		Topic: topic,
		TS:    time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			env.Data = raw
		}
	}
	return env
}

// SubscribePayload is the data of subscribe / unsubscribe messages.
type SubscribePayload struct {
	Topics []string `json:"topics"`
}

// SubscribeAckPayload acknowledges one topic subscription.
type SubscribeAckPayload struct {
	MessageID string   `json:"message_id"`
	Topics    []string `json:"topics"`
}

// SubscribeErrorPayload reports a failed topic subscription.
type SubscribeErrorPayload struct {
	MessageID string   `json:"message_id"`
	Topics    []string `json:"topics"`
	Error     string   `json:"error"`
}

// SendMessagePayload is the data of a send_message request.
type SendMessagePayload struct {
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

// PongPayload is the data of a pong reply.
type PongPayload struct {
	TS int64 `json:"ts"`
}

// ErrorPayload is the data of an error envelope.
type ErrorPayload struct {
	Error string `json:"error"`
}
