// Package protocol defines the wire framing shared by the relay and the
// client channel: a compact binary envelope around a JSON payload, with a
// plain-JSON fallback for debugging clients.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TypeCode is the binary message type code. Codes must match on both ends of
// the channel.
type TypeCode byte

const (
	AUTH           TypeCode = 0x01
	AUTH_SUCCESS   TypeCode = 0x02
	AUTH_ERROR     TypeCode = 0x03
	SUBSCRIBE      TypeCode = 0x10
	UNSUBSCRIBE    TypeCode = 0x11
	SYNC_RESPONSE  TypeCode = 0x13
	DELTA          TypeCode = 0x20
	ACK            TypeCode = 0x21
	PING           TypeCode = 0x30
	PONG           TypeCode = 0x31
	CURSOR         TypeCode = 0x40
	PRESENCE_SYNC  TypeCode = 0x41
	PRESENCE_JOIN  TypeCode = 0x42
	PRESENCE_LEAVE TypeCode = 0x43
	ERROR          TypeCode = 0xFF
)

// String message type names used in JSON payloads.
const (
	TypePing = "ping"
	TypePong = "pong"

	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"

	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSyncResponse = "sync_response"
	TypeDelta        = "delta"
	TypeAck          = "ack"

	TypeCursor        = "cursor"
	TypePresenceSync  = "presence_sync"
	TypePresenceJoin  = "presence_join"
	TypePresenceLeave = "presence_leave"

	TypeError = "error"
)

var typeCodeToName = map[TypeCode]string{
	AUTH:           TypeAuth,
	AUTH_SUCCESS:   TypeAuthSuccess,
	AUTH_ERROR:     TypeAuthError,
	SUBSCRIBE:      TypeSubscribe,
	UNSUBSCRIBE:    TypeUnsubscribe,
	SYNC_RESPONSE:  TypeSyncResponse,
	DELTA:          TypeDelta,
	ACK:            TypeAck,
	PING:           TypePing,
	PONG:           TypePong,
	CURSOR:         TypeCursor,
	PRESENCE_SYNC:  TypePresenceSync,
	PRESENCE_JOIN:  TypePresenceJoin,
	PRESENCE_LEAVE: TypePresenceLeave,
	ERROR:          TypeError,
}

var typeNameToCode = map[string]TypeCode{}

func init() {
	for code, name := range typeCodeToName {
		typeNameToCode[name] = code
	}
}

// Message is one decoded channel message.
type Message struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"-"`
}

// Encode encodes a message to the binary frame:
//
//	[type:1][timestamp:8][payload_len:4][payload:JSON]
func Encode(messageType string, payload map[string]interface{}, timestamp int64) ([]byte, error) {
	typeCode, ok := typeNameToCode[messageType]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", messageType)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	buf := make([]byte, 13+len(payloadJSON))
	buf[0] = byte(typeCode)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payloadJSON)))
	copy(buf[13:], payloadJSON)
	return buf, nil
}

// Decode decodes either a binary frame or a bare JSON object.
func Decode(data []byte) (*Message, error) {
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}

		msg := &Message{Payload: payload}
		if t, ok := payload["type"].(string); ok {
			msg.Type = t
		}
		if id, ok := payload["id"].(string); ok {
			msg.ID = id
		}
		if ts, ok := payload["timestamp"].(float64); ok {
			msg.Timestamp = int64(ts)
		}
		return msg, nil
	}

	if len(data) < 13 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	typeCode := TypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	// 13+payloadLen can wrap in uint32; compare against the remaining bytes
	// instead so a huge declared length cannot pass the check.
	if payloadLen > uint32(len(data))-13 {
		return nil, fmt.Errorf("incomplete frame: declared payload %d bytes, got %d", payloadLen, len(data)-13)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data[13:13+payloadLen], &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	typeName, ok := typeCodeToName[typeCode]
	if !ok {
		return nil, fmt.Errorf("unknown type code 0x%02X", data[0])
	}

	msg := &Message{
		Type:      typeName,
		Timestamp: timestamp,
		Payload:   payload,
	}
	if id, ok := payload["id"].(string); ok {
		msg.ID = id
	}
	return msg, nil
}

// Field returns a payload field as a string, or "" when absent.
func (m *Message) Field(name string) string {
	v, _ := m.Payload[name].(string)
	return v
}

// IntField returns a payload field as an int. JSON numbers decode as float64.
func (m *Message) IntField(name string) (int, bool) {
	v, ok := m.Payload[name].(float64)
	return int(v), ok
}

// UintField returns a payload field as a uint64.
func (m *Message) UintField(name string) (uint64, bool) {
	v, ok := m.Payload[name].(float64)
	if !ok || v < 0 {
		return 0, false
	}
	return uint64(v), true
}
