// Package pipebus is the inter-process message bus: line-delimited JSON
// frames over a duplex byte-stream endpoint. A server process owns the
// endpoint; clients register machine ids, subscribe, and exchange events.
// On this platform the named-pipe endpoint is a unix domain socket.
package pipebus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPipeName is the default inter-process endpoint name.
const DefaultPipeName = "XStateNet.MessageBus"

// MaxFrameBytes bounds one line-delimited frame.
const MaxFrameBytes = 1 << 20

// MessageType tags a frame.
type MessageType string

const (
	TypeRegister   MessageType = "Register"
	TypeUnregister MessageType = "Unregister"
	TypeSubscribe  MessageType = "Subscribe"
	TypeSendEvent  MessageType = "SendEvent"
	TypeResponse   MessageType = "Response"
)

// Frame is one wire message: a type tag plus a payload keyed by type.
type Frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterPayload announces a client-side machine to the server.
type RegisterPayload struct {
	MachineID    string    `json:"MachineId"`
	ProcessName  string    `json:"ProcessName"`
	ProcessID    int       `json:"ProcessId"`
	RegisteredAt time.Time `json:"RegisteredAt"`
}

// UnregisterPayload withdraws a machine registration.
type UnregisterPayload struct {
	MachineID string `json:"MachineId"`
}

// SubscribePayload subscribes the connection to events targeting a machine.
type SubscribePayload struct {
	MachineID string `json:"MachineId"`
}

// EventPayload is the routed event structure.
type EventPayload struct {
	SourceMachineID string    `json:"SourceMachineId"`
	TargetMachineID string    `json:"TargetMachineId"`
	EventName       string    `json:"EventName"`
	Payload         any       `json:"Payload,omitempty"`
	Timestamp       time.Time `json:"Timestamp"`
}

// ResponsePayload is the server's reply to a correlated SendEvent.
type ResponsePayload struct {
	Success bool          `json:"Success"`
	Data    *EventPayload `json:"Data,omitempty"`
	Error   string        `json:"Error,omitempty"`
}

// CorrelationKey is the Payload map key that opts a SendEvent into
// request/reply. Without it, no Response is returned.
const CorrelationKey = "correlationId"

// correlationID extracts the correlation id from an event payload, if any.
func correlationID(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m[CorrelationKey].(string)
	return id
}

// SocketPath maps a pipe name to its unix socket path.
func SocketPath(pipeName string) string {
	if pipeName == "" {
		pipeName = DefaultPipeName
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, pipeName)
	return filepath.Join(os.TempDir(), sanitized+".sock")
}

// encodeFrame renders one LF-terminated frame. Payload marshalling escapes
// embedded newlines, so a well-formed frame never spans lines.
func encodeFrame(msgType MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(Frame{Type: msgType, Payload: raw})
	if err != nil {
		return nil, err
	}
	if bytes.ContainsRune(line, '\n') {
		return nil, fmt.Errorf("frame contains embedded newline")
	}
	if len(line) > MaxFrameBytes {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameBytes)
	}
	return append(line, '\n'), nil
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	err := json.Unmarshal(raw, &out)
	return out, err
}
