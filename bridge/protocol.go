// Package bridge speaks to a companion radio through a JSON-over-WebSocket
// bridge process. It implements mesh.Client and mesh.RoomSessions and keeps a
// mesh.MemoryDirectory in step with every contact list it fetches.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultDialTimeout bounds the WebSocket handshake.
	DefaultDialTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds a request when the caller's context has no deadline.
	DefaultRequestTimeout = 30 * time.Second
	// MaxFrameSize is the largest accepted frame (1 MB).
	MaxFrameSize = 1 << 20

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultEventBuffer = 128
)

// Frame types.
const (
	TypeEvent    = "event"
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Bridge commands.
const (
	CommandGetContacts = "get_contacts"
	CommandSendMessage = "send_msg"
	CommandSendChannel = "send_chan_msg"
	CommandSendAdvert  = "send_advert"
	CommandSendLogin   = "send_login"
)

var (
	// ErrClosed is returned by requests on a closed client.
	ErrClosed = errors.New("bridge: connection closed")
	// ErrInvalidFrame indicates a frame that is not JSON or has no type.
	ErrInvalidFrame = errors.New("bridge: invalid frame")
)

// EventFrame carries one device event.
type EventFrame struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RequestFrame asks the bridge to run a device command.
type RequestFrame struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// ResponseFrame answers the request with the same ID.
type ResponseFrame struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// CommandError is a command failure reported by the bridge.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("bridge: %s failed: %s", e.Command, e.Message)
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeFrameType returns the type field of a raw frame.
func DecodeFrameType(payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return env.Type, nil
}
