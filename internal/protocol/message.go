package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode wraps an event in an envelope and returns the JSON frame.
func Encode(ev Event) ([]byte, error) {
	msg, err := NewMessage(ev.EventType(), ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Server → Client message types.
const (
	TypeServerStatus   = "server_status"
	TypeConsoleOutput  = "console_output"
	TypeConsoleHistory = "console_history"
	TypePlayerJoin     = "player_join"
	TypePlayerLeave    = "player_leave"
	TypePlayerList     = "player_list"
	TypeTPSUpdate      = "tps_update"
	TypeCommandResult  = "command_result"
	TypeForceLogout    = "force_logout"
	TypePong           = "pong"
	TypeError          = "error"
)

// Client → Server message types.
const (
	TypeAuth       = "auth"
	TypeCommand    = "command"
	TypeGetStatus  = "get_status"
	TypeGetConsole = "get_console"
	TypePing       = "ping"
)

// Error codes.
const (
	ErrInvalidMessage        = "INVALID_MESSAGE"
	ErrAlreadyRunning        = "ALREADY_RUNNING"
	ErrNotRunning            = "NOT_RUNNING"
	ErrLaunchArtifactMissing = "LAUNCH_ARTIFACT_MISSING"
	ErrSpawnFailed           = "SPAWN_FAILED"
	ErrCommandWriteFailed    = "COMMAND_WRITE_FAILED"
	ErrInvalidCommand        = "INVALID_COMMAND"
	ErrRestartTimeout        = "RESTART_TIMEOUT"
	ErrRateLimited           = "RATE_LIMITED"
	ErrUnavailable           = "UNAVAILABLE"
	ErrInternal              = "INTERNAL"
)

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type AuthPayload struct {
	Username string `json:"username"`
}

type CommandPayload struct {
	Command string `json:"command"`
}

type GetConsolePayload struct {
	Limit int `json:"limit"`
}
