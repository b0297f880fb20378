package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeAuth:       true,
	TypeCommand:    true,
	TypeGetStatus:  true,
	TypeGetConsole: true,
	TypePing:       true,
}

// payloadOptional lists the client types that carry no required fields.
var payloadOptional = map[string]bool{
	TypeGetStatus:  true,
	TypeGetConsole: true,
	TypePing:       true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		if !payloadOptional[msg.Type] {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		msg.Payload = json.RawMessage("{}")
	}

	switch msg.Type {
	case TypeAuth:
		var p AuthPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Username == "" {
			return nil, fmt.Errorf("missing required field 'username' in %s payload", msg.Type)
		}

	case TypeCommand:
		var p CommandPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if strings.TrimSpace(p.Command) == "" {
			return nil, fmt.Errorf("missing required field 'command' in %s payload", msg.Type)
		}

	case TypeGetConsole:
		var p GetConsolePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Limit < 0 {
			return nil, fmt.Errorf("field 'limit' must not be negative in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
