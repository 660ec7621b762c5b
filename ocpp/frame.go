package ocpp

import (
	"encoding/json"
	"fmt"
)

// OCPP 1.6 JSON message type tags.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Call is a client- or server-initiated request frame.
type Call struct {
	ID      string
	Action  string
	Payload json.RawMessage
}

// CallResult is the successful response to a Call, matched by correlation id.
type CallResult struct {
	ID      string
	Payload json.RawMessage
}

// CallError is the error response to a Call.
type CallError struct {
	ID          string
	Code        string
	Description string
	Details     json.RawMessage
}

// Frame is the tagged union of the three OCPP-J frame kinds. Exactly one of
// Call, Result or Error is non-nil, selected by Type.
type Frame struct {
	Type   int
	Call   *Call
	Result *CallResult
	Error  *CallError
}

// DecodeFrame parses a positional OCPP-J array into a typed frame. Frames
// with an unknown type tag, wrong arity or malformed elements are rejected.
func DecodeFrame(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("frame has %d elements, need at least 3", len(parts))
	}

	var msgType int
	if err := json.Unmarshal(parts[0], &msgType); err != nil {
		return nil, fmt.Errorf("invalid message type tag: %w", err)
	}

	var id string
	if err := json.Unmarshal(parts[1], &id); err != nil {
		return nil, fmt.Errorf("correlation id is not a string: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("correlation id is empty")
	}

	switch msgType {
	case MessageTypeCall:
		if len(parts) != 4 {
			return nil, fmt.Errorf("Call frame has %d elements, want 4", len(parts))
		}
		var action string
		if err := json.Unmarshal(parts[2], &action); err != nil {
			return nil, fmt.Errorf("Call action is not a string: %w", err)
		}
		if action == "" {
			return nil, fmt.Errorf("Call action is empty")
		}
		return &Frame{
			Type: MessageTypeCall,
			Call: &Call{ID: id, Action: action, Payload: parts[3]},
		}, nil

	case MessageTypeCallResult:
		if len(parts) != 3 {
			return nil, fmt.Errorf("CallResult frame has %d elements, want 3", len(parts))
		}
		return &Frame{
			Type:   MessageTypeCallResult,
			Result: &CallResult{ID: id, Payload: parts[2]},
		}, nil

	case MessageTypeCallError:
		if len(parts) != 5 {
			return nil, fmt.Errorf("CallError frame has %d elements, want 5", len(parts))
		}
		var code, desc string
		if err := json.Unmarshal(parts[2], &code); err != nil {
			return nil, fmt.Errorf("CallError code is not a string: %w", err)
		}
		if err := json.Unmarshal(parts[3], &desc); err != nil {
			return nil, fmt.Errorf("CallError description is not a string: %w", err)
		}
		return &Frame{
			Type:  MessageTypeCallError,
			Error: &CallError{ID: id, Code: code, Description: desc, Details: parts[4]},
		}, nil

	default:
		return nil, fmt.Errorf("unknown message type tag: %d", msgType)
	}
}

// EncodeCall serializes a Call frame to its positional array form.
func EncodeCall(id, action string, payload interface{}) ([]byte, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", action, err)
	}
	return json.Marshal([]interface{}{MessageTypeCall, id, action, raw})
}

// EncodeCallResult serializes a CallResult frame.
func EncodeCallResult(id string, payload interface{}) ([]byte, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result payload: %w", err)
	}
	return json.Marshal([]interface{}{MessageTypeCallResult, id, raw})
}

// EncodeCallError serializes a CallError frame.
func EncodeCallError(id, code, description string, details interface{}) ([]byte, error) {
	raw, err := marshalPayload(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error details: %w", err)
	}
	return json.Marshal([]interface{}{MessageTypeCallError, id, code, description, raw})
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return raw, nil
	}
	return json.Marshal(payload)
}
