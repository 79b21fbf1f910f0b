package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolError marks a frame that could not be decoded or failed envelope
// validation. Such frames are unaddressable (the correlation keys may be
// unparsable), so callers drop them without replying.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire frame. It returns a *ProtocolError
// when the frame is malformed, its type is unknown, or a mandatory payload
// field of that type is missing.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "unparsable frame", Err: err}
	}
	if !KnownType(env.Type) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown envelope type %q", env.Type)}
	}
	if err := validatePayload(env.Type, env.Payload); err != nil {
		return nil, err
	}
	return &env, nil
}

func validatePayload(typ string, raw json.RawMessage) error {
	switch typ {
	case TypeEvent:
		var p EventPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return &ProtocolError{Reason: "malformed event payload", Err: err}
		}
		if p.EventType == "" {
			return &ProtocolError{Reason: "event payload missing eventType"}
		}
	case TypeCommand:
		var p CommandPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return &ProtocolError{Reason: "malformed command payload", Err: err}
		}
		// The commandId anchors every reply; without it there is nothing
		// to address an error to. Action validity is the dispatcher's
		// concern so that unknown actions get an addressable error reply.
		if p.CommandID == "" {
			return &ProtocolError{Reason: "command payload missing commandId"}
		}
	case TypeAck:
		var p AckPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return &ProtocolError{Reason: "malformed ack payload", Err: err}
		}
		if p.ForType == "" || p.ForID == "" {
			return &ProtocolError{Reason: "ack payload missing forType/forId"}
		}
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return &ProtocolError{Reason: "malformed error payload", Err: err}
		}
		if p.ForType == "" || p.ForID == "" || p.Code == "" {
			return &ProtocolError{Reason: "error payload missing forType/forId/code"}
		}
	case TypeCommandResult:
		var p CommandResultPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return &ProtocolError{Reason: "malformed command_result payload", Err: err}
		}
		if p.CommandID == "" {
			return &ProtocolError{Reason: "command_result payload missing commandId"}
		}
		switch p.Status {
		case StatusSuccess, StatusFailed, StatusTimeout, StatusRejected:
		default:
			return &ProtocolError{Reason: fmt.Sprintf("command_result unknown status %q", p.Status)}
		}
	}
	return nil
}

// Command decodes the payload of a command envelope.
func (e *Envelope) Command() (*CommandPayload, error) {
	if e.Type != TypeCommand {
		return nil, fmt.Errorf("envelope type is %q, not command", e.Type)
	}
	var p CommandPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, &ProtocolError{Reason: "malformed command payload", Err: err}
	}
	return &p, nil
}

// Event decodes the payload of an event envelope.
func (e *Envelope) Event() (*EventPayload, error) {
	if e.Type != TypeEvent {
		return nil, fmt.Errorf("envelope type is %q, not event", e.Type)
	}
	var p EventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, &ProtocolError{Reason: "malformed event payload", Err: err}
	}
	return &p, nil
}

// Ack decodes the payload of an ack envelope.
func (e *Envelope) Ack() (*AckPayload, error) {
	if e.Type != TypeAck {
		return nil, fmt.Errorf("envelope type is %q, not ack", e.Type)
	}
	var p AckPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, &ProtocolError{Reason: "malformed ack payload", Err: err}
	}
	return &p, nil
}

// ErrorInfo decodes the payload of an error envelope.
func (e *Envelope) ErrorInfo() (*ErrorPayload, error) {
	if e.Type != TypeError {
		return nil, fmt.Errorf("envelope type is %q, not error", e.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, &ProtocolError{Reason: "malformed error payload", Err: err}
	}
	return &p, nil
}

// CommandResult decodes the payload of a command_result envelope.
func (e *Envelope) CommandResult() (*CommandResultPayload, error) {
	if e.Type != TypeCommandResult {
		return nil, fmt.Errorf("envelope type is %q, not command_result", e.Type)
	}
	var p CommandResultPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, &ProtocolError{Reason: "malformed command_result payload", Err: err}
	}
	return &p, nil
}

// NewEvent builds an outbound event envelope. An empty traceID gets a fresh
// uuid.
func NewEvent(deviceID, traceID, eventType string, data any) *Envelope {
	return newEnvelope(TypeEvent, deviceID, traceID, EventPayload{
		EventType: eventType,
		Data:      mustJSON(data),
	})
}

// NewAck builds an ack envelope addressed to forType/forID.
func NewAck(deviceID, traceID, forType, forID string) *Envelope {
	return newEnvelope(TypeAck, deviceID, traceID, AckPayload{
		ForType: forType,
		ForID:   forID,
	})
}

// NewError builds an error envelope addressed to forType/forID.
func NewError(deviceID, traceID, forType, forID, code, message string) *Envelope {
	return newEnvelope(TypeError, deviceID, traceID, ErrorPayload{
		ForType: forType,
		ForID:   forID,
		Code:    code,
		Message: message,
	})
}

// NewCommandResult builds the terminal command_result envelope for commandID.
func NewCommandResult(deviceID, traceID, commandID, status string, result any, resErr *ResultError) *Envelope {
	p := CommandResultPayload{
		CommandID: commandID,
		Status:    status,
		Error:     resErr,
	}
	if result != nil {
		p.Result = mustJSON(result)
	} else {
		p.Result = json.RawMessage(`{}`)
	}
	return newEnvelope(TypeCommandResult, deviceID, traceID, p)
}

func newEnvelope(typ, deviceID, traceID string, payload any) *Envelope {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Envelope{
		Type:      typ,
		TraceID:   traceID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(payload),
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
