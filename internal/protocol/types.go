// Package protocol defines the JSON envelope exchanged with the control
// plane over the WebSocket connection, and the payload shape of each
// envelope type.
package protocol

import "encoding/json"

// Envelope types.
const (
	TypeEvent         = "event"
	TypeCommand       = "command"
	TypeAck           = "ack"
	TypeError         = "error"
	TypeCommandResult = "command_result"
)

// Command actions accepted from the control plane.
const (
	ActionSendText       = "send_text"
	ActionSendFiles      = "send_files"
	ActionChatWith       = "chat_with"
	ActionAddListener    = "add_listener"
	ActionRemoveListener = "remove_listener"
	ActionStartListening = "start_listening"
	ActionStopListening  = "stop_listening"
	ActionQuote          = "quote"
	ActionForward        = "forward"
)

// Terminal statuses carried by command_result.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
)

// Error codes used in error and command_result envelopes.
const (
	CodeInvalidParams = "INVALID_PARAMS"
	CodeExecError     = "RPA_EXEC_ERROR"
	CodeTimeout       = "RPA_TIMEOUT"
)

// Envelope is the top-level message on the wire. Payload is kept raw so a
// decoded envelope can be routed by Type before its payload is touched.
type Envelope struct {
	Type      string          `json:"type"`
	TraceID   string          `json:"traceId"`
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventPayload is the payload of an "event" envelope.
type EventPayload struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventData is the data block of a wechat_message event.
type EventData struct {
	MessageID string          `json:"messageId"`
	From      string          `json:"from"`
	ChatID    string          `json:"chatId"`
	MsgType   string          `json:"msgType"`
	Content   string          `json:"content"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// CommandPayload is the payload of a "command" envelope. Params stays raw;
// its shape depends on Action and is validated by the dispatcher.
type CommandPayload struct {
	CommandID string          `json:"commandId"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// AckPayload acknowledges receipt of a specific command.
type AckPayload struct {
	ForType string `json:"forType"`
	ForID   string `json:"forId"`
}

// ErrorPayload reports rejection of a specific command without execution.
type ErrorPayload struct {
	ForType string `json:"forType"`
	ForID   string `json:"forId"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ResultError carries the failure detail inside a command_result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// CommandResultPayload is the terminal outcome of a command.
type CommandResultPayload struct {
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ResultError    `json:"error,omitempty"`
}

// KnownType reports whether t is one of the five envelope types.
func KnownType(t string) bool {
	switch t {
	case TypeEvent, TypeCommand, TypeAck, TypeError, TypeCommandResult:
		return true
	}
	return false
}

// KnownAction reports whether a is in the closed command action set.
func KnownAction(a string) bool {
	switch a {
	case ActionSendText, ActionSendFiles, ActionChatWith,
		ActionAddListener, ActionRemoveListener,
		ActionStartListening, ActionStopListening,
		ActionQuote, ActionForward:
		return true
	}
	return false
}
