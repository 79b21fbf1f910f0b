package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	envelopes := []*Envelope{
		NewEvent("wxrpa-001", "trace-1", "wechat_message", EventData{
			MessageID: "m1",
			From:      "张三",
			ChatID:    "张三",
			MsgType:   "text",
			Content:   "你好",
		}),
		NewAck("wxrpa-001", "trace-2", "command", "cmd-1"),
		NewError("wxrpa-001", "trace-3", "command", "cmd-2", CodeInvalidParams, "missing text"),
		NewCommandResult("wxrpa-001", "trace-4", "cmd-3", StatusSuccess, map[string]any{"message": "ok"}, nil),
		NewCommandResult("wxrpa-001", "trace-5", "cmd-4", StatusFailed, nil, &ResultError{Code: CodeExecError, Message: "boom"}),
	}

	for _, env := range envelopes {
		frame, err := env.Encode()
		require.NoError(t, err)

		got, err := Decode(frame)
		require.NoError(t, err, "frame: %s", frame)
		assert.Equal(t, env.Type, got.Type)
		assert.Equal(t, env.TraceID, got.TraceID)
		assert.Equal(t, env.DeviceID, got.DeviceID)
		assert.Equal(t, env.Timestamp, got.Timestamp)
		assert.JSONEq(t, string(env.Payload), string(got.Payload))
	}
}

func TestDecodeCommand(t *testing.T) {
	frame := []byte(`{
		"type": "command",
		"traceId": "t-1",
		"deviceId": "srv-1",
		"timestamp": 1739420800123,
		"payload": {
			"commandId": "c-1",
			"action": "send_text",
			"params": {"to": "张三", "text": "你好"},
			"timeoutMs": 8000
		}
	}`)

	env, err := Decode(frame)
	require.NoError(t, err)

	cmd, err := env.Command()
	require.NoError(t, err)
	assert.Equal(t, "c-1", cmd.CommandID)
	assert.Equal(t, ActionSendText, cmd.Action)
	assert.Equal(t, int64(8000), cmd.TimeoutMs)

	var params map[string]any
	require.NoError(t, json.Unmarshal(cmd.Params, &params))
	assert.Equal(t, "张三", params["to"])
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"register","traceId":"t","deviceId":"d","timestamp":1,"payload":{}}`},
		{"empty type", `{"traceId":"t","deviceId":"d","timestamp":1}`},
		{"command without commandId", `{"type":"command","traceId":"t","deviceId":"d","timestamp":1,"payload":{"action":"send_text"}}`},
		{"command with non-string action", `{"type":"command","traceId":"t","deviceId":"d","timestamp":1,"payload":{"commandId":"c","action":7}}`},
		{"event without eventType", `{"type":"event","traceId":"t","deviceId":"d","timestamp":1,"payload":{"data":{}}}`},
		{"ack without forId", `{"type":"ack","traceId":"t","deviceId":"d","timestamp":1,"payload":{"forType":"command"}}`},
		{"error without code", `{"type":"error","traceId":"t","deviceId":"d","timestamp":1,"payload":{"forType":"command","forId":"c"}}`},
		{"result with unknown status", `{"type":"command_result","traceId":"t","deviceId":"d","timestamp":1,"payload":{"commandId":"c","status":"done"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			require.Error(t, err)
			var perr *ProtocolError
			assert.True(t, errors.As(err, &perr), "want *ProtocolError, got %T", err)
		})
	}
}

func TestUnknownActionDecodes(t *testing.T) {
	// Unknown actions must survive decode so the dispatcher can address an
	// error reply to the commandId.
	frame := []byte(`{"type":"command","traceId":"t","deviceId":"d","timestamp":1,"payload":{"commandId":"c-9","action":"bogus_action"}}`)
	env, err := Decode(frame)
	require.NoError(t, err)
	cmd, err := env.Command()
	require.NoError(t, err)
	assert.False(t, KnownAction(cmd.Action))
}

func TestConstructorsStampIdentity(t *testing.T) {
	env := NewAck("wxrpa-007", "", "command", "c-1")
	assert.Equal(t, TypeAck, env.Type)
	assert.Equal(t, "wxrpa-007", env.DeviceID)
	assert.NotEmpty(t, env.TraceID, "empty traceId must be replaced with a generated one")
	assert.Greater(t, env.Timestamp, int64(0))

	// A caller-supplied traceId is preserved for log correlation.
	env = NewError("wxrpa-007", "trace-abc", "command", "c-1", CodeInvalidParams, "bad")
	assert.Equal(t, "trace-abc", env.TraceID)
}
