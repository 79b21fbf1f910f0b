package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/leitianhua/wxbridge/internal/protocol"
)

// stringList accepts either a JSON string or an array of strings; the
// control plane sends both for who/at/targets.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*s = nil
		} else {
			*s = []string{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or string array")
	}
	*s = many
	return nil
}

type sendTextParams struct {
	To    string     `json:"to"`
	Text  string     `json:"text"`
	At    stringList `json:"at"`
	Exact bool       `json:"exact"`
	Clear *bool      `json:"clear"` // accepted for protocol compatibility
}

type sendFilesParams struct {
	To    string     `json:"to"`
	Files stringList `json:"files"`
	File  stringList `json:"file"` // legacy alias
	Exact bool       `json:"exact"`
}

func (p sendFilesParams) paths() []string {
	if len(p.Files) > 0 {
		return p.Files
	}
	return p.File
}

type chatWithParams struct {
	To    string `json:"to"`
	Who   string `json:"who"`
	Exact *bool  `json:"exact"`
}

func (p chatWithParams) target() string {
	if p.To != "" {
		return p.To
	}
	return p.Who
}

func (p chatWithParams) exact() bool {
	if p.Exact == nil {
		return true
	}
	return *p.Exact
}

type listenerParams struct {
	Who stringList `json:"who"`
	To  stringList `json:"to"`
}

func (p listenerParams) targets() []string {
	if len(p.Who) > 0 {
		return p.Who
	}
	return p.To
}

type quoteParams struct {
	ID   string     `json:"id"`
	Hash string     `json:"hash"`
	Text string     `json:"text"`
	At   stringList `json:"at"`
}

func (p quoteParams) ref() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Hash
}

type forwardParams struct {
	ID      string     `json:"id"`
	Hash    string     `json:"hash"`
	Targets stringList `json:"targets"`
	Who     stringList `json:"who"` // alias
}

func (p forwardParams) ref() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Hash
}

func (p forwardParams) allTargets() []string {
	if len(p.Targets) > 0 {
		return p.Targets
	}
	return p.Who
}

// parseCommandParams validates a command's action and params shape before
// any pending entry is created. The returned value is the typed params
// struct for the action, or an error describing the first violation.
func parseCommandParams(action string, raw json.RawMessage) (any, error) {
	if action == "" {
		return nil, fmt.Errorf("missing action")
	}
	if !protocol.KnownAction(action) {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch action {
	case protocol.ActionSendText:
		var p sendTextParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("malformed params: %v", err)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("missing text")
		}
		return p, nil

	case protocol.ActionSendFiles:
		var p sendFilesParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("malformed params: %v", err)
		}
		if len(p.paths()) == 0 {
			return nil, fmt.Errorf("missing files")
		}
		return p, nil

	case protocol.ActionChatWith:
		var p chatWithParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("malformed params: %v", err)
		}
		if p.target() == "" {
			return nil, fmt.Errorf("missing to/who")
		}
		return p, nil

	case protocol.ActionAddListener, protocol.ActionRemoveListener:
		var p listenerParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("malformed params: %v", err)
		}
		if len(p.targets()) == 0 {
			return nil, fmt.Errorf("missing who/to")
		}
		return p, nil

	case protocol.ActionStartListening, protocol.ActionStopListening:
		return struct{}{}, nil

	case protocol.ActionQuote:
		var p quoteParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("malformed params: %v", err)
		}
		if p.ref() == "" || p.Text == "" {
			return nil, fmt.Errorf("missing id/hash or text")
		}
		return p, nil

	case protocol.ActionForward:
		var p forwardParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("malformed params: %v", err)
		}
		if p.ref() == "" || len(p.allTargets()) == 0 {
			return nil, fmt.Errorf("missing id/hash or targets")
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}
