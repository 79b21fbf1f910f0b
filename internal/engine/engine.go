// Package engine declares the capability interface of the local WeChat
// automation engine and an IPC client for the engine process. The engine is
// single-threaded and not safe for concurrent invocation; callers serialize
// access on their side.
package engine

import "context"

// Message is one received WeChat message as reported by the engine.
type Message struct {
	ID            string `json:"id"`
	Hash          string `json:"hash"`
	Type          string `json:"type"`
	Attr          string `json:"attr"`
	Content       string `json:"content"`
	Direction     string `json:"direction,omitempty"`
	QuoteNickname string `json:"quote_nickname,omitempty"`
	QuoteContent  string `json:"quote_content,omitempty"`
}

// ChatInfo describes the conversation a message arrived in.
type ChatInfo struct {
	Who         string `json:"who"`
	ChatName    string `json:"chat_name,omitempty"`
	ChatType    string `json:"chat_type,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
}

// Name returns the best identifier for the conversation.
func (c ChatInfo) Name() string {
	if c.ChatName != "" {
		return c.ChatName
	}
	return c.Who
}

// MessageCallback receives engine notifications. It is invoked on an
// engine-owned goroutine and must not block.
type MessageCallback func(msg Message, chat ChatInfo)

// Engine is the narrow surface of the automation engine consumed by the
// bridge. Blocking operations take a context; the underlying UI automation
// is not preemptible, so cancellation only stops the wait, not the action.
type Engine interface {
	// Ping checks that the engine process is reachable. Used once at
	// startup; failure is fatal for the bridge process.
	Ping() error

	// SendMsg sends text to the conversation who. It returns the engine's
	// delivery receipt message.
	SendMsg(ctx context.Context, text, who string, at []string, exact bool) (string, error)

	// SendFiles sends local file paths to the conversation who.
	SendFiles(ctx context.Context, paths []string, who string, exact bool) (string, error)

	// ChatWith switches the active chat window to who.
	ChatWith(ctx context.Context, who string, exact bool) error

	// AddListenChat registers cb for notifications from who.
	AddListenChat(who string, cb MessageCallback) error

	// RemoveListenChat deregisters notifications for who.
	RemoveListenChat(who string) error

	// StopListening tears down all engine-side listeners.
	StopListening()

	// Quote replies to msg in chat, quoting its content.
	Quote(ctx context.Context, msg Message, chat, text string, at []string) error

	// Forward forwards msg from chat to each target conversation.
	Forward(ctx context.Context, msg Message, chat string, targets []string) error
}
