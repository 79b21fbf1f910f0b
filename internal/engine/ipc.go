package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ipcDialTimeout  = 10 * time.Second
	ipcPingTimeout  = 5 * time.Second
	ipcMaxFrameSize = 1024 * 1024
)

// ipcRequest is one method call sent to the engine process.
type ipcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ipcFrame is one newline-delimited JSON frame received from the engine:
// either a response (correlated by id) or a pushed message notification.
type ipcFrame struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Msg    *Message        `json:"msg,omitempty"`
	Chat   *ChatInfo       `json:"chat,omitempty"`
}

// IPC talks to the local automation engine process over a unix socket or
// TCP, one JSON object per line. Responses are correlated by request id;
// message notifications are routed to the callback registered for the
// originating conversation.
type IPC struct {
	url string

	mu   sync.Mutex // guards conn and writes
	conn net.Conn

	pendingMu sync.Mutex
	pending   map[string]chan ipcFrame

	cbMu      sync.RWMutex
	callbacks map[string]MessageCallback
}

// NewIPC creates an engine client for url ("unix:///path", "tcp://host:port"
// or plain "host:port"). No connection is made until the first call.
func NewIPC(url string) *IPC {
	return &IPC{
		url:       url,
		pending:   make(map[string]chan ipcFrame),
		callbacks: make(map[string]MessageCallback),
	}
}

func (e *IPC) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ipcPingTimeout)
	defer cancel()
	_, err := e.call(ctx, "ping", nil)
	return err
}

func (e *IPC) SendMsg(ctx context.Context, text, who string, at []string, exact bool) (string, error) {
	res, err := e.call(ctx, "send_msg", map[string]any{
		"text": text, "who": who, "at": at, "exact": exact,
	})
	if err != nil {
		return "", err
	}
	return resultMessage(res), nil
}

func (e *IPC) SendFiles(ctx context.Context, paths []string, who string, exact bool) (string, error) {
	res, err := e.call(ctx, "send_files", map[string]any{
		"files": paths, "who": who, "exact": exact,
	})
	if err != nil {
		return "", err
	}
	return resultMessage(res), nil
}

func (e *IPC) ChatWith(ctx context.Context, who string, exact bool) error {
	_, err := e.call(ctx, "chat_with", map[string]any{"who": who, "exact": exact})
	return err
}

func (e *IPC) AddListenChat(who string, cb MessageCallback) error {
	ctx, cancel := context.WithTimeout(context.Background(), ipcPingTimeout)
	defer cancel()
	if _, err := e.call(ctx, "add_listen", map[string]any{"who": who}); err != nil {
		return err
	}
	e.cbMu.Lock()
	e.callbacks[who] = cb
	e.cbMu.Unlock()
	return nil
}

func (e *IPC) RemoveListenChat(who string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ipcPingTimeout)
	defer cancel()
	if _, err := e.call(ctx, "remove_listen", map[string]any{"who": who}); err != nil {
		return err
	}
	e.cbMu.Lock()
	delete(e.callbacks, who)
	e.cbMu.Unlock()
	return nil
}

func (e *IPC) StopListening() {
	ctx, cancel := context.WithTimeout(context.Background(), ipcPingTimeout)
	defer cancel()
	if _, err := e.call(ctx, "stop_listening", nil); err != nil {
		log.Printf("engine stop_listening failed: %v", err)
	}
	e.cbMu.Lock()
	e.callbacks = make(map[string]MessageCallback)
	e.cbMu.Unlock()
}

func (e *IPC) Quote(ctx context.Context, msg Message, chat, text string, at []string) error {
	_, err := e.call(ctx, "quote", map[string]any{
		"id": msg.ID, "hash": msg.Hash, "chat": chat, "text": text, "at": at,
	})
	return err
}

func (e *IPC) Forward(ctx context.Context, msg Message, chat string, targets []string) error {
	_, err := e.call(ctx, "forward", map[string]any{
		"id": msg.ID, "hash": msg.Hash, "chat": chat, "targets": targets,
	})
	return err
}

// Close tears down the connection. In-flight calls fail with a read error.
func (e *IPC) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

// call sends one request and waits for its response or ctx expiry.
func (e *IPC) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan ipcFrame, 1)
	e.pendingMu.Lock()
	e.pending[id] = ch
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
	}()

	if err := e.write(ipcRequest{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-ch:
		if !frame.OK {
			return nil, fmt.Errorf("engine %s: %s", method, frame.Error)
		}
		return frame.Result, nil
	}
}

func (e *IPC) write(req ipcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal engine request: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		if err := e.connectLocked(); err != nil {
			return err
		}
	}
	if _, err := e.conn.Write(data); err != nil {
		_ = e.conn.Close()
		e.conn = nil
		return fmt.Errorf("write to engine: %w", err)
	}
	return nil
}

func (e *IPC) connectLocked() error {
	network, address := parseEngineURL(e.url)
	conn, err := net.DialTimeout(network, address, ipcDialTimeout)
	if err != nil {
		return fmt.Errorf("connect engine at %s: %w", e.url, err)
	}
	e.conn = conn
	log.Printf("engine connected: url=%s", e.url)
	go e.readLoop(conn)
	return nil
}

func (e *IPC) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), ipcMaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame ipcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			log.Printf("engine frame unmarshal failed: %v", err)
			continue
		}
		if frame.ID != "" {
			e.pendingMu.Lock()
			ch, ok := e.pending[frame.ID]
			e.pendingMu.Unlock()
			if ok {
				ch <- frame
			}
			continue
		}
		if frame.Type == "message" && frame.Msg != nil {
			e.dispatch(*frame.Msg, chatOrEmpty(frame.Chat))
		}
	}
	log.Printf("engine disconnected: url=%s err=%v", e.url, scanner.Err())

	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()
}

func (e *IPC) dispatch(msg Message, chat ChatInfo) {
	e.cbMu.RLock()
	cb, ok := e.callbacks[chat.Who]
	if !ok {
		cb, ok = e.callbacks[chat.Name()]
	}
	e.cbMu.RUnlock()
	if !ok {
		log.Printf("engine notification for unregistered chat: who=%s", chat.Who)
		return
	}
	cb(msg, chat)
}

func chatOrEmpty(c *ChatInfo) ChatInfo {
	if c == nil {
		return ChatInfo{}
	}
	return *c
}

func resultMessage(raw json.RawMessage) string {
	var res struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return ""
	}
	return res.Message
}

// parseEngineURL splits an engine URL into network and address.
// "unix:///run/wx.sock" → ("unix", "/run/wx.sock"); "tcp://h:p" or a bare
// "h:p" → ("tcp", "h:p").
func parseEngineURL(url string) (network, address string) {
	if strings.HasPrefix(url, "unix://") {
		return "unix", strings.TrimPrefix(url, "unix://")
	}
	if strings.HasPrefix(url, "tcp://") {
		return "tcp", strings.TrimPrefix(url, "tcp://")
	}
	return "tcp", url
}
