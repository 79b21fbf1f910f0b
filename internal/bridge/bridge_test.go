package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leitianhua/wxbridge/internal/engine"
	"github.com/leitianhua/wxbridge/internal/protocol"
	"github.com/leitianhua/wxbridge/internal/store"
)

// fakeEngine records calls and simulates latency. With honorCtx the call
// returns early on context expiry; without it the call runs to completion
// like real UI automation.
type fakeEngine struct {
	mu            sync.Mutex
	calls         []string
	listeners     map[string]engine.MessageCallback
	delay         time.Duration
	honorCtx      bool
	err           error
	concurrent    int
	maxConcurrent int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{listeners: make(map[string]engine.MessageCallback)}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) enter() {
	f.mu.Lock()
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	f.mu.Unlock()
}

func (f *fakeEngine) exit() {
	f.mu.Lock()
	f.concurrent--
	f.mu.Unlock()
}

func (f *fakeEngine) run(ctx context.Context) error {
	f.enter()
	defer f.exit()
	if f.delay > 0 {
		if f.honorCtx {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.delay):
			}
		} else {
			time.Sleep(f.delay)
		}
	}
	return f.err
}

func (f *fakeEngine) Ping() error { return nil }

func (f *fakeEngine) SendMsg(ctx context.Context, text, who string, at []string, exact bool) (string, error) {
	f.record("send_msg:" + text)
	if err := f.run(ctx); err != nil {
		return "", err
	}
	return "delivered to " + who, nil
}

func (f *fakeEngine) SendFiles(ctx context.Context, paths []string, who string, exact bool) (string, error) {
	f.record(fmt.Sprintf("send_files:%d", len(paths)))
	if err := f.run(ctx); err != nil {
		return "", err
	}
	return "files sent", nil
}

func (f *fakeEngine) ChatWith(ctx context.Context, who string, exact bool) error {
	f.record("chat_with:" + who)
	return f.run(ctx)
}

func (f *fakeEngine) AddListenChat(who string, cb engine.MessageCallback) error {
	f.record("add_listen:" + who)
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.listeners[who] = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) RemoveListenChat(who string) error {
	f.record("remove_listen:" + who)
	f.mu.Lock()
	delete(f.listeners, who)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) StopListening() {
	f.record("stop_listening")
}

func (f *fakeEngine) Quote(ctx context.Context, msg engine.Message, chat, text string, at []string) error {
	f.record("quote:" + msg.ID)
	return f.run(ctx)
}

func (f *fakeEngine) Forward(ctx context.Context, msg engine.Message, chat string, targets []string) error {
	f.record(fmt.Sprintf("forward:%s:%d", msg.ID, len(targets)))
	return f.run(ctx)
}

// recordingSender captures the outbound envelope stream in emission order.
type recordingSender struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
	ch   chan *protocol.Envelope
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan *protocol.Envelope, 128)}
}

func (s *recordingSender) Send(env *protocol.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	s.ch <- env
}

func (s *recordingSender) SendFrame(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		panic("test sender got undecodable frame: " + err.Error())
	}
	s.Send(env)
}

func (s *recordingSender) all() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Envelope(nil), s.envs...)
}

// waitFor blocks until an envelope of the wanted type is emitted.
func (s *recordingSender) waitFor(t *testing.T, typ string, timeout time.Duration) *protocol.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-s.ch:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope within %s; got %d envelopes", typ, timeout, len(s.all()))
			return nil
		}
	}
}

func (s *recordingSender) countByType(typ string) int {
	n := 0
	for _, env := range s.all() {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func newTestDispatcher(t *testing.T, eng *fakeEngine) (*Dispatcher, *recordingSender) {
	t.Helper()
	out := newRecordingSender()
	reg := newListenerRegistry("wxrpa-test", eng, out)
	reg.start()
	d := newDispatcher("wxrpa-test", eng, reg, store.NewMemoryStore(), out, time.Minute)
	d.start()
	t.Cleanup(func() {
		d.stop()
		reg.stop()
	})
	return d, out
}

func engineMessage(id, hash, content string) engine.Message {
	return engine.Message{ID: id, Hash: hash, Type: "text", Attr: "friend", Content: content}
}

func chatInfo(who string) engine.ChatInfo {
	return engine.ChatInfo{Who: who}
}

// commandFrame builds an encoded command envelope for tests.
func commandFrame(t *testing.T, commandID, action string, params string, timeoutMs int64) []byte {
	t.Helper()
	payload := fmt.Sprintf(`{"commandId":%q,"action":%q,"timeoutMs":%d`, commandID, action, timeoutMs)
	if params != "" {
		payload += `,"params":` + params
	}
	payload += `}`
	frame := fmt.Sprintf(`{"type":"command","traceId":"trace-%s","deviceId":"srv","timestamp":%d,"payload":%s}`,
		commandID, time.Now().UnixMilli(), payload)
	require.NotEmpty(t, frame)
	return []byte(frame)
}
