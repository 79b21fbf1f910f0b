package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/leitianhua/wxbridge/internal/engine"
	"github.com/leitianhua/wxbridge/internal/protocol"
)

const (
	notifyBuffer    = 64
	messageCacheCap = 4096
)

type notification struct {
	msg  engine.Message
	chat engine.ChatInfo
}

// ListenerRegistry holds the authoritative set of observed conversations
// and turns engine notifications into outbound event envelopes. Engine
// callbacks hand off through a bounded channel; a single emitter goroutine
// owns the outbound path so callbacks never block on the connection.
type ListenerRegistry struct {
	deviceID string
	eng      engine.Engine
	out      sender

	mu     sync.Mutex
	active map[string]bool

	cache *messageCache

	notifyCh chan notification
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newListenerRegistry(deviceID string, eng engine.Engine, out sender) *ListenerRegistry {
	return &ListenerRegistry{
		deviceID: deviceID,
		eng:      eng,
		out:      out,
		active:   make(map[string]bool),
		cache:    newMessageCache(messageCacheCap),
		notifyCh: make(chan notification, notifyBuffer),
		stopCh:   make(chan struct{}),
	}
}

func (r *ListenerRegistry) start() { go r.emitLoop() }

func (r *ListenerRegistry) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// onMessage is the callback registered with the engine for every observed
// conversation. It runs on an engine-owned goroutine and must not block.
func (r *ListenerRegistry) onMessage(msg engine.Message, chat engine.ChatInfo) {
	r.cache.put(msg, chat)
	select {
	case r.notifyCh <- notification{msg: msg, chat: chat}:
	default:
		log.Printf("notification buffer full, dropped: chat=%s msg_id=%s", chat.Name(), msg.ID)
	}
}

// Add registers who with the engine and marks it active. Adding an already
// observed conversation refreshes the engine binding.
func (r *ListenerRegistry) Add(who string) error {
	if err := r.eng.AddListenChat(who, r.onMessage); err != nil {
		return err
	}
	r.mu.Lock()
	r.active[who] = true
	r.mu.Unlock()
	log.Printf("listener added: who=%s", who)
	return nil
}

// Remove deregisters who. Removing an unobserved conversation is a no-op.
func (r *ListenerRegistry) Remove(who string) error {
	r.mu.Lock()
	wasActive := r.active[who]
	r.mu.Unlock()
	if !wasActive {
		return nil
	}
	if err := r.eng.RemoveListenChat(who); err != nil {
		return err
	}
	r.mu.Lock()
	r.active[who] = false
	r.mu.Unlock()
	log.Printf("listener removed: who=%s", who)
	return nil
}

// StartAll re-registers every known conversation with the engine and marks
// it active.
func (r *ListenerRegistry) StartAll() error {
	r.mu.Lock()
	known := make([]string, 0, len(r.active))
	for who := range r.active {
		known = append(known, who)
	}
	r.mu.Unlock()

	var failed []string
	for _, who := range known {
		if err := r.Add(who); err != nil {
			log.Printf("re-register listener failed: who=%s err=%v", who, err)
			failed = append(failed, who)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("start listening failed for: %v", failed)
	}
	return nil
}

// StopAll tears down engine-side listening and marks every conversation
// inactive, keeping the set for a later StartAll.
func (r *ListenerRegistry) StopAll() {
	r.eng.StopListening()
	r.mu.Lock()
	for who := range r.active {
		r.active[who] = false
	}
	r.mu.Unlock()
	log.Printf("listening stopped")
}

// LookupMessage resolves a message id or hash against the recent-message
// cache for quote/forward.
func (r *ListenerRegistry) LookupMessage(ref string) (engine.Message, string, bool) {
	entry, ok := r.cache.lookup(ref)
	if !ok {
		return engine.Message{}, "", false
	}
	return entry.msg, entry.chat.Name(), true
}

func (r *ListenerRegistry) isActive(chat engine.ChatInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[chat.Who] || r.active[chat.Name()]
}

func (r *ListenerRegistry) emitLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case n := <-r.notifyCh:
			if !r.isActive(n.chat) {
				log.Printf("drop notification for inactive chat: chat=%s", n.chat.Name())
				continue
			}
			env := protocol.NewEvent(r.deviceID, "", "wechat_message", packEventData(n.msg, n.chat))
			r.out.Send(env)
		}
	}
}

// packEventData shapes one engine notification into the event data block.
func packEventData(msg engine.Message, chat engine.ChatInfo) protocol.EventData {
	now := time.Now().UnixMilli()

	messageID := msg.Hash
	if messageID == "" {
		messageID = msg.ID
	}
	if messageID == "" {
		messageID = "msg-" + strconv.FormatInt(now, 10)
	}

	msgType := msg.Type
	if msgType == "" {
		msgType = "other"
	}

	raw, _ := json.Marshal(map[string]any{
		"message": msg,
		"chat":    chat,
		"ts":      now,
		"sender":  msg.Attr,
	})

	return protocol.EventData{
		MessageID: messageID,
		From:      chat.Name(),
		ChatID:    chat.Name(),
		MsgType:   msgType,
		Content:   msg.Content,
		Raw:       raw,
	}
}

type cachedMessage struct {
	msg  engine.Message
	chat engine.ChatInfo
}

// messageCache keeps recent messages addressable by id and by hash, bounded
// with insertion-order eviction.
type messageCache struct {
	mu    sync.Mutex
	max   int
	items map[string]cachedMessage
	order []string
}

func newMessageCache(max int) *messageCache {
	return &messageCache{
		max:   max,
		items: make(map[string]cachedMessage),
	}
}

func (c *messageCache) put(msg engine.Message, chat engine.ChatInfo) {
	entry := cachedMessage{msg: msg, chat: chat}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range []string{msg.ID, msg.Hash} {
		if key == "" {
			continue
		}
		if _, exists := c.items[key]; !exists {
			c.order = append(c.order, key)
		}
		c.items[key] = entry
	}
	for len(c.items) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}

func (c *messageCache) lookup(ref string) (cachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[ref]
	return entry, ok
}
