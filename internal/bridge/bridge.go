// Package bridge connects the local WeChat automation engine to the remote
// control plane: it decodes inbound command envelopes, executes them
// serially against the engine, and forwards engine notifications upstream
// as event envelopes, surviving connection drops with a bounded outbound
// buffer and reconnect-with-backoff.
package bridge

import (
	"context"
	"log"

	"github.com/leitianhua/wxbridge/internal/config"
	"github.com/leitianhua/wxbridge/internal/engine"
	"github.com/leitianhua/wxbridge/internal/store"
)

type Bridge struct {
	cfg     config.Config
	conn    *Conn
	disp    *Dispatcher
	reg     *ListenerRegistry
	replies store.Store
}

// New wires the bridge. The engine must already be reachable; call
// engine.Ping before this.
func New(cfg config.Config, eng engine.Engine, replies store.Store) *Bridge {
	b := &Bridge{cfg: cfg, replies: replies}

	b.conn = newConn(connOptions{
		URL:          cfg.WSURL,
		QueueSize:    cfg.QueueSize,
		PingInterval: cfg.PingInterval(),
		PongTimeout:  cfg.PongTimeout(),
		ReconnectMin: cfg.ReconnectMin(),
		ReconnectMax: cfg.ReconnectMax(),
		OnDrop: func(n int) {
			if err := replies.AddLost(context.Background(), int64(n)); err != nil {
				log.Printf("record lost deliveries failed: %v", err)
			}
			log.Printf("outbound queue overflow: dropped=%d", n)
		},
	}, func(data []byte) { b.disp.HandleFrame(data) })

	b.reg = newListenerRegistry(cfg.DeviceID, eng, b.conn)
	b.disp = newDispatcher(cfg.DeviceID, eng, b.reg, replies, b.conn, cfg.ReplyTTL())
	return b
}

// Start registers the configured default listeners and brings up the
// emitter, worker, and connection. Listener registration failures are
// logged, not fatal; the control plane can retry via add_listener.
func (b *Bridge) Start() {
	for _, who := range b.cfg.Listens {
		if err := b.reg.Add(who); err != nil {
			log.Printf("preset listener failed: who=%s err=%v", who, err)
		}
	}
	b.reg.start()
	b.disp.start()
	b.conn.Start()
	log.Printf("bridge started: device_id=%s ws_url=%s", b.cfg.DeviceID, b.cfg.WSURL)
}

// Close shuts the bridge down. Buffered outbound frames are discarded.
func (b *Bridge) Close() {
	b.conn.Close()
	b.disp.stop()
	b.reg.stop()
	log.Printf("bridge closed: device_id=%s", b.cfg.DeviceID)
}

// ConnState reports the connection lifecycle state for health reporting.
func (b *Bridge) ConnState() State {
	return b.conn.State()
}
