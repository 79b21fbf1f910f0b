package bridge

import (
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leitianhua/wxbridge/internal/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// wsConn serializes writes on one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeControl(messageType int, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, nil, deadline)
}

type connOptions struct {
	URL          string
	QueueSize    int
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	OnDrop       func(n int)
}

// Conn owns the single control-plane connection: dialing, heartbeat,
// reconnect with backoff, and the bounded outbound queue that buffers
// frames while disconnected.
type Conn struct {
	opts    connOptions
	dialer  *websocket.Dialer
	queue   *sendQueue
	onFrame func(data []byte)

	state    atomic.Int32
	closed   chan struct{}
	closeOne sync.Once
	done     chan struct{}
}

func newConn(opts connOptions, onFrame func(data []byte)) *Conn {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Conn{
		opts:    opts,
		dialer:  websocket.DefaultDialer,
		queue:   newSendQueue(opts.QueueSize, opts.OnDrop),
		onFrame: onFrame,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Send encodes the envelope and queues it for delivery.
func (c *Conn) Send(env *protocol.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		log.Printf("encode outbound envelope failed: type=%s err=%v", env.Type, err)
		return
	}
	c.SendFrame(frame)
}

// SendFrame queues a pre-encoded frame for delivery. Never blocks; under a
// full queue the oldest frame is dropped.
func (c *Conn) SendFrame(frame []byte) {
	c.queue.push(frame)
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// QueueLen reports the number of buffered outbound frames.
func (c *Conn) QueueLen() int {
	return c.queue.len()
}

// Start runs the connect/serve/reconnect loop in the background.
func (c *Conn) Start() {
	go c.run()
}

// Close terminates the connection permanently and wakes any blocked writer.
func (c *Conn) Close() {
	c.closeOne.Do(func() { close(c.closed) })
	<-c.done
}

func (c *Conn) run() {
	defer close(c.done)
	defer c.setState(StateClosed)
	defer c.queue.close()

	delay := c.opts.ReconnectMin
	connectedOnce := false
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		if connectedOnce {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}

		ws, _, err := c.dialer.Dial(c.opts.URL, nil)
		if err != nil {
			log.Printf("ws dial failed: url=%s err=%v retry_in=%s", c.opts.URL, err, delay)
			c.setState(StateDisconnected)
			select {
			case <-c.closed:
				return
			case <-time.After(jitter(delay)):
			}
			delay *= 2
			if delay > c.opts.ReconnectMax {
				delay = c.opts.ReconnectMax
			}
			continue
		}

		connectedOnce = true
		delay = c.opts.ReconnectMin
		c.setState(StateConnected)
		log.Printf("ws connected: url=%s queued=%d", c.opts.URL, c.queue.len())

		c.serve(ws)
		c.setState(StateDisconnected)
		log.Printf("ws disconnected: url=%s queued=%d", c.opts.URL, c.queue.len())
	}
}

// serve pumps one established connection until it fails or Close is called.
// Queued frames that fail to write stay queued for the next connection.
func (c *Conn) serve(ws *websocket.Conn) {
	conn := &wsConn{conn: ws}
	stop := make(chan struct{})
	var stopOnce sync.Once
	shutdown := func() { stopOnce.Do(func() { close(stop) }) }
	defer shutdown()
	defer ws.Close()

	readWindow := c.opts.PingInterval + c.opts.PongTimeout
	_ = ws.SetReadDeadline(time.Now().Add(readWindow))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWindow))
	})

	// Close() must unblock the read loop.
	go func() {
		select {
		case <-c.closed:
			ws.Close()
		case <-stop:
		}
	}()

	// Heartbeat.
	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.writeControl(websocket.PingMessage, time.Now().Add(c.opts.PongTimeout)); err != nil {
					log.Printf("ws ping failed: %v", err)
					ws.Close()
					return
				}
			}
		}
	}()

	// Writer: drain the queue in enqueue order.
	go func() {
		for {
			frame, ok := c.queue.peek(stop)
			if !ok {
				return
			}
			if err := conn.writeMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("ws write failed, frame requeued: %v", err)
				c.queue.release()
				ws.Close()
				return
			}
			c.queue.pop()
		}
	}()

	// Read loop.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Printf("ws read failed: %v", err)
			return
		}
		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}

// jitter spreads reconnect attempts over [d/2, 3d/2).
func jitter(d time.Duration) time.Duration {
	return d/2 + rand.N(d)
}
