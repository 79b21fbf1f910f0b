package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/leitianhua/wxbridge/internal/engine"
	"github.com/leitianhua/wxbridge/internal/protocol"
	"github.com/leitianhua/wxbridge/internal/store"
)

const execBuffer = 256

// sender is the outbound path shared by the dispatcher and the emitter.
type sender interface {
	Send(env *protocol.Envelope)
	SendFrame(frame []byte)
}

type execItem struct {
	traceID  string
	cmd      *protocol.CommandPayload
	params   any
	deadline time.Time
}

// Dispatcher validates inbound commands, emits acks and errors, and
// executes classified commands one at a time against the automation engine.
// Validation happens on the read flow; execution on a single worker
// goroutine, the only flow that touches the engine.
type Dispatcher struct {
	deviceID  string
	eng       engine.Engine
	listeners *ListenerRegistry
	table     *correlationTable
	replies   store.Store
	out       sender
	replyTTL  time.Duration

	execq    chan execItem
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newDispatcher(deviceID string, eng engine.Engine, listeners *ListenerRegistry, replies store.Store, out sender, replyTTL time.Duration) *Dispatcher {
	d := &Dispatcher{
		deviceID:  deviceID,
		eng:       eng,
		listeners: listeners,
		replies:   replies,
		out:       out,
		replyTTL:  replyTTL,
		execq:     make(chan execItem, execBuffer),
		stopCh:    make(chan struct{}),
	}
	d.table = newCorrelationTable(replyTTL, d.onTimeout)
	return d
}

func (d *Dispatcher) start() {
	d.table.start()
	go d.runWorker()
}

func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.table.stop()
}

// HandleFrame routes one raw inbound frame. Undecodable frames are dropped
// without a reply; there is no commandId to address one to.
func (d *Dispatcher) HandleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("drop undecodable frame: %v", err)
		return
	}
	switch env.Type {
	case protocol.TypeCommand:
		cmd, err := env.Command()
		if err != nil {
			log.Printf("drop command with bad payload: trace_id=%s err=%v", env.TraceID, err)
			return
		}
		d.handleCommand(env.TraceID, cmd)
	default:
		log.Printf("ignore inbound envelope: type=%s trace_id=%s", env.Type, env.TraceID)
	}
}

func (d *Dispatcher) handleCommand(traceID string, cmd *protocol.CommandPayload) {
	ctx := context.Background()
	id := cmd.CommandID

	// Duplicate delivery: replay the reply already classified for this
	// commandId (ack if it was accepted, error if it was rejected) and do
	// nothing else.
	if frame, err := d.replies.GetReply(ctx, id); err != nil {
		log.Printf("reply store lookup failed: command_id=%s err=%v", id, err)
	} else if frame != nil {
		log.Printf("duplicate command, replaying reply: command_id=%s", id)
		d.out.SendFrame(frame)
		return
	}
	if d.table.has(id) {
		// In-flight but the stored reply is gone; re-ack directly.
		log.Printf("duplicate command while pending: command_id=%s", id)
		d.out.Send(protocol.NewAck(d.deviceID, traceID, "command", id))
		return
	}

	params, err := parseCommandParams(cmd.Action, cmd.Params)
	if err != nil {
		log.Printf("reject command: command_id=%s action=%s err=%v", id, cmd.Action, err)
		env := protocol.NewError(d.deviceID, traceID, "command", id, protocol.CodeInvalidParams, err.Error())
		d.reply(ctx, id, env)
		return
	}

	var deadline time.Time
	if cmd.TimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(cmd.TimeoutMs) * time.Millisecond)
	}
	// The ack goes out before the deadline is armed so a timeout result
	// can never precede it.
	d.reply(ctx, id, protocol.NewAck(d.deviceID, traceID, "command", id))
	d.table.add(id, traceID, deadline)
	d.table.setState(id, stateAcked)

	item := execItem{traceID: traceID, cmd: cmd, params: params, deadline: deadline}
	select {
	case d.execq <- item:
	default:
		log.Printf("execution queue full, rejecting: command_id=%s", id)
		if d.table.terminate(id, stateRejected) {
			d.out.Send(protocol.NewCommandResult(d.deviceID, traceID, id, protocol.StatusRejected, nil,
				&protocol.ResultError{Code: protocol.CodeExecError, Message: "execution queue full"}))
		}
	}
}

// reply stores the classification frame for duplicate absorption, then
// sends it.
func (d *Dispatcher) reply(ctx context.Context, id string, env *protocol.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		log.Printf("encode reply failed: command_id=%s err=%v", id, err)
		return
	}
	if err := d.replies.SaveReply(ctx, id, frame, d.replyTTL); err != nil {
		log.Printf("save reply failed: command_id=%s err=%v", id, err)
	}
	d.out.SendFrame(frame)
}

// onTimeout emits the timeout result for a command whose deadline fired.
// The terminal transition already happened inside the correlation table.
func (d *Dispatcher) onTimeout(id, traceID string) {
	log.Printf("command timeout: command_id=%s", id)
	d.out.Send(protocol.NewCommandResult(d.deviceID, traceID, id, protocol.StatusTimeout, nil,
		&protocol.ResultError{Code: protocol.CodeTimeout, Message: "timeout"}))
}

func (d *Dispatcher) runWorker() {
	for {
		select {
		case <-d.stopCh:
			return
		case item := <-d.execq:
			d.execute(item)
		}
	}
}

func (d *Dispatcher) execute(item execItem) {
	id := item.cmd.CommandID
	if !d.table.setState(id, stateExecuting) {
		// Timed out while queued; never touch the engine.
		log.Printf("skip execution, already terminal: command_id=%s", id)
		return
	}

	ctx := context.Background()
	if !item.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, item.deadline)
		defer cancel()
	}

	result, err := d.invoke(ctx, item)
	switch {
	case err == nil:
		if d.table.terminate(id, stateCompleted) {
			d.out.Send(protocol.NewCommandResult(d.deviceID, item.traceID, id, protocol.StatusSuccess, result, nil))
		} else {
			log.Printf("late completion discarded: command_id=%s", id)
		}
	case errors.Is(err, context.DeadlineExceeded):
		if d.table.terminate(id, stateTimedOut) {
			d.onTimeout(id, item.traceID)
		}
	default:
		if d.table.terminate(id, stateCompleted) {
			d.out.Send(protocol.NewCommandResult(d.deviceID, item.traceID, id, protocol.StatusFailed, nil,
				&protocol.ResultError{Code: protocol.CodeExecError, Message: err.Error()}))
		} else {
			log.Printf("late failure discarded: command_id=%s err=%v", id, err)
		}
	}
}

// invoke maps one classified command onto the engine capability it names.
func (d *Dispatcher) invoke(ctx context.Context, item execItem) (any, error) {
	switch item.cmd.Action {
	case protocol.ActionSendText:
		p := item.params.(sendTextParams)
		receipt, err := d.eng.SendMsg(ctx, p.Text, p.To, p.At, p.Exact)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": receipt}, nil

	case protocol.ActionSendFiles:
		p := item.params.(sendFilesParams)
		receipt, err := d.eng.SendFiles(ctx, p.paths(), p.To, p.Exact)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": receipt}, nil

	case protocol.ActionChatWith:
		p := item.params.(chatWithParams)
		if err := d.eng.ChatWith(ctx, p.target(), p.exact()); err != nil {
			return nil, err
		}
		return map[string]any{"result": true}, nil

	case protocol.ActionAddListener:
		p := item.params.(listenerParams)
		var failed []string
		for _, who := range p.targets() {
			if err := d.listeners.Add(who); err != nil {
				log.Printf("add listener failed: who=%s err=%v", who, err)
				failed = append(failed, who)
			}
		}
		if len(failed) > 0 {
			return nil, fmt.Errorf("add listener failed for: %v", failed)
		}
		return map[string]any{"result": true}, nil

	case protocol.ActionRemoveListener:
		p := item.params.(listenerParams)
		for _, who := range p.targets() {
			if err := d.listeners.Remove(who); err != nil {
				return nil, err
			}
		}
		return map[string]any{"result": true}, nil

	case protocol.ActionStartListening:
		if err := d.listeners.StartAll(); err != nil {
			return nil, err
		}
		return map[string]any{"result": true}, nil

	case protocol.ActionStopListening:
		d.listeners.StopAll()
		return map[string]any{"result": true}, nil

	case protocol.ActionQuote:
		p := item.params.(quoteParams)
		msg, chat, ok := d.listeners.LookupMessage(p.ref())
		if !ok {
			return nil, fmt.Errorf("message not found: ref=%s", p.ref())
		}
		if err := d.eng.Quote(ctx, msg, chat, p.Text, p.At); err != nil {
			return nil, err
		}
		return map[string]any{"result": true}, nil

	case protocol.ActionForward:
		p := item.params.(forwardParams)
		msg, chat, ok := d.listeners.LookupMessage(p.ref())
		if !ok {
			return nil, fmt.Errorf("message not found: ref=%s", p.ref())
		}
		if err := d.eng.Forward(ctx, msg, chat, p.allTargets()); err != nil {
			return nil, err
		}
		return map[string]any{"result": true}, nil
	}
	return nil, fmt.Errorf("unknown action %q", item.cmd.Action)
}
