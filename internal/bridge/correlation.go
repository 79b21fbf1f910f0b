package bridge

import (
	"container/heap"
	"sync"
	"time"
)

type cmdState int

const (
	stateReceived cmdState = iota
	stateAcked
	stateExecuting
	stateCompleted
	stateTimedOut
	stateRejected
)

func (s cmdState) terminal() bool {
	return s == stateCompleted || s == stateTimedOut || s == stateRejected
}

func (s cmdState) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateAcked:
		return "acked"
	case stateExecuting:
		return "executing"
	case stateCompleted:
		return "completed"
	case stateTimedOut:
		return "timed_out"
	case stateRejected:
		return "rejected"
	}
	return "unknown"
}

type pendingCommand struct {
	id       string
	traceID  string
	state    cmdState
	deadline time.Time
}

// timerEntry schedules either a deadline check or the eviction of a
// terminal entry after the grace window.
type timerEntry struct {
	at    time.Time
	id    string
	evict bool
}

type entryHeap []timerEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(timerEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// correlationTable tracks in-flight commands and enforces at-most-one
// terminal transition per commandId. A single goroutine waits on the
// earliest heap entry; due deadlines of non-terminal entries become timeout
// transitions, due evictions drop terminal entries after the grace window.
type correlationTable struct {
	mu      sync.Mutex
	pending map[string]*pendingCommand
	heap    entryHeap

	grace     time.Duration
	onTimeout func(id, traceID string)

	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newCorrelationTable(grace time.Duration, onTimeout func(id, traceID string)) *correlationTable {
	return &correlationTable{
		pending:   make(map[string]*pendingCommand),
		grace:     grace,
		onTimeout: onTimeout,
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

func (t *correlationTable) start() { go t.loop() }

func (t *correlationTable) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// add creates a pending entry in state received. It returns false when the
// commandId is already tracked.
func (t *correlationTable) add(id, traceID string, deadline time.Time) bool {
	t.mu.Lock()
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return false
	}
	t.pending[id] = &pendingCommand{id: id, traceID: traceID, state: stateReceived, deadline: deadline}
	if !deadline.IsZero() {
		heap.Push(&t.heap, timerEntry{at: deadline, id: id})
	}
	t.mu.Unlock()
	t.wake()
	return true
}

func (t *correlationTable) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

func (t *correlationTable) stateOf(id string) (cmdState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.pending[id]
	if !ok {
		return 0, false
	}
	return pc.state, true
}

// setState applies a non-terminal transition. It returns false when the
// entry is missing or already terminal, in which case the caller must not
// proceed (e.g. the command timed out while still queued).
func (t *correlationTable) setState(id string, s cmdState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.pending[id]
	if !ok || pc.state.terminal() {
		return false
	}
	pc.state = s
	return true
}

// terminate applies a terminal transition exactly once per commandId and
// schedules the entry's eviction. The losing side of a completion/timeout
// race gets false and must not emit.
func (t *correlationTable) terminate(id string, s cmdState) bool {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if !ok || pc.state.terminal() {
		t.mu.Unlock()
		return false
	}
	pc.state = s
	heap.Push(&t.heap, timerEntry{at: time.Now().Add(t.grace), id: id, evict: true})
	t.mu.Unlock()
	t.wake()
	return true
}

func (t *correlationTable) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *correlationTable) loop() {
	for {
		now := time.Now()
		var timeouts []pendingCommand

		t.mu.Lock()
		for t.heap.Len() > 0 && !t.heap[0].at.After(now) {
			entry := heap.Pop(&t.heap).(timerEntry)
			pc, ok := t.pending[entry.id]
			if !ok {
				continue
			}
			if entry.evict {
				if pc.state.terminal() {
					delete(t.pending, entry.id)
				}
				continue
			}
			if pc.state.terminal() {
				continue
			}
			pc.state = stateTimedOut
			heap.Push(&t.heap, timerEntry{at: now.Add(t.grace), id: entry.id, evict: true})
			timeouts = append(timeouts, *pc)
		}
		wait := time.Hour
		if t.heap.Len() > 0 {
			wait = t.heap[0].at.Sub(now)
		}
		t.mu.Unlock()

		for _, pc := range timeouts {
			t.onTimeout(pc.id, pc.traceID)
		}

		select {
		case <-t.stopCh:
			return
		case <-t.notify:
		case <-time.After(wait):
		}
	}
}
