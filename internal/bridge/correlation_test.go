package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationTerminalOnce(t *testing.T) {
	table := newCorrelationTable(time.Minute, func(string, string) {})

	require.True(t, table.add("c-1", "t-1", time.Time{}))
	assert.False(t, table.add("c-1", "t-1", time.Time{}), "duplicate add must fail")

	assert.True(t, table.setState("c-1", stateAcked))
	assert.True(t, table.setState("c-1", stateExecuting))

	assert.True(t, table.terminate("c-1", stateCompleted))
	assert.False(t, table.terminate("c-1", stateTimedOut), "second terminal transition must lose")
	assert.False(t, table.setState("c-1", stateExecuting), "no transitions out of a terminal state")

	state, ok := table.stateOf("c-1")
	require.True(t, ok)
	assert.Equal(t, stateCompleted, state)
}

func TestCorrelationDeadlineFiresTimeout(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	table := newCorrelationTable(time.Minute, func(id, traceID string) {
		mu.Lock()
		fired = append(fired, id+"/"+traceID)
		mu.Unlock()
	})
	table.start()
	defer table.stop()

	table.add("c-1", "t-1", time.Now().Add(30*time.Millisecond))
	table.setState("c-1", stateExecuting)

	require.Eventually(t, func() bool {
		state, ok := table.stateOf("c-1")
		return ok && state == stateTimedOut
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c-1/t-1"}, fired)
}

func TestCorrelationCompletedEntryDoesNotTimeOut(t *testing.T) {
	timeouts := make(chan string, 1)
	table := newCorrelationTable(time.Minute, func(id, _ string) { timeouts <- id })
	table.start()
	defer table.stop()

	table.add("c-1", "t-1", time.Now().Add(20*time.Millisecond))
	require.True(t, table.terminate("c-1", stateCompleted))

	select {
	case id := <-timeouts:
		t.Fatalf("timeout fired for completed command %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCorrelationEvictionAfterGrace(t *testing.T) {
	table := newCorrelationTable(30*time.Millisecond, func(string, string) {})
	table.start()
	defer table.stop()

	table.add("c-1", "t-1", time.Time{})
	table.terminate("c-1", stateRejected)

	// Still present inside the grace window so duplicates can be absorbed.
	assert.True(t, table.has("c-1"))

	require.Eventually(t, func() bool { return !table.has("c-1") },
		time.Second, 5*time.Millisecond, "terminal entry must be evicted after the grace period")
}

func TestCorrelationTimeoutWhileQueued(t *testing.T) {
	table := newCorrelationTable(time.Minute, func(string, string) {})
	table.start()
	defer table.stop()

	// Deadline passes while the command is still acked (not yet executing).
	table.add("c-1", "t-1", time.Now().Add(10*time.Millisecond))
	table.setState("c-1", stateAcked)

	require.Eventually(t, func() bool {
		state, ok := table.stateOf("c-1")
		return ok && state == stateTimedOut
	}, time.Second, 5*time.Millisecond)

	// The worker must now refuse to start execution.
	assert.False(t, table.setState("c-1", stateExecuting))
}
