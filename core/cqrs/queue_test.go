package cqrs

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCommand struct {
	CommandBase
	Delay time.Duration
}

func newTestCommand(id, aggID string) testCommand {
	return testCommand{CommandBase: CommandBase{ID: id, AggregateID: aggID}}
}

// recordingAcker remembers how a delivery was settled.
type recordingAcker struct {
	mu      sync.Mutex
	commits int
	rejects int
	order   *[]string
	id      string
}

func (a *recordingAcker) Commit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits++
	if a.order != nil {
		*a.order = append(*a.order, a.id)
	}
	return nil
}

func (a *recordingAcker) Reject() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	return nil
}

func (a *recordingAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commits, a.rejects
}

// funcDispatcher calls fn for every dispatched command.
type funcDispatcher func(ctx context.Context, cmd *ProcessingCommand)

func (f funcDispatcher) Dispatch(ctx context.Context, cmd *ProcessingCommand) { f(ctx, cmd) }

type resultLog struct {
	mu      sync.Mutex
	results []CommandResult
}

func (r *resultLog) notify(res CommandResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultLog) all() []CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CommandResult(nil), r.results...)
}

func newTestQueue(t *testing.T, d CommandDispatcher, results *resultLog) *ProcessingCommandQueue {
	t.Helper()
	cfg := queueConfig{
		log:     slog.Default(),
		now:     time.Now,
		backoff: 10 * time.Millisecond,
	}
	if results != nil {
		cfg.notify = results.notify
	}
	q := newProcessingCommandQueue(t.Context(), "agg-1", d, cfg)
	t.Cleanup(q.Close)
	return q
}

func TestQueue_DispatchesInOrderOneAtATime(t *testing.T) {
	const n = 100
	var (
		mu       sync.Mutex
		seen     []uint64
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	done := make(chan struct{})
	d := funcDispatcher(func(_ context.Context, cmd *ProcessingCommand) {
		cur := inFlight.Add(1)
		if cur > maxSeen.Load() {
			maxSeen.Store(cur)
		}
		mu.Lock()
		seen = append(seen, cmd.Sequence)
		last := len(seen) == n
		mu.Unlock()
		// acknowledge from another goroutine, like the committer does
		go func() {
			time.Sleep(time.Duration(cmd.Sequence%3) * time.Millisecond)
			inFlight.Add(-1)
			cmd.Queue().Commit(cmd, newResult(cmd.Command, StatusSuccess, "", nil))
			if last {
				close(done)
			}
		}()
	})
	q := newTestQueue(t, d, nil)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand(strconv.Itoa(i), "agg-1"), nil)))
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all commands dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i, seq := range seen {
		require.Equal(t, uint64(i+1), seq)
	}
	assert.Equal(t, int32(1), maxSeen.Load())
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_OutOfOrderAcksAreBuffered(t *testing.T) {
	var order []string
	results := &resultLog{}
	q := newTestQueue(t, funcDispatcher(func(context.Context, *ProcessingCommand) {}), results)
	q.Pause()

	cmds := make([]*ProcessingCommand, 3)
	for i := range cmds {
		id := strconv.Itoa(i + 1)
		cmds[i] = NewProcessingCommand(newTestCommand(id, "agg-1"), &recordingAcker{order: &order, id: id})
		require.NoError(t, q.Enqueue(cmds[i]))
	}

	q.Commit(cmds[2], newResult(cmds[2].Command, StatusSuccess, "", nil))
	q.Commit(cmds[1], newResult(cmds[1].Command, StatusSuccess, "", nil))
	assert.Empty(t, order)
	assert.Equal(t, 3, q.Pending())

	q.Commit(cmds[0], newResult(cmds[0].Command, StatusSuccess, "", nil))
	assert.Equal(t, []string{"1", "2", "3"}, order)
	assert.Equal(t, 0, q.Pending())
	assert.Len(t, results.all(), 3)
}

func TestQueue_StaleAckIsIgnored(t *testing.T) {
	results := &resultLog{}
	q := newTestQueue(t, funcDispatcher(func(context.Context, *ProcessingCommand) {}), results)
	q.Pause()

	src := &recordingAcker{}
	cmd := NewProcessingCommand(newTestCommand("1", "agg-1"), src)
	require.NoError(t, q.Enqueue(cmd))

	q.Commit(cmd, newResult(cmd.Command, StatusSuccess, "", nil))
	q.Commit(cmd, newResult(cmd.Command, StatusSuccess, "", nil))
	q.Reject(cmd, newResult(cmd.Command, StatusFailed, "", nil), true)

	commits, rejects := src.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, rejects)
	assert.Len(t, results.all(), 1)
}

func TestQueue_RejectSettlesSource(t *testing.T) {
	q := newTestQueue(t, funcDispatcher(func(context.Context, *ProcessingCommand) {}), nil)
	q.Pause()

	redeliver := &recordingAcker{}
	final := &recordingAcker{}
	c1 := NewProcessingCommand(newTestCommand("1", "agg-1"), redeliver)
	c2 := NewProcessingCommand(newTestCommand("2", "agg-1"), final)
	require.NoError(t, q.Enqueue(c1))
	require.NoError(t, q.Enqueue(c2))

	q.Reject(c1, newResult(c1.Command, StatusFailed, "", nil), true)
	q.Reject(c2, newResult(c2.Command, StatusFailed, "", nil), false)

	commits, rejects := redeliver.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, rejects)
	commits, rejects = final.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, rejects)
}

func TestQueue_ResetSequenceRedispatches(t *testing.T) {
	dispatched := make(chan uint64, 10)
	var retried atomic.Bool
	d := funcDispatcher(func(_ context.Context, cmd *ProcessingCommand) {
		dispatched <- cmd.Sequence
		q := cmd.Queue()
		if cmd.Sequence == 1 && !retried.Swap(true) {
			// run seq 1 again, as after a version conflict
			go func() {
				q.Pause()
				q.ResetSequence(cmd.Sequence)
				q.Restart()
			}()
			return
		}
		go q.Commit(cmd, newResult(cmd.Command, StatusSuccess, "", nil))
	})
	q := newTestQueue(t, d, nil)
	require.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand("1", "agg-1"), nil)))
	require.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand("2", "agg-1"), nil)))

	var got []uint64
	for range 3 {
		select {
		case seq := <-dispatched:
			got = append(got, seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("dispatched so far: %v", got)
		}
	}
	assert.Equal(t, []uint64{1, 1, 2}, got)
}

func TestQueue_ResetBeyondAckedSkips(t *testing.T) {
	dispatched := make(chan uint64, 10)
	d := funcDispatcher(func(_ context.Context, cmd *ProcessingCommand) {
		dispatched <- cmd.Sequence
		go cmd.Queue().Commit(cmd, newResult(cmd.Command, StatusSuccess, "", nil))
	})
	q := newTestQueue(t, d, nil)
	require.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand("1", "agg-1"), nil)))
	require.Equal(t, uint64(1), <-dispatched)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)

	// rewinding onto acknowledged sequences must not run them again
	q.Pause()
	q.ResetSequence(1)
	q.Restart()
	require.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand("2", "agg-1"), nil)))
	require.Equal(t, uint64(2), <-dispatched)

	select {
	case seq := <-dispatched:
		t.Fatalf("unexpected dispatch of %d", seq)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestQueue_PausedQueueDoesNotDispatch(t *testing.T) {
	dispatched := make(chan uint64, 10)
	q := newTestQueue(t, funcDispatcher(func(_ context.Context, cmd *ProcessingCommand) {
		dispatched <- cmd.Sequence
	}), nil)
	q.Pause()
	require.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand("1", "agg-1"), nil)))

	select {
	case <-dispatched:
		t.Fatal("paused queue dispatched")
	case <-time.After(20 * time.Millisecond):
	}

	q.Restart()
	select {
	case seq := <-dispatched:
		assert.Equal(t, uint64(1), seq)
	case <-time.After(time.Second):
		t.Fatal("restarted queue did not dispatch")
	}
}

func TestQueue_DispatchPanicRejects(t *testing.T) {
	results := &resultLog{}
	var calls atomic.Int32
	q := newTestQueue(t, funcDispatcher(func(_ context.Context, cmd *ProcessingCommand) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		cmd.Queue().Commit(cmd, newResult(cmd.Command, StatusSuccess, "", nil))
	}), results)

	src := &recordingAcker{}
	require.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand("1", "agg-1"), src)))
	require.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand("2", "agg-1"), nil)))

	require.Eventually(t, func() bool { return len(results.all()) == 2 }, time.Second, 5*time.Millisecond)
	res := results.all()
	assert.Equal(t, StatusFailed, res[0].Status)
	assert.Contains(t, res[0].Err, "boom")
	assert.Equal(t, StatusSuccess, res[1].Status)

	commits, rejects := src.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, rejects)
}

func TestQueue_Idle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := newProcessingCommandQueue(t.Context(), "agg-1", funcDispatcher(func(context.Context, *ProcessingCommand) {}), queueConfig{
		log: slog.Default(),
		now: clock,
	})
	t.Cleanup(q.Close)

	assert.True(t, q.Idle(now, 0))
	assert.False(t, q.Idle(now, time.Minute))
	assert.True(t, q.Idle(now.Add(time.Minute), time.Minute))

	q.Pause()
	require.NoError(t, q.Enqueue(NewProcessingCommand(newTestCommand("1", "agg-1"), nil)))
	assert.False(t, q.Idle(now.Add(time.Hour), time.Minute))
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := newTestQueue(t, funcDispatcher(func(context.Context, *ProcessingCommand) {}), nil)
	q.Close()
	require.ErrorIs(t, q.Enqueue(NewProcessingCommand(newTestCommand("1", "agg-1"), nil)), ErrQueueClosed)
}
