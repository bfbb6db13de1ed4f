package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
)

func testBusConfig() *config.BusConfig {
	return &config.BusConfig{
		MaxConcurrency: 3,
		QueueSize:      100,
		SubmitTimeout:  100 * time.Millisecond,
		TaskTimeout:    time.Minute,
	}
}

func TestSubmitAndWait(t *testing.T) {
	b := New(testBusConfig())
	defer b.Cleanup()

	b.Register("a1", func(_ context.Context, task Task) (any, error) {
		return "echo:" + task.Payload.(string), nil
	}, 1)

	h, err := b.Submit(context.Background(), "a1", Task{ID: "t1", Payload: "hi"}, nil)
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", result)
}

func TestSubmitUnknownAgent(t *testing.T) {
	b := New(testBusConfig())
	defer b.Cleanup()

	_, err := b.Submit(context.Background(), "ghost", Task{ID: "t1"}, nil)
	assert.ErrorIs(t, err, ErrAgentNotRegistered)
}

func TestHandlerErrorPropagates(t *testing.T) {
	b := New(testBusConfig())
	defer b.Cleanup()

	boom := errors.New("boom")
	b.Register("a1", func(context.Context, Task) (any, error) { return nil, boom }, 1)

	h, err := b.Submit(context.Background(), "a1", Task{ID: "t1"}, nil)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestConcurrencyCapEnforced(t *testing.T) {
	b := New(testBusConfig())
	defer b.Cleanup()

	var current, peak atomic.Int32
	release := make(chan struct{})
	b.Register("a1", func(context.Context, Task) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return nil, nil
	}, 2)

	var handles []*Handle
	for i := 0; i < 6; i++ {
		h, err := b.Submit(context.Background(), "a1", Task{ID: "t"}, nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	// Let the consumer saturate the cap, then release everything.
	time.Sleep(100 * time.Millisecond)
	close(release)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestFIFODispatchStart(t *testing.T) {
	b := New(testBusConfig())
	defer b.Cleanup()

	var mu sync.Mutex
	var started []string
	// max_concurrency 1 serializes execution, exposing dispatch order.
	b.Register("a1", func(_ context.Context, task Task) (any, error) {
		mu.Lock()
		started = append(started, task.ID)
		mu.Unlock()
		return nil, nil
	}, 1)

	var handles []*Handle
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		h, err := b.Submit(context.Background(), "a1", Task{ID: id}, nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, started)
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := testBusConfig()
	cfg.QueueSize = 1
	cfg.SubmitTimeout = 50 * time.Millisecond
	b := New(cfg)
	defer b.Cleanup()

	block := make(chan struct{})
	b.Register("a1", func(context.Context, Task) (any, error) {
		<-block
		return nil, nil
	}, 1)

	// With the handler blocked and a single queue slot, repeated submits
	// must hit the bounded-wait failure once the consumer stops draining.
	var sawFull bool
	for i := 0; i < 5; i++ {
		if _, err := b.Submit(context.Background(), "a1", Task{ID: "t"}, nil); errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull)
	close(block)
}

func TestCallbackRunsAndPanicsAreSwallowed(t *testing.T) {
	b := New(testBusConfig())
	defer b.Cleanup()

	b.Register("a1", func(context.Context, Task) (any, error) { return 42, nil }, 1)

	got := make(chan any, 1)
	h, err := b.Submit(context.Background(), "a1", Task{ID: "t1"}, func(result any, err error) {
		got <- result
		panic("callback bug")
	})
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}

	// The bus keeps working after a panicking callback.
	h2, err := b.Submit(context.Background(), "a1", Task{ID: "t2"}, nil)
	require.NoError(t, err)
	_, err = h2.Wait(context.Background())
	require.NoError(t, err)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	b := New(testBusConfig())
	defer b.Cleanup()

	b.Register("a1", func(context.Context, Task) (any, error) { panic("handler bug") }, 1)

	h, err := b.Submit(context.Background(), "a1", Task{ID: "t1"}, nil)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
}

func TestReRegisterIsNoOp(t *testing.T) {
	b := New(testBusConfig())
	defer b.Cleanup()

	b.Register("a1", func(context.Context, Task) (any, error) { return "first", nil }, 1)
	b.Register("a1", func(context.Context, Task) (any, error) { return "second", nil }, 1)

	h, err := b.Submit(context.Background(), "a1", Task{ID: "t1"}, nil)
	require.NoError(t, err)
	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", result)
	assert.Equal(t, 1, b.AgentCount())
}

func TestDeregisterFailsQueuedTasks(t *testing.T) {
	b := New(testBusConfig())

	block := make(chan struct{})
	defer close(block)
	b.Register("a1", func(context.Context, Task) (any, error) {
		<-block
		return nil, nil
	}, 1)

	_, err := b.Submit(context.Background(), "a1", Task{ID: "t1"}, nil)
	require.NoError(t, err)
	queued, err := b.Submit(context.Background(), "a1", Task{ID: "t2"}, nil)
	require.NoError(t, err)
	// Give the consumer time to pop t1 so t2 stays queued.
	time.Sleep(50 * time.Millisecond)

	b.Deregister("a1")
	assert.False(t, b.Registered("a1"))

	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrAgentDeregistered)

	_, err = b.Submit(context.Background(), "a1", Task{ID: "t3"}, nil)
	assert.ErrorIs(t, err, ErrAgentNotRegistered)
}

func TestSubmitRacingDeregisterNeverStrandsTask(t *testing.T) {
	cfg := testBusConfig()
	cfg.SubmitTimeout = 10 * time.Millisecond
	b := New(cfg)
	defer b.Cleanup()

	// Hammer the submit/deregister window: every Submit that reports success
	// must hand back a handle that resolves, never one stuck in a queue
	// nobody drains.
	for i := 0; i < 50; i++ {
		agentID := "racer"
		b.Register(agentID, func(context.Context, Task) (any, error) { return "ok", nil }, 1)

		type outcome struct {
			h   *Handle
			err error
		}
		results := make(chan outcome, 4)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h, err := b.Submit(context.Background(), agentID, Task{ID: "t"}, nil)
				results <- outcome{h, err}
			}()
		}
		b.Deregister(agentID)
		wg.Wait()
		close(results)

		for out := range results {
			if out.err != nil {
				continue
			}
			waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, err := out.h.Wait(waitCtx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				t.Fatal("accepted task neither ran nor failed after deregister")
			}
		}
	}
}

func TestCleanupStopsEverything(t *testing.T) {
	b := New(testBusConfig())
	b.Register("a1", func(context.Context, Task) (any, error) { return nil, nil }, 1)
	b.Register("a2", func(context.Context, Task) (any, error) { return nil, nil }, 1)

	b.Cleanup()
	assert.Equal(t, 0, b.AgentCount())

	// Registration after cleanup is rejected.
	b.Register("a3", func(context.Context, Task) (any, error) { return nil, nil }, 1)
	assert.False(t, b.Registered("a3"))
}

func TestTaskTimeoutCancelsHandlerContext(t *testing.T) {
	cfg := testBusConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	b := New(cfg)
	defer b.Cleanup()

	b.Register("a1", func(ctx context.Context, _ Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 1)

	h, err := b.Submit(context.Background(), "a1", Task{ID: "t1"}, nil)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
