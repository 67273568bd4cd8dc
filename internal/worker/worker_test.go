package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/store"
)

func newTestLoop(t *testing.T, cfg Config, reg *Registry) (*Loop, *queue.Queue) {
	t.Helper()
	q := queue.New(store.NewMemory(), nil, nil)
	return New(q, reg, cfg, nil, nil), q
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached %s", id, want)
			return nil
		case <-time.After(5 * time.Millisecond):
			job, err := q.GetStatus(context.Background(), id)
			require.NoError(t, err)
			if job.Status == want {
				return job
			}
		}
	}
}

func TestLoopProcessesJob(t *testing.T) {
	reg := NewRegistry()
	var handled atomic.Int32
	reg.Register(queue.TypeCleanup, HandlerFunc(func(ctx context.Context, job *queue.Job, rep *Reporter) error {
		handled.Add(1)
		require.NoError(t, rep.Progress(ctx, 50, "sweeping"))
		return nil
	}))

	loop, q := newTestLoop(t, Config{PollInterval: 10 * time.Millisecond}, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	id, err := q.Enqueue(ctx, queue.TypeCleanup, map[string]any{"batch_size": 100})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, queue.StatusCompleted)
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.Error)
}

func TestConcurrencyCeiling(t *testing.T) {
	var running, peak atomic.Int32
	block := make(chan struct{})

	reg := NewRegistry()
	reg.Register(queue.TypeFlyer, HandlerFunc(func(ctx context.Context, job *queue.Job, rep *Reporter) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-block
		running.Add(-1)
		return nil
	}))

	loop, q := newTestLoop(t, Config{PollInterval: 5 * time.Millisecond, Concurrency: 2}, reg)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	for range 5 {
		_, err := q.Enqueue(ctx, queue.TypeFlyer, map[string]any{})
		require.NoError(t, err)
	}

	// Let several ticks pass with all handlers blocked.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())
	assert.Equal(t, 2, loop.InFlight())

	close(block)
	require.Eventually(t, func() bool {
		n, err := q.PendingLen(ctx)
		return err == nil && n == 0 && loop.InFlight() == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int32(2), "ceiling must never be exceeded")
	cancel()
}

func TestTimeoutForcesFailure(t *testing.T) {
	done := make(chan struct{})
	reg := NewRegistry()
	reg.Register(queue.TypeFlyer, HandlerFunc(func(ctx context.Context, job *queue.Job, rep *Reporter) error {
		defer close(done)
		// Outlive the job timeout, then report success anyway.
		time.Sleep(150 * time.Millisecond)
		return nil
	}))

	loop, q := newTestLoop(t, Config{
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   30 * time.Millisecond,
	}, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	id, err := q.Enqueue(ctx, queue.TypeFlyer, map[string]any{})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, queue.StatusFailed)
	assert.Equal(t, "processing timed out", job.Error)

	// The timeout freed the slot before the handler returned.
	assert.Eventually(t, func() bool { return loop.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	// The handler's late completion must not flip the terminal status.
	<-done
	time.Sleep(20 * time.Millisecond)
	job, err = q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Equal(t, "processing timed out", job.Error)
}

func TestMissingHandlerFailsJob(t *testing.T) {
	loop, q := newTestLoop(t, Config{PollInterval: 5 * time.Millisecond}, NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	id, err := q.Enqueue(ctx, queue.JobType("mystery"), map[string]any{})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, queue.StatusFailed)
	assert.Equal(t, "unsupported job type", job.Error)
}

func TestHandlerErrorDoesNotCrashLoop(t *testing.T) {
	reg := NewRegistry()
	reg.Register(queue.TypeFlyer, HandlerFunc(func(ctx context.Context, job *queue.Job, rep *Reporter) error {
		return errors.New("extraction upstream returned 503")
	}))
	reg.Register(queue.TypeCleanup, HandlerFunc(func(ctx context.Context, job *queue.Job, rep *Reporter) error {
		return nil
	}))

	loop, q := newTestLoop(t, Config{PollInterval: 5 * time.Millisecond}, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	badID, err := q.Enqueue(ctx, queue.TypeFlyer, map[string]any{})
	require.NoError(t, err)
	goodID, err := q.Enqueue(ctx, queue.TypeCleanup, map[string]any{})
	require.NoError(t, err)

	bad := waitForStatus(t, q, badID, queue.StatusFailed)
	// User-facing message is sanitized; upstream details stay in the log.
	assert.Equal(t, "processing failed", bad.Error)

	waitForStatus(t, q, goodID, queue.StatusCompleted)
}

func TestHandlerPanicFailsJobOnly(t *testing.T) {
	reg := NewRegistry()
	reg.Register(queue.TypeFlyer, HandlerFunc(func(ctx context.Context, job *queue.Job, rep *Reporter) error {
		panic("nil coordinate")
	}))

	loop, q := newTestLoop(t, Config{PollInterval: 5 * time.Millisecond}, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	id, err := q.Enqueue(ctx, queue.TypeFlyer, map[string]any{})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, queue.StatusFailed)
	assert.Equal(t, "processing failed", job.Error)
	assert.Eventually(t, func() bool { return loop.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	h := HandlerFunc(func(ctx context.Context, job *queue.Job, rep *Reporter) error { return nil })
	reg.Register(queue.TypeFlyer, h)

	_, err := reg.Lookup(queue.TypeFlyer)
	assert.NoError(t, err)

	_, err = reg.Lookup(queue.JobType("unknown"))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestReporterUpdatesStepDetail(t *testing.T) {
	q := queue.New(store.NewMemory(), nil, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.TypeFlyer, map[string]any{})
	require.NoError(t, err)

	rep := &Reporter{queue: q, jobID: id}
	require.NoError(t, rep.StepDetail(ctx, 40, queue.StepDetail{
		Step: 3, TotalSteps: 6, StepProgress: 40, Description: "matching duplicates",
	}))

	job, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 40, job.Progress)
	require.NotNil(t, job.Detail)
	assert.Equal(t, 3, job.Detail.Step)
	assert.Equal(t, "matching duplicates", job.Step)
}
