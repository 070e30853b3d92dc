package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/worker"
)

type blockingRunner struct {
	release  chan struct{}
	running  atomic.Int32
	peak     atomic.Int32
	finished atomic.Int32
	ctxErr   atomic.Value
}

func (r *blockingRunner) Run(ctx context.Context, target discovery.SearchTarget, _ discovery.Permit) worker.Report {
	n := r.running.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	<-r.release
	if err := ctx.Err(); err != nil {
		r.ctxErr.Store(err)
	}
	r.running.Add(-1)
	r.finished.Add(1)
	return worker.Report{TargetID: target.ID, Succeeded: true}
}

func TestNewRequiresRunner(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestSubmitBoundedByPoolSize(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{release: make(chan struct{})}
	d, err := New(Config{Workers: 2}, runner, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	var mu sync.Mutex
	var done []string
	submit := func(id string) error {
		return d.Submit(ctx, Job{
			Target: discovery.SearchTarget{ID: id},
			Done: func(_ context.Context, rep worker.Report) {
				mu.Lock()
				defer mu.Unlock()
				done = append(done, rep.TargetID)
			},
		})
	}
	require.NoError(t, submit("a"))
	require.NoError(t, submit("b"))

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	err = d.Submit(short, Job{Target: discovery.SearchTarget{ID: "c"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(runner.release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), runner.peak.Load())
	require.NoError(t, d.Stop(context.Background()))
}

func TestStopLetsInFlightRunsFinish(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{release: make(chan struct{})}
	d, err := New(Config{Workers: 1}, runner, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	require.NoError(t, d.Submit(ctx, Job{Target: discovery.SearchTarget{ID: "a"}}))
	require.Eventually(t, func() bool { return runner.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned before the in-flight run finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(runner.release)
	require.NoError(t, <-stopped)
	require.Equal(t, int32(1), runner.finished.Load())
	require.Nil(t, runner.ctxErr.Load())

	require.ErrorIs(t, d.Submit(context.Background(), Job{}), ErrStopped)
}

func TestStopHonoursDeadline(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{release: make(chan struct{})}
	defer close(runner.release)
	d, err := New(Config{Workers: 1}, runner, nil)
	require.NoError(t, err)
	d.Start(context.Background())
	require.NoError(t, d.Submit(context.Background(), Job{Target: discovery.SearchTarget{ID: "a"}}))
	require.Eventually(t, func() bool { return runner.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
}

func TestDefaultWorkers(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, DefaultWorkers(nil))
	require.Equal(t, 2, DefaultWorkers([]discovery.SearchTarget{
		{Country: "Kenya"}, {Country: "Ghana"}, {Country: "Kenya"},
	}))
}
