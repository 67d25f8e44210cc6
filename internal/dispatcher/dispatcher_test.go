// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/browser"
	"github.com/solvekit/captcha-relay/internal/captcha"
	"github.com/solvekit/captcha-relay/internal/clock/system"
	"github.com/solvekit/captcha-relay/internal/metrics"
	"github.com/solvekit/captcha-relay/internal/proxy"
	"github.com/solvekit/captcha-relay/internal/queue/memory"
	"github.com/solvekit/captcha-relay/internal/registry"
	"github.com/solvekit/captcha-relay/internal/solver"
	"github.com/solvekit/captcha-relay/internal/worker"
)

func init() {
	metrics.Init()
}

type countingPool struct{}

func (countingPool) Select(context.Context) (proxy.Record, error) {
	return proxy.Record{Proxy: "10.0.0.1:8080", Scheme: "http"}, nil
}

func (countingPool) ReportOutcome(string, bool) {}

type poolBrowser struct{}

func (poolBrowser) AcquireContext(context.Context) (*browser.Context, error) {
	return &browser.Context{Tab: context.Background()}, nil
}

func (poolBrowser) Invalidate() {}

// slowSolver tracks how many solves run at once.
type slowSolver struct {
	active  atomic.Int64
	maxSeen atomic.Int64
}

func (s *slowSolver) Solve(context.Context, context.Context, captcha.TaskSpec, string) (solver.Outcome, error) {
	current := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if current <= seen || s.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return solver.Outcome{Token: "tok"}, nil
}

func TestDispatcherFansOutAndBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const jobs = 10
	const workers = 5

	queue := memory.NewQueue(jobs)
	t.Cleanup(queue.Close)
	reg := registry.New(registry.Config{}, queue, system.New(), zap.NewNop())
	slv := &slowSolver{}

	pool := make([]*worker.Worker, 0, workers)
	for i := 0; i < workers; i++ {
		pool = append(pool, worker.New(
			queue, reg, poolBrowser{}, countingPool{}, slv,
			nil, nil, nil, system.New(), worker.Config{}, zap.NewNop(),
		))
	}
	d := New(pool, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	jobIDs := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		jobID, err := reg.Submit(ctx, captcha.TaskSpec{
			Kind:    captcha.KindRecaptchaV2,
			PageURL: fmt.Sprintf("https://example.com/page/%d", i),
			SiteKey: "sitekey",
		})
		require.NoError(t, err)
		jobIDs = append(jobIDs, jobID)
	}

	require.Eventually(t, func() bool {
		for _, jobID := range jobIDs {
			job, err := reg.Poll(jobID)
			if err != nil || !job.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	for _, jobID := range jobIDs {
		job, err := reg.Poll(jobID)
		require.NoError(t, err)
		require.Equal(t, captcha.StatusSolved, job.Status)
		require.Equal(t, "tok", job.Token)
	}
	require.LessOrEqual(t, slv.maxSeen.Load(), int64(workers))

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}
