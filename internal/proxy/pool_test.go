package proxy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
	"github.com/solvekit/captcha-relay/internal/metrics"
)

func init() {
	metrics.Init()
}

type fakeFetcher struct {
	mu         sync.Mutex
	bySource   map[string][]Candidate
	err        error
	fetchCalls int
}

func (f *fakeFetcher) Fetch(_ context.Context, sourceURL string) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bySource[sourceURL], nil
}

type fakeTester struct {
	mu     sync.Mutex
	pass   map[string]bool
	tested []string
}

func (f *fakeTester) Test(_ context.Context, candidate Candidate) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tested = append(f.tested, candidate.Address)
	if !f.pass[candidate.Address] {
		return Record{}, errors.New("connect timeout")
	}
	return Record{
		Proxy:      candidate.Address,
		Scheme:     candidate.Scheme,
		LatencyMs:  42,
		EgressIP:   "203.0.113.9",
		LastTested: time.Now().UTC(),
	}, nil
}

func newTestPool(t *testing.T, cfg Config, fetcher Fetcher, tester Tester) *Pool {
	t.Helper()
	if fetcher == nil {
		fetcher = &fakeFetcher{}
	}
	if tester == nil {
		tester = &fakeTester{}
	}
	pool, err := NewPool(cfg, fetcher, tester, zap.NewNop())
	require.NoError(t, err)
	return pool
}

func TestNewPoolRejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{Policy: "best_effort"}, &fakeFetcher{}, &fakeTester{}, zap.NewNop())
	require.ErrorContains(t, err, "unknown proxy policy")
}

func TestRefreshAddsOnlyVerifiedCandidates(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{bySource: map[string][]Candidate{
		"https://list.example/http.txt": {
			{Address: "10.0.0.1:8080", Scheme: "http"},
			{Address: "10.0.0.2:8080", Scheme: "http"},
			{Address: "10.0.0.3:8080", Scheme: "http"},
		},
	}}
	tester := &fakeTester{pass: map[string]bool{
		"10.0.0.1:8080": true,
		"10.0.0.3:8080": true,
	}}
	pool := newTestPool(t, Config{
		Sources:      []string{"https://list.example/http.txt"},
		TestParallel: 2,
	}, fetcher, tester)

	added, err := pool.Refresh(context.Background(), RefreshOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, 2, pool.Len())

	_, err = pool.Select(context.Background())
	require.NoError(t, err)
}

func TestRefreshCapsAdditionsAtTargetCount(t *testing.T) {
	t.Parallel()

	candidates := make([]Candidate, 0, 10)
	pass := make(map[string]bool, 10)
	for i := 0; i < 10; i++ {
		addr := fmt.Sprintf("10.0.1.%d:8080", i+1)
		candidates = append(candidates, Candidate{Address: addr, Scheme: "http"})
		pass[addr] = true
	}
	fetcher := &fakeFetcher{bySource: map[string][]Candidate{
		"https://list.example/http.txt": candidates,
	}}
	pool := newTestPool(t, Config{
		Sources:      []string{"https://list.example/http.txt"},
		TargetCount:  3,
		TestParallel: 2,
	}, fetcher, &fakeTester{pass: pass})

	added, err := pool.Refresh(context.Background(), RefreshOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, 3, added)
	require.Equal(t, 3, pool.Len())
}

func TestRefreshSkipsWhenPoolMeetsTarget(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{bySource: map[string][]Candidate{
		"https://list.example/http.txt": {{Address: "10.0.0.1:8080", Scheme: "http"}},
	}}
	tester := &fakeTester{pass: map[string]bool{"10.0.0.1:8080": true}}
	pool := newTestPool(t, Config{
		Sources:      []string{"https://list.example/http.txt"},
		TargetCount:  1,
		TestParallel: 1,
	}, fetcher, tester)

	_, err := pool.Refresh(context.Background(), RefreshOptions{Force: true})
	require.NoError(t, err)

	added, err := pool.Refresh(context.Background(), RefreshOptions{})
	require.NoError(t, err)
	require.Zero(t, added)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	require.Equal(t, 1, fetcher.fetchCalls)
}

func TestMergeKeepsTrackRecordAndCleanEvicts(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MinSamples: 2, MaxFailRatio: 0.5}, nil, nil)
	pool.merge([]Record{
		{Proxy: "10.0.0.1:8080", Scheme: "http", LatencyMs: 100},
		{Proxy: "10.0.0.2:8080", Scheme: "http", LatencyMs: 100},
	}, false)

	// Burn proxy .2 out: two failures crosses the ratio at MinSamples.
	pool.ReportOutcome("http://10.0.0.2:8080", false)
	pool.ReportOutcome("http://10.0.0.2:8080", false)
	pool.ReportOutcome("http://10.0.0.1:8080", true)
	pool.ReportOutcome("http://10.0.0.1:8080", true)

	// Re-merging the same proxy refreshes measurements, not counters.
	added := pool.merge([]Record{
		{Proxy: "10.0.0.1:8080", Scheme: "http", LatencyMs: 7, EgressIP: "198.51.100.4"},
	}, false)
	require.Zero(t, added)
	stats := pool.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Eligible)
	for _, record := range stats.Records {
		if record.Proxy == "10.0.0.1:8080" {
			require.Equal(t, int64(7), record.LatencyMs)
			require.Equal(t, 2, record.SuccessCount)
		}
	}

	// A clean merge drops the burned-out record entirely.
	pool.merge(nil, true)
	require.Equal(t, 1, pool.Len())
}

func TestSelectExhaustedWhenNothingEligible(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MinSamples: 1, MaxFailRatio: 0.5}, nil, nil)
	_, err := pool.Select(context.Background())
	require.ErrorIs(t, err, captcha.ErrProxyExhausted)

	pool.merge([]Record{{Proxy: "10.0.0.1:8080", Scheme: "http"}}, false)
	pool.ReportOutcome("http://10.0.0.1:8080", false)
	_, err = pool.Select(context.Background())
	require.ErrorIs(t, err, captcha.ErrProxyExhausted)
}

func TestSelectRoundRobinCycles(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{Policy: PolicyRoundRobin}, nil, nil)
	pool.merge([]Record{
		{Proxy: "10.0.0.1:8080", Scheme: "http"},
		{Proxy: "10.0.0.2:8080", Scheme: "http"},
		{Proxy: "10.0.0.3:8080", Scheme: "http"},
	}, false)

	var order []string
	for i := 0; i < 6; i++ {
		record, err := pool.Select(context.Background())
		require.NoError(t, err)
		order = append(order, record.Proxy)
	}
	require.Equal(t, order[:3], order[3:])
	require.ElementsMatch(t,
		[]string{"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080"},
		order[:3],
	)
}

func TestSelectRandomPrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{Policy: PolicyRandom}, nil, nil)
	now := time.Now().UTC()
	pool.merge([]Record{
		{Proxy: "10.0.0.1:8080", Scheme: "http", LastUsed: now},
		{Proxy: "10.0.0.2:8080", Scheme: "http", LastUsed: now.Add(-time.Hour)},
	}, false)

	// With two records the LRU window has size one, so the stale proxy
	// must come out first.
	record, err := pool.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:8080", record.Proxy)
}

func TestSelectLatencyWeightedReturnsEligible(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{Policy: PolicyLatencyWeighted}, nil, nil)
	pool.merge([]Record{
		{Proxy: "10.0.0.1:8080", Scheme: "http", LatencyMs: 10},
		{Proxy: "10.0.0.2:8080", Scheme: "http", LatencyMs: 5000},
	}, false)

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		record, err := pool.Select(context.Background())
		require.NoError(t, err)
		counts[record.Proxy]++
	}
	require.Greater(t, counts["10.0.0.1:8080"], counts["10.0.0.2:8080"])
}

func TestReportOutcomePersistsEveryNthSuccess(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "working_proxies.json")
	pool := newTestPool(t, Config{File: file, SaveEvery: 2}, nil, nil)
	pool.merge([]Record{{Proxy: "10.0.0.1:8080", Scheme: "http"}}, false)

	pool.ReportOutcome("http://10.0.0.1:8080", true)
	records, err := LoadRecords(file)
	require.NoError(t, err)
	require.Empty(t, records)

	pool.ReportOutcome("http://10.0.0.1:8080", true)
	records, err = LoadRecords(file)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 2, records[0].SuccessCount)

	// Outcomes for proxies that already rotated out are ignored.
	pool.ReportOutcome("http://10.9.9.9:8080", true)
}

func TestNewPoolLoadsPersistedRecords(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "working_proxies.json")
	require.NoError(t, SaveRecords(file, []Record{
		{Proxy: "10.0.0.1:8080", Scheme: "socks5", LatencyMs: 120, SuccessCount: 9},
	}))

	pool := newTestPool(t, Config{File: file}, nil, nil)
	require.Equal(t, 1, pool.Len())

	record, err := pool.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "socks5://10.0.0.1:8080", record.URL())
	require.Equal(t, 9, record.SuccessCount)
}
