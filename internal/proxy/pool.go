package proxy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
	"github.com/solvekit/captcha-relay/internal/metrics"
)

// Policy names a proxy selection strategy.
type Policy string

const (
	// PolicyRoundRobin walks eligible proxies in a stable order.
	PolicyRoundRobin Policy = "round_robin"
	// PolicyLatencyWeighted prefers faster proxies proportionally.
	PolicyLatencyWeighted Policy = "latency_weighted"
	// PolicyRandom picks uniformly among the least recently used half.
	PolicyRandom Policy = "random"
)

// Config controls pool behavior.
type Config struct {
	Sources []string
	// File is the working-proxies persistence path.
	File   string
	Policy Policy
	// TargetCount is how many working proxies a refresh aims for.
	TargetCount int
	// TestCount bounds how many untested candidates one refresh will try.
	TestCount int
	// TestParallel is the verification worker count.
	TestParallel int
	// MinProxies is the healthy floor below which maintenance refreshes.
	MinProxies int
	// MaxFailRatio ejects a proxy from selection once its observed failure
	// ratio crosses it, but only after MinSamples outcomes.
	MaxFailRatio float64
	MinSamples   int
	// SaveEvery persists the pool after every Nth reported success.
	SaveEvery int
}

// RefreshOptions tunes a single refresh pass.
type RefreshOptions struct {
	// Force refreshes even when the pool already meets TargetCount.
	Force bool
	// Clean drops ineligible records before merging the new batch in.
	Clean bool
}

// Stats summarizes the pool for the ops endpoints.
type Stats struct {
	Total    int      `json:"total"`
	Eligible int      `json:"eligible"`
	Policy   Policy   `json:"policy"`
	Records  []Record `json:"records"`
}

// Pool holds the vetted proxies and hands them out to workers. Selection and
// outcome reporting run under a short mutex; refreshes build their batch
// outside the lock and merge in one step, so workers never see a half-built
// pool.
type Pool struct {
	cfg     Config
	fetcher Fetcher
	tester  Tester
	logger  *zap.Logger

	mu               sync.Mutex
	records          map[string]*Record // keyed by Record.URL()
	rrOrder          []string
	rrIndex          int
	successSinceSave int

	refreshMu sync.Mutex
	rng       *rand.Rand
	rngMu     sync.Mutex
}

// NewPool builds a pool and primes it from the working-proxies file when one
// exists.
func NewPool(cfg Config, fetcher Fetcher, tester Tester, logger *zap.Logger) (*Pool, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyRandom
	}
	switch cfg.Policy {
	case PolicyRoundRobin, PolicyLatencyWeighted, PolicyRandom:
	default:
		return nil, fmt.Errorf("unknown proxy policy %q", cfg.Policy)
	}
	if cfg.TargetCount <= 0 {
		cfg.TargetCount = 50
	}
	if cfg.TestCount <= 0 {
		cfg.TestCount = 100
	}
	if cfg.TestParallel <= 0 {
		cfg.TestParallel = 10
	}
	if cfg.MaxFailRatio <= 0 {
		cfg.MaxFailRatio = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	if cfg.SaveEvery <= 0 {
		cfg.SaveEvery = 10
	}

	p := &Pool{
		cfg:     cfg,
		fetcher: fetcher,
		tester:  tester,
		logger:  logger,
		records: make(map[string]*Record),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if cfg.File != "" {
		loaded, err := LoadRecords(cfg.File)
		if err != nil {
			return nil, err
		}
		for i := range loaded {
			record := loaded[i]
			p.records[record.URL()] = &record
		}
		if len(loaded) > 0 {
			logger.Info("loaded proxy pool", zap.Int("proxies", len(loaded)))
		}
	}
	p.rebuildOrderLocked()
	metrics.SetProxyPoolSize(len(p.records))
	return p, nil
}

// Refresh harvests candidates, verifies a batch of them, and merges the
// survivors into the pool. Only one refresh runs at a time; callers racing a
// running refresh wait their turn and typically find the pool already full.
func (p *Pool) Refresh(ctx context.Context, opts RefreshOptions) (int, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if !opts.Force && p.eligibleCount() >= p.cfg.TargetCount {
		return 0, nil
	}

	candidates, err := p.harvest(ctx)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, fmt.Errorf("no proxy candidates from %d sources", len(p.cfg.Sources))
	}

	p.shuffle(candidates)
	if len(candidates) > p.cfg.TestCount {
		candidates = candidates[:p.cfg.TestCount]
	}

	passed := p.verify(ctx, candidates)
	added := p.merge(passed, opts.Clean)

	if p.cfg.File != "" {
		if err := p.save(); err != nil {
			p.logger.Warn("persist proxy pool", zap.Error(err))
		}
	}
	p.logger.Info("proxy refresh complete",
		zap.Int("tested", len(candidates)),
		zap.Int("passed", len(passed)),
		zap.Int("added", added),
		zap.Int("pool_size", p.Len()),
	)
	return added, nil
}

// harvest pulls every source and dedupes against both itself and the pool.
func (p *Pool) harvest(ctx context.Context) ([]Candidate, error) {
	seen := make(map[string]struct{})
	p.mu.Lock()
	for url := range p.records {
		seen[url] = struct{}{}
	}
	p.mu.Unlock()

	var candidates []Candidate
	var lastErr error
	for _, source := range p.cfg.Sources {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("harvest canceled: %w", ctx.Err())
		}
		fetched, err := p.fetcher.Fetch(ctx, source)
		if err != nil {
			p.logger.Warn("proxy source failed", zap.String("source", source), zap.Error(err))
			lastErr = err
			continue
		}
		for _, candidate := range fetched {
			if _, dup := seen[candidate.URL()]; dup {
				continue
			}
			seen[candidate.URL()] = struct{}{}
			candidates = append(candidates, candidate)
		}
	}
	if len(candidates) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all proxy sources failed: %w", lastErr)
	}
	return candidates, nil
}

// verify fans candidates out to the tester and collects passing records up to
// the pool's current shortfall. Hitting the cap cancels the batch, so the
// remaining candidates are neither fed nor finished and a refresh never
// publishes past TargetCount.
func (p *Pool) verify(ctx context.Context, candidates []Candidate) []Record {
	need := p.cfg.TargetCount - p.eligibleCount()
	if need < 1 {
		need = 1
	}

	jobs := make(chan Candidate)
	results := make(chan Record, len(candidates))
	verifyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.TestParallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for candidate := range jobs {
				record, err := p.tester.Test(verifyCtx, candidate)
				if err != nil {
					metrics.ObserveProxyTest("fail")
					continue
				}
				metrics.ObserveProxyTest("pass")
				results <- record
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, candidate := range candidates {
			select {
			case <-verifyCtx.Done():
				return
			case jobs <- candidate:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// results is buffered for the whole batch, so draining to close never
	// strands a tester even after the cap is hit.
	var passed []Record
	for record := range results {
		if len(passed) >= need {
			continue
		}
		passed = append(passed, record)
		if len(passed) == need {
			cancel()
		}
	}
	return passed
}

// merge publishes a verified batch into the pool. Existing records keep
// their accumulated counts; a merge only ever shrinks the pool when Clean
// asks for ineligible records to be dropped.
func (p *Pool) merge(batch []Record, clean bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*Record, len(p.records)+len(batch))
	for url, record := range p.records {
		if clean && !p.eligibleLocked(record) {
			metrics.ObserveProxyOutcome("evicted")
			continue
		}
		next[url] = record
	}

	added := 0
	for i := range batch {
		record := batch[i]
		if existing, ok := next[record.URL()]; ok {
			existing.LatencyMs = record.LatencyMs
			existing.EgressIP = record.EgressIP
			if record.Country != "" {
				existing.Country = record.Country
			}
			existing.LastTested = record.LastTested
			continue
		}
		next[record.URL()] = &record
		added++
	}

	p.records = next
	p.rebuildOrderLocked()
	metrics.SetProxyPoolSize(len(p.records))
	return added
}

// Select hands out one eligible proxy according to the configured policy.
func (p *Pool) Select(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("select canceled: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := p.eligibleLockedSlice()
	if len(eligible) == 0 {
		return Record{}, fmt.Errorf("no eligible proxies in pool of %d: %w",
			len(p.records), captcha.ErrProxyExhausted)
	}

	var chosen *Record
	switch p.cfg.Policy {
	case PolicyRoundRobin:
		chosen = p.pickRoundRobinLocked(eligible)
	case PolicyLatencyWeighted:
		chosen = p.pickLatencyWeightedLocked(eligible)
	default:
		chosen = p.pickRandomLocked(eligible)
	}

	chosen.LastUsed = time.Now().UTC()
	return *chosen, nil
}

func (p *Pool) pickRoundRobinLocked(eligible []*Record) *Record {
	byURL := make(map[string]*Record, len(eligible))
	for _, record := range eligible {
		byURL[record.URL()] = record
	}
	for range p.rrOrder {
		url := p.rrOrder[p.rrIndex%len(p.rrOrder)]
		p.rrIndex++
		if record, ok := byURL[url]; ok {
			return record
		}
	}
	return eligible[0]
}

func (p *Pool) pickLatencyWeightedLocked(eligible []*Record) *Record {
	var total float64
	weights := make([]float64, len(eligible))
	for i, record := range eligible {
		latency := record.LatencyMs
		if latency < 1 {
			latency = 1
		}
		weights[i] = 1 / float64(latency)
		total += weights[i]
	}
	target := p.randFloat() * total
	for i, weight := range weights {
		target -= weight
		if target <= 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

// pickRandomLocked chooses uniformly among the least recently used half so
// a small pool still spreads load instead of hammering one endpoint.
func (p *Pool) pickRandomLocked(eligible []*Record) *Record {
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].LastUsed.Before(eligible[j].LastUsed)
	})
	window := (len(eligible) + 1) / 2
	return eligible[p.randIntn(window)]
}

// ReportOutcome records a success or failure for the proxy identified by
// its URL. Every SaveEvery-th success also snapshots the pool to disk.
func (p *Pool) ReportOutcome(proxyURL string, success bool) {
	p.mu.Lock()
	record, ok := p.records[proxyURL]
	if !ok {
		p.mu.Unlock()
		return
	}
	var snapshot []Record
	if success {
		record.SuccessCount++
		p.successSinceSave++
		if p.cfg.File != "" && p.successSinceSave >= p.cfg.SaveEvery {
			p.successSinceSave = 0
			snapshot = p.snapshotLocked()
		}
	} else {
		record.FailCount++
	}
	p.mu.Unlock()

	if success {
		metrics.ObserveProxyOutcome("success")
	} else {
		metrics.ObserveProxyOutcome("failure")
	}
	if snapshot != nil {
		if err := SaveRecords(p.cfg.File, snapshot); err != nil {
			p.logger.Warn("persist proxy pool", zap.Error(err))
		}
	}
}

// Maintain keeps the pool topped up until the context ends. It refreshes
// immediately when the healthy count dips under MinProxies and on the
// periodic interval otherwise.
func (p *Pool) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	probe := time.NewTicker(15 * time.Second)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx, RefreshOptions{Force: true, Clean: true}); err != nil {
				p.logger.Warn("scheduled proxy refresh failed", zap.Error(err))
			}
		case <-probe.C:
			if p.eligibleCount() >= p.cfg.MinProxies {
				continue
			}
			if _, err := p.Refresh(ctx, RefreshOptions{}); err != nil {
				p.logger.Warn("low-water proxy refresh failed", zap.Error(err))
			}
		}
	}
}

// Stats returns a copy of the pool for the ops endpoints.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	records := p.snapshotLocked()
	sort.Slice(records, func(i, j int) bool {
		return records[i].URL() < records[j].URL()
	})
	eligible := 0
	for i := range records {
		if p.eligibleLocked(&records[i]) {
			eligible++
		}
	}
	return Stats{
		Total:    len(records),
		Eligible: eligible,
		Policy:   p.cfg.Policy,
		Records:  records,
	}
}

// Len reports the total pool size including ineligible records.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// EligibleCount reports how many proxies selection may currently use.
func (p *Pool) EligibleCount() int {
	return p.eligibleCount()
}

func (p *Pool) eligibleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.eligibleLockedSlice())
}

func (p *Pool) eligibleLocked(record *Record) bool {
	if record.samples() < p.cfg.MinSamples {
		return true
	}
	return record.failRatio() < p.cfg.MaxFailRatio
}

func (p *Pool) eligibleLockedSlice() []*Record {
	eligible := make([]*Record, 0, len(p.records))
	for _, record := range p.records {
		if p.eligibleLocked(record) {
			eligible = append(eligible, record)
		}
	}
	return eligible
}

func (p *Pool) snapshotLocked() []Record {
	records := make([]Record, 0, len(p.records))
	for _, record := range p.records {
		records = append(records, *record)
	}
	return records
}

func (p *Pool) rebuildOrderLocked() {
	p.rrOrder = p.rrOrder[:0]
	for url := range p.records {
		p.rrOrder = append(p.rrOrder, url)
	}
	sort.Strings(p.rrOrder)
}

func (p *Pool) save() error {
	p.mu.Lock()
	snapshot := p.snapshotLocked()
	p.mu.Unlock()
	return SaveRecords(p.cfg.File, snapshot)
}

func (p *Pool) shuffle(candidates []Candidate) {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	p.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
}

func (p *Pool) randIntn(n int) int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Intn(n)
}

func (p *Pool) randFloat() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}
