// Package rpcpool implements the endpoint pool and health tracker: a set of
// RPC endpoints ranked and failed-over across by priority, learned capacity
// limits, and circuit breakers.
package rpcpool

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxLatencySamples          = 50
	defaultCircuitThreshold    = 5
	defaultCircuitCooldown     = 60 * time.Second
	newEndpointScore           = 100.0
)

// endpointHealth holds the mutable health state for a single endpoint URL.
// All fields are guarded by mu except circuitOpenUntil and probeInFlight,
// which use atomics so TryProbe can run lock-free.
type endpointHealth struct {
	mu sync.Mutex

	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64
	rateLimitHits      uint64
	timeouts           uint64
	consecutiveFails   uint64

	recentLatencies []time.Duration

	learnedMaxBlockRange uint64 // 0 = not learned yet
	learnedMaxLogs       uint64 // 0 = not learned yet

	priority float64

	circuitOpenUntil atomic.Int64 // unix nanos; 0 = closed
	probeInFlight     atomic.Bool
}

func newEndpointHealth(priority float64) *endpointHealth {
	return &endpointHealth{priority: priority}
}

// Health tracks per-endpoint success/failure/latency counters, circuit
// breakers, and learned limits across the whole pool. One Health is shared
// by every Endpoint in a Pool (spec.md §4.1, C1).
type Health struct {
	mu                sync.RWMutex
	endpoints         map[string]*endpointHealth
	circuitThreshold  uint64
	circuitCooldown   time.Duration
}

// NewHealth builds a Health tracker with the default circuit breaker
// threshold (5 consecutive failures) and cooldown (60s).
func NewHealth() *Health {
	return NewHealthWithCircuitBreaker(defaultCircuitThreshold, defaultCircuitCooldown)
}

// NewHealthWithCircuitBreaker builds a Health tracker with an explicit
// circuit breaker threshold/cooldown, primarily for tests.
func NewHealthWithCircuitBreaker(threshold uint64, cooldown time.Duration) *Health {
	return &Health{
		endpoints:        make(map[string]*endpointHealth),
		circuitThreshold: threshold,
		circuitCooldown:  cooldown,
	}
}

func (h *Health) entry(url string) *endpointHealth {
	h.mu.RLock()
	e, ok := h.endpoints[url]
	h.mu.RUnlock()
	if ok {
		return e
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.endpoints[url]; ok {
		return e
	}
	e = newEndpointHealth(1)
	h.endpoints[url] = e
	return e
}

// RegisterPriority seeds the static priority used in scoring for a URL.
// Call once at pool construction; safe to call multiple times.
func (h *Health) RegisterPriority(url string, priority int) {
	e := h.entry(url)
	e.mu.Lock()
	e.priority = float64(priority)
	e.mu.Unlock()
}

// RecordSuccess increments totals, appends the latency sample (evicting the
// oldest beyond the cap), resets consecutiveFails, and clears the open
// circuit.
func (h *Health) RecordSuccess(url string, latency time.Duration) {
	e := h.entry(url)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.successfulRequests++
	e.consecutiveFails = 0
	e.circuitOpenUntil.Store(0)

	e.recentLatencies = append(e.recentLatencies, latency)
	if len(e.recentLatencies) > maxLatencySamples {
		e.recentLatencies = e.recentLatencies[len(e.recentLatencies)-maxLatencySamples:]
	}
}

// RecordFailure increments totals and the specific sub-counters, and trips
// the circuit breaker once consecutiveFails crosses the configured
// threshold.
func (h *Health) RecordFailure(url string, isRateLimit, isTimeout bool) {
	e := h.entry(url)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.failedRequests++
	if isRateLimit {
		e.rateLimitHits++
	}
	if isTimeout {
		e.timeouts++
	}
	e.consecutiveFails++

	if e.consecutiveFails >= h.circuitThreshold {
		e.circuitOpenUntil.Store(time.Now().Add(h.circuitCooldown).UnixNano())
		e.probeInFlight.Store(false)
	}
}

// RecordBlockRangeLimit lowers the learned max-block-range limit, never
// raising it (spec.md §3 invariant: monotonically non-increasing).
func (h *Health) RecordBlockRangeLimit(url string, limit uint64) {
	e := h.entry(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.learnedMaxBlockRange == 0 || limit < e.learnedMaxBlockRange {
		e.learnedMaxBlockRange = limit
	}
}

// RecordMaxLogsLimit lowers the learned max-logs limit, same monotonic
// discipline as RecordBlockRangeLimit.
func (h *Health) RecordMaxLogsLimit(url string, limit uint64) {
	e := h.entry(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.learnedMaxLogs == 0 || limit < e.learnedMaxLogs {
		e.learnedMaxLogs = limit
	}
}

// IsAvailable reports false iff the circuit is open and has not yet expired.
func (h *Health) IsAvailable(url string) bool {
	e := h.entry(url)
	until := e.circuitOpenUntil.Load()
	if until == 0 {
		return true
	}
	return time.Now().UnixNano() >= until
}

// TryProbe performs an atomic compare-and-swap that allows exactly one
// in-flight request through a tripped-but-expired circuit, so recovery is
// tested without a thundering herd. Returns true if the caller won the
// probe slot and should make the request; false means either the circuit
// is still open and not expired, or another goroutine already owns the
// probe.
func (h *Health) TryProbe(url string) bool {
	e := h.entry(url)
	until := e.circuitOpenUntil.Load()
	if until == 0 {
		return true // circuit isn't open at all
	}
	if time.Now().UnixNano() < until {
		return false // cooldown still active
	}
	return e.probeInFlight.CompareAndSwap(false, true)
}

// EndpointHealthSnapshot is a point-in-time copy of an endpoint's counters,
// safe to read without holding any lock.
type EndpointHealthSnapshot struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	RateLimitHits      uint64
	Timeouts           uint64
	ConsecutiveFails   uint64
	LearnedMaxBlockRange uint64
	LearnedMaxLogs       uint64
	CircuitOpen          bool
}

// Snapshot returns a copy of the current counters for url.
func (h *Health) Snapshot(url string) EndpointHealthSnapshot {
	e := h.entry(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointHealthSnapshot{
		TotalRequests:        e.totalRequests,
		SuccessfulRequests:   e.successfulRequests,
		FailedRequests:       e.failedRequests,
		RateLimitHits:        e.rateLimitHits,
		Timeouts:             e.timeouts,
		ConsecutiveFails:     e.consecutiveFails,
		LearnedMaxBlockRange: e.learnedMaxBlockRange,
		LearnedMaxLogs:       e.learnedMaxLogs,
		CircuitOpen:          !h.IsAvailable(url),
	}
}

// EffectiveMaxBlockRange returns min(configured, learned-or-configured).
func (h *Health) EffectiveMaxBlockRange(url string, configured uint64) uint64 {
	e := h.entry(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.learnedMaxBlockRange == 0 {
		return configured
	}
	if configured == 0 {
		return e.learnedMaxBlockRange
	}
	return min(configured, e.learnedMaxBlockRange)
}

// healthScore combines error rate, latency, rate-limit hits, and priority
// into a single 0..100 score. New endpoints with no history receive the
// maximum score (benefit of the doubt), matching the Rust reference's
// test_new_endpoint_has_high_initial_score expectation.
func (e *endpointHealth) healthScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.totalRequests == 0 {
		return newEndpointScore
	}

	successRate := float64(e.successfulRequests) / float64(e.totalRequests)
	score := successRate * 70.0

	// Latency component: fewer/lower recent latencies score higher. Use the
	// median of the ring buffer as a robust percentile proxy.
	if len(e.recentLatencies) > 0 {
		sorted := append([]time.Duration(nil), e.recentLatencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		median := sorted[len(sorted)/2]
		// 0ms -> full 20 points, 5s+ -> 0 points, linear between.
		latencyScore := 20.0 * (1.0 - math.Min(1.0, float64(median)/float64(5*time.Second)))
		score += latencyScore
	} else {
		score += 20.0
	}

	// Rate-limit penalty: each hit shaves a point, capped at 10.
	rateLimitPenalty := math.Min(10.0, float64(e.rateLimitHits))
	score -= rateLimitPenalty

	// Priority contributes up to 10 points (priority is 1..15).
	score += math.Min(10.0, e.priority)

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Rank scores every URL and returns (url, score) pairs, highest first.
func (h *Health) Rank(urls []string) []RankedURL {
	ranked := make([]RankedURL, 0, len(urls))
	for _, u := range urls {
		e := h.entry(u)
		ranked = append(ranked, RankedURL{URL: u, Score: e.healthScore()})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

// RankedURL pairs an endpoint URL with its current health score.
type RankedURL struct {
	URL   string
	Score float64
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
