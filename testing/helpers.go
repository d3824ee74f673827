// Package testing provides test utilities and helpers for poolz-based
// applications.
//
// This package includes mock methods, assertion helpers, and chaos testing
// tools to make testing worker pools easier and more comprehensive.
//
// Example usage:
//
//	func TestMyPool(t *testing.T) {
//		mock := pooltesting.NewMockMethod(t, "lookup")
//		mock.WithReturn("found", nil)
//
//		pool, err := poolz.New(&poolz.Options{
//			Methods: map[string]poolz.Method{"lookup": mock.Method()},
//		})
//		if err != nil {
//			t.Fatal(err)
//		}
//		defer pool.Terminate(true)
//
//		result, err := pool.Exec("lookup", []any{"key"}, nil).Await(context.Background())
//		if err != nil {
//			t.Fatal(err)
//		}
//		if result != "found" {
//			t.Errorf("expected %q, got %v", "found", result)
//		}
//		pooltesting.AssertCalled(t, mock, 1)
//	}
package testing

import (
	"context"
	"crypto/rand"
	"errors"
	mathrand "math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/poolz"
)

// MockMethod provides a configurable mock implementation of poolz.Method.
// It tracks calls, allows configuring return values and delays, and provides
// assertion methods for testing pool behavior.
type MockMethod struct {
	t           *testing.T
	name        string
	callCount   int64
	mu          sync.RWMutex
	lastParams  []any
	returnVal   any
	returnErr   error
	delay       time.Duration
	panicMsg    string
	emissions   []any
	callHistory []MockCall
	maxHistory  int
}

// MockCall represents a single call to the mock method.
type MockCall struct {
	Params    []any
	Timestamp time.Time
	Context   context.Context
}

// NewMockMethod creates a new mock method for testing.
// The mock tracks all calls and provides configurable behavior.
func NewMockMethod(t *testing.T, name string) *MockMethod {
	return &MockMethod{
		t:          t,
		name:       name,
		maxHistory: 100, // Keep last 100 calls by default
	}
}

// WithReturn configures the mock to return specific values.
// The mock will return these values for all subsequent calls.
func (m *MockMethod) WithReturn(val any, err error) *MockMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnVal = val
	m.returnErr = err
	return m
}

// WithDelay configures the mock to delay execution.
// This is useful for testing timeout behavior and queue saturation.
func (m *MockMethod) WithDelay(d time.Duration) *MockMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithPanic configures the mock to panic with a specific message.
// This is useful for testing the runtime's panic recovery.
func (m *MockMethod) WithPanic(msg string) *MockMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
	return m
}

// WithEmissions configures payloads the mock emits before returning,
// exercising the caller's OnEvent path.
func (m *MockMethod) WithEmissions(payloads ...any) *MockMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emissions = payloads
	return m
}

// WithHistorySize configures how many calls to keep in history.
// Set to 0 to disable history tracking.
func (m *MockMethod) WithHistorySize(size int) *MockMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxHistory = size
	if size == 0 {
		m.callHistory = nil
	} else if len(m.callHistory) > size {
		m.callHistory = m.callHistory[len(m.callHistory)-size:]
	}
	return m
}

// Name returns the name the mock was registered under.
func (m *MockMethod) Name() string {
	return m.name
}

// Method returns the poolz.Method to register with a pool. It records the
// call and returns the configured values, potentially after emitting,
// delaying, or panicking.
func (m *MockMethod) Method() poolz.Method {
	return func(ctx context.Context, params []any) (any, error) {
		atomic.AddInt64(&m.callCount, 1)

		m.mu.Lock()
		m.lastParams = params
		if m.maxHistory > 0 {
			call := MockCall{
				Params:    params,
				Timestamp: time.Now(),
				Context:   ctx,
			}
			m.callHistory = append(m.callHistory, call)
			if len(m.callHistory) > m.maxHistory {
				m.callHistory = m.callHistory[1:] // Remove oldest
			}
		}
		delay := m.delay
		returnVal := m.returnVal
		returnErr := m.returnErr
		panicMsg := m.panicMsg
		emissions := m.emissions
		m.mu.Unlock()

		if panicMsg != "" {
			panic(panicMsg)
		}

		for _, payload := range emissions {
			poolz.Emit(ctx, payload)
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
				// Continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return returnVal, returnErr
	}
}

// CallCount returns the number of times the method has been called.
func (m *MockMethod) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// LastParams returns the params from the most recent call.
func (m *MockMethod) LastParams() []any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastParams
}

// CallHistory returns a copy of all recorded calls.
// Returns nil if history tracking is disabled.
func (m *MockMethod) CallHistory() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.maxHistory == 0 {
		return nil
	}
	history := make([]MockCall, len(m.callHistory))
	copy(history, m.callHistory)
	return history
}

// Reset clears all call tracking and resets the mock to initial state.
func (m *MockMethod) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.StoreInt64(&m.callCount, 0)
	m.lastParams = nil
	m.callHistory = nil
}

// Assertion Helpers

// AssertCalled verifies that a mock method was called exactly n times.
func AssertCalled(t *testing.T, mock *MockMethod, expectedCalls int) {
	t.Helper()
	actualCalls := mock.CallCount()
	if actualCalls != expectedCalls {
		t.Errorf("expected mock method %s to be called %d times, but was called %d times",
			mock.name, expectedCalls, actualCalls)
	}
}

// AssertNotCalled verifies that a mock method was never called.
func AssertNotCalled(t *testing.T, mock *MockMethod) {
	t.Helper()
	AssertCalled(t, mock, 0)
}

// AssertCalledBetween verifies that a mock method was called between min and
// max times.
func AssertCalledBetween(t *testing.T, mock *MockMethod, minCalls, maxCalls int) {
	t.Helper()
	actualCalls := mock.CallCount()
	if actualCalls < minCalls || actualCalls > maxCalls {
		t.Errorf("expected mock method %s to be called between %d and %d times, but was called %d times",
			mock.name, minCalls, maxCalls, actualCalls)
	}
}

// ChaosMethod introduces controlled failures and delays for chaos testing.
// It wraps another method and randomly introduces failures based on
// configured rates.
type ChaosMethod struct {
	name         string
	wrapped      poolz.Method
	failureRate  float64
	latencyMin   time.Duration
	latencyMax   time.Duration
	timeoutRate  float64
	panicRate    float64
	rng          *mathrand.Rand
	mu           sync.Mutex
	totalCalls   int64
	failedCalls  int64
	timeoutCalls int64
	panicCalls   int64
}

// ChaosConfig holds configuration for chaos testing.
type ChaosConfig struct {
	FailureRate float64       // Probability of returning an error (0.0 to 1.0)
	LatencyMin  time.Duration // Minimum additional latency to inject
	LatencyMax  time.Duration // Maximum additional latency to inject
	TimeoutRate float64       // Probability of simulating timeout (0.0 to 1.0)
	PanicRate   float64       // Probability of panicking (0.0 to 1.0)
	Seed        int64         // Random seed for reproducible chaos (0 for random seed)
}

// NewChaosMethod creates a chaos method that wraps another method.
func NewChaosMethod(name string, wrapped poolz.Method, config ChaosConfig) *ChaosMethod {
	seed := config.Seed
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			// Fallback to time-based seed if crypto/rand fails
			seed = time.Now().UnixNano()
		} else {
			seed = int64(seedBytes[0])<<56 | int64(seedBytes[1])<<48 | int64(seedBytes[2])<<40 | int64(seedBytes[3])<<32 |
				int64(seedBytes[4])<<24 | int64(seedBytes[5])<<16 | int64(seedBytes[6])<<8 | int64(seedBytes[7])
		}
	}

	return &ChaosMethod{
		name:        name,
		wrapped:     wrapped,
		failureRate: config.FailureRate,
		latencyMin:  config.LatencyMin,
		latencyMax:  config.LatencyMax,
		timeoutRate: config.TimeoutRate,
		panicRate:   config.PanicRate,
		rng:         mathrand.New(mathrand.NewSource(seed)), //nolint:gosec // G404: Test utility uses weak RNG for deterministic chaos scenarios
	}
}

// Name returns the name of the chaos method.
func (c *ChaosMethod) Name() string {
	return c.name
}

// Method returns the poolz.Method to register with a pool, with chaos
// injection applied around the wrapped method.
func (c *ChaosMethod) Method() poolz.Method {
	return func(ctx context.Context, params []any) (any, error) {
		atomic.AddInt64(&c.totalCalls, 1)

		c.mu.Lock()
		if c.rng.Float64() < c.panicRate {
			c.mu.Unlock()
			atomic.AddInt64(&c.panicCalls, 1)
			panic("chaos method induced panic")
		}

		var latency time.Duration
		if c.latencyMax > c.latencyMin {
			latencyRange := c.latencyMax - c.latencyMin
			latency = c.latencyMin + time.Duration(c.rng.Int63n(int64(latencyRange)))
		} else if c.latencyMin > 0 {
			latency = c.latencyMin
		}
		simulateTimeout := c.rng.Float64() < c.timeoutRate
		injectFailure := c.rng.Float64() < c.failureRate
		c.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
				// Continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if simulateTimeout {
			atomic.AddInt64(&c.timeoutCalls, 1)
			return nil, context.DeadlineExceeded
		}

		result, err := c.wrapped(ctx, params)

		if injectFailure && err == nil {
			atomic.AddInt64(&c.failedCalls, 1)
			return nil, errors.New("chaos method induced failure")
		}

		return result, err
	}
}

// Stats returns statistics about chaos injection.
func (c *ChaosMethod) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:   atomic.LoadInt64(&c.totalCalls),
		FailedCalls:  atomic.LoadInt64(&c.failedCalls),
		TimeoutCalls: atomic.LoadInt64(&c.timeoutCalls),
		PanicCalls:   atomic.LoadInt64(&c.panicCalls),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	TotalCalls   int64
	FailedCalls  int64
	TimeoutCalls int64
	PanicCalls   int64
}

// FailureRate returns the actual failure rate observed.
func (s ChaosStats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// TimeoutRate returns the actual timeout rate observed.
func (s ChaosStats) TimeoutRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.TimeoutCalls) / float64(s.TotalCalls)
}

// PanicRate returns the actual panic rate observed.
func (s ChaosStats) PanicRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.PanicCalls) / float64(s.TotalCalls)
}

// Helper Functions

// WaitForCalls waits for a mock method to be called at least n times,
// with a timeout. Returns true if the expected calls were reached.
func WaitForCalls(mock *MockMethod, expectedCalls int, timeout time.Duration) bool {
	start := time.Now()
	for time.Since(start) < timeout {
		if mock.CallCount() >= expectedCalls {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ParallelTest runs a test function in parallel with multiple goroutines.
// Useful for stressing the pool's dispatch path.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}

	wg.Wait()
}
