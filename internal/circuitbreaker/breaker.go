// Package circuitbreaker protects outbound delivery paths from unhealthy
// downstreams. Webhook endpoints that fail repeatedly are cut off for a
// cooldown period instead of burning worker time on requests that will
// time out anyway.
package circuitbreaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ================================================================
// STATE
// ================================================================

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through (normal operation).
	StateClosed State = iota
	// StateOpen rejects all requests (endpoint considered down).
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrOpen is returned when the breaker rejects a request.
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned in half-open state when the probe
// budget is exhausted.
var ErrTooManyRequests = errors.New("circuit breaker: too many requests in half-open state")

// ================================================================
// COUNTS
// ================================================================

// Counts holds request statistics for the current generation. A
// generation begins on every state change and on every interval roll
// in the closed state.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

// ================================================================
// CONFIG
// ================================================================

// Config controls breaker behavior.
type Config struct {
	// Name identifies the breaker in logs and stats.
	Name string

	// MaxRequests is the probe budget in half-open state. Zero means one.
	MaxRequests uint32

	// Interval is the statistics window in the closed state. Zero means
	// counts never reset while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before moving to
	// half-open. Zero means 30 seconds.
	Timeout time.Duration

	// ReadyToTrip decides when the closed breaker opens. Nil trips after
	// five consecutive failures.
	ReadyToTrip func(Counts) bool

	// OnStateChange is called on every transition, if set.
	OnStateChange func(name string, from, to State)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRequests == 0 {
		out.MaxRequests = 1
	}
	if out.Timeout == 0 {
		out.Timeout = 30 * time.Second
	}
	if out.ReadyToTrip == nil {
		out.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	return out
}

// ================================================================
// CIRCUIT BREAKER
// ================================================================

// CircuitBreaker is a three-state breaker. Callers either wrap work in
// Execute, or use the Allow/report pair when the work does not fit a
// closure (streaming, fire-and-forget deliveries).
type CircuitBreaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a circuit breaker with the given config.
func New(cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{cfg: cfg.withDefaults()}
	cb.toNewGeneration(time.Now())
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns a copy of the current generation's statistics.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			done(false)
			panic(r)
		}
	}()

	ferr := fn()
	done(ferr == nil)
	return ferr
}

// Allow asks the breaker for permission to make a request. On success
// it returns a done callback that MUST be called exactly once with the
// request outcome.
func (cb *CircuitBreaker) Allow() (func(success bool), error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}
	return func(success bool) {
		cb.afterRequest(generation, success)
	}, nil
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.onRequest()
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		// Outcome belongs to a previous generation, ignore it.
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval == 0 {
			cb.expiry = time.Time{}
		} else {
			cb.expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}

// ================================================================
// DELIVERY BREAKERS
// ================================================================

// DeliveryBreakers maintains one breaker per webhook endpoint. The
// dispatcher consults it before each delivery so that a dead endpoint
// stops consuming worker capacity after a handful of failures.
type DeliveryBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	template Config
	logger   *log.Logger
}

// NewDeliveryBreakers creates a registry of per-endpoint breakers.
// Defaults: trip after 5 consecutive failures, 60s cooldown, counts
// window of 2 minutes while healthy.
func NewDeliveryBreakers() *DeliveryBreakers {
	db := &DeliveryBreakers{
		breakers: make(map[string]*CircuitBreaker),
		logger:   log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
	db.template = Config{
		MaxRequests: 1,
		Interval:    2 * time.Minute,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to State) {
			db.logger.Printf("Endpoint %s: %s -> %s", name, from, to)
		},
	}
	return db
}

// For returns the breaker for an endpoint, creating it on first use.
func (db *DeliveryBreakers) For(endpointID string) *CircuitBreaker {
	db.mu.RLock()
	cb, ok := db.breakers[endpointID]
	db.mu.RUnlock()
	if ok {
		return cb
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if cb, ok := db.breakers[endpointID]; ok {
		return cb
	}
	cfg := db.template
	cfg.Name = endpointID
	cb = New(cfg)
	db.breakers[endpointID] = cb
	return cb
}

// Remove drops the breaker for an endpoint, typically when the
// subscription is deleted.
func (db *DeliveryBreakers) Remove(endpointID string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.breakers, endpointID)
}

// Stats reports state and counts for every tracked endpoint.
func (db *DeliveryBreakers) Stats() map[string]map[string]interface{} {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(db.breakers))
	for id, cb := range db.breakers {
		counts := cb.Counts()
		out[id] = map[string]interface{}{
			"state":                cb.State().String(),
			"requests":             counts.Requests,
			"total_failures":       counts.TotalFailures,
			"consecutive_failures": counts.ConsecutiveFailures,
		}
	}
	return out
}
