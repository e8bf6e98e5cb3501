// Package breaker implements a three-state circuit breaker that can be driven
// directly by success/failure signals or by anomaly detection results.
//
// The Open to HalfOpen transition is evaluated lazily whenever the state is
// read. There are no background timers: a breaker that nobody queries stays
// Open past its recovery time until the next read.
package breaker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"go.uber.org/zap"
)

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateClosed, StateOpen, StateHalfOpen} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown breaker state %q", text)
}

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the failure count that opens a closed breaker.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open after the last failure.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxCalls is the number of consecutive successes that close a half-open breaker.
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls" yaml:"half_open_max_calls"`
	// MinAnomalyFailures is the minimum number of failures recorded per
	// anomalous detection. Zero keeps the plain floor(weight) behavior.
	MinAnomalyFailures int `mapstructure:"min_anomaly_failures" yaml:"min_anomaly_failures"`
}

// DefaultConfig returns threshold 5, a 60s recovery timeout and 3 half-open calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.MinAnomalyFailures < 0 {
		c.MinAnomalyFailures = 0
	}
	return c
}

// Severity weights applied by ProcessDetection.
var severityWeights = map[sentinel.Severity]float64{
	sentinel.SeverityLow:      0.5,
	sentinel.SeverityMedium:   1.0,
	sentinel.SeverityHigh:     2.0,
	sentinel.SeverityCritical: 3.0,
}

// SeverityWeight returns the failure weight of an anomaly with severity s.
func SeverityWeight(s sentinel.Severity) float64 {
	if w, ok := severityWeights[s]; ok {
		return w
	}
	return 1.0
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	Name              string     `json:"name"`
	State             State      `json:"state"`
	IsOpen            bool       `json:"is_open"`
	Failures          int        `json:"failures"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
	LastFailure       *time.Time `json:"last_failure,omitempty"`
	RecoveryAt        *time.Time `json:"recovery_at,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// Breaker is a circuit breaker guarding one resource. All methods are safe
// for concurrent use. Listeners run after the internal lock is released, in
// registration order; a listener that panics or returns an error is logged
// and does not affect the transition.
//
// Transitions reach listeners in the order they happened. While one goroutine
// is delivering, transitions made elsewhere are queued and delivered by that
// goroutine, so a caller may return before its own transition's listeners run.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu                sync.Mutex
	state             State
	failures          int
	halfOpenSuccesses int
	lastFailure       time.Time
	reason            string

	// pending and dispatching are guarded by mu.
	pending     []event
	dispatching bool

	listenerMu sync.RWMutex
	onOpen     []func(reason string) error
	onClose    []func() error
	onHalfOpen []func() error
}

// New creates a closed breaker. Non-positive config fields take their defaults.
func New(name string, config Config, logger *zap.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: config.withDefaults(),
		logger: logger.With(zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the protected resource name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.config }

// event is a transition observed under the lock and dispatched after it.
type event struct {
	to     State
	reason string
}

// IsOpen reports whether calls are currently blocked.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// CanExecute reports whether a call may proceed.
func (b *Breaker) CanExecute() bool {
	return b.State() != StateOpen
}

// State returns the current state, moving Open to HalfOpen first if the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	events := b.checkTimeoutLocked(nil)
	state := b.state
	b.unlockAndDispatch(events)
	return state
}

// Snapshot returns the full breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	events := b.checkTimeoutLocked(nil)
	s := Snapshot{
		Name:              b.name,
		State:             b.state,
		IsOpen:            b.state == StateOpen,
		Failures:          b.failures,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		Reason:            b.reason,
	}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		s.LastFailure = &last
		if b.state == StateOpen {
			recovery := last.Add(b.config.RecoveryTimeout)
			s.RecoveryAt = &recovery
		}
	}
	b.unlockAndDispatch(events)
	return s
}

// RecordFailure records a failed call. A closed breaker opens once the
// failure count reaches the threshold; a half-open breaker reopens
// immediately. Recording never fails.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	events := b.recordFailureLocked(reason, nil)
	b.unlockAndDispatch(events)
}

// RecordSuccess records a successful call. In Closed it decays the failure
// count by one; in HalfOpen it counts towards closing. It is a no-op while Open.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	events := b.recordSuccessLocked(nil)
	b.unlockAndDispatch(events)
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	events := b.closeLocked(nil)
	b.unlockAndDispatch(events)
	b.logger.Info("Circuit breaker reset")
}

// ProcessDetection feeds an anomaly decision into the breaker. Anomalous
// results record floor(severity weight) failures, raised to
// MinAnomalyFailures when configured, all under one lock acquisition.
// Normal results record one success.
func (b *Breaker) ProcessDetection(result sentinel.Result) {
	if !result.IsAnomaly {
		b.RecordSuccess()
		return
	}

	n := int(math.Floor(SeverityWeight(result.Severity)))
	if n < b.config.MinAnomalyFailures {
		n = b.config.MinAnomalyFailures
	}
	if n == 0 {
		return
	}
	reason := fmt.Sprintf("%s - %s (score: %.3f)", result.ThreatType, result.Severity, result.AnomalyScore)

	b.mu.Lock()
	var events []event
	for i := 0; i < n; i++ {
		events = b.recordFailureLocked(reason, events)
	}
	b.unlockAndDispatch(events)
}

func (b *Breaker) checkTimeoutLocked(events []event) []event {
	if b.state != StateOpen || b.lastFailure.IsZero() {
		return events
	}
	if b.now().Sub(b.lastFailure) < b.config.RecoveryTimeout {
		return events
	}
	b.state = StateHalfOpen
	b.halfOpenSuccesses = 0
	return append(events, event{to: StateHalfOpen})
}

func (b *Breaker) recordFailureLocked(reason string, events []event) []event {
	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		return b.openLocked(reason, events)
	case StateOpen:
		// Extends the recovery window.
		b.reason = reason
		return events
	default:
		if b.failures >= b.config.FailureThreshold {
			return b.openLocked(reason, events)
		}
		return events
	}
}

func (b *Breaker) recordSuccessLocked(events []event) []event {
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenMaxCalls {
			return b.closeLocked(events)
		}
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
	return events
}

func (b *Breaker) openLocked(reason string, events []event) []event {
	b.state = StateOpen
	b.reason = reason
	b.halfOpenSuccesses = 0
	return append(events, event{to: StateOpen, reason: reason})
}

func (b *Breaker) closeLocked(events []event) []event {
	prev := b.state
	b.state = StateClosed
	b.failures = 0
	b.halfOpenSuccesses = 0
	b.reason = ""
	if prev == StateClosed {
		return events
	}
	return append(events, event{to: StateClosed})
}

// OnOpen registers a listener invoked with the failure reason when the breaker opens.
func (b *Breaker) OnOpen(fn func(reason string) error) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.onOpen = append(b.onOpen, fn)
}

// OnClose registers a listener invoked when the breaker closes.
func (b *Breaker) OnClose(fn func() error) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.onClose = append(b.onClose, fn)
}

// OnHalfOpen registers a listener invoked when the breaker enters half-open.
func (b *Breaker) OnHalfOpen(fn func() error) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.onHalfOpen = append(b.onHalfOpen, fn)
}

// unlockAndDispatch queues events and releases mu. If no other goroutine is
// delivering, the caller drains the queue until it is empty. Must be called
// with mu held.
func (b *Breaker) unlockAndDispatch(events []event) {
	b.pending = append(b.pending, events...)
	if b.dispatching || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	for {
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		b.deliver(batch)

		b.mu.Lock()
		if len(b.pending) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
	}
}

func (b *Breaker) deliver(events []event) {
	for _, ev := range events {
		switch ev.to {
		case StateOpen:
			b.logger.Warn("Circuit breaker opened", zap.String("reason", ev.reason))
		case StateHalfOpen:
			b.logger.Info("Circuit breaker entering half-open state")
		case StateClosed:
			b.logger.Info("Circuit breaker closed")
		}

		b.listenerMu.RLock()
		var fns []func() error
		switch ev.to {
		case StateOpen:
			for _, fn := range b.onOpen {
				fn := fn
				reason := ev.reason
				fns = append(fns, func() error { return fn(reason) })
			}
		case StateHalfOpen:
			fns = append(fns, b.onHalfOpen...)
		case StateClosed:
			fns = append(fns, b.onClose...)
		}
		b.listenerMu.RUnlock()

		for _, fn := range fns {
			b.invoke(ev.to, fn)
		}
	}
}

func (b *Breaker) invoke(to State, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Circuit breaker listener panicked",
				zap.Stringer("transition", to),
				zap.Any("panic", r),
			)
		}
	}()
	if err := fn(); err != nil {
		b.logger.Error("Circuit breaker listener failed",
			zap.Stringer("transition", to),
			zap.Error(err),
		)
	}
}
