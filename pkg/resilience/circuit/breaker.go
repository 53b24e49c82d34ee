// Package circuit provides a per-tool circuit breaker.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // One trial request in flight or allowed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	Cooldown         time.Duration `json:"cooldown"`          // Time since last failure before half-open
}

// DefaultConfig opens after 3 consecutive failures and probes again after 60 seconds.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 3,
	Cooldown:         60 * time.Second,
}

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Error is returned when a call is rejected without reaching the tool.
type Error struct {
	Tool  string
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Tool, e.State)
}

// Snapshot is a read-only view of breaker state.
type Snapshot struct {
	Tool            string    `json:"tool"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// Breaker guards one tool. All methods are safe for concurrent use.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	tool            string
	config          Config
	now             Clock
	onChange        func(tool string, from, to State)
	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool
}

// New creates a closed breaker. A nil clock uses time.Now.
func New(tool string, config Config, now Clock) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{tool: tool, config: config, now: now, state: Closed}
}

// OnStateChange registers a callback invoked (outside the lock) after each state change.
func (b *Breaker) OnStateChange(fn func(tool string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a call may proceed. In half-open exactly one caller is admitted until it
// records its outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	var err error

	switch b.state {
	case Closed:
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.config.Cooldown {
			b.state = HalfOpen
			b.trialInFlight = true
		} else {
			err = &Error{Tool: b.tool, State: Open}
		}
	case HalfOpen:
		if b.trialInFlight {
			err = &Error{Tool: b.tool, State: HalfOpen}
		} else {
			b.trialInFlight = true
		}
	}
	to, cb := b.state, b.onChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(b.tool, from, to)
	}
	return err
}

// Record records the outcome of an admitted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	from := b.state
	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
	to, cb := b.state, b.onChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(b.tool, from, to)
	}
}

// Release returns an admitted call's slot without counting it, used when the call failed for
// reasons unrelated to the tool's health (policy rejection, caller cancellation).
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) onSuccess() {
	b.failureCount = 0
	b.trialInFlight = false
	b.state = Closed
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = b.now()
	b.trialInFlight = false

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		// A failed trial re-opens and restarts the cooldown.
		b.state = Open
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Snapshot returns the breaker's observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Tool:            b.tool,
		State:           b.state.String(),
		Failures:        b.failureCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// Reset manually closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, cb := b.state, b.onChange
	b.state = Closed
	b.failureCount = 0
	b.trialInFlight = false
	b.mu.Unlock()

	if from != Closed && cb != nil {
		cb(b.tool, from, Closed)
	}
}

// Registry hands out one breaker per tool name.
type Registry struct {
	config   Config
	now      Clock
	onChange func(tool string, from, to State)
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config, now Clock, onChange func(tool string, from, to State)) *Registry {
	return &Registry{config: config, now: now, onChange: onChange, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for tool, creating it on first use.
func (r *Registry) Get(tool string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[tool]
	if !ok {
		b = New(tool, r.config, r.now)
		b.onChange = r.onChange
		r.breakers[tool] = b
	}
	return b
}

// Snapshots returns the state of every breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	for _, b := range list {
		b.Reset()
	}
}
