// Package resilience defines the error taxonomy shared by the gateway, change requests and the
// dispatcher, plus retry and circuit breaker building blocks in its subpackages.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"regexp"
	"strings"
)

var (
	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRetryExhausted indicates all retry attempts have been exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrTimeout indicates a tool call exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrPolicyViolation indicates the policy guard rejected a request.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrRateAnomaly indicates a tool was called at a suspicious rate.
	ErrRateAnomaly = errors.New("anomalous call rate")

	// ErrSafeMode indicates new work is refused because the system is in safe mode.
	ErrSafeMode = errors.New("system is in safe mode")
)

// clientStatus matches 4xx status codes that are not rate limiting. The code must stand alone,
// so ports ("127.0.0.1:4040"), addresses and durations ("400ms") do not match.
var clientStatus = regexp.MustCompile(`(?:^|[^\w.:])(?:400|401|403|404|422)(?:[^\w.]|$)`)

// Kind classifies an error for handling.
type Kind int

const (
	// KindTransient covers network, rate-limit and timeout failures. Retried.
	KindTransient Kind = iota
	// KindPermanent covers bad credentials and malformed requests. Fail fast, alert.
	KindPermanent
	// KindValidation covers lint/test/build failures. Halts one change request.
	KindValidation
	// KindSecurity covers policy violations and suspicious patterns. Halt and alert, never retried.
	KindSecurity
	// KindHalted is a transient failure whose retries were exhausted.
	KindHalted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindValidation:
		return "validation"
	case KindSecurity:
		return "security"
	case KindHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Error carries a Kind together with the tool and operation that produced it.
type Error struct {
	Kind     Kind
	Tool     string
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Tool != "" {
		fmt.Fprintf(&b, " from %s", e.Tool)
		if e.Op != "" {
			fmt.Fprintf(&b, ".%s", e.Op)
		}
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error.
func New(kind Kind, tool, op string, err error) *Error {
	return &Error{Kind: kind, Tool: tool, Op: op, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error { return &Error{Kind: KindTransient, Err: err} }

// Permanent marks err as never retryable.
func Permanent(err error) error { return &Error{Kind: KindPermanent, Err: err} }

// Validation marks err as a validation failure.
func Validation(err error) error { return &Error{Kind: KindValidation, Err: err} }

// Security marks err as a security failure.
func Security(err error) error { return &Error{Kind: KindSecurity, Err: err} }

// RetryableError lets adapters state explicitly whether an error may be retried.
type RetryableError interface {
	error
	ShouldRetry() bool
}

// KindOf classifies err. Typed errors win; then sentinels; then the message heuristics used for
// HTTP-ish tool errors. Unknown errors are treated as transient so a flaky dependency gets the
// retry schedule and eventually trips its breaker.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	switch {
	case errors.Is(err, ErrPolicyViolation), errors.Is(err, ErrRateAnomaly):
		return KindSecurity
	case errors.Is(err, ErrSafeMode):
		return KindPermanent
	case errors.Is(err, context.Canceled):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTransient
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrPermission):
		return KindPermanent
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		if retryable.ShouldRetry() {
			return KindTransient
		}
		return KindPermanent
	}

	errStr := strings.ToLower(err.Error())

	// Client errors (4xx) other than rate limiting are permanent.
	if clientStatus.MatchString(errStr) {
		return KindPermanent
	}
	for _, p := range []string{"unauthorized", "forbidden", "bad credentials", "invalid api key", "malformed"} {
		if strings.Contains(errStr, p) {
			return KindPermanent
		}
	}
	return KindTransient
}

// IsRetryable reports whether err should be retried by the gateway.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient && !errors.Is(err, ErrCircuitOpen)
}

// IsSecurity reports whether err is a security error.
func IsSecurity(err error) bool {
	return err != nil && KindOf(err) == KindSecurity
}
