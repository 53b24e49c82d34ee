package resilience

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

type flaky struct{ retry bool }

func (f flaky) Error() string     { return "flaky" }
func (f flaky) ShouldRetry() bool { return f.retry }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed security", Security(errors.New("x")), KindSecurity},
		{"wrapped typed", fmt.Errorf("outer: %w", Validation(errors.New("lint"))), KindValidation},
		{"policy sentinel", fmt.Errorf("write: %w", ErrPolicyViolation), KindSecurity},
		{"rate anomaly", ErrRateAnomaly, KindSecurity},
		{"canceled", context.Canceled, KindPermanent},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"retryable interface yes", flaky{retry: true}, KindTransient},
		{"retryable interface no", flaky{retry: false}, KindPermanent},
		{"401", errors.New("POST /issues: 401 Bad credentials"), KindPermanent},
		{"404", errors.New("GET /repos/x: 404 Not Found"), KindPermanent},
		{"429", errors.New("429 Too Many Requests"), KindTransient},
		{"503", errors.New("503 service unavailable"), KindTransient},
		{"connection", errors.New("connection reset by peer"), KindTransient},
		{"unknown", errors.New("something odd"), KindTransient},
		{"port is not a status", errors.New("dial tcp 127.0.0.1:4040: connection refused"), KindTransient},
		{"port 404 is not a status", errors.New("dial tcp 10.0.0.1:404: i/o timeout"), KindTransient},
		{"duration is not a status", errors.New("no response after 400ms"), KindTransient},
		{"status in parens", errors.New("request failed (403)"), KindPermanent},
		{"missing binary", fmt.Errorf("start lint: %w", exec.ErrNotFound), KindPermanent},
		{"permission", fmt.Errorf("open: %w", fs.ErrPermission), KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("timeout")))
	assert.False(t, IsRetryable(Security(errors.New("x"))))
	assert.False(t, IsRetryable(fmt.Errorf("forge: %w", ErrCircuitOpen)))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindHalted, Tool: "forge", Op: "merge", Attempts: 4, Err: errors.New("503")}
	assert.Equal(t, "halted error from forge.merge after 4 attempts: 503", err.Error())
	assert.True(t, errors.Is(err, err.Err))
}
