package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ford/pkg/capability"
	"ford/pkg/logx"
	"ford/pkg/metrics"
)

// SafeMode is the system-wide stop switch. While active no new work is admitted; status queries
// and human signals keep working. It is created before the gateway so breaker and security hooks
// can reach it.
type SafeMode struct {
	mu       sync.Mutex
	active   bool
	reason   string
	since    time.Time
	alerter  capability.Alerter
	recorder metrics.Recorder
	now      func() time.Time
	logger   *logx.Logger
}

// NewSafeMode creates an inactive switch. alerter and recorder may be nil.
func NewSafeMode(alerter capability.Alerter, recorder metrics.Recorder) *SafeMode {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &SafeMode{
		alerter:  alerter,
		recorder: recorder,
		now:      time.Now,
		logger:   logx.NewLogger("safemode"),
	}
}

// Enter activates safe mode. Entering while active keeps the original reason.
func (s *SafeMode) Enter(reason string) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.reason = reason
	s.since = s.now().UTC()
	s.mu.Unlock()

	s.recorder.SetSafeMode(true)
	s.logger.Error("🛑 entering safe mode: %s", reason)
	s.alert("ford entered safe mode", reason)
}

// Exit deactivates safe mode.
func (s *SafeMode) Exit() {
	s.mu.Lock()
	was := s.active
	s.active = false
	s.reason = ""
	s.since = time.Time{}
	s.mu.Unlock()

	if was {
		s.recorder.SetSafeMode(false)
		s.logger.Info("safe mode exited")
	}
}

// Active reports whether safe mode is on.
func (s *SafeMode) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// State returns the current state for status output.
func (s *SafeMode) State() (active bool, reason string, since time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.reason, s.since
}

// BreakerOpened is the gateway hook for an opened circuit breaker.
func (s *SafeMode) BreakerOpened(tool string) {
	s.Enter(fmt.Sprintf("circuit breaker for %s opened after consecutive failures", tool))
}

// SecurityEvent is the gateway hook for a policy rejection. It alerts but does not stop admission;
// the affected workflow halts on its own.
func (s *SafeMode) SecurityEvent(tool string, err error) {
	s.alert("security rejection on "+tool, err.Error())
}

func (s *SafeMode) alert(subject, detail string) {
	if s.alerter == nil {
		return
	}
	s.alerter.Alert(context.Background(), subject, detail)
}

// LogAlerter alerts by logging at error level. It is the default when no pager is configured.
type LogAlerter struct {
	logger *logx.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: logx.NewLogger("alert")}
}

// Alert implements capability.Alerter.
func (a *LogAlerter) Alert(_ context.Context, subject, detail string) {
	a.logger.Error("🚨 %s: %s", subject, detail)
}
