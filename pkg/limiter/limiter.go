// Package limiter bounds the number of change requests that are actively worked on.
package limiter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrLimitReached is returned when every slot is taken.
	ErrLimitReached = errors.New("concurrency limit reached")
	// ErrInvalidLimit is returned for a limit below one.
	ErrInvalidLimit = errors.New("concurrency limit must be at least 1")
)

// Slot is one admitted change request.
type Slot struct {
	ChangeRequestID string    `json:"change_request_id"`
	ClusterID       string    `json:"cluster_id"`
	ReservedAt      time.Time `json:"reserved_at"`
	// Parked slots wait for a reviewer and do not count against the limit.
	Parked bool `json:"parked,omitempty"`
}

// Limiter admits change requests up to a fixed limit. When releaseDuringReview is set, a request
// waiting for review is parked and its slot becomes available to new work.
//
//nolint:govet // Struct layout optimization not critical for this use case
type Limiter struct {
	mu                  sync.Mutex
	max                 int
	releaseDuringReview bool
	slots               map[string]*Slot
	now                 func() time.Time
	onChange            func(active int)
}

// NewLimiter creates a limiter. onChange, if non-nil, receives the active count after changes.
func NewLimiter(max int, releaseDuringReview bool, onChange func(active int)) (*Limiter, error) {
	if max < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, max)
	}
	return &Limiter{
		max:                 max,
		releaseDuringReview: releaseDuringReview,
		slots:               make(map[string]*Slot),
		now:                 time.Now,
		onChange:            onChange,
	}, nil
}

// Reserve takes a slot for crID. Reserving a slot already held by crID succeeds.
func (l *Limiter) Reserve(crID, clusterID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.slots[crID]; ok {
		if s.Parked {
			return l.unparkLocked(s)
		}
		return nil
	}
	if l.activeLocked() >= l.max {
		return ErrLimitReached
	}
	l.slots[crID] = &Slot{ChangeRequestID: crID, ClusterID: clusterID, ReservedAt: l.now().UTC()}
	l.changedLocked()
	return nil
}

// Release frees the slot of crID. Releasing an unknown id is a no-op and returns false.
func (l *Limiter) Release(crID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.slots[crID]; !ok {
		return false
	}
	delete(l.slots, crID)
	l.changedLocked()
	return true
}

// Park marks crID as waiting for a human reviewer. It only affects accounting when the limiter
// releases slots during review.
func (l *Limiter) Park(crID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[crID]
	if !ok || !l.releaseDuringReview || s.Parked {
		return
	}
	s.Parked = true
	l.changedLocked()
}

// Unpark counts a parked request as active again, even if that exceeds the limit: a reviewed
// change request is never blocked from finishing.
func (l *Limiter) Unpark(crID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[crID]; ok && s.Parked {
		s.Parked = false
		l.changedLocked()
	}
}

func (l *Limiter) unparkLocked(s *Slot) error {
	if l.activeLocked() >= l.max {
		return ErrLimitReached
	}
	s.Parked = false
	l.changedLocked()
	return nil
}

// Restore re-admits change requests recovered after a restart, bypassing the limit check.
func (l *Limiter) Restore(slots []Slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range slots {
		s := slots[i]
		if s.Parked && !l.releaseDuringReview {
			s.Parked = false
		}
		l.slots[s.ChangeRequestID] = &s
	}
	l.changedLocked()
}

// Held reports whether crID holds a slot (parked or not).
func (l *Limiter) Held(crID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.slots[crID]
	return ok
}

// Active returns the number of slots counting against the limit.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeLocked()
}

// Available returns the number of free slots.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - l.activeLocked()
}

// Max returns the configured limit.
func (l *Limiter) Max() int { return l.max }

// Slots returns all held slots ordered by reservation time.
func (l *Limiter) Slots() []Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Slot, 0, len(l.slots))
	for _, s := range l.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ReservedAt.Before(out[j].ReservedAt)
		}
		return out[i].ChangeRequestID < out[j].ChangeRequestID
	})
	return out
}

func (l *Limiter) activeLocked() int {
	n := 0
	for _, s := range l.slots {
		if !s.Parked {
			n++
		}
	}
	return n
}

func (l *Limiter) changedLocked() {
	if l.onChange != nil {
		l.onChange(l.activeLocked())
	}
}
