// Package timer holds the turn-deadline arithmetic. Expiry is detected
// by polling against a supplied clock; nothing here blocks or
// schedules.
package timer

import (
	"time"

	"github.com/vetohub/veto-backend/internal/store"
)

// Deadline returns when the current turn or round runs out: timer start
// plus the configured turn length, shifted forward by time spent
// paused. The zero time means no timer is running.
func Deadline(s *store.Session) time.Time {
	if s.TimerStartedAt == nil {
		return time.Time{}
	}
	d := s.TimerStartedAt.Add(time.Duration(s.TurnTimerSec) * time.Second)
	return d.Add(time.Duration(s.PausedSec) * time.Second)
}

// Remaining returns the time left on the current turn. While paused the
// remaining time is frozen at its value when the pause began. Returns 0
// once expired and a negative-free result always.
func Remaining(s *store.Session, now time.Time) time.Duration {
	deadline := Deadline(s)
	if deadline.IsZero() {
		return 0
	}
	if s.TimerPausedAt != nil {
		now = *s.TimerPausedAt
	}
	r := deadline.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// Expired reports whether an IN_PROGRESS session's turn deadline has
// passed. Paused sessions and sessions without a running timer never
// expire.
func Expired(s *store.Session, now time.Time) bool {
	if s.Status != store.StatusInProgress || s.TimerStartedAt == nil || s.TimerPausedAt != nil {
		return false
	}
	return now.After(Deadline(s))
}
