package auth

import (
	"time"

	"vaultgate.io/internal/entity"
)

// LockoutPolicy drives the per-user failed-attempt state machine:
// OPEN -> LOCKED once Threshold failures land inside Window, and
// LOCKED -> OPEN automatically once the lockout interval elapses.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

// DefaultLockoutPolicy mirrors the platform defaults: five failures within
// fifteen minutes lock the account for fifteen minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute}
}

// LockState is the lockout portion of a user's current attribute version.
type LockState struct {
	FailedCount   int
	FirstFailedAt time.Time
	LockedUntil   time.Time
}

func lockStateFrom(attrs entity.Attributes) LockState {
	return LockState{
		FailedCount:   attrs.Int(attrFailedCount),
		FirstFailedAt: attrs.Time(attrFirstFailedAt),
		LockedUntil:   attrs.Time(attrLockedUntil),
	}
}

// Locked reports whether credential checks must be skipped at the given
// instant. Expired locks reopen implicitly.
func (s LockState) Locked(now time.Time) bool {
	return !s.LockedUntil.IsZero() && now.Before(s.LockedUntil)
}

// Fail records one failed attempt and returns the next state. The rolling
// window restarts when the previous failures have aged out.
func (p LockoutPolicy) Fail(s LockState, now time.Time) LockState {
	if s.FailedCount == 0 || s.FirstFailedAt.IsZero() || now.Sub(s.FirstFailedAt) > p.Window {
		s = LockState{FailedCount: 1, FirstFailedAt: now}
	} else {
		s.FailedCount++
	}
	if s.FailedCount >= p.Threshold {
		s.LockedUntil = now.Add(p.Duration)
	}
	return s
}

// apply writes the state back into an attribute map. Cleared fields are
// removed so a reopened account carries no stale lock markers.
func (s LockState) apply(attrs entity.Attributes) {
	if s.FailedCount > 0 {
		attrs[attrFailedCount] = s.FailedCount
		attrs.SetTime(attrFirstFailedAt, s.FirstFailedAt)
	} else {
		delete(attrs, attrFailedCount)
		delete(attrs, attrFirstFailedAt)
	}
	if !s.LockedUntil.IsZero() {
		attrs.SetTime(attrLockedUntil, s.LockedUntil)
	} else {
		delete(attrs, attrLockedUntil)
	}
}
