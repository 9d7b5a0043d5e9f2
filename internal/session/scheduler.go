package session

import (
	"context"
	"math"
	"time"
)

// Backoff computes reconnect delays:
//
//	delay = min(Base * Growth^min(attempt, CapExponent), Max)
type Backoff struct {
	Base        time.Duration
	Growth      float64
	CapExponent int
	Max         time.Duration
}

// DefaultBackoff is 5s growing by 1.5x per attempt, capped at one minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        5 * time.Second,
		Growth:      1.5,
		CapExponent: 12,
		Max:         60 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	n := attempt
	if n < 0 {
		n = 0
	}
	if n > b.CapExponent {
		n = b.CapExponent
	}
	d := float64(b.Base) * math.Pow(b.Growth, float64(n))
	if b.Max > 0 && d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Timer is a cancellable deferred call.
type Timer interface {
	Stop() bool
}

// Clock supplies time and deferred calls so tests can fast-forward.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// scheduleLocked arms a reconnect for rec if the operator still wants one.
// Any previously pending timer is cancelled first. rec.mu must be held.
func (c *Controller) scheduleLocked(rec *Record) {
	if rec.manualStop || !rec.autoReconnect {
		return
	}

	delay := c.backoff.Delay(rec.reconnectAttempts)
	rec.cancelTimerLocked()
	seq := rec.timerSeq
	id := rec.id
	rec.timer = c.clock.AfterFunc(delay, func() { c.fireReconnect(id, seq) })

	c.logLocked(rec, "reconnecting in %s (attempt %d)", delay.Round(time.Millisecond), rec.reconnectAttempts+1)
	c.publishLocked(rec)
}

// fireReconnect runs when a reconnect timer expires. The record may have
// changed during the wait, so the preconditions are checked again here.
func (c *Controller) fireReconnect(id string, seq uint64) {
	rec, ok := c.store.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.timerSeq != seq || rec.timer == nil {
		return
	}
	rec.timer = nil

	if rec.manualStop || !rec.autoReconnect {
		c.logLocked(rec, "reconnect skipped: auto-reconnect disabled")
		c.publishLocked(rec)
		return
	}
	if rec.state.Active() {
		return
	}
	c.startLocked(context.Background(), rec, true)
}
