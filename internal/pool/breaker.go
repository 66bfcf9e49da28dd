package pool

import "time"

// breaker stops a pool from spawning processes after too many runners
// finished without reaching the checkpoint. Each time it closes again the
// threshold grows, so one bad batch can not wedge a target forever.
type breaker struct {
	threshold int
	step      int
	cooldown  time.Duration
	openSince time.Time
	// base is the count of unproductive runs when the breaker last closed
	base int
}

func newBreaker(threshold, step int, cooldown time.Duration) breaker {
	return breaker{
		threshold: threshold,
		step:      step,
		cooldown:  cooldown,
	}
}

func (b *breaker) isOpen() bool {
	return !b.openSince.IsZero()
}

// exceeded reports whether the count of unproductive runs trips the breaker.
// Only runs counted since the breaker last closed matter.
func (b *breaker) exceeded(neverReached int) bool {
	return neverReached-b.base > b.threshold
}

func (b *breaker) trip(now time.Time) {
	b.openSince = now
}

func (b *breaker) cooledDown(now time.Time) bool {
	return b.isOpen() && now.Sub(b.openSince) >= b.cooldown
}

func (b *breaker) until() time.Time {
	return b.openSince.Add(b.cooldown)
}

func (b *breaker) reset(neverReached int) {
	b.openSince = time.Time{}
	b.threshold += b.step
	b.base = neverReached
}
