package delivery

import (
	"math"
	"math/rand"
	"time"
)

// Pacer computes the delay before each send on one account. New accounts get
// slower base pacing (the platform flags them faster), and the delay grows
// with the rolling failure rate of the current attempt. A flood-wait that was
// just observed multiplies the next delay by a penalty factor.
//
// One Pacer serves exactly one delivery attempt; no state carries across
// retries. Not safe for concurrent use, which is fine: sends within an
// attempt are strictly sequential.
type Pacer struct {
	policy Policy
	base   time.Duration
	rng    *rand.Rand

	success int
	failure int
}

// PacingStats is a point-in-time view of the attempt's send history.
type PacingStats struct {
	Success     int
	Failure     int
	FailureRate float64
}

// NewPacer seeds a pacer for one attempt. accountAgeDays comes from the
// credential's creation time.
func NewPacer(p Policy, accountAgeDays int) *Pacer {
	p = p.withDefaults()

	base := p.FloorDelay
	switch {
	case accountAgeDays <= 0:
		base = 2 * p.FloorDelay
	case accountAgeDays < 7:
		base = p.FloorDelay * 3 / 2
	}

	return &Pacer{
		policy: p,
		base:   base,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BaseDelay is the age-tier delay before any failure history accrues.
func (p *Pacer) BaseDelay() time.Duration { return p.base }

// NextDelay returns the pause to await before the next send.
// floodJustSeen applies the flood penalty on top of the backoff curve.
func (p *Pacer) NextDelay(floodJustSeen bool) time.Duration {
	d := float64(p.base) * math.Pow(p.policy.BackoffMultiplier, p.Stats().FailureRate)
	if floodJustSeen {
		d *= p.policy.FloodPenalty
	}
	if j := p.policy.Jitter; j > 0 {
		d *= 1 + (p.rng.Float64()*2-1)*j
	}
	if d < 0 {
		d = 0
	}
	if maxD := float64(p.policy.MaxDelay); d > maxD {
		d = maxD
	}
	return time.Duration(d)
}

func (p *Pacer) RecordSuccess() { p.success++ }
func (p *Pacer) RecordFailure() { p.failure++ }

func (p *Pacer) Stats() PacingStats {
	st := PacingStats{Success: p.success, Failure: p.failure}
	if total := p.success + p.failure; total > 0 {
		st.FailureRate = float64(p.failure) / float64(total)
	}
	return st
}
