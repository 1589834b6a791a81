// Package failpolicy decides whether an allocation attempt should be
// allowed to proceed, given the allocator's current state and the
// configured byte limit, stop-index, and random-failure-injection
// settings.
//
// Grounded on original_source/src/mpsetfail.c (the low-memory failure
// handler this package's retry semantics mirror) and on
// original_source/src/inter.c's use of a failure frequency and seed to
// decide, pseudorandomly, whether a given allocation should be made to
// fail even when memory is available — reimplemented here as a pure
// function of state plus an explicit math/rand/v2 source rather than a
// process-global handler, so the same stream is reproducible given the
// same seed and call sequence (see TestableProperty 6: "With failure
// frequency f != 0 and seed s fixed, the sequence of {Allow, Fail}
// decisions over a deterministic call stream is reproducible").
package failpolicy

import "math/rand/v2"

// Decision is the outcome of a failure-policy evaluation.
type Decision int

const (
	// Allow means the allocation may proceed normally.
	Allow Decision = iota
	// FailWithoutRetry means the allocation must fail and no low-memory
	// handler should be consulted (the condition is not a real
	// resource shortage — a stop-index or random-injection trigger).
	FailWithoutRetry
	// FailAfterRetry means the allocation should fail only if a
	// registered low-memory handler, given one chance to free
	// resources, does not make room.
	FailAfterRetry
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case FailWithoutRetry:
		return "fail-without-retry"
	case FailAfterRetry:
		return "fail-after-retry"
	default:
		return "unknown"
	}
}

// Config holds the tunables read from the option string: a byte limit on
// live totals (0 disables it), an allocation index at which to
// unconditionally stop (0 disables it), and a failure frequency/seed pair
// for random injection (a frequency of 0 disables injection).
type Config struct {
	ByteLimit     uint64
	StopIndex     uint64
	FailFrequency uint64
	Seed          uint64
}

// State is the subset of allocator state a policy decision depends on.
type State struct {
	LiveTotal   uint64
	RequestSize uint64
	AllocIndex  uint64
}

// Policy evaluates Config against successive States, using an internal RNG
// seeded once at construction.
//
// A zero Policy allows every request (no limit, no stop, no injection).
type Policy struct {
	cfg Config
	rng *rand.Rand
}

// New constructs a Policy from cfg. If cfg.Seed is zero, the RNG is seeded
// from the current time instead of the configured seed.
func New(cfg Config, now uint64) *Policy {
	seed := cfg.Seed
	if seed == 0 {
		seed = now
	}
	return &Policy{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Decide evaluates the current state against the configured limits and
// random-injection frequency, in priority order: stop-index, byte limit,
// then random injection.
func (p *Policy) Decide(s State) Decision {
	if p.cfg.StopIndex != 0 && s.AllocIndex >= p.cfg.StopIndex {
		return FailWithoutRetry
	}

	if p.cfg.ByteLimit != 0 && s.LiveTotal+s.RequestSize > p.cfg.ByteLimit {
		return FailAfterRetry
	}

	if p.cfg.FailFrequency != 0 && p.rng.Uint64N(p.cfg.FailFrequency) == 0 {
		return FailWithoutRetry
	}

	return Allow
}

// Retry resolves a FailAfterRetry decision once a low-memory handler has
// run: the allocator re-evaluates with the (presumably reduced) live
// total. A second failure from this call propagates without a further
// retry.
func (p *Policy) Retry(s State) Decision {
	d := p.Decide(s)
	if d == FailAfterRetry {
		return FailWithoutRetry
	}
	return d
}
