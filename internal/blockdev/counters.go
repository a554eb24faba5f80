package blockdev

import (
	"runtime"
	"sync/atomic"
)

// counterSet holds one core's counters plus the generation token used to
// detect a write racing a snapshot read.
//
// The generation token is a seqlock: a writer bumps it to odd before
// touching the values and back to even afterwards. A reader that sees an
// odd token, or a token that changed across its read window, discards
// the sample and retries.
//
// The trailing padding sizes the struct to 128 bytes (8 for the token,
// 72 for the values, 48 pad), a whole number of 64-byte cache lines, so
// neighbouring sets never share a line and cores do not contend on each
// other's counters. The arithmetic must be revisited if a Stat is added.
type counterSet struct {
	gen  atomic.Uint64
	vals [numStats]atomic.Int64
	_    [48]byte
}

// Counters is the per-core counter store for one device.
//
// Writes are core-local: exactly one goroutine (the one driving I/O for
// that core) may call Add for a given core index. Any goroutine may call
// Snapshot concurrently with writers on any core.
type Counters struct {
	sets    []counterSet
	tripped atomic.Bool
	logger  Logger
}

// NewCounters creates a counter store with one set per core.
func NewCounters(cores int) *Counters {
	return &Counters{
		sets:   make([]counterSet, cores),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger used to report invariant violations.
func (c *Counters) SetLogger(logger Logger) {
	c.logger = logger
}

// Cores returns the number of per-core counter sets.
func (c *Counters) Cores() int {
	return len(c.sets)
}

// Add applies delta to one counter on one core. Delta may be negative,
// e.g. when a stored page is freed.
//
// Add never blocks and never contends with other cores. It must only be
// called from the core's owning goroutine; concurrent Add calls for the
// same core violate the single-writer contract and can livelock readers.
func (c *Counters) Add(core int, stat Stat, delta int64) {
	set := &c.sets[core]
	set.gen.Add(1)
	set.vals[stat].Add(delta)
	set.gen.Add(1)
}

// Snapshot returns the sum of one counter across all cores as an
// unsigned value.
//
// Each core's value is sampled with the seqlock retry protocol, so the
// per-core reads are individually consistent; the cross-core sum is
// valid as of some instant during the call, not a single global instant.
//
// Individual per-core values can go negative but the sum must not. A
// negative aggregate indicates mismatched increment/decrement pairing in
// the data path: it is logged, latched on the invariant flag, and the
// result is clamped to zero rather than wrapping.
func (c *Counters) Snapshot(stat Stat) uint64 {
	var sum int64
	for core := range c.sets {
		sum += c.readStable(core, stat)
	}

	if sum < 0 {
		c.tripInvariant(stat, sum)
		return 0
	}
	return uint64(sum)
}

// SnapshotAll returns a consistent-per-core aggregate of every counter,
// keyed by stat wire name. Negative aggregates are clamped as in Snapshot.
func (c *Counters) SnapshotAll() map[string]uint64 {
	var sums [numStats]int64
	for core := range c.sets {
		vals := c.readStableAll(core)
		for i := range sums {
			sums[i] += vals[i]
		}
	}

	out := make(map[string]uint64, numStats)
	for i, sum := range sums {
		if sum < 0 {
			c.tripInvariant(Stat(i), sum)
			sum = 0
		}
		out[Stat(i).String()] = uint64(sum)
	}
	return out
}

// Clear zeroes every counter on every core.
//
// Callers must ensure no writers are active: the lifecycle controller
// only clears during a reset, after the open-handle check and the
// pending-I/O flush. Concurrent snapshot readers are safe; they retry
// through the generation bump.
func (c *Counters) Clear() {
	for core := range c.sets {
		set := &c.sets[core]
		set.gen.Add(1)
		for i := range set.vals {
			set.vals[i].Store(0)
		}
		set.gen.Add(1)
	}
	c.tripped.Store(false)
}

// InvariantTripped reports whether a negative aggregate has been
// observed since the last Clear.
func (c *Counters) InvariantTripped() bool {
	return c.tripped.Load()
}

// readStable samples one counter on one core, retrying until the
// generation token is even and unchanged across the read.
//
// The retry loop terminates because each core has exactly one writer and
// a write window is two token bumps around a single atomic add: the
// reader cannot be starved by a writer racing itself.
func (c *Counters) readStable(core int, stat Stat) int64 {
	set := &c.sets[core]
	for attempt := 0; ; attempt++ {
		g1 := set.gen.Load()
		if g1&1 == 0 {
			v := set.vals[stat].Load()
			if set.gen.Load() == g1 {
				return v
			}
		}
		if attempt&63 == 63 {
			runtime.Gosched()
		}
	}
}

// readStableAll samples a core's whole counter array under one stable
// generation window.
func (c *Counters) readStableAll(core int) [numStats]int64 {
	set := &c.sets[core]
	for attempt := 0; ; attempt++ {
		g1 := set.gen.Load()
		if g1&1 == 0 {
			var vals [numStats]int64
			for i := range vals {
				vals[i] = set.vals[i].Load()
			}
			if set.gen.Load() == g1 {
				return vals
			}
		}
		if attempt&63 == 63 {
			runtime.Gosched()
		}
	}
}

// tripInvariant records a negative-aggregate observation. The violation
// is a programming error in the caller's increment/decrement pairing,
// not a user error, so it is logged and latched rather than surfaced.
func (c *Counters) tripInvariant(stat Stat, sum int64) {
	if c.tripped.CompareAndSwap(false, true) {
		c.logger.Error("negative counter aggregate",
			"stat", stat.String(),
			"sum", sum,
		)
	}
}
