package swmr

import (
	"context"
	"time"
)

// Tick clock.
//
// The tick counter in the superblock is owned by the writer: every
// commit advances it by one, and [Writer.AdvanceTick] publishes an
// idle tick when nothing was mutated. Readers never advance it and
// never need its exact value; they only pace retries by the
// configured tick length and bound their patience at MaxLag+1
// attempts, so the attempt budget and the tick budget coincide.

// waitTick sleeps until the next tick boundary or until ctx is done.
//
// This is the only place a reader blocks. tickLen is always positive
// here: zero is defaulted and negatives are rejected at open time.
// Returns ctx.Err() wrapped in [ErrCancelled] when cancelled, nil
// when the tick elapsed.
func (f *File) waitTick(ctx context.Context) error {
	timer := time.NewTimer(f.tickLen)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return cancelled(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// retryBudget is the maximum number of read attempts: the first
// attempt plus one per lagging tick.
func (f *File) retryBudget() uint64 {
	return f.maxLag + 1
}
