// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPool() *Pool {
	return NewPool(2, 3, 3, func() *BufToDisk { return &BufToDisk{} })
}

// TestPoolConservationHoldsAtRest checks spec.md §8 property 3's
// conservation invariant — Conservation() + InFlight() == Total() —
// immediately after construction, before any Dequeue/Enqueue call.
func TestPoolConservationHoldsAtRest(t *testing.T) {
	p := newTestPool()
	b := NewBatcher(p)
	require.Equal(t, p.Total(), p.Conservation()+b.InFlight())
}

// TestPoolConservationHoldsDuringDequeueEnqueueCycle drives a Batcher
// through several Dequeue/Enqueue rounds — including a cursor held
// mid-batch, counted by InFlight rather than Conservation — and checks
// the invariant holds after every single step.
func TestPoolConservationHoldsDuringDequeueEnqueueCycle(t *testing.T) {
	p := newTestPool()
	b := NewBatcher(p)

	check := func(step string) {
		require.Equal(t, p.Total(), p.Conservation()+b.InFlight(), "after %s", step)
	}

	// 3 pre-populated full batches of K==2 give 6 dequeue-able slots;
	// nothing ever recycles a batch back to pool_full without a disk
	// writer's ReturnToFull, so this drains exactly that many before
	// the full channel would otherwise block empty.
	for i := 0; i < 6; i++ {
		buf := b.Dequeue()
		check("Dequeue")
		buf.Offset = uint64(i)
		b.Enqueue(buf)
		check("Enqueue")
	}

	// Flush only ever touches the fill side (already empty here, every
	// Enqueue having landed on an exact batch boundary); the exhausted
	// pull cursor is left in place until the next Dequeue call, so it
	// still legitimately counts as in flight.
	b.Flush()
	check("Flush")
}

// TestPoolFlushOnUntouchedBatcherIsNoop checks spec.md §9's resolution
// of the flush() open question: calling Flush before any Dequeue or
// Enqueue must not perturb pool_full/pool_empty, and remains a no-op
// if called again.
func TestPoolFlushOnUntouchedBatcherIsNoop(t *testing.T) {
	p := newTestPool()
	b := NewBatcher(p)

	before := p.Conservation()
	b.Flush()
	require.Equal(t, before, p.Conservation())
	require.Equal(t, 0, b.InFlight())

	b.Flush()
	require.Equal(t, before, p.Conservation())
}

// TestPoolReturnToFullRestoresConservation simulates a disk writer
// finishing a to_disk batch: ReturnToFull must bring the container
// back into the conserved full/empty/to_disk total.
func TestPoolReturnToFullRestoresConservation(t *testing.T) {
	p := newTestPool()
	b := NewBatcher(p)

	var full Batch
	for i := 0; i < p.K; i++ {
		buf := b.Dequeue()
		buf.Offset = uint64(i)
		b.Enqueue(buf)
	}
	b.Flush()

	select {
	case full = <-p.ToDisk():
	default:
		t.Fatal("expected a completed batch on to_disk")
	}
	// One container is now checked out to this "disk writer" (full, held
	// in a local variable) outside all three queues and outside the
	// Batcher's own cursors — neither Conservation nor InFlight counts
	// it, so the sides differ by exactly that one container until it is
	// returned below.
	require.Equal(t, p.Total(), p.Conservation()+b.InFlight()+1)

	p.ReturnToFull(full)
	require.Equal(t, p.Total(), p.Conservation()+b.InFlight())
}

func TestBatcherSizeReflectsAvailableSlotsOnBothSides(t *testing.T) {
	p := newTestPool()
	b := NewBatcher(p)

	// 3 full batches of K=2 dequeue-able, 3 empty batches of K=2
	// enqueue-able: min(6,6) == 6.
	require.Equal(t, 6, b.Size())
}
