// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bufferpool implements the BufferPool and its Batcher adapter
// from spec.md §4.3: three bounded MPMC queues of fixed-size disk-write
// batches, and the single-threaded adapter that turns the orchestrator's
// one-buffer-at-a-time production into the disk-writer's fixed-K
// batches.
package bufferpool

import "sync"

// Writer is the minimal destination a BufToDisk writes into: one
// sector's tree-C, tree-R, or sealed file. Concrete implementations
// live in filelayout and must be safe for concurrent disjoint writes
// (spec.md §5, "pwrite-style").
type Writer interface {
	WriteAt(offset int64, p []byte) error
}

// BufToDisk is one pending disk write: a slice of a pinned host buffer,
// split per-sector, destined for per-sector Writers at a shared logical
// offset. Stride==1 means a contiguous per-sector copy; Stride==NumSectors
// (the sector count) means gather-every-Sth-element, optionally with
// byte reversal (spec.md §3, §4.4).
type BufToDisk struct {
	Data    []byte   // backing storage, a slice of the pinned host region
	Src     [][]byte // per-sector source slices into Data, len == numSectors
	Dst     []Writer // per-sector destination writer, len == numSectors
	Offset  uint64
	Size    uint64 // bytes to write per sector
	Stride  uint64 // 1 = contiguous; >1 = gather every Stride-th element
	Reverse bool   // byte-reverse each field element before writing
}

// Reset clears a BufToDisk back to its "unscheduled" shape so it can be
// reused as a fresh template, keeping its allocated Data/Src/Dst
// backing arrays.
func (b *BufToDisk) Reset() {
	b.Offset = 0
	b.Size = 0
	b.Stride = 0
	b.Reverse = false
	for i := range b.Dst {
		b.Dst[i] = nil
	}
}

// Batch is a fixed-length (K == DiskIOBatchSize) slice of BufToDisk
// pointers. A nil entry is a zero-sized padding slot, written as a
// no-op by the disk writer.
type Batch []*BufToDisk

// Pool owns the three bounded queues of spec.md §4.3: pool_full
// (pre-populated, ready to be drawn from), pool_empty (drained,
// awaiting refill), and to_disk (handed to writers). Total batch
// containers is conserved: num_host_batches + num_host_empty_batches.
type Pool struct {
	K int

	full    chan Batch
	empty   chan Batch
	toDisk  chan Batch
	numFull int
	numEmpt int
}

// NewPool builds a Pool with numHostBatches pre-populated full batches
// (each containing K fresh BufToDisk templates from newBuf) and
// numHostEmptyBatches already-drained empty batches.
func NewPool(k, numHostBatches, numHostEmptyBatches int, newBuf func() *BufToDisk) *Pool {
	p := &Pool{
		K:       k,
		full:    make(chan Batch, numHostBatches),
		empty:   make(chan Batch, numHostEmptyBatches),
		toDisk:  make(chan Batch, numHostBatches+numHostEmptyBatches),
		numFull: numHostBatches,
		numEmpt: numHostEmptyBatches,
	}
	for i := 0; i < numHostBatches; i++ {
		b := make(Batch, k)
		for j := 0; j < k; j++ {
			b[j] = newBuf()
		}
		p.full <- b
	}
	for i := 0; i < numHostEmptyBatches; i++ {
		p.empty <- make(Batch, 0, k)
	}
	return p
}

// ToDisk exposes the to_disk queue for the disk-writer pool to drain.
func (p *Pool) ToDisk() <-chan Batch {
	return p.toDisk
}

// ReturnToFull is called by a writer once it has finished a batch: the
// slots are reset to fresh templates and the container returns to
// pool_full, completing the full -> empty -> to_disk -> full cycle.
func (p *Pool) ReturnToFull(b Batch) {
	for _, buf := range b {
		if buf != nil {
			buf.Reset()
		}
	}
	full := b[:cap(b)]
	for i := range full {
		if full[i] == nil {
			full[i] = &BufToDisk{}
		}
	}
	p.full <- Batch(full)
}

// Conservation returns the total number of batch containers currently
// accounted for across full/empty/to_disk (not counting any batch
// presently checked out to a Batcher's cursors) — used by the §8
// property-3 test together with Batcher.InFlight.
func (p *Pool) Conservation() int {
	return len(p.full) + len(p.empty) + len(p.toDisk)
}

// Total is the fixed total batch-container count the pool was built
// with: num_host_batches + num_host_empty_batches.
func (p *Pool) Total() int {
	return p.numFull + p.numEmpt
}

// Batcher is the single-threaded adapter described in spec.md §4.3: it
// pulls single BufToDisk templates out of pool_full batches and pushes
// filled ones into pool_empty-sourced batches, handing complete
// batches to to_disk. It is owned by exactly one orchestrator.
type Batcher struct {
	pool *Pool

	mu sync.Mutex

	pull    Batch
	pullIdx int

	fill Batch
}

// NewBatcher wraps a Pool with the pull/fill cursors.
func NewBatcher(p *Pool) *Batcher {
	return &Batcher{pool: p}
}

// Dequeue pops the next empty BufToDisk template, pulling a fresh batch
// from pool_full (blocking if none is ready) when the current one is
// exhausted, and returning the exhausted container to pool_empty.
func (b *Batcher) Dequeue() *BufToDisk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pull == nil || b.pullIdx >= len(b.pull) {
		if b.pull != nil {
			b.pool.empty <- b.pull[:0]
		}
		b.pull = <-b.pool.full
		b.pullIdx = 0
	}
	buf := b.pull[b.pullIdx]
	b.pullIdx++
	return buf
}

// Enqueue appends a filled BufToDisk into the current fill batch,
// drawn from pool_empty on first use, pushing to to_disk once it
// reaches K entries.
func (b *Batcher) Enqueue(buf *BufToDisk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fill == nil {
		b.fill = <-b.pool.empty
	}
	b.fill = append(b.fill, buf)
	if len(b.fill) >= b.pool.K {
		b.pool.toDisk <- b.fill
		b.fill = nil
	}
}

// Size returns a conservative lower bound on how many more items can
// be safely Dequeue'd and Enqueue'd without blocking: the minimum of
// the two directions' immediately-available slot counts. The
// orchestrator's sole backpressure predicate is size() < needed.
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dequeueAvail := len(b.pool.full) * b.pool.K
	if b.pull != nil {
		dequeueAvail += len(b.pull) - b.pullIdx
	}

	enqueueAvail := len(b.pool.empty) * b.pool.K
	if b.fill != nil {
		enqueueAvail += b.pool.K - len(b.fill)
	}

	if dequeueAvail < enqueueAvail {
		return dequeueAvail
	}
	return enqueueAvail
}

// Flush pads any partially-filled batch with nil (zero-sized) entries
// and pushes it to to_disk. It is a no-op, and idempotent, when there
// is no partial batch — including immediately after construction with
// no Enqueue ever called, per spec.md §9's resolution of the flush()
// open question: "fully untouched" must not perturb pool_full/pool_empty.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fill == nil || len(b.fill) == 0 {
		if b.fill != nil {
			// Partial-but-empty fill batch: return it rather than
			// pushing a batch of pure padding to the writers.
			b.pool.empty <- b.fill
			b.fill = nil
		}
		return
	}
	for len(b.fill) < b.pool.K {
		b.fill = append(b.fill, nil)
	}
	b.pool.toDisk <- b.fill
	b.fill = nil
}

// InFlight returns how many batches (0, 1 or 2: its pull and its fill
// batch) this Batcher currently holds outside the pool's three queues.
func (b *Batcher) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if b.pull != nil {
		n++
	}
	if b.fill != nil {
		n++
	}
	return n
}
