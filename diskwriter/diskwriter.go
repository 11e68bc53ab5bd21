// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package diskwriter implements the DiskWriter pool of spec.md §2/§4.4:
// W worker goroutines draining the BufferPool's to_disk queue and
// performing the actual per-sector writes, contiguous or strided-
// gather with optional byte reversal.
package diskwriter

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/luxfi/pc2tree/bufferpool"
)

// Pool runs a fixed-size worker group, each pulling completed batches
// off a bufferpool.Pool's to_disk queue and writing every non-nil slot
// to its destination Writer, then recycling the container back to
// pool_full.
type Pool struct {
	bp            *bufferpool.Pool
	workers       int
	disableWrites bool // DISABLE_FILE_WRITES: writes become no-ops, queue flow unchanged

	batchesWritten atomic.Uint64
	bytesWritten   atomic.Uint64
}

// New builds a disk-writer pool of the given width over bp. When
// disableWrites is set (spec.md §7's DISABLE_FILE_WRITES benchmarking
// switch), every batch is still drained and recycled, but no bytes
// ever reach a Writer.
func New(bp *bufferpool.Pool, workers int, disableWrites bool) *Pool {
	return &Pool{bp: bp, workers: workers, disableWrites: disableWrites}
}

// Run drives the worker pool until ctx is cancelled or a worker
// returns a non-nil error, in which case every worker is stopped and
// the first error is returned — matching spec.md §7's treatment of
// writer I/O errors as fatal assertions.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	toDisk := p.bp.ToDisk()

	for w := 0; w < p.workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case batch, ok := <-toDisk:
					if !ok {
						return nil
					}
					if err := p.writeBatch(batch); err != nil {
						return err
					}
					p.bp.ReturnToFull(batch)
					p.batchesWritten.Add(1)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) writeBatch(batch bufferpool.Batch) error {
	for _, buf := range batch {
		if buf == nil {
			continue // padding slot from Batcher.Flush
		}
		if err := p.writeOne(buf); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) writeOne(buf *bufferpool.BufToDisk) error {
	for i, dst := range buf.Dst {
		if dst == nil {
			continue
		}
		if p.disableWrites {
			continue
		}
		src := buf.Src[i]
		if buf.Stride > 1 {
			// Gather every Stride-th 32-byte element into a staging copy.
			const elemSize = 32
			staged := make([]byte, 0, buf.Size)
			for off := uint64(0); uint64(len(staged)) < buf.Size; off += buf.Stride * elemSize {
				if off+elemSize > uint64(len(src)) {
					return fmt.Errorf("diskwriter: sector %d strided source too short at byte %d", i, off)
				}
				staged = append(staged, src[off:off+elemSize]...)
			}
			src = staged
		}
		if uint64(len(src)) < buf.Size {
			return fmt.Errorf("diskwriter: sector %d source too short: have %d, need %d", i, len(src), buf.Size)
		}

		var payload []byte
		if buf.Reverse {
			payload = reversedElements(src[:buf.Size])
		} else {
			payload = src[:buf.Size]
		}

		if err := dst.WriteAt(int64(buf.Offset), payload); err != nil {
			return fmt.Errorf("diskwriter: write sector %d at offset %d: %w", i, buf.Offset, err)
		}
		p.bytesWritten.Add(buf.Size)
	}
	return nil
}

// reversedElements returns a copy of src with every 32-byte field
// element byte-reversed in place, for the big-endian on-disk layout
// (spec.md §9's byte-endianness note).
func reversedElements(src []byte) []byte {
	const elemSize = 32
	out := make([]byte, len(src))
	copy(out, src)
	for off := 0; off+elemSize <= len(out); off += elemSize {
		elem := out[off : off+elemSize]
		for i, j := 0, elemSize-1; i < j; i, j = i+1, j-1 {
			elem[i], elem[j] = elem[j], elem[i]
		}
	}
	return out
}

// Stats returns cumulative batches and bytes written, for metrics.
func (p *Pool) Stats() (batches, bytes uint64) {
	return p.batchesWritten.Load(), p.bytesWritten.Load()
}
