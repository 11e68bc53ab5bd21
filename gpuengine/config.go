// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gpuengine is the heart of the pipeline (spec.md §2's "35%"
// component): GpuStreamEngine, the per-stream finite state machine of
// §4.5 that reads layer pages, encodes the last layer, hashes columns
// and tree-C/tree-R leaves and internal nodes, and hands results to
// the BufferPool. An Orchestrator polls every Resource's FSM
// round-robin, matching spec.md §5's "no condition variables on GPU
// completion" constraint.
package gpuengine

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/luxfi/pc2tree/bufferpool"
	"github.com/luxfi/pc2tree/poseidon"
	"github.com/luxfi/pc2tree/reader"
	"github.com/luxfi/pc2tree/sector"
	"github.com/luxfi/pc2tree/treeaddr"
)

// Config is the shared, read-only setup every Resource in one
// partition's run is built from. `S`, the sector count, is implied by
// len(SealedWriters)/len(DataFiles).
type Config struct {
	Params    sector.Params
	TreeROnly bool

	// DisableReads selects the FSM's test-mode IDLE branch: leaf groups
	// reuse the reader slot's current contents instead of calling
	// LoadLayers.
	DisableReads bool

	// Reader supplies one LoadLayers call's worth of S*BatchSize field
	// elements per encoding layer, sector-major within each layer
	// block (spec.md §5's "device buffer holding S·N·B field elements").
	Reader reader.Reader

	// DataFiles has one entry per sector; a nil entry means that
	// sector is CC (no external sealed-data encoding).
	DataFiles []*reader.DataFile

	SealedWriters []bufferpool.Writer // len S
	TreeCWriters  []bufferpool.Writer // len S; unused (may be nil) when TreeROnly
	TreeRWriters  []bufferpool.Writer // len S

	Hasher  *poseidon.Hasher
	Batcher *bufferpool.Batcher

	TreeCAddr treeaddr.Address
	TreeRAddr treeaddr.Address

	BatchSize     uint64 // B
	ResourceCount int    // streams sharing this partition's node range
	Partition     int

	// NGPUs is the number of physical devices streams round-robin
	// across (resourceID % NGPUs); 0 defaults to 1 (every stream
	// shares one device). MaxInFlightPerDevice bounds how many of a
	// device's streams may have an async hash callback in flight at
	// once; 0 defaults to 1.
	NGPUs                int
	MaxInFlightPerDevice int64
}

// derived is Config's precomputed, validated shape: everything a
// Resource's FSM needs without recomputing it per step.
type derived struct {
	sectors           int
	nodesPerPartition uint64
	nodesPerStream    uint64
	groupHeight       int // log_A(B): layers fully reduced inside one leaf WorkItem
	arity             uint64
	discardLayers     uint64 // D+1, tree-R's skipped bottom layers
	ngpus             int
	maxInFlight       int64
}

func (c *Config) validate() (derived, error) {
	var d derived
	d.sectors = len(c.SealedWriters)
	if d.sectors == 0 {
		return d, fmt.Errorf("gpuengine: at least one sector required")
	}
	if len(c.DataFiles) != d.sectors {
		return d, fmt.Errorf("gpuengine: DataFiles length %d != sector count %d", len(c.DataFiles), d.sectors)
	}
	if len(c.TreeRWriters) != d.sectors {
		return d, fmt.Errorf("gpuengine: TreeRWriters length %d != sector count %d", len(c.TreeRWriters), d.sectors)
	}
	if !c.TreeROnly && len(c.TreeCWriters) != d.sectors {
		return d, fmt.Errorf("gpuengine: TreeCWriters length %d != sector count %d", len(c.TreeCWriters), d.sectors)
	}
	if c.ResourceCount <= 0 {
		return d, fmt.Errorf("gpuengine: ResourceCount must be > 0")
	}

	d.ngpus = c.NGPUs
	if d.ngpus <= 0 {
		d.ngpus = 1
	}
	d.maxInFlight = c.MaxInFlightPerDevice
	if d.maxInFlight <= 0 {
		d.maxInFlight = 1
	}

	d.arity = uint64(c.Params.NumTreeRCArity)
	d.nodesPerPartition = c.Params.NodesPerPartition()
	if d.nodesPerPartition%uint64(c.ResourceCount) != 0 {
		return d, fmt.Errorf("gpuengine: nodes-per-partition (%d) not a multiple of ResourceCount (%d)", d.nodesPerPartition, c.ResourceCount)
	}
	d.nodesPerStream = d.nodesPerPartition / uint64(c.ResourceCount)

	if c.BatchSize == 0 {
		return d, fmt.Errorf("gpuengine: BatchSize must be > 0")
	}
	height, ok := exactLog(c.BatchSize, d.arity)
	if !ok {
		return d, fmt.Errorf("gpuengine: BatchSize (%d) must be a power of arity (%d)", c.BatchSize, d.arity)
	}
	d.groupHeight = height
	d.discardLayers = uint64(c.Params.NumTreeRDiscardRows) + 1
	return d, nil
}

// exactLog returns (log_base(n), true) when n is an exact power of
// base, else (0, false).
func exactLog(n, base uint64) (int, bool) {
	if base < 2 || n == 0 {
		return 0, false
	}
	l := 0
	for n > 1 {
		if n%base != 0 {
			return 0, false
		}
		n /= base
		l++
	}
	return l, true
}

// log2Ceil returns ceil(log2(n)), 0 for n <= 1. Nothing in the package
// calls it.
func log2Ceil(n uint64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(n - 1)
}

// sharedResults is the gpu_results_c/r pair of spec.md §3/§4.5: one
// final-leaf slot per Resource, shared across the partition and
// protected so the next partition's last-HASH_LEAF cannot overwrite a
// slot the CPU top-hasher is still reading.
type sharedResults struct {
	mu sync.Mutex
	c  [][]poseidon.Fr // [resourceID][sector]
	r  [][]poseidon.Fr
}

func newSharedResults(resources, sectors int) *sharedResults {
	sr := &sharedResults{
		c: make([][]poseidon.Fr, resources),
		r: make([][]poseidon.Fr, resources),
	}
	for i := range sr.c {
		sr.c[i] = make([]poseidon.Fr, sectors)
		sr.r[i] = make([]poseidon.Fr, sectors)
	}
	return sr
}
