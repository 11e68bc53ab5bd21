// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package partition implements PartitionRunner, spec.md §4.7: it
// sequences the P partitions of one sector batch, overlapping each
// partition's CPU top-hash with the next partition's GPU work via a
// single-slot handoff, then combines the P partition roots (when P>1)
// into the final roots written to p_aux.
package partition

import (
	"context"
	"fmt"

	"github.com/luxfi/pc2tree/bufferpool"
	"github.com/luxfi/pc2tree/cputophash"
	"github.com/luxfi/pc2tree/gpuengine"
	"github.com/luxfi/pc2tree/poseidon"
	"github.com/luxfi/pc2tree/treeaddr"
)

// Runner drives one sector batch's full partition sequence. The same
// GPU/Config pair is reused across partitions — only cfg.Partition and
// cfg.TreeCWriters/TreeRWriters change between RunPartition calls,
// since each partition writes (with P>1) to its own tree file.
type Runner struct {
	GPU       *gpuengine.Orchestrator
	GPUConfig *gpuengine.Config

	// TreeCWritersByPartition/TreeRWritersByPartition each have one
	// entry per partition, holding that partition's per-sector writer
	// set — the files filelayout.Layout.TreeCPath(p)/TreeRPath(p) open.
	TreeCWritersByPartition [][]bufferpool.Writer // nil when TreeROnly
	TreeRWritersByPartition [][]bufferpool.Writer

	TopHasher *poseidon.Hasher
	TopArity  uint64
	TreeCAddr treeaddr.Address // per-partition tree-C address
	TreeRAddr treeaddr.Address
	Batcher   *bufferpool.Batcher
	TreeROnly bool

	NumPartitions int

	// TreeArityHasher combines the P partition roots per sector into
	// one super-root when NumPartitions > 1. Nil is only valid when
	// NumPartitions == 1.
	TreeArityHasher *poseidon.Hasher
}

type topHashResult struct {
	partition int
	rootC     []poseidon.Fr
	rootR     []poseidon.Fr
	err       error
}

// Roots is the final, per-sector [root_c | root_r] pair write_roots
// produces, ready to be written into p_aux.
type Roots struct {
	RootC []poseidon.Fr // nil when TreeROnly
	RootR []poseidon.Fr
}

func sectorValuesToFr(vs []gpuengine.SectorValues) [][]poseidon.Fr {
	out := make([][]poseidon.Fr, len(vs))
	for i, v := range vs {
		out[i] = []poseidon.Fr(v)
	}
	return out
}

// Run executes every partition in order, overlapping partition p's CPU
// top-hash with partition p+1's GPU pass, and returns the combined
// final roots.
func (r *Runner) Run(ctx context.Context) (Roots, error) {
	if r.NumPartitions <= 0 {
		return Roots{}, fmt.Errorf("partition: NumPartitions must be > 0")
	}
	if len(r.TreeRWritersByPartition) != r.NumPartitions {
		return Roots{}, fmt.Errorf("partition: TreeRWritersByPartition must have %d entries", r.NumPartitions)
	}
	if !r.TreeROnly && len(r.TreeCWritersByPartition) != r.NumPartitions {
		return Roots{}, fmt.Errorf("partition: TreeCWritersByPartition must have %d entries", r.NumPartitions)
	}

	runGPU := func(p int) ([]gpuengine.SectorValues, []gpuengine.SectorValues, error) {
		r.GPUConfig.Partition = p
		if !r.TreeROnly {
			r.GPUConfig.TreeCWriters = r.TreeCWritersByPartition[p]
		}
		r.GPUConfig.TreeRWriters = r.TreeRWritersByPartition[p]
		if err := r.GPU.RunPartition(ctx); err != nil {
			return nil, nil, fmt.Errorf("partition: gpu pass for partition %d: %w", p, err)
		}
		leavesC, leavesR := r.GPU.Roots()
		return leavesC, leavesR, nil
	}

	topHasherFor := func(p int) *cputophash.Hasher {
		h := &cputophash.Hasher{
			Hasher:       r.TopHasher,
			Batcher:      r.Batcher,
			Arity:        r.TopArity,
			TreeROnly:    r.TreeROnly,
			TreeCAddr:    r.TreeCAddr,
			TreeRAddr:    r.TreeRAddr,
			TreeRWriters: r.TreeRWritersByPartition[p],
		}
		if !r.TreeROnly {
			h.TreeCWriters = r.TreeCWritersByPartition[p]
		}
		return h
	}

	// hash_gpu(0) must complete before the loop's first top-hash can
	// consume its results.
	leavesC, leavesR, err := runGPU(0)
	if err != nil {
		return Roots{}, err
	}

	partitionRootsC := make([][]poseidon.Fr, r.NumPartitions)
	partitionRootsR := make([][]poseidon.Fr, r.NumPartitions)
	ch := make(chan topHashResult, 1)

	for p := 0; p < r.NumPartitions; p++ {
		curC, curR := leavesC, leavesR
		top := topHasherFor(p)

		// Spawn this partition's CPU top-hash on its own goroutine —
		// spec.md §4.7's "1-thread pool pinned to topology.pc2_hasher_cpu".
		go func(p int, curC, curR []gpuengine.SectorValues, top *cputophash.Hasher) {
			rootC, rootR, err := top.BuildTop(sectorValuesToFr(curC), sectorValuesToFr(curR))
			ch <- topHashResult{partition: p, rootC: rootC, rootR: rootR, err: err}
		}(p, curC, curR, top)

		// In parallel with the top-hash goroutine above, begin GPU
		// work for the next partition in this (the "main") goroutine.
		if p+1 < r.NumPartitions {
			leavesC, leavesR, err = runGPU(p + 1)
			if err != nil {
				<-ch // drain the in-flight top-hash before returning
				return Roots{}, err
			}
		}

		// Await this partition's top-hash (the single-slot channel of
		// spec.md §4.7 step 1, checked here rather than at the top of
		// the next iteration — equivalent, since nothing else runs
		// between this point and the next iteration's spawn).
		res := <-ch
		if res.err != nil {
			return Roots{}, fmt.Errorf("partition: top-hash for partition %d: %w", res.partition, res.err)
		}
		partitionRootsC[res.partition] = res.rootC
		partitionRootsR[res.partition] = res.rootR
	}

	return r.writeRoots(partitionRootsC, partitionRootsR)
}

// writeRoots implements spec.md §4.7's final step: when there is more
// than one partition, the P partition roots are combined per sector
// via one more CPU Poseidon (tree-arity) hash; otherwise the single
// partition's root is the final root directly.
func (r *Runner) writeRoots(rootsC, rootsR [][]poseidon.Fr) (Roots, error) {
	if r.NumPartitions == 1 {
		out := Roots{RootR: rootsR[0]}
		if !r.TreeROnly {
			out.RootC = rootsC[0]
		}
		return out, nil
	}

	if r.TreeArityHasher == nil {
		return Roots{}, fmt.Errorf("partition: TreeArityHasher required when NumPartitions > 1")
	}

	sectors := len(rootsR[0])
	combine := func(perPartition [][]poseidon.Fr) ([]poseidon.Fr, error) {
		out := make([]poseidon.Fr, sectors)
		for s := 0; s < sectors; s++ {
			elems := make([]poseidon.Fr, r.NumPartitions)
			for p := 0; p < r.NumPartitions; p++ {
				elems[p] = perPartition[p][s]
			}
			v, err := r.TreeArityHasher.HashTree(elems)
			if err != nil {
				return nil, err
			}
			out[s] = v
		}
		return out, nil
	}

	rootR, err := combine(rootsR)
	if err != nil {
		return Roots{}, fmt.Errorf("partition: combining tree-R partition roots: %w", err)
	}
	out := Roots{RootR: rootR}
	if !r.TreeROnly {
		rootC, err := combine(rootsC)
		if err != nil {
			return Roots{}, fmt.Errorf("partition: combining tree-C partition roots: %w", err)
		}
		out.RootC = rootC
	}
	return out, nil
}
